// Package ajp implements the AJP/1.3 binary frame format: protocol constants,
// the static code tables, an incremental request-frame parser that resumes
// across arbitrarily-split reads, and the outbound packet encoders. The
// package is pure codec; it performs no I/O.
package ajp

// Packet magics. Proxy-to-server packets start with 0x12 0x34, server-to-proxy
// packets with 'A' 'B'. Both are followed by a 2-byte big-endian payload
// length.
const (
	MagicRequest1 = 0x12
	MagicRequest2 = 0x34
	MagicReply1   = 'A'
	MagicReply2   = 'B'
)

// Prefix codes carried as the first payload byte of proxy-to-server packets.
const (
	ForwardRequest = 2
	Shutdown       = 7
	Ping           = 8
	CPing          = 10
)

// Prefix codes for server-to-proxy packets.
const (
	SendBodyChunk = 3
	SendHeaders   = 4
	EndResponse   = 5
	GetBodyChunk  = 6
	CPong         = 9
)

// Packet sizing. A packet never exceeds MaxPacketSize including its 4-byte
// envelope. Request body chunks carry a 2-byte data length inside the payload;
// response body chunks additionally carry a prefix code and a trailing NUL.
const (
	MaxPacketSize     = 8192
	MaxReadChunkSize  = MaxPacketSize - 6 // request body data per packet
	MaxWriteChunkSize = MaxPacketSize - 8 // response body data per packet
)

// NullStringMarker in a string length field denotes an absent string.
const NullStringMarker = 0xFFFF

// CPongBytes is the fixed acknowledgment written in response to a CPING.
var CPongBytes = []byte{'A', 'B', 0, 0, 0, 1, 9}

// httpMethods maps forward-request method codes (1-27). Code 0xFF is also
// legal on the wire and means the method arrives via the stored_method
// attribute instead.
var httpMethods = []string{
	"",
	"OPTIONS",
	"GET",
	"HEAD",
	"POST",
	"PUT",
	"DELETE",
	"TRACE",
	"PROPFIND",
	"PROPPATCH",
	"MKCOL",
	"COPY",
	"MOVE",
	"LOCK",
	"UNLOCK",
	"ACL",
	"REPORT",
	"VERSION-CONTROL",
	"CHECKIN",
	"CHECKOUT",
	"UNCHECKOUT",
	"SEARCH",
	"MKWORKSPACE",
	"UPDATE",
	"LABEL",
	"MERGE",
	"BASELINE-CONTROL",
	"MKACTIVITY",
}

// MethodFromWire is the sentinel method code signalling a stored_method
// attribute will supply the method name.
const MethodFromWire = 0xFF

// requestHeaders maps the low byte of coded request header names
// (0xA001-0xA00E).
var requestHeaders = []string{
	"",
	"accept",
	"accept-charset",
	"accept-encoding",
	"accept-language",
	"authorization",
	"connection",
	"content-type",
	"content-length",
	"cookie",
	"cookie2",
	"host",
	"pragma",
	"referer",
	"user-agent",
}

// responseHeaderCodes maps lowercase response header names to their coded wire
// form (0xA001-0xA00B). Anything absent is written as a literal string.
var responseHeaderCodes = map[string]uint16{
	"content-type":     0xA001,
	"content-language": 0xA002,
	"content-length":   0xA003,
	"date":             0xA004,
	"last-modified":    0xA005,
	"location":         0xA006,
	"set-cookie":       0xA007,
	"set-cookie2":      0xA008,
	"servlet-engine":   0xA009,
	"status":           0xA00A,
	"www-authenticate": 0xA00B,
}

// Attribute codes. attrReqAttribute carries an explicit name/value string
// pair; attrSSLKeySize carries a 16-bit integer; everything else carries a
// single string. attrTerminator ends the list.
const (
	attrContext      = 0x01
	attrServletPath  = 0x02
	attrRemoteUser   = 0x03
	attrAuthType     = 0x04
	attrQueryString  = 0x05
	attrRoute        = 0x06
	attrSSLCert      = 0x07
	attrSSLCipher    = 0x08
	attrSSLSession   = 0x09
	attrReqAttribute = 0x0A
	attrSSLKeySize   = 0x0B
	attrSecret       = 0x0C
	attrStoredMethod = 0x0D
	attrTerminator   = 0xFF
)

// attributeNames maps attribute codes (1-13) to their canonical names.
var attributeNames = []string{
	"",
	"context",
	"servlet_path",
	"remote_user",
	"auth_type",
	"query_string",
	"route",
	"ssl_cert",
	"ssl_cipher",
	"ssl_session",
	"req_attribute",
	"ssl_key_size",
	"secret",
	"stored_method",
}

// Canonical attribute name constants used by consumers of parsed exchanges.
const (
	AttrQueryString  = "query_string"
	AttrRemoteUser   = "remote_user"
	AttrAuthType     = "auth_type"
	AttrRoute        = "route"
	AttrSSLCert      = "ssl_cert"
	AttrSSLCipher    = "ssl_cipher"
	AttrSSLSession   = "ssl_session"
	AttrSSLKeySize   = "ssl_key_size"
	AttrSecret       = "secret"
	AttrStoredMethod = "stored_method"
)
