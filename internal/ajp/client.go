package ajp

import (
	"fmt"
	"strings"
)

// methodCodes inverts httpMethods for the client-side encoder.
var methodCodes = func() map[string]byte {
	m := make(map[string]byte, len(httpMethods))
	for i := 1; i < len(httpMethods); i++ {
		m[httpMethods[i]] = byte(i)
	}
	return m
}()

// requestHeaderCodes inverts requestHeaders.
var requestHeaderCodes = func() map[string]uint16 {
	m := make(map[string]uint16, len(requestHeaders))
	for i := 1; i < len(requestHeaders); i++ {
		m[requestHeaders[i]] = 0xA000 | uint16(i)
	}
	return m
}()

// attributeCodes maps the single-string coded attributes back to their wire
// codes. query_string, secret and stored_method have dedicated RequestSpec
// fields; ssl_key_size is an integer attribute and travels as req_attribute.
var attributeCodes = map[string]byte{
	"context":      attrContext,
	"servlet_path": attrServletPath,
	"remote_user":  attrRemoteUser,
	"auth_type":    attrAuthType,
	"route":        attrRoute,
	"ssl_cert":     attrSSLCert,
	"ssl_cipher":   attrSSLCipher,
	"ssl_session":  attrSSLSession,
}

// responseHeaderNames inverts responseHeaderCodes for decoding reply frames.
var responseHeaderNames = func() []string {
	names := make([]string, len(responseHeaderCodes)+1)
	for name, code := range responseHeaderCodes {
		names[code&0xFF] = name
	}
	return names
}()

// RequestSpec describes one forward request for the client-side encoder. The
// probe tools and wire-level tests use it to impersonate a front proxy.
type RequestSpec struct {
	Method      string
	URI         string
	Protocol    string
	RemoteAddr  string
	RemoteHost  string
	ServerName  string
	ServerPort  int
	SSL         bool
	QueryString string
	Secret      string
	// Headers are sent in order; well-known names go out as 2-byte codes.
	Headers [][2]string
	// Attributes are name/value pairs. Names with a dedicated wire code are
	// sent coded, anything else as a req_attribute pair.
	Attributes [][2]string
}

// AppendForwardRequest frames spec into one FORWARD_REQUEST packet. Methods
// outside the static table are sent as code 0xFF plus a stored_method
// attribute, matching how proxies forward WebDAV extensions.
func AppendForwardRequest(dst []byte, spec *RequestSpec) ([]byte, error) {
	start := len(dst)
	dst = append(dst, MagicRequest1, MagicRequest2, 0, 0)
	dst = append(dst, ForwardRequest)

	method := spec.Method
	if method == "" {
		method = "GET"
	}
	storedMethod := ""
	if code, ok := methodCodes[method]; ok {
		dst = append(dst, code)
	} else {
		dst = append(dst, MethodFromWire)
		storedMethod = method
	}

	protocol := spec.Protocol
	if protocol == "" {
		protocol = "HTTP/1.1"
	}
	dst = appendString(dst, protocol)
	dst = appendString(dst, spec.URI)
	dst = appendString(dst, spec.RemoteAddr)
	dst = appendString(dst, spec.RemoteHost)
	dst = appendString(dst, spec.ServerName)
	dst = appendInt16(dst, spec.ServerPort)
	if spec.SSL {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}

	dst = appendInt16(dst, len(spec.Headers))
	for _, h := range spec.Headers {
		name := strings.ToLower(h[0])
		if code, ok := requestHeaderCodes[name]; ok {
			dst = append(dst, byte(code>>8), byte(code))
		} else {
			dst = appendString(dst, name)
		}
		dst = appendString(dst, h[1])
	}

	if spec.QueryString != "" {
		dst = append(dst, attrQueryString)
		dst = appendString(dst, spec.QueryString)
	}
	if storedMethod != "" {
		dst = append(dst, attrStoredMethod)
		dst = appendString(dst, storedMethod)
	}
	if spec.Secret != "" {
		dst = append(dst, attrSecret)
		dst = appendString(dst, spec.Secret)
	}
	for _, attr := range spec.Attributes {
		if code, ok := attributeCodes[attr[0]]; ok {
			dst = append(dst, code)
			dst = appendString(dst, attr[1])
		} else {
			dst = append(dst, attrReqAttribute)
			dst = appendString(dst, attr[0])
			dst = appendString(dst, attr[1])
		}
	}
	dst = append(dst, attrTerminator)

	payload := len(dst) - start - 4
	if payload > MaxPacketSize-4 {
		return nil, fmt.Errorf("forward request of %d bytes exceeds packet size", payload)
	}
	putInt16(dst[start+2:], payload)
	return dst, nil
}

// AppendRequestBodyChunk frames request body data the way a proxy sends it:
// payload holds a 2-byte data length plus the bytes. Empty data produces the
// bare empty packet that terminates a chunked body. len(data) must not exceed
// MaxReadChunkSize.
func AppendRequestBodyChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return append(dst, MagicRequest1, MagicRequest2, 0, 0)
	}
	dst = append(dst, MagicRequest1, MagicRequest2)
	dst = appendInt16(dst, len(data)+2)
	dst = appendInt16(dst, len(data))
	return append(dst, data...)
}

// AppendCPing appends the 5-byte CPING packet.
func AppendCPing(dst []byte) []byte {
	return append(dst, MagicRequest1, MagicRequest2, 0, 1, CPing)
}

// DecodeSendHeaders decodes a SEND_HEADERS payload, excluding the prefix
// byte. Coded header names are translated back to their text form.
func DecodeSendHeaders(payload []byte) (int, string, [][2]string, error) {
	pos := 0

	u16 := func() (int, error) {
		if pos+2 > len(payload) {
			return 0, fmt.Errorf("truncated send-headers payload")
		}
		v := int(payload[pos])<<8 | int(payload[pos+1])
		pos += 2
		return v, nil
	}
	str := func() (string, error) {
		n, err := u16()
		if err != nil {
			return "", err
		}
		if n == NullStringMarker {
			return "", nil
		}
		if pos+n+1 > len(payload) {
			return "", fmt.Errorf("truncated send-headers payload")
		}
		s := string(payload[pos : pos+n])
		pos += n + 1
		return s, nil
	}

	status, err := u16()
	if err != nil {
		return 0, "", nil, err
	}
	reason, err := str()
	if err != nil {
		return 0, "", nil, err
	}
	count, err := u16()
	if err != nil {
		return 0, "", nil, err
	}

	headers := make([][2]string, 0, count)
	for i := 0; i < count; i++ {
		var name string
		if pos+2 <= len(payload) && payload[pos] == 0xA0 {
			code := int(payload[pos+1])
			pos += 2
			if code == 0 || code >= len(responseHeaderNames) {
				return 0, "", nil, fmt.Errorf("unknown coded response header 0xa0%02x", code)
			}
			name = responseHeaderNames[code]
		} else {
			name, err = str()
			if err != nil {
				return 0, "", nil, err
			}
		}
		value, err := str()
		if err != nil {
			return 0, "", nil, err
		}
		headers = append(headers, [2]string{name, value})
	}
	return status, reason, headers, nil
}

// DecodeGetBodyChunk decodes a GET_BODY_CHUNK payload, excluding the prefix
// byte, returning how many body bytes the server requests.
func DecodeGetBodyChunk(payload []byte) (int, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("truncated get-body-chunk payload")
	}
	return int(payload[0])<<8 | int(payload[1]), nil
}
