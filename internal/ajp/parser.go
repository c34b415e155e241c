package ajp

import (
	"fmt"
	"strconv"

	"github.com/adietish/undertow/internal/exchange"
)

// phase identifies the decodable unit the parser is positioned at.
type phase uint8

const (
	phaseMagic phase = iota
	phasePayloadLength
	phasePrefix
	phaseMethod
	phaseProtocol
	phaseURI
	phaseRemoteAddr
	phaseRemoteHost
	phaseServerName
	phaseServerPort
	phaseSSL
	phaseNumHeaders
	phaseHeaderName
	phaseHeaderValue
	phaseAttrCode
	phaseAttrName
	phaseAttrValue
	phaseDone
)

const strLenUnset = -1

// ParseState carries the progress of a partially decoded request frame across
// read boundaries. A fresh state begins a new frame; once Complete reports
// true the state must be discarded, not reused.
type ParseState struct {
	phase phase

	// Prefix is the frame-type code, valid from the prefix phase onward.
	Prefix byte

	payloadLength int

	// halfInt buffers the high byte of a 16-bit integer split across reads;
	// -1 when no half-read integer is pending.
	halfInt int

	// strLen is the declared length of the string currently being read,
	// strLenUnset before its length field completes. strBuf accumulates the
	// string bytes; the trailing terminator is consumed separately.
	strLen int
	strBuf []byte

	numHeaders  int
	readHeaders int
	headerName  string

	attrCode byte
	attrName string

	complete bool
}

// NewParseState returns a state positioned at the start of a frame.
func NewParseState() *ParseState {
	return &ParseState{halfInt: -1, strLen: strLenUnset}
}

// Complete reports whether the current frame has been fully decoded.
func (s *ParseState) Complete() bool {
	return s.complete
}

// PayloadLength returns the frame's declared payload length, valid once the
// envelope has been decoded.
func (s *ParseState) PayloadLength() int {
	return s.payloadLength
}

// Parse decodes frame bytes against state, populating ex with request fields
// as they complete. It returns how many bytes of data were consumed; the
// caller retains any remainder. Decoding suspends exactly at input exhaustion
// and a later call resumes mid-field without re-reading consumed bytes.
// Malformed input is reported as an error and leaves the state unusable.
func Parse(data []byte, state *ParseState, ex *exchange.Exchange) (int, error) {
	pos := 0
	for pos < len(data) && !state.complete {
		switch state.phase {
		case phaseMagic:
			v, ok := state.readInt16(data, &pos)
			if !ok {
				return pos, nil
			}
			if v != int(MagicRequest1)<<8|int(MagicRequest2) {
				return pos, fmt.Errorf("bad request magic 0x%04x", v)
			}
			state.phase = phasePayloadLength

		case phasePayloadLength:
			v, ok := state.readInt16(data, &pos)
			if !ok {
				return pos, nil
			}
			state.payloadLength = v
			state.phase = phasePrefix

		case phasePrefix:
			state.Prefix = data[pos]
			pos++
			if state.Prefix != ForwardRequest {
				// Control frames carry nothing beyond the prefix byte.
				state.phase = phaseDone
				state.complete = true
				return pos, nil
			}
			state.phase = phaseMethod

		case phaseMethod:
			code := data[pos]
			pos++
			switch {
			case code == MethodFromWire:
				// Method arrives via the stored_method attribute instead.
			case code >= 1 && int(code) < len(httpMethods):
				ex.Method = httpMethods[code]
			default:
				return pos, fmt.Errorf("bad method code %d", code)
			}
			state.phase = phaseProtocol

		case phaseProtocol:
			s, _, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.Protocol = s
			state.phase = phaseURI

		case phaseURI:
			s, _, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.RequestURI = s
			state.phase = phaseRemoteAddr

		case phaseRemoteAddr:
			s, _, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.RemoteAddr = s
			state.phase = phaseRemoteHost

		case phaseRemoteHost:
			s, _, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.RemoteHost = s
			state.phase = phaseServerName

		case phaseServerName:
			s, _, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.ServerName = s
			state.phase = phaseServerPort

		case phaseServerPort:
			v, ok := state.readInt16(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.ServerPort = v
			state.phase = phaseSSL

		case phaseSSL:
			ex.SSLRequest = data[pos] != 0
			pos++
			state.phase = phaseNumHeaders

		case phaseNumHeaders:
			v, ok := state.readInt16(data, &pos)
			if !ok {
				return pos, nil
			}
			state.numHeaders = v
			if v == 0 {
				state.phase = phaseAttrCode
			} else {
				state.phase = phaseHeaderName
			}

		case phaseHeaderName:
			if state.strLen == strLenUnset {
				v, ok := state.readInt16(data, &pos)
				if !ok {
					return pos, nil
				}
				if v > 0xA000 {
					// Coded well-known name; low byte indexes the table.
					code := v & 0xFF
					if code == 0 || code >= len(requestHeaders) {
						return pos, fmt.Errorf("bad header code 0x%04x", v)
					}
					state.headerName = requestHeaders[code]
					state.phase = phaseHeaderValue
					continue
				}
				state.strLen = v
			}
			s, ok := state.readStringBody(data, &pos)
			if !ok {
				return pos, nil
			}
			state.headerName = s
			state.phase = phaseHeaderValue

		case phaseHeaderValue:
			s, _, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			ex.RequestHeaders.Add(state.headerName, s)
			state.headerName = ""
			state.readHeaders++
			if state.readHeaders < state.numHeaders {
				state.phase = phaseHeaderName
			} else {
				state.phase = phaseAttrCode
			}

		case phaseAttrCode:
			code := data[pos]
			pos++
			if code == attrTerminator {
				state.phase = phaseDone
				state.complete = true
				return pos, nil
			}
			if code == 0 || int(code) >= len(attributeNames) {
				return pos, fmt.Errorf("bad attribute code %d", code)
			}
			state.attrCode = code
			if code == attrReqAttribute {
				state.phase = phaseAttrName
			} else {
				state.phase = phaseAttrValue
			}

		case phaseAttrName:
			s, null, ok := state.readString(data, &pos)
			if !ok {
				return pos, nil
			}
			if null {
				return pos, fmt.Errorf("null attribute name")
			}
			state.attrName = s
			state.phase = phaseAttrValue

		case phaseAttrValue:
			var value string
			if state.attrCode == attrSSLKeySize {
				v, ok := state.readInt16(data, &pos)
				if !ok {
					return pos, nil
				}
				value = strconv.Itoa(v)
			} else {
				s, _, ok := state.readString(data, &pos)
				if !ok {
					return pos, nil
				}
				value = s
			}
			state.storeAttribute(ex, value)
			state.attrCode = 0
			state.phase = phaseAttrCode

		case phaseDone:
			return pos, nil
		}
	}
	return pos, nil
}

// storeAttribute records a completed attribute on the exchange, lifting the
// well-known ones into their dedicated fields.
func (s *ParseState) storeAttribute(ex *exchange.Exchange, value string) {
	name := attributeNames[s.attrCode]
	if s.attrCode == attrReqAttribute {
		name = s.attrName
		s.attrName = ""
	}
	switch s.attrCode {
	case attrQueryString:
		ex.QueryString = value
	case attrRemoteUser:
		ex.RemoteUser = value
	case attrAuthType:
		ex.AuthType = value
	case attrStoredMethod:
		ex.Method = value
	}
	ex.PutAttribute(name, value)
}

// readInt16 accumulates a big-endian 16-bit integer, resuming across calls if
// its two bytes were split by a read boundary.
func (s *ParseState) readInt16(data []byte, pos *int) (int, bool) {
	if s.halfInt == -1 {
		if *pos >= len(data) {
			return 0, false
		}
		s.halfInt = int(data[*pos])
		*pos++
	}
	if *pos >= len(data) {
		return 0, false
	}
	v := s.halfInt<<8 | int(data[*pos])
	*pos++
	s.halfInt = -1
	return v, true
}

// readString decodes one length-prefixed string: 2-byte length, raw bytes,
// NUL terminator. A length of NullStringMarker denotes an absent string,
// reported via the second return; it carries no bytes and no terminator.
func (s *ParseState) readString(data []byte, pos *int) (string, bool, bool) {
	if s.strLen == strLenUnset {
		v, ok := s.readInt16(data, pos)
		if !ok {
			return "", false, false
		}
		if v == NullStringMarker {
			return "", true, true
		}
		s.strLen = v
	}
	str, ok := s.readStringBody(data, pos)
	return str, false, ok
}

// readStringBody finishes a string whose length is already known, consuming
// the remaining body bytes and the trailing terminator.
func (s *ParseState) readStringBody(data []byte, pos *int) (string, bool) {
	if need := s.strLen - len(s.strBuf); need > 0 {
		avail := data[*pos:]
		if len(avail) > need {
			avail = avail[:need]
		}
		s.strBuf = append(s.strBuf, avail...)
		*pos += len(avail)
		if len(s.strBuf) < s.strLen {
			return "", false
		}
	}
	if *pos >= len(data) {
		return "", false
	}
	*pos++ // terminator
	str := string(s.strBuf)
	s.strBuf = s.strBuf[:0]
	s.strLen = strLenUnset
	return str, true
}
