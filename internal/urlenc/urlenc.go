// Package urlenc implements percent-decoding and ordered query-string
// parsing for request targets forwarded by a reverse proxy.
package urlenc

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// ErrInvalidEncoding reports malformed percent-encoding. The input is never
// partially decoded or silently passed through.
var ErrInvalidEncoding = errors.New("invalid percent-encoding")

// Decode percent-decodes s: '+' becomes a space and runs of consecutive %XX
// escapes become bytes, interpreted in the named charset (UTF-8 when empty).
// Hex digits are case-insensitive. With decodeSlash false, an escaped slash
// or backslash byte is re-escaped in the output so it cannot be confused with
// a literal path separator.
func Decode(s, charset string, decodeSlash bool) (string, error) {
	var buf strings.Builder
	var bytes []byte
	changed := false

	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case '+':
			buf.WriteByte(' ')
			i++
			changed = true
		case '%':
			// Collect the whole run of consecutive %XX escapes and decode
			// the resulting bytes as one charset sequence, so multi-byte
			// characters survive.
			slashEscape := false
			if bytes == nil {
				bytes = make([]byte, 0, (len(s)-i)/3)
			}
			bytes = bytes[:0]
			for i+2 < len(s) && c == '%' {
				hi := hexVal(s[i+1])
				lo := hexVal(s[i+2])
				if hi < 0 || lo < 0 {
					return "", fmt.Errorf("%w in %q", ErrInvalidEncoding, s)
				}
				v := byte(hi<<4 | lo)
				if v == '/' || v == '\\' {
					slashEscape = true
				}
				bytes = append(bytes, v)
				i += 3
				if i < len(s) {
					c = s[i]
				}
			}
			if i < len(s) && c == '%' {
				// A trailing incomplete escape such as "%x".
				return "", fmt.Errorf("%w in %q", ErrInvalidEncoding, s)
			}
			decoded, err := decodeCharset(bytes, charset)
			if err != nil {
				return "", fmt.Errorf("%w in %q: %v", ErrInvalidEncoding, s, err)
			}
			if !decodeSlash && slashEscape {
				writeSlashEscaped(&buf, decoded)
			} else {
				buf.WriteString(decoded)
			}
			changed = true
		default:
			buf.WriteByte(c)
			i++
		}
	}
	if !changed {
		return s, nil
	}
	return buf.String(), nil
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// writeSlashEscaped copies decoded into buf, re-escaping slash characters.
func writeSlashEscaped(buf *strings.Builder, decoded string) {
	for i := 0; i < len(decoded); i++ {
		switch decoded[i] {
		case '/':
			buf.WriteString("%2F")
		case '\\':
			buf.WriteString("%5C")
		default:
			buf.WriteByte(decoded[i])
		}
	}
}

// decodeCharset interprets raw bytes in the named charset. UTF-8 skips the
// conversion machinery.
func decodeCharset(b []byte, charset string) (string, error) {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return string(b), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Param is one query parameter. Input order is preserved by the parser.
type Param struct {
	Key   string
	Value string
}

// ParseQuery splits s on '&', separating each pair at its first '='. A key
// with no '=' yields an empty value; later '=' characters stay in the value.
// With doDecode set, keys and values are percent-decoded in the named
// charset.
func ParseQuery(s, charset string, doDecode bool) ([]Param, error) {
	var params []Param
	add := func(key, value string) error {
		if doDecode {
			var err error
			if key, err = Decode(key, charset, true); err != nil {
				return err
			}
			if value, err = Decode(value, charset, true); err != nil {
				return err
			}
		}
		params = append(params, Param{Key: key, Value: value})
		return nil
	}

	start := 0
	name := ""
	haveName := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '=' && !haveName:
			name = s[start:i]
			haveName = true
			start = i + 1
		case s[i] == '&':
			if haveName {
				if err := add(name, s[start:i]); err != nil {
					return nil, err
				}
			} else {
				if err := add(s[start:i], ""); err != nil {
					return nil, err
				}
			}
			start = i + 1
			haveName = false
		}
	}
	if haveName {
		if err := add(name, s[start:]); err != nil {
			return nil, err
		}
	} else if start != len(s) {
		if err := add(s[start:], ""); err != nil {
			return nil, err
		}
	}
	return params, nil
}
