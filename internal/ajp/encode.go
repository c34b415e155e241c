package ajp

// appendInt16 appends v as a big-endian 16-bit integer.
func appendInt16(dst []byte, v int) []byte {
	return append(dst, byte(v>>8), byte(v))
}

// putInt16 overwrites dst[0:2] with v in big-endian order.
func putInt16(dst []byte, v int) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

// appendString appends a protocol string: 2-byte length, raw bytes, NUL.
func appendString(dst []byte, s string) []byte {
	dst = appendInt16(dst, len(s))
	dst = append(dst, s...)
	return append(dst, 0)
}

// AppendSendHeaders frames the response status line and headers into one
// SEND_HEADERS packet. Header names matching the coded table are written as
// 2-byte codes; anything else goes out as a literal string. An empty reason
// falls back to the standard phrase for the status code.
func AppendSendHeaders(dst []byte, status int, reason string, headers [][2]string) []byte {
	if reason == "" {
		reason = StatusText(status)
	}
	dst = append(dst, MagicReply1, MagicReply2, 0, 0)
	mark := len(dst)
	dst = append(dst, SendHeaders)
	dst = appendInt16(dst, status)
	dst = appendString(dst, reason)
	dst = appendInt16(dst, len(headers))
	for _, h := range headers {
		if code, ok := responseHeaderCodes[h[0]]; ok {
			dst = appendInt16(dst, int(code))
		} else {
			dst = appendString(dst, h[0])
		}
		dst = appendString(dst, h[1])
	}
	putInt16(dst[mark-2:], len(dst)-mark)
	return dst
}

// AppendSendBodyChunk frames data into one SEND_BODY_CHUNK packet. The chunk
// carries a 2-byte data length and a trailing NUL, so len(data) must not
// exceed MaxWriteChunkSize.
func AppendSendBodyChunk(dst, data []byte) []byte {
	dst = append(dst, MagicReply1, MagicReply2)
	dst = appendInt16(dst, len(data)+4)
	dst = append(dst, SendBodyChunk)
	dst = appendInt16(dst, len(data))
	dst = append(dst, data...)
	return append(dst, 0)
}

// AppendGetBodyChunk appends a GET_BODY_CHUNK packet requesting up to n more
// request body bytes from the peer.
func AppendGetBodyChunk(dst []byte, n int) []byte {
	dst = append(dst, MagicReply1, MagicReply2, 0, 3, GetBodyChunk)
	return appendInt16(dst, n)
}

// AppendEndResponse appends the END_RESPONSE packet closing the exchange.
// reuse tells the peer whether this connection may carry another request.
func AppendEndResponse(dst []byte, reuse bool) []byte {
	flag := byte(0)
	if reuse {
		flag = 1
	}
	return append(dst, MagicReply1, MagicReply2, 0, 2, EndResponse, flag)
}
