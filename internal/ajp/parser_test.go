package ajp

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adietish/undertow/internal/exchange"
)

// frame wraps a payload in the request envelope.
func frame(payload []byte) []byte {
	f := []byte{MagicRequest1, MagicRequest2}
	f = appendInt16(f, len(payload))
	return append(f, payload...)
}

func cpingFrame() []byte {
	return frame([]byte{CPing})
}

// basicForwardPayload is a GET with one coded and one literal header.
func basicForwardPayload() []byte {
	p := []byte{ForwardRequest, 2}
	p = appendString(p, "HTTP/1.1")
	p = appendString(p, "/index.html")
	p = appendString(p, "127.0.0.1")
	p = appendString(p, "remote.example.com")
	p = appendString(p, "www.example.com")
	p = appendInt16(p, 8009)
	p = append(p, 0)
	p = appendInt16(p, 2)
	p = appendInt16(p, 0xA00B) // host
	p = appendString(p, "www.example.com")
	p = appendString(p, "X-Custom")
	p = appendString(p, "yes")
	return append(p, attrTerminator)
}

func requireBasicForward(t *testing.T, ex *exchange.Exchange) {
	t.Helper()
	require.Equal(t, "GET", ex.Method)
	require.Equal(t, "HTTP/1.1", ex.Protocol)
	require.Equal(t, "/index.html", ex.RequestURI)
	require.Equal(t, "127.0.0.1", ex.RemoteAddr)
	require.Equal(t, "remote.example.com", ex.RemoteHost)
	require.Equal(t, "www.example.com", ex.ServerName)
	require.Equal(t, 8009, ex.ServerPort)
	require.False(t, ex.SSLRequest)
	require.Equal(t, "www.example.com", ex.RequestHeaders.Get("host"))
	require.Equal(t, "yes", ex.RequestHeaders.Get("x-custom"))
	require.Equal(t, [][2]string{{"host", "www.example.com"}, {"x-custom", "yes"}}, ex.RequestHeaders.All())
}

func TestParseForwardRequest(t *testing.T) {
	data := frame(basicForwardPayload())
	state := NewParseState()
	ex := exchange.New()

	consumed, err := Parse(data, state, ex)
	require.NoError(t, err)
	require.True(t, state.Complete())
	require.Equal(t, len(data), consumed)
	require.Equal(t, byte(ForwardRequest), state.Prefix)
	requireBasicForward(t, ex)
}

func TestParseResumableAcrossAllSplits(t *testing.T) {
	data := frame(basicForwardPayload())

	for n := 1; n <= len(data); n++ {
		state := NewParseState()
		ex := exchange.New()
		total := 0
		for off := 0; off < len(data); off += n {
			end := off + n
			if end > len(data) {
				end = len(data)
			}
			consumed, err := Parse(data[off:end], state, ex)
			require.NoError(t, err)
			total += consumed
		}
		require.Truef(t, state.Complete(), "chunk size %d", n)
		require.Equalf(t, len(data), total, "chunk size %d", n)
		requireBasicForward(t, ex)
	}
}

func TestParseResumableRandomSplits(t *testing.T) {
	data := frame(basicForwardPayload())
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 200; round++ {
		state := NewParseState()
		ex := exchange.New()
		off := 0
		for off < len(data) {
			n := 1 + rng.Intn(len(data)-off)
			consumed, err := Parse(data[off:off+n], state, ex)
			require.NoError(t, err)
			require.Equal(t, n, consumed)
			off += n
		}
		require.True(t, state.Complete())
		requireBasicForward(t, ex)
	}
}

func TestParseCPing(t *testing.T) {
	data := cpingFrame()
	state := NewParseState()
	ex := exchange.New()

	consumed, err := Parse(data, state, ex)
	require.NoError(t, err)
	require.True(t, state.Complete())
	require.Equal(t, len(data), consumed)
	require.Equal(t, byte(CPing), state.Prefix)
	// Control frames never touch the exchange.
	require.Empty(t, ex.Method)
	require.Empty(t, ex.RequestURI)
}

func TestParseStopsAtFrameBoundary(t *testing.T) {
	first := cpingFrame()
	second := frame(basicForwardPayload())
	data := append(append([]byte{}, first...), second...)

	state := NewParseState()
	ex := exchange.New()
	consumed, err := Parse(data, state, ex)
	require.NoError(t, err)
	require.True(t, state.Complete())
	require.Equal(t, len(first), consumed)

	// The remainder parses with a fresh state.
	state = NewParseState()
	consumed, err = Parse(data[len(first):], state, ex)
	require.NoError(t, err)
	require.True(t, state.Complete())
	require.Equal(t, len(second), consumed)
	requireBasicForward(t, ex)
}

func TestParseNullString(t *testing.T) {
	p := []byte{ForwardRequest, 2}
	p = appendString(p, "HTTP/1.1")
	p = appendString(p, "/")
	p = appendString(p, "127.0.0.1")
	p = appendInt16(p, NullStringMarker) // remote host absent
	p = appendString(p, "localhost")
	p = appendInt16(p, 8009)
	p = append(p, 0)
	p = appendInt16(p, 0)
	p = append(p, attrTerminator)

	state := NewParseState()
	ex := exchange.New()
	_, err := Parse(frame(p), state, ex)
	require.NoError(t, err)
	require.True(t, state.Complete())
	require.Equal(t, "", ex.RemoteHost)
	require.Equal(t, "localhost", ex.ServerName)
}

func TestParseAttributes(t *testing.T) {
	p := []byte{ForwardRequest, MethodFromWire} // method via stored_method
	p = appendString(p, "HTTP/1.1")
	p = appendString(p, "/app")
	p = appendString(p, "10.0.0.1")
	p = appendString(p, "proxy")
	p = appendString(p, "backend")
	p = appendInt16(p, 8009)
	p = append(p, 1) // ssl
	p = appendInt16(p, 0)
	p = append(p, attrQueryString)
	p = appendString(p, "a=1&b=2")
	p = append(p, attrRoute)
	p = appendString(p, "worker1")
	p = append(p, attrSSLKeySize)
	p = appendInt16(p, 256)
	p = append(p, attrReqAttribute)
	p = appendString(p, "AJP_REMOTE_PORT")
	p = appendString(p, "34567")
	p = append(p, attrSecret)
	p = appendString(p, "letmein")
	p = append(p, attrStoredMethod)
	p = appendString(p, "REPORT")
	p = append(p, attrTerminator)

	state := NewParseState()
	ex := exchange.New()
	consumed, err := Parse(frame(p), state, ex)
	require.NoError(t, err)
	require.True(t, state.Complete())
	require.Equal(t, len(frame(p)), consumed)

	require.True(t, ex.SSLRequest)
	require.Equal(t, "a=1&b=2", ex.QueryString)
	require.Equal(t, "REPORT", ex.Method)
	require.Equal(t, "worker1", ex.Attribute(AttrRoute))
	require.Equal(t, "256", ex.Attribute(AttrSSLKeySize))
	require.Equal(t, "34567", ex.Attribute("AJP_REMOTE_PORT"))
	require.Equal(t, "letmein", ex.Attribute(AttrSecret))

	// Attribute order mirrors the wire.
	require.Equal(t, [][2]string{
		{"query_string", "a=1&b=2"},
		{"route", "worker1"},
		{"ssl_key_size", "256"},
		{"AJP_REMOTE_PORT", "34567"},
		{"secret", "letmein"},
		{"stored_method", "REPORT"},
	}, ex.Attributes)
}

func TestParseErrors(t *testing.T) {
	t.Run("BadMagic", func(t *testing.T) {
		state := NewParseState()
		_, err := Parse([]byte{'A', 'B', 0, 1, CPing}, state, exchange.New())
		require.Error(t, err)
	})

	t.Run("BadMethodCode", func(t *testing.T) {
		p := []byte{ForwardRequest, 28}
		state := NewParseState()
		_, err := Parse(frame(p), state, exchange.New())
		require.Error(t, err)
	})

	t.Run("ZeroMethodCode", func(t *testing.T) {
		p := []byte{ForwardRequest, 0}
		state := NewParseState()
		_, err := Parse(frame(p), state, exchange.New())
		require.Error(t, err)
	})

	t.Run("BadHeaderCode", func(t *testing.T) {
		p := []byte{ForwardRequest, 2}
		p = appendString(p, "HTTP/1.1")
		p = appendString(p, "/")
		p = appendString(p, "127.0.0.1")
		p = appendString(p, "remote")
		p = appendString(p, "server")
		p = appendInt16(p, 8009)
		p = append(p, 0)
		p = appendInt16(p, 1)
		p = appendInt16(p, 0xA00F) // request header codes stop at 0xA00E
		state := NewParseState()
		_, err := Parse(frame(p), state, exchange.New())
		require.Error(t, err)
	})

	t.Run("BadAttributeCode", func(t *testing.T) {
		p := []byte{ForwardRequest, 2}
		p = appendString(p, "HTTP/1.1")
		p = appendString(p, "/")
		p = appendString(p, "127.0.0.1")
		p = appendString(p, "remote")
		p = appendString(p, "server")
		p = appendInt16(p, 8009)
		p = append(p, 0)
		p = appendInt16(p, 0)
		p = append(p, 0x20)
		state := NewParseState()
		_, err := Parse(frame(p), state, exchange.New())
		require.Error(t, err)
	})
}

func TestAppendSendHeaders(t *testing.T) {
	pkt := AppendSendHeaders(nil, 200, "", [][2]string{
		{"content-type", "text/plain"},
		{"x-extra", "1"},
	})

	require.Equal(t, byte(MagicReply1), pkt[0])
	require.Equal(t, byte(MagicReply2), pkt[1])
	payloadLen := int(pkt[2])<<8 | int(pkt[3])
	require.Equal(t, len(pkt)-4, payloadLen)
	require.Equal(t, byte(SendHeaders), pkt[4])
	require.Equal(t, 200, int(pkt[5])<<8|int(pkt[6]))

	// Reason phrase defaults to the standard text.
	reasonLen := int(pkt[7])<<8 | int(pkt[8])
	require.Equal(t, "OK", string(pkt[9:9+reasonLen]))
	require.Equal(t, byte(0), pkt[9+reasonLen])

	// Header count follows the reason.
	off := 9 + reasonLen + 1
	require.Equal(t, 2, int(pkt[off])<<8|int(pkt[off+1]))
	off += 2

	// content-type is coded.
	require.Equal(t, 0xA001, int(pkt[off])<<8|int(pkt[off+1]))
	off += 2
	vlen := int(pkt[off])<<8 | int(pkt[off+1])
	require.Equal(t, "text/plain", string(pkt[off+2:off+2+vlen]))
	off += 2 + vlen + 1

	// x-extra goes out literal.
	nlen := int(pkt[off])<<8 | int(pkt[off+1])
	require.Equal(t, "x-extra", string(pkt[off+2:off+2+nlen]))
}

func TestAppendSendBodyChunk(t *testing.T) {
	pkt := AppendSendBodyChunk(nil, []byte("hello"))
	want := []byte{'A', 'B', 0, 9, SendBodyChunk, 0, 5, 'h', 'e', 'l', 'l', 'o', 0}
	require.Equal(t, want, pkt)
}

func TestAppendGetBodyChunk(t *testing.T) {
	pkt := AppendGetBodyChunk(nil, MaxReadChunkSize)
	want := []byte{'A', 'B', 0, 3, GetBodyChunk, 0x1F, 0xFA}
	require.Equal(t, want, pkt)
}

func TestAppendEndResponse(t *testing.T) {
	require.Equal(t, []byte{'A', 'B', 0, 2, EndResponse, 1}, AppendEndResponse(nil, true))
	require.Equal(t, []byte{'A', 'B', 0, 2, EndResponse, 0}, AppendEndResponse(nil, false))
}

func TestCPongBytes(t *testing.T) {
	require.Equal(t, []byte{0x41, 0x42, 0, 0, 0, 1, 9}, CPongBytes)
}
