package conduit

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adietish/undertow/internal/ajp"
	"github.com/adietish/undertow/internal/exchange"
)

func bodyPacket(data string) []byte {
	p := []byte{0x12, 0x34}
	p = append(p, byte((len(data)+2)>>8), byte(len(data)+2))
	p = append(p, byte(len(data)>>8), byte(len(data)))
	return append(p, data...)
}

func getBodyChunkPacket(n int) []byte {
	return []byte{'A', 'B', 0, 3, ajp.GetBodyChunk, byte(n >> 8), byte(n)}
}

// Both end-of-body encodings the peer may use: a bare empty packet and a
// packet declaring zero data bytes.
var (
	emptyBodyPacket  = []byte{0x12, 0x34, 0, 0}
	emptyChunkPacket = []byte{0x12, 0x34, 0, 2, 0, 0}
)

func newBodyPipe(policy exchange.BodyPolicy, length int64) (*RequestConduit, *fakeConn) {
	f := &fakeConn{}
	ex := exchange.New()
	return NewRequestConduit(NewResponseConduit(f, ex), policy, length), f
}

type readResult struct {
	data []byte
	err  error
}

func readAllAsync(c *RequestConduit) chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		d, err := io.ReadAll(c)
		ch <- readResult{d, err}
	}()
	return ch
}

func awaitRead(t *testing.T, ch chan readResult) readResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("body read did not complete")
		return readResult{}
	}
}

func TestFixedBodySinglePacket(t *testing.T) {
	c, f := newBodyPipe(exchange.BodyFixed, 5)

	pkt := bodyPacket("hello")
	n, err := c.Feed(pkt)
	require.NoError(t, err)
	require.Equal(t, len(pkt), n)
	require.True(t, c.Done())

	out, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
	require.EqualValues(t, 5, c.BytesRead())
	require.Empty(t, f.bytes(), "body satisfied by the unsolicited packet needs no pull")
}

func TestEmptyPolicyNeverRequests(t *testing.T) {
	c, f := newBodyPipe(exchange.BodyNone, 0)

	require.True(t, c.Done())
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, out)

	n, err := c.Feed(bodyPacket("stray"))
	require.NoError(t, err)
	require.Zero(t, n, "exhausted conduit leaves bytes for the caller")
	require.Empty(t, f.bytes())
}

func TestFixedBodyPullsRemainder(t *testing.T) {
	c, f := newBodyPipe(exchange.BodyFixed, 10)

	_, err := c.Feed(bodyPacket("hello"))
	require.NoError(t, err)

	ch := readAllAsync(c)
	require.Eventually(t, func() bool {
		return bytes.Contains(f.bytes(), getBodyChunkPacket(5))
	}, 5*time.Second, time.Millisecond, "reader should request exactly the 5 missing bytes")

	_, err = c.Feed(bodyPacket("world"))
	require.NoError(t, err)

	res := awaitRead(t, ch)
	require.NoError(t, res.err)
	require.Equal(t, "helloworld", string(res.data))
	require.True(t, c.Done())
}

func TestChunkedBodyEndsOnEmptyPacket(t *testing.T) {
	for name, terminator := range map[string][]byte{
		"BarePacket": emptyBodyPacket,
		"ZeroChunk":  emptyChunkPacket,
	} {
		t.Run(name, func(t *testing.T) {
			c, f := newBodyPipe(exchange.BodyChunked, -1)

			_, err := c.Feed(bodyPacket("abc"))
			require.NoError(t, err)

			ch := readAllAsync(c)
			require.Eventually(t, func() bool {
				return bytes.Contains(f.bytes(), getBodyChunkPacket(ajp.MaxReadChunkSize))
			}, 5*time.Second, time.Millisecond)

			_, err = c.Feed(terminator)
			require.NoError(t, err)

			res := awaitRead(t, ch)
			require.NoError(t, res.err)
			require.Equal(t, "abc", string(res.data))
			require.True(t, c.Done())
		})
	}
}

func TestFeedStopsAtBodyEnd(t *testing.T) {
	c, _ := newBodyPipe(exchange.BodyFixed, 3)

	pkt := bodyPacket("abc")
	wire := append(append([]byte(nil), pkt...), 0x12, 0x34, 0, 1, ajp.CPing)
	n, err := c.Feed(wire)
	require.NoError(t, err)
	require.Equal(t, len(pkt), n, "pipelined frame bytes must stay unconsumed")
	require.True(t, c.Done())
}

func TestFeedResumesAcrossSplits(t *testing.T) {
	pkt := bodyPacket("data")
	for split := 1; split < len(pkt); split++ {
		c, _ := newBodyPipe(exchange.BodyFixed, 4)

		n, err := c.Feed(pkt[:split])
		require.NoError(t, err, "split %d", split)
		require.Equal(t, split, n, "split %d", split)

		n, err = c.Feed(pkt[split:])
		require.NoError(t, err, "split %d", split)
		require.Equal(t, len(pkt)-split, n, "split %d", split)
		require.True(t, c.Done(), "split %d", split)

		out, err := io.ReadAll(c)
		require.NoError(t, err)
		require.Equal(t, "data", string(out), "split %d", split)
	}
}

func TestPaddedPacketSkipsPadding(t *testing.T) {
	c, _ := newBodyPipe(exchange.BodyFixed, 4)

	padded := []byte{0x12, 0x34, 0, 7, 0, 2, 'a', 'b', 0xEE, 0xEE, 0xEE}
	n, err := c.Feed(padded)
	require.NoError(t, err)
	require.Equal(t, len(padded), n)
	require.False(t, c.Done())

	_, err = c.Feed(bodyPacket("cd"))
	require.NoError(t, err)
	require.True(t, c.Done())

	out, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(out))
}

func TestFeedErrors(t *testing.T) {
	cases := map[string]struct {
		policy exchange.BodyPolicy
		length int64
		wire   []byte
	}{
		"BadMagic": {
			policy: exchange.BodyFixed, length: 5,
			wire: []byte{0x13, 0x34, 0, 4},
		},
		"PayloadTooShort": {
			policy: exchange.BodyFixed, length: 5,
			wire: []byte{0x12, 0x34, 0, 1, 0xAA},
		},
		"PayloadShorterThanData": {
			policy: exchange.BodyFixed, length: 5,
			wire: []byte{0x12, 0x34, 0, 3, 0, 5, 'a'},
		},
		"OversizedChunk": {
			policy: exchange.BodyChunked, length: -1,
			wire: []byte{0x12, 0x34, 0x1F, 0xFD, 0x1F, 0xFB},
		},
		"TruncatedFixedBody": {
			policy: exchange.BodyFixed, length: 10,
			wire: emptyBodyPacket,
		},
		"ChunkExceedsDeclaredLength": {
			policy: exchange.BodyFixed, length: 3,
			wire: bodyPacket("hello"),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newBodyPipe(tc.policy, tc.length)
			_, err := c.Feed(tc.wire)
			require.Error(t, err)

			_, rerr := c.Read(make([]byte, 1))
			require.Equal(t, err, rerr, "feed error must surface to the reader")
		})
	}
}

func TestCloseWakesBlockedReader(t *testing.T) {
	c, _ := newBodyPipe(exchange.BodyFixed, 10)

	ch := readAllAsync(c)
	require.NoError(t, c.Close())

	res := awaitRead(t, ch)
	require.ErrorIs(t, res.err, ErrClosed)
}

func TestBodyPullSharesResponseQueue(t *testing.T) {
	f := &fakeConn{}
	ex := exchange.New()
	resp := NewResponseConduit(f, ex)
	c := NewRequestConduit(resp, exchange.BodyFixed, 10)

	_, err := c.Feed(bodyPacket("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	_, err = resp.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, resp.Flush())

	ch := readAllAsync(c)
	require.Eventually(t, func() bool {
		return bytes.Contains(f.bytes(), getBodyChunkPacket(5))
	}, 5*time.Second, time.Millisecond)

	_, err = c.Feed(bodyPacket("world"))
	require.NoError(t, err)
	res := awaitRead(t, ch)
	require.NoError(t, res.err)
	require.Equal(t, "world", string(res.data))

	// The pull went out through the response queue, after the frames that
	// were already pending.
	require.Equal(t, []byte{ajp.SendHeaders, ajp.SendBodyChunk, ajp.GetBodyChunk}, replyPrefixes(t, f.bytes()))
}
