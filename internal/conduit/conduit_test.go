package conduit

import (
	"sync"
	"testing"

	"github.com/panjf2000/gnet/v2"
	"github.com/stretchr/testify/require"
)

// fakeConn records every byte handed to AsyncWritev in arrival order. In
// immediate mode completion callbacks run inline; in manual mode they are
// held until runCallbacks, modeling writes that have not reached the kernel
// yet.
type fakeConn struct {
	mu      sync.Mutex
	manual  bool
	failErr error
	wrote   []byte
	batches int
	cbs     []func()
}

func (f *fakeConn) AsyncWritev(bs [][]byte, cb gnet.AsyncCallback) error {
	f.mu.Lock()
	for _, b := range bs {
		f.wrote = append(f.wrote, b...)
	}
	f.batches++
	err := f.failErr
	run := func() {
		if cb != nil {
			_ = cb(nil, err)
		}
	}
	if f.manual {
		f.cbs = append(f.cbs, run)
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	run()
	return nil
}

func (f *fakeConn) runCallbacks() {
	for {
		f.mu.Lock()
		if len(f.cbs) == 0 {
			f.mu.Unlock()
			return
		}
		cb := f.cbs[0]
		f.cbs = f.cbs[1:]
		f.mu.Unlock()
		cb()
	}
}

func (f *fakeConn) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.wrote...)
}

func (f *fakeConn) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

// replyPacket walks one server-to-proxy packet off raw, returning its prefix
// code, payload past the prefix, and the remaining bytes.
func replyPacket(t *testing.T, raw []byte) (prefix byte, payload, rest []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(raw), 5, "truncated reply packet")
	require.Equal(t, byte('A'), raw[0])
	require.Equal(t, byte('B'), raw[1])
	plen := int(raw[2])<<8 | int(raw[3])
	require.GreaterOrEqual(t, len(raw), 4+plen, "reply packet shorter than declared")
	return raw[4], raw[5 : 4+plen], raw[4+plen:]
}

// replyPrefixes returns the prefix codes of all packets in raw, in order.
func replyPrefixes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var prefixes []byte
	for len(raw) > 0 {
		var prefix byte
		prefix, _, raw = replyPacket(t, raw)
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}
