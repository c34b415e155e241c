// Package conduit implements the per-exchange byte pipeline that turns raw
// AJP packets into request and response byte streams. A RequestConduit decodes
// inbound body packets into an io.Reader for the handler; a ResponseConduit
// frames outbound bytes into SEND_HEADERS, SEND_BODY_CHUNK and END_RESPONSE
// packets. Both directions share the ResponseConduit's outbound queue because
// GET_BODY_CHUNK control packets are themselves outbound writes and must
// interleave with response packets in protocol order.
package conduit

import (
	"errors"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/adietish/undertow/internal/ajp"
	"github.com/adietish/undertow/internal/date"
	"github.com/adietish/undertow/internal/exchange"
)

var (
	// ErrResponseComplete is returned for writes attempted after Terminate.
	ErrResponseComplete = errors.New("conduit: response already terminated")
	// ErrClosed is returned when the connection went down mid-exchange.
	ErrClosed = errors.New("conduit: connection closed")
)

// AsyncWriter is the slice of gnet.Conn the pipeline writes through. The
// callback fires once the bytes have been handed to the kernel, at which
// point the packet buffers can be returned to the pool.
type AsyncWriter interface {
	AsyncWritev(bs [][]byte, callback gnet.AsyncCallback) error
}

// ResponseConduit frames one exchange's response onto the connection. Writes
// are packetized immediately; Flush hands accumulated packets to the
// connection as a vectorized async write. At most one async write is in
// flight at a time, with later flushes queued behind it, so packets reach the
// wire in exactly the order they were framed.
type ResponseConduit struct {
	conn AsyncWriter
	ex   *exchange.Exchange

	mu          sync.Mutex
	pending     []*bytebufferpool.ByteBuffer
	queued      []*bytebufferpool.ByteBuffer
	inflight    bool
	headersSent bool
	terminated  bool
	onDrain     func()
	err         error

	bytesOut int64
}

// NewResponseConduit returns a conduit writing ex's response through conn.
func NewResponseConduit(conn AsyncWriter, ex *exchange.Exchange) *ResponseConduit {
	return &ResponseConduit{conn: conn, ex: ex}
}

// Write frames p into SEND_BODY_CHUNK packets, emitting the SEND_HEADERS
// packet first if this is the first write. The packets stay local until
// Flush.
func (w *ResponseConduit) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	if w.terminated {
		return 0, ErrResponseComplete
	}
	w.ensureHeadersLocked()
	for off := 0; off < len(p); {
		n := len(p) - off
		if n > ajp.MaxWriteChunkSize {
			n = ajp.MaxWriteChunkSize
		}
		b := bytebufferpool.Get()
		b.B = ajp.AppendSendBodyChunk(b.B, p[off:off+n])
		w.pending = append(w.pending, b)
		off += n
	}
	w.bytesOut += int64(len(p))
	return len(p), nil
}

// Flush pushes pending packets into the async write pipeline. If a write is
// already in flight the packets are queued and go out from its completion
// callback, preserving order.
func (w *ResponseConduit) Flush() error {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	batch := w.pending
	w.pending = nil
	if len(batch) == 0 {
		w.mu.Unlock()
		return nil
	}
	if w.inflight {
		w.queued = append(w.queued, batch...)
		w.mu.Unlock()
		return nil
	}
	w.inflight = true
	w.mu.Unlock()
	return w.dispatch(batch)
}

// dispatch hands one batch to the connection. The completion callback sends
// whatever queued up in the meantime, recursing until the pipeline drains.
func (w *ResponseConduit) dispatch(batch []*bytebufferpool.ByteBuffer) error {
	vecs := make([][]byte, len(batch))
	for i, b := range batch {
		vecs[i] = b.B
	}
	return w.conn.AsyncWritev(vecs, func(_ gnet.Conn, werr error) error {
		for _, b := range batch {
			bytebufferpool.Put(b)
		}
		w.mu.Lock()
		if werr != nil {
			if w.err == nil {
				w.err = werr
			}
			w.releaseLocked()
			w.inflight = false
			drain := w.onDrain
			w.onDrain = nil
			w.mu.Unlock()
			if drain != nil {
				drain()
			}
			return nil
		}
		next := w.queued
		w.queued = nil
		if len(next) > 0 {
			w.mu.Unlock()
			return w.dispatch(next)
		}
		w.inflight = false
		drain := w.onDrain
		w.onDrain = nil
		w.mu.Unlock()
		if drain != nil {
			drain()
		}
		return nil
	})
}

// Terminate ends the response: emits SEND_HEADERS if nothing was written yet,
// appends END_RESPONSE with the exchange's reuse flag, and flushes. Safe to
// call more than once.
func (w *ResponseConduit) Terminate() error {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	if w.terminated {
		w.mu.Unlock()
		return nil
	}
	w.ensureHeadersLocked()
	b := bytebufferpool.Get()
	b.B = ajp.AppendEndResponse(b.B, w.ex.Persistent)
	w.pending = append(w.pending, b)
	w.terminated = true
	w.mu.Unlock()
	return w.Flush()
}

// requestBodyChunk queues a GET_BODY_CHUNK control packet asking the peer for
// up to n more request body bytes, then flushes. Called by the request
// conduit; routing it through this queue keeps control packets ordered with
// response packets.
func (w *ResponseConduit) requestBodyChunk(n int) error {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	b := bytebufferpool.Get()
	b.B = ajp.AppendGetBodyChunk(b.B, n)
	w.pending = append(w.pending, b)
	w.mu.Unlock()
	return w.Flush()
}

// CloseOnDrain flushes pending packets and runs fn once the pipeline is
// empty, immediately if it already is. Used on the end-of-stream path to
// finish queued output before closing.
func (w *ResponseConduit) CloseOnDrain(fn func()) {
	_ = w.Flush()
	w.mu.Lock()
	if !w.inflight {
		w.mu.Unlock()
		fn()
		return
	}
	w.onDrain = fn
	w.mu.Unlock()
}

// Fail poisons the conduit: pending packets are dropped and every later call
// reports err. In-flight writes release their buffers through their own
// completion callbacks.
func (w *ResponseConduit) Fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.releaseLocked()
	w.mu.Unlock()
}

// releaseLocked returns pending and queued packet buffers to the pool.
func (w *ResponseConduit) releaseLocked() {
	for _, b := range w.pending {
		bytebufferpool.Put(b)
	}
	for _, b := range w.queued {
		bytebufferpool.Put(b)
	}
	w.pending, w.queued = nil, nil
}

// HeadersSent reports whether the SEND_HEADERS packet has been framed.
func (w *ResponseConduit) HeadersSent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headersSent
}

// BytesWritten returns the response body byte count framed so far.
func (w *ResponseConduit) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesOut
}

func (w *ResponseConduit) ensureHeadersLocked() {
	if w.headersSent {
		return
	}
	if !w.ex.ResponseHeaders.Has("date") {
		w.ex.ResponseHeaders.Set("date", date.Current())
	}
	b := bytebufferpool.Get()
	b.B = ajp.AppendSendHeaders(b.B, w.ex.StatusCode, "", w.ex.ResponseHeaders.All())
	w.pending = append(w.pending, b)
	w.headersSent = true
}
