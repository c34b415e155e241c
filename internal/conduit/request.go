package conduit

import (
	"fmt"
	"io"
	"sync"

	"github.com/adietish/undertow/internal/ajp"
	"github.com/adietish/undertow/internal/exchange"
)

// Body-packet decode phases. Packets are 0x12 0x34, a 2-byte payload length,
// then a 2-byte data length and the data bytes. A zero payload or zero data
// length marks the end of an unknown-length body. The cursor lets a packet
// split across reads resume exactly where it stopped.
type pktPhase uint8

const (
	pktMagic1 pktPhase = iota
	pktMagic2
	pktPayloadHi
	pktPayloadLo
	pktDataHi
	pktDataLo
	pktData
	pktSkip
)

// RequestConduit turns inbound body packets into the exchange's request body
// stream. The behavior is dispatched by the body policy tag: an empty conduit
// is exhausted from the start and never emits a control packet, a fixed
// conduit stops after exactly ContentLength bytes, a chunked conduit pulls
// until the peer sends an empty packet.
//
// The event loop feeds raw bytes in via Feed; handler goroutines block in
// Read until decoded data, end-of-body, or an abort arrives. The first body
// packet accompanies the request unsolicited; each later one is requested
// through the response conduit's queue, one outstanding request at a time.
type RequestConduit struct {
	resp *ResponseConduit
	mode exchange.BodyPolicy

	mu   sync.Mutex
	cond *sync.Cond

	// remaining is the body byte count still expected on the wire under the
	// fixed policy.
	remaining int64

	phase    pktPhase
	payload  int
	dataLen  int
	dataRead int
	skip     int
	ending   bool

	data []byte
	off  int

	// requested means the peer owes a body packet, either the unsolicited
	// first one or a GET_BODY_CHUNK answer.
	requested bool
	done      bool
	closed    bool
	err       error

	bytesIn int64
}

// NewRequestConduit builds the read transform for one exchange. contentLength
// is consulted only under the fixed policy.
func NewRequestConduit(resp *ResponseConduit, policy exchange.BodyPolicy, contentLength int64) *RequestConduit {
	c := &RequestConduit{resp: resp, mode: policy, remaining: contentLength}
	c.cond = sync.NewCond(&c.mu)
	switch policy {
	case exchange.BodyNone:
		c.done = true
	case exchange.BodyFixed, exchange.BodyChunked:
		c.requested = true
	}
	return c
}

// Feed decodes body packets from p, retaining decoded data for Read. It
// returns how many bytes it consumed; consumption stops at the end of the
// body, leaving any pipelined frames for the caller. Called only from the
// connection's event flow.
func (c *RequestConduit) Feed(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.done || c.closed {
		return 0, nil
	}

	i := 0
	for i < len(p) && !c.done {
		switch c.phase {
		case pktMagic1:
			if p[i] != ajp.MagicRequest1 {
				return i, c.failLocked(fmt.Errorf("bad body packet magic 0x%02x", p[i]))
			}
			i++
			c.phase = pktMagic2
		case pktMagic2:
			if p[i] != ajp.MagicRequest2 {
				return i, c.failLocked(fmt.Errorf("bad body packet magic 0x%02x", p[i]))
			}
			i++
			c.phase = pktPayloadHi
		case pktPayloadHi:
			c.payload = int(p[i]) << 8
			i++
			c.phase = pktPayloadLo
		case pktPayloadLo:
			c.payload |= int(p[i])
			i++
			if c.payload == 0 {
				// Bare empty packet: end of body, no data length field.
				if err := c.endOfBodyLocked(); err != nil {
					return i, c.failLocked(err)
				}
				continue
			}
			if c.payload < 2 {
				return i, c.failLocked(fmt.Errorf("body packet payload %d too short", c.payload))
			}
			c.phase = pktDataHi
		case pktDataHi:
			c.dataLen = int(p[i]) << 8
			i++
			c.phase = pktDataLo
		case pktDataLo:
			c.dataLen |= int(p[i])
			i++
			if c.payload < c.dataLen+2 {
				return i, c.failLocked(fmt.Errorf("body packet payload %d shorter than data %d", c.payload, c.dataLen))
			}
			if c.dataLen > ajp.MaxReadChunkSize {
				return i, c.failLocked(fmt.Errorf("oversized body chunk: %d bytes", c.dataLen))
			}
			if c.mode == exchange.BodyFixed && int64(c.dataLen) > c.remaining {
				return i, c.failLocked(fmt.Errorf("body chunk of %d bytes exceeds declared length, %d expected", c.dataLen, c.remaining))
			}
			if c.dataLen == 0 {
				// Empty chunk also ends the body; padding may still follow.
				c.ending = true
				c.skip = c.payload - 2
				c.phase = pktSkip
				if c.skip == 0 {
					if err := c.packetDoneLocked(); err != nil {
						return i, c.failLocked(err)
					}
				}
				continue
			}
			c.dataRead = 0
			c.phase = pktData
		case pktData:
			n := c.dataLen - c.dataRead
			if avail := len(p) - i; avail < n {
				n = avail
			}
			c.data = append(c.data, p[i:i+n]...)
			c.dataRead += n
			c.bytesIn += int64(n)
			if c.mode == exchange.BodyFixed {
				c.remaining -= int64(n)
			}
			i += n
			if c.dataRead == c.dataLen {
				c.skip = c.payload - 2 - c.dataLen
				c.phase = pktSkip
				if c.skip == 0 {
					if err := c.packetDoneLocked(); err != nil {
						return i, c.failLocked(err)
					}
				}
			}
		case pktSkip:
			n := c.skip
			if avail := len(p) - i; avail < n {
				n = avail
			}
			c.skip -= n
			i += n
			if c.skip == 0 {
				if err := c.packetDoneLocked(); err != nil {
					return i, c.failLocked(err)
				}
			}
		}
	}

	if c.done || c.off < len(c.data) {
		c.cond.Broadcast()
	}
	return i, nil
}

// packetDoneLocked resets the cursor for the next packet and resolves whether
// the body is complete.
func (c *RequestConduit) packetDoneLocked() error {
	c.phase = pktMagic1
	c.payload, c.dataLen, c.dataRead = 0, 0, 0
	c.requested = false
	if c.ending {
		c.ending = false
		return c.endOfBodyLocked()
	}
	if c.mode == exchange.BodyFixed && c.remaining == 0 {
		c.done = true
	}
	return nil
}

// endOfBodyLocked handles the peer's end-of-body signal. Under the fixed
// policy an early end is a protocol violation.
func (c *RequestConduit) endOfBodyLocked() error {
	c.requested = false
	if c.mode == exchange.BodyFixed && c.remaining > 0 {
		return fmt.Errorf("request body truncated: %d bytes still expected", c.remaining)
	}
	c.done = true
	return nil
}

func (c *RequestConduit) failLocked(err error) error {
	c.err = err
	c.cond.Broadcast()
	return err
}

// Read returns decoded body bytes, blocking the calling goroutine until data
// arrives. When the buffer runs dry and the peer owes nothing, a
// GET_BODY_CHUNK is issued through the shared outbound queue before waiting.
func (c *RequestConduit) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.off < len(c.data) {
			n := copy(p, c.data[c.off:])
			c.off += n
			if c.off == len(c.data) {
				c.data = c.data[:0]
				c.off = 0
			}
			return n, nil
		}
		if c.err != nil {
			return 0, c.err
		}
		if c.done {
			return 0, io.EOF
		}
		if c.closed {
			return 0, ErrClosed
		}
		if len(p) == 0 {
			return 0, nil
		}
		if !c.requested {
			c.requested = true
			if err := c.resp.requestBodyChunk(c.nextChunkSize()); err != nil {
				c.err = err
				return 0, err
			}
		}
		c.cond.Wait()
	}
}

// nextChunkSize caps the pull at what the wire format allows, and under the
// fixed policy at what the declared length still owes.
func (c *RequestConduit) nextChunkSize() int {
	n := ajp.MaxReadChunkSize
	if c.mode == exchange.BodyFixed && c.remaining < int64(n) {
		n = int(c.remaining)
	}
	return n
}

// Close aborts the body stream; blocked readers wake with ErrClosed. The
// transport calls this when the connection goes down mid-exchange.
func (c *RequestConduit) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	return nil
}

// Done reports whether the wire side of the body is complete: every body
// packet consumed, or a policy that never had one.
func (c *RequestConduit) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// BytesRead returns the decoded body byte count so far.
func (c *RequestConduit) BytesRead() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn
}
