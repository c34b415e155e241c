// Package bufpool provides fixed-capacity pooled read buffers with explicit
// single-owner hand-off. A checked-out buffer is held either by the reader for
// the duration of one read call or by the connection as retained unconsumed
// bytes, never both; it returns to the pool exactly once.
package bufpool

import (
	"sync"

	"go.uber.org/atomic"
)

// DefaultBufferSize holds one maximum-size protocol packet.
const DefaultBufferSize = 8192

// Pool hands out fixed-capacity Buffers. The checked-out/released counters
// exist so tests and metrics can prove no buffer leaks or double-frees.
type Pool struct {
	size     int
	pool     sync.Pool
	checkout atomic.Int64
	released atomic.Int64
}

// NewPool creates a pool of buffers of the given capacity.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		return &Buffer{pool: p, data: make([]byte, size)}
	}
	return p
}

// BufferSize returns the capacity of buffers handed out by this pool.
func (p *Pool) BufferSize() int {
	return p.size
}

// Get checks out a buffer with an empty window.
func (p *Pool) Get() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.start = 0
	b.end = 0
	b.freed = false
	p.checkout.Inc()
	return b
}

// Outstanding reports how many buffers are currently checked out.
func (p *Pool) Outstanding() int64 {
	return p.checkout.Load() - p.released.Load()
}

// Buffer is a checked-out fixed-capacity byte buffer. The window [start, end)
// marks the unconsumed bytes; reads fill the full capacity and then set the
// window, consumers advance it.
type Buffer struct {
	pool  *Pool
	data  []byte
	start int
	end   int
	freed bool
}

// All returns the full capacity slice, for filling by a read call.
func (b *Buffer) All() []byte {
	return b.data
}

// Bytes returns the current unconsumed window.
func (b *Buffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// SetWindow marks [start, end) as the unconsumed region after a fill.
func (b *Buffer) SetWindow(start, end int) {
	b.start = start
	b.end = end
}

// Advance consumes n bytes from the front of the window.
func (b *Buffer) Advance(n int) {
	b.start += n
	if b.start > b.end {
		b.start = b.end
	}
}

// Fill copies p into the buffer and resets the window over it. It is a
// convenience for tests and for retaining a remainder owned by someone else.
func (b *Buffer) Fill(p []byte) int {
	n := copy(b.data, p)
	b.start = 0
	b.end = n
	return n
}

// Release returns the buffer to its pool. Releasing twice is an ownership
// bug and panics rather than corrupting the pool.
func (b *Buffer) Release() {
	if b.freed {
		panic("bufpool: buffer released twice")
	}
	b.freed = true
	b.pool.released.Inc()
	b.pool.pool.Put(b)
}
