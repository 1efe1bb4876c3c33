// Package bufferpool implements the fixed-size frame buffer pool (spec
// §4.6): reusable []byte buffers for frame encode/decode. No package in
// this module constructs a Pool; frame reads and writes allocate their own
// buffers.
package bufferpool

import (
	"sync"
)

// Pool hands out byte slices of a fixed capacity and reclaims them on
// Release. It never blocks: Acquire allocates a fresh buffer on an empty
// pool, and Release drops a buffer that doesn't fit rather than growing
// the pool past its cap.
type Pool struct {
	mu        sync.Mutex
	free      [][]byte
	size      int
	maxPooled int
}

// New creates a Pool of buffers sized bufferSize, pre-warmed with
// initialCapacity buffers and capped at maxPooled retained buffers.
func New(bufferSize, initialCapacity, maxPooled int) *Pool {
	if maxPooled <= 0 {
		maxPooled = 100
	}
	if initialCapacity > maxPooled {
		initialCapacity = maxPooled
	}
	p := &Pool{
		free:      make([][]byte, 0, maxPooled),
		size:      bufferSize,
		maxPooled: maxPooled,
	}
	for i := 0; i < initialCapacity; i++ {
		p.free = append(p.free, make([]byte, 0, bufferSize))
	}
	return p
}

// Acquire returns a zero-length buffer with capacity size. Callers must
// not retain it beyond the matching Release.
func (p *Pool) Acquire() []byte {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return make([]byte, 0, p.size)
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return buf[:0]
}

// Release returns buf to the pool. A buffer whose capacity no longer
// matches the pool's buffer size, or that would push the pool past
// maxPooled, is dropped instead of retained.
func (p *Pool) Release(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxPooled {
		return
	}
	p.free = append(p.free, buf[:0])
}

// Len reports the number of buffers currently held idle in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
