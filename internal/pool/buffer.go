// Package pool recycles the byte buffers used for session frames and
// resource transfers.
package pool

import (
	"sync"
)

const (
	// FrameSize fits any handshake or task request frame.
	FrameSize = 512

	// ChunkSize is the payload size of one resource data frame.
	ChunkSize = 64 << 10

	// MaxPooledSize is the largest capacity kept for reuse. Bigger buffers,
	// such as whole resources near the size limit, are left to the GC.
	MaxPooledSize = 1 << 20
)

// classes are the pooled capacities, smallest first.
var classes = [...]int{FrameSize, 4 << 10, ChunkSize, MaxPooledSize}

// Pool hands out byte slices from one sync.Pool per size class.
type Pool struct {
	pools [len(classes)]sync.Pool
}

// New creates a buffer pool.
func New() *Pool {
	p := &Pool{}
	for i, size := range classes {
		p.pools[i].New = func() any {
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return p
}

// Get returns an empty buffer with capacity of at least size.
// Return it with Put once nothing references it.
func (p *Pool) Get(size int) *[]byte {
	for i, class := range classes {
		if size <= class {
			buf := p.pools[i].Get().(*[]byte)
			*buf = (*buf)[:0]
			return buf
		}
	}
	buf := make([]byte, 0, size)
	return &buf
}

// Put returns buf to the largest class its capacity can serve. Buffers
// smaller than FrameSize or larger than MaxPooledSize are dropped.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	if c > MaxPooledSize {
		return
	}
	for i := len(classes) - 1; i >= 0; i-- {
		if c >= classes[i] {
			*buf = (*buf)[:0]
			p.pools[i].Put(buf)
			return
		}
	}
}

var shared = New()

// Get returns a buffer from the shared pool.
func Get(size int) *[]byte {
	return shared.Get(size)
}

// Put returns a buffer to the shared pool.
func Put(buf *[]byte) {
	shared.Put(buf)
}
