// Package buffer keeps the recent output of a session so that a client
// attaching late, or reattaching after a network drop, can be repainted.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// capacity bytes written to it.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	start int
	size  int
}

// NewRingBuffer creates a RingBuffer. A capacity below 1 becomes 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes once the buffer is full.
// It never fails and always reports len(p) bytes written.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	n = len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if len(p) >= capacity {
		copy(rb.buf, p[len(p)-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	copied := copy(rb.buf[end:], p)
	copy(rb.buf, p[copied:])

	rb.size += len(p)
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first, or nil when
// the buffer is empty.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[n:], rb.buf)
	return out
}

// Clear drops all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.size = 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}
