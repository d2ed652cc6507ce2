package audio

import (
	"sync"
)

// RingBuffer keeps the most recent samples up to its capacity. Writes never
// block or fail; the oldest samples are overwritten.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []int16
	write  int
	full   bool
}

// NewRingBuffer creates a ring buffer holding size samples
func NewRingBuffer(size int) *RingBuffer {
	if size < 0 {
		size = 0
	}
	return &RingBuffer{buffer: make([]int16, size)}
}

// Write appends samples, overwriting the oldest when full
func (rb *RingBuffer) Write(samples []int16) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	if size == 0 {
		return
	}
	if len(samples) >= size {
		copy(rb.buffer, samples[len(samples)-size:])
		rb.write = 0
		rb.full = true
		return
	}

	n := copy(rb.buffer[rb.write:], samples)
	if n < len(samples) {
		copy(rb.buffer, samples[n:])
	}
	next := rb.write + len(samples)
	if next >= size {
		rb.full = true
	}
	rb.write = next % size
}

// Snapshot returns the buffered samples oldest first
func (rb *RingBuffer) Snapshot() []int16 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]int16, rb.write)
		copy(out, rb.buffer[:rb.write])
		return out
	}
	out := make([]int16, 0, len(rb.buffer))
	out = append(out, rb.buffer[rb.write:]...)
	return append(out, rb.buffer[:rb.write]...)
}

// Len returns the number of buffered samples
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buffer)
	}
	return rb.write
}

// Cap returns the buffer capacity in samples
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// Clear empties the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.write = 0
	rb.full = false
}
