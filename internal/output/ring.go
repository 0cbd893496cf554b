// Package output provides per-worker terminal output capture: a bounded
// in-memory byte ring with sequence numbers, and a pump that tails a
// pipe-pane file into the ring, the durable history store, and live
// subscribers.
package output

import "sync"

// Ring is a thread-safe bounded byte buffer holding the most recent terminal
// output. Every append is assigned a strictly increasing sequence number;
// older bytes are discarded once capacity is reached.
type Ring struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	start    int // index of oldest byte
	count    int // number of bytes stored
	lastSeq  uint64
}

// NewRing creates a Ring with the given byte capacity.
// Capacity must be at least 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Append copies data into the ring, discarding the oldest bytes on overflow,
// and returns the append's sequence number. Chunks larger than the ring keep
// only their final capacity bytes.
func (r *Ring) Append(data []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeq++

	if len(data) >= r.capacity {
		copy(r.buf, data[len(data)-r.capacity:])
		r.start = 0
		r.count = r.capacity
		return r.lastSeq
	}

	for _, b := range data {
		if r.count < r.capacity {
			r.buf[(r.start+r.count)%r.capacity] = b
			r.count++
		} else {
			r.buf[r.start] = b
			r.start = (r.start + 1) % r.capacity
		}
	}
	return r.lastSeq
}

// Tail returns up to maxBytes of the most recent output and the last assigned
// sequence number. maxBytes ≤ 0 returns the whole retained tail. The left
// edge may fall mid-line; callers treat the result as an opaque byte stream.
func (r *Ring) Tail(maxBytes int) ([]byte, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.count
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}

	result := make([]byte, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		result[i] = r.buf[(r.start+offset+i)%r.capacity]
	}
	return result, r.lastSeq
}

// LastSeq returns the sequence number of the most recent append, 0 if none.
func (r *Ring) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}

// Len returns the number of bytes currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the maximum number of bytes the ring can hold.
func (r *Ring) Capacity() int {
	return r.capacity
}
