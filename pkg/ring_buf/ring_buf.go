package ringbuf

import (
	"sync/atomic"
)

// RingBuf is a single producer, single consumer ring. One goroutine may
// Push while another Pops. The counters run freely and wrap modulo 2^32;
// the slot is chosen with mask, so the capacity is a power of two.
type RingBuf[V any] struct {
	ring []V
	mask uint32

	read, write atomic.Uint32
}

// NewRingBuf returns a ring holding at least sz values.
func NewRingBuf[V any](sz int) *RingBuf[V] {
	n := 1
	for n < sz {
		n <<= 1
	}

	return &RingBuf[V]{
		ring: make([]V, n),
		mask: uint32(n - 1),
	}
}

func (r *RingBuf[V]) Pop() (V, bool) {
	rv := r.read.Load()
	wv := r.write.Load()

	if rv == wv {
		var v V
		return v, false
	}

	slot := &r.ring[rv&r.mask]
	val := *slot

	var zero V
	*slot = zero

	r.read.Store(rv + 1)

	return val, true
}

func (r *RingBuf[V]) Front() (V, bool) {
	rv := r.read.Load()
	wv := r.write.Load()

	if rv == wv {
		var v V
		return v, false
	}

	return r.ring[rv&r.mask], true
}

func (r *RingBuf[V]) Push(v V) bool {
	wv := r.write.Load()

	if wv-r.read.Load() == uint32(len(r.ring)) {
		return false
	}

	r.ring[wv&r.mask] = v
	r.write.Store(wv + 1)

	return true
}

func (r *RingBuf[V]) EmptyP() bool {
	return r.read.Load() == r.write.Load()
}

func (r *RingBuf[V]) FullP() bool {
	return r.Readable() == len(r.ring)
}

// Readable is the number of values waiting to be popped.
func (r *RingBuf[V]) Readable() int {
	wv := r.write.Load()
	rv := r.read.Load()

	return int(wv - rv)
}

func (r *RingBuf[V]) Cap() int {
	return len(r.ring)
}
