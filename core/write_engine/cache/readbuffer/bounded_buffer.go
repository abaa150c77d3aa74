// Package readbuffer provides a striped, lossy, multi-producer single-consumer
// buffer used to record page reads before they are replayed against the
// eviction policy.
package readbuffer

import (
	"math/rand/v2"
	"sync/atomic"

	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
)

// OfferResult is the outcome of BoundedBuffer.Offer.
type OfferResult int

const (
	// Success means the element was added.
	Success OfferResult = iota
	// Failed means the element was dropped because of contention.
	Failed
	// Full means the element was dropped because the stripe is full and the
	// buffer should be drained.
	Full
)

const (
	// RingSize is the number of slots in a single stripe.
	RingSize = 16
	ringMask = RingSize - 1
)

type ring[E any] struct {
	readCounter  atomic.Int64
	writeCounter atomic.Int64
	slots        [RingSize]atomic.Pointer[E]
	_            [64]byte
}

// BoundedBuffer is a set of fixed-size rings. Producers pick a random stripe, so
// events may be dropped under contention; that is acceptable because the
// buffer only feeds a frequency estimate.
type BoundedBuffer[E any] struct {
	stripes []ring[E]
	mask    uint32
}

// New creates a buffer with 4 stripes per (power-of-two rounded) CPU.
func New[E any]() *BoundedBuffer[E] {
	return NewWithStripes[E](4 * commonutils.NumCPU())
}

// NewWithStripes creates a buffer with the given number of stripes, rounded up
// to a power of two.
func NewWithStripes[E any](stripes int) *BoundedBuffer[E] {
	n := commonutils.CeilingPowerOfTwo(stripes)
	return &BoundedBuffer[E]{stripes: make([]ring[E], n), mask: uint32(n - 1)}
}

// Offer tries to append e without blocking.
func (b *BoundedBuffer[E]) Offer(e *E) OfferResult {
	r := &b.stripes[rand.Uint32()&b.mask]
	head := r.readCounter.Load()
	tail := r.writeCounter.Load()
	if tail-head >= RingSize {
		return Full
	}
	if r.writeCounter.CompareAndSwap(tail, tail+1) {
		r.slots[tail&ringMask].Store(e)
		return Success
	}
	return Failed
}

// DrainTo hands every published element to consumer. Only one goroutine may
// drain at a time.
func (b *BoundedBuffer[E]) DrainTo(consumer func(*E)) {
	for i := range b.stripes {
		r := &b.stripes[i]
		head := r.readCounter.Load()
		tail := r.writeCounter.Load()
		for head != tail {
			slot := &r.slots[head&ringMask]
			e := slot.Load()
			if e == nil {
				// A producer claimed the slot but has not published yet.
				break
			}
			slot.Store(nil)
			consumer(e)
			head++
		}
		r.readCounter.Store(head)
	}
}

// Size returns an estimate of buffered elements.
func (b *BoundedBuffer[E]) Size() int {
	total := 0
	for i := range b.stripes {
		r := &b.stripes[i]
		total += int(r.writeCounter.Load() - r.readCounter.Load())
	}
	return total
}
