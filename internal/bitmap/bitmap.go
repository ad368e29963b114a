// Package bitmap implements the page-indexed bit vectors the vmm core uses
// to track residency, dirtiness, and ever-dirty status (spec §3). One bit
// per page; words are accessed under the caller's lock (the descriptor
// lock in every current use), except Popcount which is safe to call
// concurrently with readers via atomic word loads.
package bitmap

import (
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Bitmap is a fixed-size, page-indexed bit vector sized at construction to
// ceil(nbits / 64) words, matching spec §3's invariant that "the bitmap
// lengths equal ceil(range_bytes / page_size)".
type Bitmap struct {
	words []uint64
	nbits int
}

// New allocates a bitmap with room for nbits bits, all initially clear.
func New(nbits int) *Bitmap {
	if nbits < 0 {
		nbits = 0
	}
	return &Bitmap{
		words: make([]uint64, (nbits+wordBits-1)/wordBits),
		nbits: nbits,
	}
}

// Len returns the number of addressable bits.
func (b *Bitmap) Len() int { return b.nbits }

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	b.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Clear clears bit i.
func (b *Bitmap) Clear(i int) {
	b.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool {
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// SetRange sets bits [lo, hi).
func (b *Bitmap) SetRange(lo, hi int) {
	for i := lo; i < hi; i++ {
		b.Set(i)
	}
}

// ClearRange clears bits [lo, hi).
func (b *Bitmap) ClearRange(lo, hi int) {
	for i := lo; i < hi; i++ {
		b.Clear(i)
	}
}

// AnySet reports whether any bit in [lo, hi) is set, used by the populator
// and eviction engine to decide whether a page group needs a backing-store
// round trip (spec §4.5 step 3, §4.6 step 2).
func (b *Bitmap) AnySet(lo, hi int) bool {
	for i := lo; i < hi; i++ {
		if b.Test(i) {
			return true
		}
	}
	return false
}

// Popcount returns the number of set bits, read via atomic word loads so it
// may be called without the owning descriptor's lock for approximate
// monitoring (e.g. the residency-budget check in internal/eviction).
func (b *Bitmap) Popcount() int {
	n := 0
	for i := range b.words {
		w := atomic.LoadUint64(&b.words[i])
		n += bits.OnesCount64(w)
	}
	return n
}
