// Package arena implements the Arena Allocator of spec §4.1: a single large
// virtually-contiguous region reserved at startup, handed out as
// page-aligned, power-of-two-sized segments to the object registry.
//
// Generalized from the teacher's bump-pointer ArenaAllocatorImpl
// (internal/allocator/arena.go) into a free-list segment allocator: unlike
// a bump arena, segments here must be returned on destroy_object (spec
// §4.7), so a pure bump pointer cannot serve this role unchanged.
package arena

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmmcore/vmm/internal/vmerrors"
)

// PageSize is the page granularity every segment is rounded to. Matches
// the teacher's 4KB constant convention (kernel.PageSize4KB).
const PageSize = 4096

// reservation abstracts the OS-specific large virtual-memory reservation;
// see arena_linux.go and arena_fallback.go.
type reservation interface {
	base() uintptr
	size() uintptr
	release() error
}

// segment is a free or allocated range, described as an offset from the
// arena base plus a length, both page-aligned.
type segment struct {
	offset uintptr
	size   uintptr
}

// Arena is the process-wide singleton that owns the one large reservation
// and its free list. Constructed once by internal/lifecycle.
type Arena struct {
	res  reservation
	mu   sync.Mutex
	free []segment // sorted by offset, coalesced
}

// New reserves a region of at least size bytes (rounded up to PageSize)
// and returns an Arena with the whole region free.
func New(size uint64) (*Arena, error) {
	if size == 0 {
		return nil, vmerrors.InvalidSource("arena size must be > 0")
	}
	aligned := ceilToPage(uintptr(size))

	res, err := reserve(aligned)
	if err != nil {
		return nil, vmerrors.KernelUserfault("mmap arena reservation", err)
	}

	return &Arena{
		res:  res,
		free: []segment{{offset: 0, size: aligned}},
	}, nil
}

// Base returns the arena's base virtual address.
func (a *Arena) Base() uintptr { return a.res.base() }

// Size returns the total reserved size.
func (a *Arena) Size() uintptr { return a.res.size() }

// FreeBytes returns the sum of all unallocated segment sizes, used by
// testable property 5 (arena free-byte accounting after destroy_object).
func (a *Arena) FreeBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uintptr
	for _, s := range a.free {
		total += s.size
	}
	return total
}

// Alloc hands out a page-aligned segment of at least nbytes, rounded up to
// the next power-of-two number of pages, by first-fit over the free list
// (spec §4.1 permits "first-fit or buddy"; see DESIGN.md for the choice).
// Returns the segment's base virtual address.
func (a *Arena) Alloc(nbytes uint64) (uintptr, uint64, error) {
	want := segmentSize(nbytes)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.size < want {
			continue
		}

		base := a.res.base() + s.offset
		remaining := s.size - want
		if remaining == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = segment{offset: s.offset + want, size: remaining}
		}
		return base, uint64(want), nil
	}

	return 0, 0, vmerrors.OutOfAddressSpace(uintptr(want), a.freeBytesLocked())
}

func (a *Arena) freeBytesLocked() uintptr {
	var total uintptr
	for _, s := range a.free {
		total += s.size
	}
	return total
}

// Free returns a previously allocated segment to the free list, coalescing
// with adjacent free segments.
func (a *Arena) Free(base uintptr, nbytes uint64) error {
	if base < a.res.base() || base >= a.res.base()+a.res.size() {
		return fmt.Errorf("arena: address %#x is outside the reservation", base)
	}
	offset := base - a.res.base()
	size := segmentSize(nbytes)

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].offset >= offset })
	a.free = append(a.free, segment{})
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = segment{offset: offset, size: size}

	a.coalesceLocked()
	return nil
}

// coalesceLocked merges adjacent free segments; callers must hold a.mu.
func (a *Arena) coalesceLocked() {
	merged := a.free[:0]
	for _, s := range a.free {
		if n := len(merged); n > 0 && merged[n-1].offset+merged[n-1].size == s.offset {
			merged[n-1].size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

// Close releases the entire reservation. Called once at process shutdown
// (spec §4.7 "release the arena").
func (a *Arena) Close() error {
	return a.res.release()
}

func ceilToPage(n uintptr) uintptr {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// segmentSize rounds nbytes up to a page-aligned power-of-two number of
// pages, per the Glossary's "Install unit"/segment sizing convention.
func segmentSize(nbytes uint64) uintptr {
	pages := (ceilToPage(uintptr(nbytes))) / PageSize
	if pages == 0 {
		pages = 1
	}
	p := uintptr(1)
	for p < pages {
		p <<= 1
	}
	return p * PageSize
}
