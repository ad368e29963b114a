// Package registry implements the Object Registry of spec §4.3: a mapping
// from base_addr to Object Descriptor, looked up either by exact base (host
// APIs) or by predecessor search on an arbitrary faulting address (the
// dispatcher's hot path, which spec §4.3 requires to be sub-logarithmic).
//
// Grounded on the teacher's internal/runtime/numa Topology read-mostly
// sync.RWMutex pattern: writers (insert/remove) are serialized, readers
// (lookups) proceed concurrently.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmmcore/vmm/internal/descriptor"
)

// Registry is the process-wide mapping of live objects.
type Registry struct {
	mu    sync.RWMutex
	byAddr []*descriptor.Descriptor // sorted by BaseAddr, for predecessor search
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert adds a new descriptor, keyed by its BaseAddr. Descriptors must be
// inserted with non-overlapping ranges (the arena guarantees this — spec
// §3 invariant "two distinct objects never share any byte of virtual
// address space").
func (r *Registry) Insert(d *descriptor.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.byAddr), func(i int) bool { return r.byAddr[i].BaseAddr >= d.BaseAddr })
	if idx < len(r.byAddr) && r.byAddr[idx].BaseAddr == d.BaseAddr {
		return fmt.Errorf("registry: object already registered at %#x", d.BaseAddr)
	}

	r.byAddr = append(r.byAddr, nil)
	copy(r.byAddr[idx+1:], r.byAddr[idx:])
	r.byAddr[idx] = d
	return nil
}

// Remove deletes the descriptor at baseAddr.
func (r *Registry) Remove(baseAddr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.byAddr), func(i int) bool { return r.byAddr[i].BaseAddr >= baseAddr })
	if idx >= len(r.byAddr) || r.byAddr[idx].BaseAddr != baseAddr {
		return fmt.Errorf("registry: no object registered at %#x", baseAddr)
	}
	r.byAddr = append(r.byAddr[:idx], r.byAddr[idx+1:]...)
	return nil
}

// Lookup returns the descriptor whose BaseAddr exactly equals addr.
func (r *Registry) Lookup(baseAddr uintptr) (*descriptor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := sort.Search(len(r.byAddr), func(i int) bool { return r.byAddr[i].BaseAddr >= baseAddr })
	if idx >= len(r.byAddr) || r.byAddr[idx].BaseAddr != baseAddr {
		return nil, false
	}
	return r.byAddr[idx], true
}

// Find returns the descriptor whose range [BaseAddr, BaseAddr+RangeBytes)
// contains addr, by predecessor binary search — the dispatcher's hot-path
// lookup (spec §4.3, §4.4).
func (r *Registry) Find(addr uintptr) (*descriptor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Predecessor: the last descriptor whose BaseAddr <= addr.
	idx := sort.Search(len(r.byAddr), func(i int) bool { return r.byAddr[i].BaseAddr > addr }) - 1
	if idx < 0 {
		return nil, false
	}
	d := r.byAddr[idx]
	if addr >= d.BaseAddr && addr < d.BaseAddr+uintptr(d.RangeBytes) {
		return d, true
	}
	return nil, false
}

// Len returns the number of live objects, used by tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// All returns a snapshot slice of every registered descriptor, used by
// the eviction engine's global scan.
func (r *Registry) All() []*descriptor.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*descriptor.Descriptor, len(r.byAddr))
	copy(out, r.byAddr)
	return out
}
