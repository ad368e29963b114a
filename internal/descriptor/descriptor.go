// Package descriptor defines the Object Descriptor of spec §3 and the
// Source structure of spec §6 that a host fills in to create an object.
// It sits low in the dependency graph (below registry, dispatcher,
// populator and eviction) so each of those can hold a *Descriptor without
// importing the public vmm package; vmm itself type-aliases these names
// for its external API.
package descriptor

import (
	"sync"

	"github.com/vmmcore/vmm/internal/backingstore"
	"github.com/vmmcore/vmm/internal/bitmap"
	"github.com/vmmcore/vmm/internal/vmerrors"
)

// ElementKind tags how many bytes per element and how the host interprets
// them (spec §6).
type ElementKind int

const (
	ElementByte ElementKind = iota
	ElementLogical
	ElementInteger
	ElementReal
	ElementComplex
	ElementRaw
)

// Callout is the handle passed to a populate callback so that, in future
// extensions, the populator may be asked to widen its range. Spec §4.5
// requires every implementation to accept and ignore it when unused; the
// only current capability is reserved and always fails.
type Callout interface {
	// Widen requests that the populator materialize extra elements beyond
	// what was asked for. Not implemented in this core; always returns
	// vmerrors.ErrUnsupported.
	Widen(extraElements int64) error
}

// noopCallout is the Callout passed to every populate_fn invocation today.
type noopCallout struct{}

func (noopCallout) Widen(int64) error { return vmerrors.ErrUnsupported }

// NoopCallout is the shared Callout instance handed to populate callbacks.
var NoopCallout Callout = noopCallout{}

// PopulateFunc materializes element bytes for [startElem, endElem) into
// out. Returns a non-nil error on failure (spec §6 "returns 0 on success,
// nonzero on error", translated to Go's error convention).
type PopulateFunc func(startElem, endElem int64, callout Callout, userData any, out []byte) error

// DestructorFunc is called once at object destruction to free userData.
type DestructorFunc func(userData any)

// Source is what the host fills in to create an object (spec §6).
type Source struct {
	UserData    any
	Populate    PopulateFunc
	Destructor  DestructorFunc
	ElementKind ElementKind

	NElements   int64
	ElementSize int64
	HeaderBytes int64

	Dims []int64 // optional shape vector; purely informational to the core

	MinLoadElements int64
}

// Validate checks a Source for the obviously-invalid configurations spec
// §7's invalid-source error kind exists to catch.
func (s *Source) Validate() error {
	if s.Populate == nil {
		return vmerrors.InvalidSource("populate_fn must not be nil")
	}
	if s.NElements <= 0 {
		return vmerrors.InvalidSource("n_elements must be > 0")
	}
	if s.ElementSize <= 0 {
		return vmerrors.InvalidSource("element_size must be > 0")
	}
	if s.HeaderBytes < 0 {
		return vmerrors.InvalidSource("header_bytes must be >= 0")
	}
	if s.MinLoadElements < 0 {
		return vmerrors.InvalidSource("min_load_elements must be >= 0")
	}
	return nil
}

// State is the descriptor's lifecycle state (spec §4.7/§5 cancellation).
type State int

const (
	StateLive State = iota
	StateTerminating
	StateDead
)

// Descriptor is one live object's full bookkeeping (spec §3).
type Descriptor struct {
	BaseAddr    uintptr
	NElements   int64
	ElementSize int64
	Dims        []int64
	ElementKind ElementKind

	MinLoadElements int64
	// InstallUnitPages is the page-aligned install/eviction unit derived
	// once from MinLoadElements at construction time (spec Glossary
	// "Install unit").
	InstallUnitPages int64

	HeaderBytes int64
	// HeaderPages is the number of whole pages the header occupies; the
	// populator must never be asked to produce elements landing in them.
	HeaderPages int64

	PopulateFn   PopulateFunc
	DestructorFn DestructorFunc
	UserData     any

	PageSize   int64
	RangeBytes int64
	NPages     int64

	Residency *bitmap.Bitmap
	Dirty     *bitmap.Bitmap
	EverDirty *bitmap.Bitmap

	// LRUEpoch is the per-page-group last-touch epoch, indexed by page
	// group (page_index / InstallUnitPages), maintained approximately
	// (spec §4.6).
	LRUEpoch []uint64

	Backing *backingstore.Store

	Lock sync.Mutex

	state State
	err   *vmerrors.Error

	// inFlight counts populate/evict operations currently running against
	// this descriptor, so destroy_object can wait for them to drain
	// (spec §5 "Cancellation").
	inFlight sync.WaitGroup
}

// SetError records a sticky error on the descriptor (spec §7's fault-path
// propagation policy). It takes no lock of its own: callers must hold
// Lock, as must readers of Err.
func (d *Descriptor) SetError(err *vmerrors.Error) {
	d.err = err
}

// Err returns the sticky error, if any, recorded on this descriptor.
func (d *Descriptor) Err() *vmerrors.Error {
	return d.err
}

// State returns the descriptor's current lifecycle state.
func (d *Descriptor) State() State {
	return d.state
}

// BeginTerminate marks the descriptor terminating so the dispatcher stops
// routing new faults to it. The caller then waits for in-flight operations
// to drain (WaitInFlight) and finishes with MarkDead.
func (d *Descriptor) BeginTerminate() {
	d.Lock.Lock()
	d.state = StateTerminating
	d.Lock.Unlock()
}

// MarkDead finalizes destruction bookkeeping.
func (d *Descriptor) MarkDead() {
	d.Lock.Lock()
	d.state = StateDead
	d.Lock.Unlock()
}

// TrackStart records the start of a populate or evict operation on this
// descriptor, for destroy_object to wait on.
func (d *Descriptor) TrackStart() { d.inFlight.Add(1) }

// TrackDone records the completion of a populate or evict operation.
func (d *Descriptor) TrackDone() { d.inFlight.Done() }

// WaitInFlight blocks until every tracked in-flight operation has
// completed (spec §4.7 destroy_object / §5 Cancellation).
func (d *Descriptor) WaitInFlight() { d.inFlight.Wait() }

// PageIndex returns the page index for a byte offset from BaseAddr.
func (d *Descriptor) PageIndex(addr uintptr) int64 {
	return int64((addr - d.BaseAddr) / uintptr(d.PageSize))
}

// PageGroup returns the install-unit group a page index belongs to.
func (d *Descriptor) PageGroup(pageIndex int64) int64 {
	return pageIndex / d.InstallUnitPages
}

// GroupPageRange returns the [lo, hi) page indices covered by group g,
// clamped to NPages.
func (d *Descriptor) GroupPageRange(g int64) (lo, hi int64) {
	lo = g * d.InstallUnitPages
	hi = lo + d.InstallUnitPages
	if hi > d.NPages {
		hi = d.NPages
	}
	return lo, hi
}

// CoversHeader reports whether page index p falls within the reserved
// header pages, which must never be populated or evicted (spec §4.5, §4.6).
func (d *Descriptor) CoversHeader(p int64) bool {
	return p < d.HeaderPages
}
