// Package vmm is the host-facing API of the core (spec §6): create
// larger-than-memory objects backed by a user-supplied populate callback,
// read them as ordinary virtual memory, and let the core evict and refault
// pages under a configurable residency budget. Host writes are not tracked
// as dirty, so an evicted page is repopulated from the source.
package vmm

import (
	"github.com/vmmcore/vmm/internal/config"
	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/lifecycle"
	"github.com/vmmcore/vmm/internal/trace"
	"github.com/vmmcore/vmm/internal/vmerrors"
)

// Re-exported types so callers never need to import internal packages.
type (
	ElementKind    = descriptor.ElementKind
	Callout        = descriptor.Callout
	PopulateFunc   = descriptor.PopulateFunc
	DestructorFunc = descriptor.DestructorFunc
	Source         = descriptor.Source
	Config         = config.Config
	Error          = vmerrors.Error
)

const (
	ElementByte    = descriptor.ElementByte
	ElementLogical = descriptor.ElementLogical
	ElementInteger = descriptor.ElementInteger
	ElementReal    = descriptor.ElementReal
	ElementComplex = descriptor.ElementComplex
	ElementRaw     = descriptor.ElementRaw
)

// NoopCallout is the Callout instance every populate_fn invocation
// currently receives (spec §4.5's "accept and ignore it when unused").
var NoopCallout = descriptor.NoopCallout

// DefaultConfig returns the built-in process configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a JSON configuration file, defaulting any unset field.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewObject implements new_object(source) → base_addr (spec §6): starts
// the core on the first call in a process, then allocates and registers a
// new object from src.
func NewObject(src *Source) (uintptr, error) {
	return NewObjectWithConfig(nil, src)
}

// NewObjectWithConfig is NewObject, but supplies cfg to the first Init
// call in this process; ignored on subsequent calls since configuration
// is read once at startup (spec §6 "Configuration (process-wide, read at
// startup)"). Pass nil for DefaultConfig().
func NewObjectWithConfig(cfg *Config, src *Source) (uintptr, error) {
	c, err := lifecycle.Init(cfg)
	if err != nil {
		return 0, err
	}
	return c.NewObject(src)
}

// NewObjectMultiDim implements new_object_multidim(source) → base_addr
// (spec §6): identical to NewObject but carries dims for the host's
// multidimensional view of the same underlying object.
func NewObjectMultiDim(src *Source, dims []int64) (uintptr, error) {
	c, err := lifecycle.Init(nil)
	if err != nil {
		return 0, err
	}
	return c.NewObjectMultiDim(src, dims)
}

// DestroyObject implements destroy_object(base_addr) (spec §4.7).
func DestroyObject(baseAddr uintptr) error {
	c, ok := lifecycle.Current()
	if !ok {
		return vmerrors.InvalidSource("destroy_object called with no live core")
	}
	return c.DestroyObject(baseAddr)
}

// Shutdown implements shutdown() (spec §6): explicit, idempotent teardown
// of the process-wide arena, page backend, dispatcher and eviction engine.
func Shutdown() error {
	return lifecycle.Shutdown()
}

// SetDebug implements set_debug(enabled) (spec §6): toggles trace logging
// of faults, populates, and evictions. Takes effect immediately for every
// already-running component, since they all read the active sink through
// trace.Current() rather than caching it.
func SetDebug(enabled bool) {
	trace.SetDebug(enabled)
}

// Stats is the supplemented host-facing read-only snapshot (see
// SPEC_FULL.md §7): resident bytes, live object count, and per-object
// error flags, needed to observe the global residency budget invariant
// from outside the package.
type Stats struct {
	ResidentBytes int64
	LiveObjects   int
	ObjectErrors  map[uintptr]*Error
}

// GetStats returns a Stats snapshot of the current core, or a zero Stats
// if the core has not been initialized.
func GetStats() Stats {
	c, ok := lifecycle.Current()
	if !ok {
		return Stats{ObjectErrors: map[uintptr]*Error{}}
	}
	s := c.Stats()
	return Stats{
		ResidentBytes: s.ResidentBytes,
		LiveObjects:   s.LiveObjects,
		ObjectErrors:  s.ObjectErrors,
	}
}
