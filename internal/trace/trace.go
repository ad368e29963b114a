// Package trace implements spec §6's set_debug(enabled) toggle: a sink
// that fault, populate, eviction and error events are reported to. The
// initial sink is a no-op, so the hot fault path pays nothing while tracing
// is off; SetDebug(true) installs a sink that logs through the standard
// library log package, and SetDebug(false) restores the no-op sink.
package trace

import (
	"log"
	"sync/atomic"

	"github.com/vmmcore/vmm/internal/vmerrors"
)

// Sink receives vmm core lifecycle events.
type Sink interface {
	Fault(baseAddr uintptr, addr uintptr, write bool)
	Populate(baseAddr uintptr, pageLo, pageHi int64)
	Evict(baseAddr uintptr, pageLo, pageHi int64, dirty bool)
	Error(baseAddr uintptr, err *vmerrors.Error)
}

// NoopSink discards every event; installed when debugging is disabled.
type NoopSink struct{}

func (NoopSink) Fault(uintptr, uintptr, bool)          {}
func (NoopSink) Populate(uintptr, int64, int64)        {}
func (NoopSink) Evict(uintptr, int64, int64, bool)     {}
func (NoopSink) Error(uintptr, *vmerrors.Error)        {}

// LogSink logs every event via the standard library logger. Grounded on
// the teacher's plain `log` usage throughout internal/runtime/kernel and
// internal/build (no structured logging library appears anywhere in the
// pack for process-local diagnostics).
type LogSink struct{}

func (LogSink) Fault(baseAddr, addr uintptr, write bool) {
	log.Printf("vmmcore: fault object=%#x addr=%#x write=%v", baseAddr, addr, write)
}

func (LogSink) Populate(baseAddr uintptr, pageLo, pageHi int64) {
	log.Printf("vmmcore: populate object=%#x pages=[%d,%d)", baseAddr, pageLo, pageHi)
}

func (LogSink) Evict(baseAddr uintptr, pageLo, pageHi int64, dirty bool) {
	log.Printf("vmmcore: evict object=%#x pages=[%d,%d) dirty=%v", baseAddr, pageLo, pageHi, dirty)
}

func (LogSink) Error(baseAddr uintptr, err *vmerrors.Error) {
	log.Printf("vmmcore: error object=%#x err=%v", baseAddr, err)
}

var debugEnabled atomic.Bool

// current holds the active sink; swapped atomically by SetDebug/SetSink.
var current atomic.Value // Sink

func init() {
	current.Store(Sink(NoopSink{}))
}

// Enabled reports whether debug tracing is currently on.
func Enabled() bool { return debugEnabled.Load() }

// SetDebug implements vmm.SetDebug: toggles between LogSink and NoopSink.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
	if enabled {
		current.Store(Sink(LogSink{}))
	} else {
		current.Store(Sink(NoopSink{}))
	}
}

// SetSink installs a custom sink in place of the active one (used by
// internal/trace's QUIC streaming transport to send events to a remote
// observer instead of local logging).
func SetSink(s Sink) {
	if s == nil {
		s = NoopSink{}
	}
	current.Store(s)
}

// Current returns the active sink for components to report events to.
func Current() Sink {
	return current.Load().(Sink)
}
