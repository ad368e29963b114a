// Package pagebackend isolates the one OS-specific dependency the vmm core
// has: a kernel facility that redirects accesses to unmapped pages into
// user space, lets the core supply the missing bytes, and lets the core
// later drop pages back out so future touches re-fault. Spec §9 names this
// exact seam ("the core exposes an internal 'page backend' interface with
// operations register_range, await_fault, install_page, drop_page").
//
// The Linux implementation (uffd_linux.go) is grounded on production
// userfaultfd(2) reference code rather than on the teacher repo, which has
// no userfault-facility code of its own; see DESIGN.md. A pure-Go
// in-memory fake (fake.go) backs every test above this layer.
package pagebackend

import "context"

// Fault describes one intercepted access to an unmapped page.
type Fault struct {
	// Addr is the faulting address, page-aligned down by the backend.
	Addr uintptr
	// Write is true if the access that faulted was a write.
	Write bool
}

// Backend is the seam spec §9 calls out explicitly. Implementations must
// be safe for concurrent InstallPage/DropPage calls on distinct pages, and
// must serialize AwaitFault with a single dispatcher goroutine (spec §4.4
// "single-threaded with respect to fault reception").
type Backend interface {
	// RegisterRange registers [base, base+size) so that any access to an
	// unmapped page inside it is delivered as a Fault instead of crashing
	// the faulting thread (spec §4.1 "the arena is registered wholesale").
	RegisterRange(base, size uintptr) error

	// AwaitFault blocks until a fault is available, ctx is canceled, or an
	// error occurs. Returns context.Canceled on shutdown.
	AwaitFault(ctx context.Context) (Fault, error)

	// InstallPage atomically installs data (a multiple of the page size)
	// as the real backing for [addr, addr+len(data)), waking any thread
	// blocked on a fault in that range (spec §4.5 step 4).
	InstallPage(addr uintptr, data []byte) error

	// DropPage removes physical backing for [addr, addr+size) so that
	// subsequent touches re-fault (spec §4.6 step 3, "madvise-style
	// 'don't need' semantics").
	DropPage(addr, size uintptr) error

	// ReadResident copies the currently-installed bytes at [addr,
	// addr+len(out)) into out, for the eviction engine's dirty-page flush
	// path (spec §4.6 step 2). Only ever called on pages the caller has
	// already confirmed are resident.
	ReadResident(addr uintptr, out []byte) error

	// Close unregisters the whole arena and releases backend resources
	// (spec §4.7 shutdown).
	Close() error
}
