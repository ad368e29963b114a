// Package populator implements spec §4.5: given a fault on (object, page),
// compute the element range to materialize, invoke the user populate
// callback or replay from the backing store, and install the result as
// real pages.
package populator

import (
	"fmt"
	"sync/atomic"

	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/pagebackend"
	"github.com/vmmcore/vmm/internal/trace"
	"github.com/vmmcore/vmm/internal/vmerrors"
)

// Populator stages populate output into pooled scratch buffers and
// installs it through a page backend.
type Populator struct {
	backend pagebackend.Backend
	scratch *scratchPool
}

// New returns a Populator that installs pages through backend.
func New(backend pagebackend.Backend) *Populator {
	return &Populator{backend: backend, scratch: newScratchPool()}
}

// Populate runs the 5-step algorithm of spec §4.5 for a fault at pageIndex
// within d. Errors are never returned to the caller to propagate
// synchronously — per spec §7's fault-path policy, Populate always
// installs something (real data or a zero page) and records failures on
// the descriptor's sticky error flag and reports it to the trace sink. The
// returned error is informational; the dispatcher discards it.
func (p *Populator) Populate(d *descriptor.Descriptor, pageIndex int64) error {
	d.Lock.Lock()
	defer d.Lock.Unlock()

	if d.Residency.Test(int(pageIndex)) {
		// Another fault on this page already won the race (spec §4.5
		// step 1); the kernel will retry the faulting instruction.
		return nil
	}

	d.TrackStart()
	defer d.TrackDone()

	byteLo, byteHi := installRange(d, pageIndex)
	pageLo := byteLo / d.PageSize
	pageHi := byteHi / d.PageSize

	buf := p.scratch.get(byteHi - byteLo)
	defer p.scratch.put(buf)

	if d.EverDirty.AnySet(int(pageLo), int(pageHi)) {
		if err := p.readFromBackingStore(d, pageLo, pageHi, buf); err != nil {
			return p.installZeroAndFail(d, pageLo, pageHi, byteLo, byteHi, vmerrors.BackingStoreIO("replay", err))
		}
	} else {
		startElem, endElem := elementRange(d, byteLo, byteHi)
		if err := d.PopulateFn(startElem, endElem, descriptor.NoopCallout, d.UserData, buf); err != nil {
			return p.installZeroAndFail(d, pageLo, pageHi, byteLo, byteHi,
				vmerrors.PopulateFailed(startElem, endElem, err))
		}
	}

	if err := p.backend.InstallPage(d.BaseAddr+uintptr(byteLo), buf); err != nil {
		return p.installZeroAndFail(d, pageLo, pageHi, byteLo, byteHi, vmerrors.KernelUserfault("install", err))
	}

	d.Residency.SetRange(int(pageLo), int(pageHi))
	bumpEpoch(d, pageLo)

	trace.Current().Populate(d.BaseAddr, pageLo, pageHi)
	return nil
}

// installZeroAndFail implements spec §7's fault-path error policy: install
// a zero-filled page so the faulting thread is never left blocked, record
// the sticky error on the descriptor, and return the error for logging.
func (p *Populator) installZeroAndFail(d *descriptor.Descriptor, pageLo, pageHi, byteLo, byteHi int64, cause *vmerrors.Error) error {
	zero := p.scratch.get(byteHi - byteLo)
	defer p.scratch.put(zero)
	for i := range zero {
		zero[i] = 0
	}

	if err := p.backend.InstallPage(d.BaseAddr+uintptr(byteLo), zero); err == nil {
		d.Residency.SetRange(int(pageLo), int(pageHi))
		bumpEpoch(d, pageLo)
	}

	d.SetError(cause)
	trace.Current().Error(d.BaseAddr, cause)
	return cause
}

func (p *Populator) readFromBackingStore(d *descriptor.Descriptor, pageLo, pageHi int64, buf []byte) error {
	pageBytes := d.PageSize
	for pg := pageLo; pg < pageHi; pg++ {
		off := (pg - pageLo) * pageBytes
		if err := d.Backing.ReadPage(pg, buf[off:off+pageBytes]); err != nil {
			return fmt.Errorf("populator: reading page %d from backing store: %w", pg, err)
		}
	}
	return nil
}

// installRange computes [byte_lo, byte_hi) for a fault at pageIndex,
// rounding to the install unit and clamping to the object's end and past
// the host header, per spec §4.5 step 2 and the header alignment rule.
func installRange(d *descriptor.Descriptor, pageIndex int64) (lo, hi int64) {
	groupPages := d.InstallUnitPages
	groupStart := (pageIndex / groupPages) * groupPages

	lo = groupStart * d.PageSize
	hi = lo + groupPages*d.PageSize

	headerEnd := d.HeaderPages * d.PageSize
	if lo < headerEnd {
		lo = headerEnd
	}
	if hi > d.RangeBytes {
		hi = d.RangeBytes
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// elementRange converts a byte range into element indices, subtracting the
// header so the populate callback is only ever asked for real elements
// (spec §4.5 "Alignment rules").
func elementRange(d *descriptor.Descriptor, byteLo, byteHi int64) (startElem, endElem int64) {
	headerBytes := d.HeaderBytes
	startElem = (byteLo - headerBytes) / d.ElementSize
	endElem = (byteHi - headerBytes) / d.ElementSize
	if startElem < 0 {
		startElem = 0
	}
	if endElem > d.NElements {
		endElem = d.NElements
	}
	if endElem < startElem {
		endElem = startElem
	}
	return startElem, endElem
}

// epochClock hands out monotonically increasing epochs, so a group's
// LRUEpoch records when it was last installed relative to every other
// group.
var epochClock atomic.Uint64

func bumpEpoch(d *descriptor.Descriptor, pageLo int64) {
	g := pageLo / d.InstallUnitPages
	if int(g) < len(d.LRUEpoch) {
		d.LRUEpoch[g] = epochClock.Add(1)
	}
}
