// Package eviction implements the Eviction Engine of spec §4.6: a ticker
// loop that periodically checks whole-process resident bytes against the
// configured budget and, when over, walks objects in approximate LRU order
// dropping page groups (flushing dirty ones to the backing store first)
// until back under budget.
//
// Grounded on the teacher's NUMA Monitor/Sampler ticker pattern
// (internal/runtime/numa/optimizer.go): a periodic sampler loop feeding a
// threshold check, generalized here from CPU/memory telemetry sampling to
// a residency-budget enforcement loop. Flush concurrency is bounded with
// golang.org/x/sync/semaphore, the same package the teacher's build
// pipeline uses to cap parallel compilation units.
package eviction

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/pagebackend"
	"github.com/vmmcore/vmm/internal/registry"
	"github.com/vmmcore/vmm/internal/trace"
	"github.com/vmmcore/vmm/internal/vmerrors"
)

// flushConcurrency bounds how many dirty-page flushes run at once.
const flushConcurrency = 8

// Engine periodically enforces the global residency budget.
type Engine struct {
	backend  pagebackend.Backend
	registry *registry.Registry
	budget   int64
	interval time.Duration

	sem *semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns an Engine that keeps total resident bytes across every
// object in reg at or below budgetBytes, checking every interval.
func New(backend pagebackend.Backend, reg *registry.Registry, budgetBytes int64, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		backend:  backend,
		registry: reg,
		budget:   budgetBytes,
		interval: interval,
		sem:      semaphore.NewWeighted(flushConcurrency),
	}
}

// Start launches the budget-enforcement loop in the background.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Stop cancels the loop and waits for any in-flight flush to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	tick := time.NewTicker(e.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.enforceOnce(ctx)
		}
	}
}

// residentBytes returns the process-wide resident byte count by summing
// each descriptor's residency popcount (spec §4.6 "global resident byte
// counter").
func (e *Engine) residentBytes() int64 {
	var total int64
	for _, d := range e.registry.All() {
		total += int64(d.Residency.Popcount()) * d.PageSize
	}
	return total
}

// enforceOnce runs a single budget check-and-reclaim pass.
func (e *Engine) enforceOnce(ctx context.Context) {
	over := e.residentBytes() - e.budget
	if over <= 0 {
		return
	}

	var wg sync.WaitGroup
	for _, d := range e.registry.All() {
		if over <= 0 {
			break
		}
		if d.State() == descriptor.StateDead {
			continue
		}

		freed := e.evictFromObject(ctx, d, over, &wg)
		over -= freed
	}
	wg.Wait()
}

// evictFromObject walks d's page groups in approximate LRU order
// (lowest LRUEpoch first) and evicts whole groups until it has freed at
// least want bytes or runs out of evictable groups. It returns the number
// of bytes it committed to freeing (flushes may still be in flight when it
// returns; callers that need the freed bytes accounted for synchronously
// should call wg.Wait()).
func (e *Engine) evictFromObject(ctx context.Context, d *descriptor.Descriptor, want int64, wg *sync.WaitGroup) int64 {
	d.Lock.Lock()
	groups := lruOrder(d)
	d.Lock.Unlock()

	var freed int64
	for _, g := range groups {
		if freed >= want {
			break
		}

		lo, hi := d.GroupPageRange(g)
		if lo >= hi || d.CoversHeader(lo) {
			continue
		}

		d.Lock.Lock()
		if !d.Residency.AnySet(int(lo), int(hi)) {
			d.Lock.Unlock()
			continue
		}
		d.TrackStart()
		d.Lock.Unlock()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			d.TrackDone()
			break
		}

		wg.Add(1)
		go func(lo, hi int64) {
			defer wg.Done()
			defer e.sem.Release(1)
			defer d.TrackDone()
			e.evictGroup(d, lo, hi)
		}(lo, hi)

		freed += (hi - lo) * d.PageSize
	}
	return freed
}

// evictGroup flushes dirty pages in [lo, hi) to the backing store, then
// drops the whole group from the page backend (spec §4.6 steps 1-3), all
// under d.Lock so it cannot interleave with an install on the group. In
// the current host-read-only usage no page is ever marked dirty (spec §5
// open question decision, see DESIGN.md), so the flush branch below is
// exercised only by a future mutable-object source; it is kept correct
// rather than dropped, per spec §4.6's note that the mechanism is
// preserved.
func (e *Engine) evictGroup(d *descriptor.Descriptor, lo, hi int64) {
	buf := make([]byte, d.PageSize)
	anyDirty := false

	d.Lock.Lock()
	defer d.Lock.Unlock()

	for pg := lo; pg < hi; pg++ {
		if !d.Dirty.Test(int(pg)) {
			continue
		}
		anyDirty = true

		addr := d.BaseAddr + uintptr(pg*d.PageSize)
		if err := e.backend.ReadResident(addr, buf); err != nil {
			trace.Current().Error(d.BaseAddr, vmerrors.KernelUserfault("read-resident", err))
			continue
		}
		if err := d.Backing.WritePage(pg, buf); err != nil {
			trace.Current().Error(d.BaseAddr, vmerrors.BackingStoreIO("flush", err))
			continue
		}

		d.Dirty.Clear(int(pg))
		d.EverDirty.Set(int(pg))
	}

	addr := d.BaseAddr + uintptr(lo*d.PageSize)
	size := uintptr((hi - lo) * d.PageSize)
	if err := e.backend.DropPage(addr, size); err != nil {
		trace.Current().Error(d.BaseAddr, vmerrors.KernelUserfault("drop", err))
	}

	d.Residency.ClearRange(int(lo), int(hi))

	trace.Current().Evict(d.BaseAddr, lo, hi, anyDirty)
}

// lruOrder returns every evictable page group of d sorted by ascending
// LRUEpoch (oldest first), skipping the header's pages. Must be called
// with d.Lock held.
func lruOrder(d *descriptor.Descriptor) []int64 {
	n := int64(len(d.LRUEpoch))
	groups := make([]int64, 0, n)
	for g := int64(0); g < n; g++ {
		lo, _ := d.GroupPageRange(g)
		if d.CoversHeader(lo) {
			continue
		}
		groups = append(groups, g)
	}
	// Simple insertion sort by epoch: group counts are small (typically a
	// few hundred to a few thousand per object), so an O(n^2) sort here
	// is not worth a heap for this core.
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && d.LRUEpoch[groups[j-1]] > d.LRUEpoch[groups[j]]; j-- {
			groups[j-1], groups[j] = groups[j], groups[j-1]
		}
	}
	return groups
}
