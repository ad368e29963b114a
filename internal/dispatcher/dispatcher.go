// Package dispatcher implements the Page-Fault Dispatcher of spec §4.4: a
// single loop that receives faults from the page backend, resolves each to
// its owning object via the registry, and hands it off to the populator on
// a bounded worker pool so a slow populate_fn for one object cannot starve
// faults on another.
//
// Grounded on the teacher's goPoller Start/Stop/Register lifecycle
// (internal/runtime/asyncio/async_io.go), generalized from per-connection
// watcher goroutines to a single fault-receiving loop plus a bounded pool
// of populate workers built on golang.org/x/sync/errgroup, the same
// package the teacher's build pipeline (internal/build) uses for bounded
// parallel compilation stages.
package dispatcher

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/pagebackend"
	"github.com/vmmcore/vmm/internal/registry"
	"github.com/vmmcore/vmm/internal/trace"
)

// Populator is the subset of *populator.Populator the dispatcher depends
// on, so tests can substitute a fake without pulling in the page backend.
type Populator interface {
	Populate(d *descriptor.Descriptor, pageIndex int64) error
}

// Dispatcher owns the fault-reception loop (spec §4.4 "single-threaded
// with respect to fault reception") and fans work out to a bounded pool of
// populate workers.
type Dispatcher struct {
	backend    pagebackend.Backend
	registry   *registry.Registry
	populate   Populator
	maxWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a Dispatcher that reads faults from backend, resolves them
// through reg, and runs populate callbacks on up to maxWorkers concurrent
// goroutines.
func New(backend pagebackend.Backend, reg *registry.Registry, populate Populator, maxWorkers int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Dispatcher{backend: backend, registry: reg, populate: populate, maxWorkers: maxWorkers}
}

// Start launches the fault-reception loop in a background goroutine. Stop
// must be called exactly once to shut it down.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Stop cancels the fault-reception loop and waits for in-flight populate
// workers to finish (spec §4.7 shutdown ordering: the dispatcher stops
// before the arena and backing stores are torn down).
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(d.maxWorkers)

	for {
		flt, err := d.backend.AwaitFault(ctx)
		if err != nil {
			break
		}

		obj, ok := d.registry.Find(flt.Addr)
		if !ok {
			// Fault on an address with no owning object (e.g. raced with
			// destroy_object); nothing to populate. Spec §4.4 leaves this
			// case implicit — drop it rather than block the faulting
			// thread forever.
			continue
		}
		if obj.State() != descriptor.StateLive {
			continue
		}

		pageIndex := obj.PageIndex(flt.Addr)
		trace.Current().Fault(obj.BaseAddr, flt.Addr, flt.Write)

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			_ = d.populate.Populate(obj, pageIndex)
			return nil
		})
	}

	g.Wait()
}
