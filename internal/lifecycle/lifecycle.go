// Package lifecycle implements the Lifecycle Controller of spec §4.7 and
// §9 "Global process state": the arena, page backend registration, and
// dispatcher form a process-wide singleton created by the first Init call.
// Teardown happens only through an explicit Shutdown; destroying the last
// live object does not release the arena, backend or dispatcher.
//
// Grounded on the teacher's GlobalVMM/InitializeVMM singleton
// (internal/runtime/kernel/vmm.go): a package-level *Controller pointer
// guarded by a mutex. Init constructs it explicitly on the object-creation
// path; a repeated Init returns the existing Controller and ignores the
// config passed to it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmmcore/vmm/internal/arena"
	"github.com/vmmcore/vmm/internal/backingstore"
	"github.com/vmmcore/vmm/internal/config"
	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/dispatcher"
	"github.com/vmmcore/vmm/internal/eviction"
	"github.com/vmmcore/vmm/internal/pagebackend"
	"github.com/vmmcore/vmm/internal/populator"
	"github.com/vmmcore/vmm/internal/registry"
	"github.com/vmmcore/vmm/internal/trace"
	"github.com/vmmcore/vmm/internal/vmerrors"
)

// Controller owns the process-wide singleton state: one arena, one page
// backend registration, one dispatcher, one eviction engine.
type Controller struct {
	cfg *config.Config

	arena    *arena.Arena
	backend  pagebackend.Backend
	registry *registry.Registry
	dispatch *dispatcher.Dispatcher
	evict    *eviction.Engine
	watcher  *config.ScratchWatcher

	mu       sync.Mutex
	objCount int
}

var (
	globalMu sync.Mutex
	global   *Controller
)

// Init returns the process-wide Controller, constructing it on the first
// call (spec §4.7 "Initialization (first object)"). Subsequent calls
// return the existing instance.
func Init(cfg *config.Config) (*Controller, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return global, nil
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, vmerrors.InvalidSource(err.Error())
	}

	a, err := arena.New(cfg.ArenaBytes)
	if err != nil {
		return nil, err
	}

	backend, err := pagebackend.NewDefault()
	if err != nil {
		a.Close()
		return nil, vmerrors.KernelUserfault("page backend init", err)
	}
	if err := backend.RegisterRange(a.Base(), a.Size()); err != nil {
		backend.Close()
		a.Close()
		return nil, vmerrors.KernelUserfault("register arena", err)
	}

	reg := registry.New()
	pop := populator.New(backend)
	disp := dispatcher.New(backend, reg, pop, cfg.WorkerPoolSize)
	evict := eviction.New(backend, reg, int64(cfg.ResidencyBudgetBytes), 0)

	// An external removal of a backing file out from under a live object
	// (e.g. an operator clearing disk space) would otherwise surface only
	// as an opaque I/O error the next time that object evicts or destroys;
	// watching for it lets the trace sink report it immediately instead.
	watcher, err := config.WatchScratchDir(cfg.ScratchDir)
	if err != nil {
		backend.Close()
		a.Close()
		return nil, vmerrors.BackingStoreIO("watch scratch dir", err)
	}

	c := &Controller{
		cfg:      cfg,
		arena:    a,
		backend:  backend,
		registry: reg,
		dispatch: disp,
		evict:    evict,
		watcher:  watcher,
	}

	ctx := context.Background()
	disp.Start(ctx)
	evict.Start(ctx)
	go c.watchScratchDir()

	global = c
	return c, nil
}

func (c *Controller) watchScratchDir() {
	for {
		select {
		case name, ok := <-c.watcher.Removed():
			if !ok {
				return
			}
			trace.Current().Error(0, vmerrors.BackingStoreIO("backing file removed externally: "+name, nil))
		case err, ok := <-c.watcher.Errors():
			if !ok {
				return
			}
			trace.Current().Error(0, vmerrors.BackingStoreIO("scratch dir watch", err))
		}
	}
}

// Current returns the process-wide Controller if it has been initialized.
func Current() (*Controller, bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global, global != nil
}

// NewObject implements new_object(source) → base_addr (spec §6).
func (c *Controller) NewObject(src *descriptor.Source) (uintptr, error) {
	return c.newObject(src, nil)
}

// NewObjectMultiDim implements new_object_multidim(source) → base_addr,
// identical to NewObject but src.Dims is carried onto the descriptor.
func (c *Controller) NewObjectMultiDim(src *descriptor.Source, dims []int64) (uintptr, error) {
	return c.newObject(src, dims)
}

func (c *Controller) newObject(src *descriptor.Source, dims []int64) (uintptr, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}
	if dims != nil {
		src.Dims = dims
	}

	rangeBytes := src.NElements*src.ElementSize + src.HeaderBytes

	c.mu.Lock()
	base, segSize, err := c.arena.Alloc(uint64(rangeBytes))
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	backing, err := backingstore.Open(c.cfg.ScratchDir, arena.PageSize, config.FormatVersion)
	if err != nil {
		c.arena.Free(base, segSize)
		return 0, err
	}

	d := descriptor.New(src, base, rangeBytes, arena.PageSize, c.cfg.DefaultMinLoad, backing)

	// Header pages are marked resident by descriptor.New (spec §3
	// "header_bytes") but the host writes their content directly after
	// NewObject returns; install zero pages for them now so the backend's
	// idea of what's mapped matches the residency bitmap from the start.
	// Without this, the first host access to a header byte would fault on
	// a page the dispatcher/populator will never populate (Populate
	// no-ops on pages already marked resident), leaving that fault
	// unanswered forever.
	zero := make([]byte, arena.PageSize)
	for i := int64(0); i < d.HeaderPages; i++ {
		if err := c.backend.InstallPage(base+uintptr(i*arena.PageSize), zero); err != nil {
			backing.Close()
			c.arena.Free(base, segSize)
			return 0, vmerrors.KernelUserfault("install header page", err)
		}
	}

	if err := c.registry.Insert(d); err != nil {
		backing.Close()
		c.arena.Free(base, segSize)
		return 0, fmt.Errorf("lifecycle: %w", err)
	}

	c.mu.Lock()
	c.objCount++
	c.mu.Unlock()

	return base, nil
}

// DestroyObject implements destroy_object(base_addr) (spec §4.7): marks
// the descriptor terminating, drains in-flight populate/evict work, drops
// every resident page, closes the backing file, runs the destructor, and
// returns the segment to the arena.
func (c *Controller) DestroyObject(baseAddr uintptr) error {
	d, ok := c.registry.Lookup(baseAddr)
	if !ok {
		return fmt.Errorf("lifecycle: no object at %#x", baseAddr)
	}

	d.BeginTerminate()
	d.WaitInFlight()

	if d.Residency.Popcount() > 0 {
		if err := c.backend.DropPage(d.BaseAddr, uintptr(d.RangeBytes)); err != nil {
			return vmerrors.KernelUserfault("drop object range", err)
		}
	}

	if err := d.Backing.Close(); err != nil {
		return err
	}

	if d.DestructorFn != nil {
		d.DestructorFn(d.UserData)
	}

	if err := c.registry.Remove(baseAddr); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}

	// Free recomputes the same page-aligned, power-of-two segment size
	// Alloc derived from this range, so passing RangeBytes back is exact.
	if err := c.arena.Free(baseAddr, uint64(d.RangeBytes)); err != nil {
		return err
	}

	d.MarkDead()

	c.mu.Lock()
	c.objCount--
	c.mu.Unlock()

	return nil
}

// Shutdown implements spec §4.7's explicit, idempotent teardown: stop the
// dispatcher, release the arena, and clear the singleton so a later call
// to Init starts fresh. Safe to call multiple times.
func Shutdown() error {
	globalMu.Lock()
	c := global
	global = nil
	globalMu.Unlock()

	if c == nil {
		return nil
	}
	return c.shutdown()
}

func (c *Controller) shutdown() error {
	for _, d := range c.registry.All() {
		_ = c.DestroyObject(d.BaseAddr)
	}

	c.evict.Stop()
	c.dispatch.Stop()
	c.watcher.Close()

	if err := c.backend.Close(); err != nil {
		return vmerrors.KernelUserfault("close page backend", err)
	}
	return c.arena.Close()
}

// ObjectCount reports the number of live objects, used by tests.
func (c *Controller) ObjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objCount
}

// Stats is the process-wide snapshot backing the supplemented vmm.GetStats()
// host API (SPEC_FULL.md §7): total resident bytes across every live
// object, the live object count, and any sticky per-descriptor errors.
type Stats struct {
	ResidentBytes int64
	LiveObjects   int
	ObjectErrors  map[uintptr]*vmerrors.Error
}

// Stats returns a snapshot of the controller's current state.
func (c *Controller) Stats() Stats {
	objs := c.registry.All()
	s := Stats{
		LiveObjects:  len(objs),
		ObjectErrors: make(map[uintptr]*vmerrors.Error),
	}
	for _, d := range objs {
		s.ResidentBytes += int64(d.Residency.Popcount()) * d.PageSize
		d.Lock.Lock()
		err := d.Err()
		d.Lock.Unlock()
		if err != nil {
			s.ObjectErrors[d.BaseAddr] = err
		}
	}
	return s
}
