package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/mock/gomock"

	"github.com/vmmcore/vmm/internal/backingstore"
	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/pagebackend"
	"github.com/vmmcore/vmm/internal/registry"
)

type recordingPopulator struct {
	mu    sync.Mutex
	calls []int64
	done  chan struct{}
}

func newRecordingPopulator(expect int) *recordingPopulator {
	return &recordingPopulator{done: make(chan struct{}, expect)}
}

func (p *recordingPopulator) Populate(d *descriptor.Descriptor, pageIndex int64) error {
	p.mu.Lock()
	p.calls = append(p.calls, pageIndex)
	p.mu.Unlock()

	d.Residency.Set(int(pageIndex))
	p.done <- struct{}{}
	return nil
}

func newTestDescriptor(t *testing.T, baseAddr uintptr, nPages int64) *descriptor.Descriptor {
	t.Helper()
	const pageSize = 4096

	ver, err := semver.NewVersion("1.0.0")
	if err != nil {
		t.Fatalf("semver.NewVersion: %v", err)
	}
	backing, err := backingstore.Open(t.TempDir(), pageSize, ver)
	if err != nil {
		t.Fatalf("backingstore.Open: %v", err)
	}
	t.Cleanup(func() { backing.Close() })

	src := &descriptor.Source{
		NElements:       nPages * pageSize,
		ElementSize:     1,
		MinLoadElements: pageSize,
		Populate:        func(int64, int64, descriptor.Callout, any, []byte) error { return nil },
	}
	return descriptor.New(src, baseAddr, nPages*pageSize, pageSize, pageSize, backing)
}

func TestDispatcherRoutesFaultToOwningObject(t *testing.T) {
	const pageSize = 4096

	backend := pagebackend.NewFake()
	defer backend.Close()

	reg := registry.New()
	d := newTestDescriptor(t, 0x100000, 4)
	if err := backend.RegisterRange(d.BaseAddr, uintptr(d.RangeBytes)); err != nil {
		t.Fatalf("RegisterRange: %v", err)
	}
	if err := reg.Insert(d); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pop := newRecordingPopulator(1)
	disp := New(backend, reg, pop, 4)

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	defer func() {
		cancel()
		disp.Stop()
	}()

	go func() {
		backend.Touch(d.BaseAddr+2*pageSize, pageSize, false)
	}()

	select {
	case <-pop.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never routed the fault to the populator")
	}

	pop.mu.Lock()
	defer pop.mu.Unlock()
	if len(pop.calls) != 1 || pop.calls[0] != 2 {
		t.Errorf("populate calls = %v, want [2]", pop.calls)
	}
}

func TestDispatcherCallsPopulateExactlyOnceViaMock(t *testing.T) {
	const pageSize = 4096

	backend := pagebackend.NewFake()
	defer backend.Close()

	reg := registry.New()
	d := newTestDescriptor(t, 0x200000, 4)
	if err := backend.RegisterRange(d.BaseAddr, uintptr(d.RangeBytes)); err != nil {
		t.Fatalf("RegisterRange: %v", err)
	}
	if err := reg.Insert(d); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ctrl := gomock.NewController(t)
	mockPop := NewMockPopulator(ctrl)
	done := make(chan struct{})
	mockPop.EXPECT().Populate(d, int64(1)).DoAndReturn(func(*descriptor.Descriptor, int64) error {
		close(done)
		return nil
	})

	disp := New(backend, reg, mockPop, 2)
	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	defer func() {
		cancel()
		disp.Stop()
	}()

	go func() {
		backend.Touch(d.BaseAddr+pageSize, pageSize, false)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never routed the fault to the mocked populator")
	}
}

func TestDispatcherIgnoresFaultWithNoOwningObject(t *testing.T) {
	backend := pagebackend.NewFake()
	defer backend.Close()

	const pageSize = 4096

	// The range is known to the backend, so Touch delivers a fault, but no
	// object in the registry owns it.
	orphan := uintptr(0x400000)
	if err := backend.RegisterRange(orphan, pageSize); err != nil {
		t.Fatalf("RegisterRange: %v", err)
	}

	reg := registry.New()
	pop := newRecordingPopulator(1)
	disp := New(backend, reg, pop, 2)

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)

	touched := make(chan struct{})
	go func() {
		backend.Touch(orphan, pageSize, false)
		close(touched)
	}()

	// Give the dispatcher time to receive and drop the fault.
	time.Sleep(100 * time.Millisecond)
	cancel()
	disp.Stop()

	// Release the blocked Touch so its goroutine exits.
	if err := backend.InstallPage(orphan, make([]byte, pageSize)); err != nil {
		t.Fatalf("InstallPage: %v", err)
	}
	<-touched

	pop.mu.Lock()
	defer pop.mu.Unlock()
	if len(pop.calls) != 0 {
		t.Errorf("expected no populate calls, got %v", pop.calls)
	}
}
