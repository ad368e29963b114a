package populator

import (
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/vmmcore/vmm/internal/backingstore"
	"github.com/vmmcore/vmm/internal/descriptor"
	"github.com/vmmcore/vmm/internal/pagebackend"
	"github.com/vmmcore/vmm/internal/testrunner/assert"
)

func newTestDescriptor(t *testing.T, src *descriptor.Source) *descriptor.Descriptor {
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

	rangeBytes := (src.NElements*src.ElementSize + src.HeaderBytes + pageSize - 1) &^ (pageSize - 1)
	return descriptor.New(src, 0x40000, rangeBytes, pageSize, 1, backing)
}

func registerAndGet(t *testing.T, backend *pagebackend.Fake, d *descriptor.Descriptor) {
	t.Helper()
	if err := backend.RegisterRange(d.BaseAddr, uintptr(d.RangeBytes)); err != nil {
		t.Fatalf("RegisterRange: %v", err)
	}
}

func TestPopulateInvokesSourceAndInstallsPage(t *testing.T) {
	const pageSize = 4096

	var gotStart, gotEnd int64
	src := &descriptor.Source{
		NElements:       1024,
		ElementSize:     4,
		MinLoadElements: 1024, // one page's worth of elements per install unit
		Populate: func(startElem, endElem int64, _ descriptor.Callout, _ any, out []byte) error {
			gotStart, gotEnd = startElem, endElem
			for i := range out {
				out[i] = 0x7a
			}
			return nil
		},
	}

	d := newTestDescriptor(t, src)
	backend := pagebackend.NewFake()
	defer backend.Close()
	registerAndGet(t, backend, d)

	p := New(backend)
	if err := p.Populate(d, 0); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	assert.Equal(t, gotStart, int64(0), "populate callback start element")
	assert.Equal(t, gotEnd, int64(1024), "populate callback end element")
	if !d.Residency.Test(0) {
		t.Error("expected page 0 resident after populate")
	}
	if !backend.Resident(d.BaseAddr) {
		t.Error("expected backend to show page installed")
	}
}

func TestPopulateAlreadyResidentIsNoop(t *testing.T) {
	src := &descriptor.Source{
		NElements:       256,
		ElementSize:     4,
		MinLoadElements: 256,
		Populate: func(int64, int64, descriptor.Callout, any, []byte) error {
			t.Fatal("populate callback should not be invoked for an already-resident page")
			return nil
		},
	}

	d := newTestDescriptor(t, src)
	d.Residency.Set(0)

	backend := pagebackend.NewFake()
	defer backend.Close()
	registerAndGet(t, backend, d)

	p := New(backend)
	if err := p.Populate(d, 0); err != nil {
		t.Fatalf("Populate: %v", err)
	}
}

func TestPopulateErrorInstallsZeroAndSticks(t *testing.T) {
	wantErr := errors.New("source exploded")
	src := &descriptor.Source{
		NElements:       256,
		ElementSize:     4,
		MinLoadElements: 256,
		Populate: func(int64, int64, descriptor.Callout, any, []byte) error {
			return wantErr
		},
	}

	d := newTestDescriptor(t, src)
	backend := pagebackend.NewFake()
	defer backend.Close()
	registerAndGet(t, backend, d)

	p := New(backend)
	err := p.Populate(d, 0)
	if err == nil {
		t.Fatal("expected Populate to return the populate-failed error")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("Populate error does not wrap source error: %v", err)
	}

	if !d.Residency.Test(0) {
		t.Error("expected a zero page installed despite populate failure")
	}
	if d.Err() == nil {
		t.Error("expected sticky error recorded on descriptor")
	}

	data, touchErr := backend.Touch(d.BaseAddr, 4096, false)
	if touchErr != nil {
		t.Fatalf("Touch: %v", touchErr)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero-filled page", i, b)
			break
		}
	}
}

func TestPopulateReplaysFromBackingStoreWhenEverDirty(t *testing.T) {
	src := &descriptor.Source{
		NElements:       256,
		ElementSize:     4,
		MinLoadElements: 256,
		Populate: func(int64, int64, descriptor.Callout, any, []byte) error {
			t.Fatal("populate callback should not run for a page marked ever-dirty")
			return nil
		},
	}

	d := newTestDescriptor(t, src)
	d.EverDirty.Set(0)
	want := make([]byte, d.PageSize)
	for i := range want {
		want[i] = byte(i)
	}
	if err := d.Backing.WritePage(0, want); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	backend := pagebackend.NewFake()
	defer backend.Close()
	registerAndGet(t, backend, d)

	p := New(backend)
	if err := p.Populate(d, 0); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	data, err := backend.Touch(d.BaseAddr, 4096, false)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x (backing-store replay)", i, data[i], want[i])
		}
	}
}
