package vmm

import (
	"testing"

	"github.com/vmmcore/vmm/internal/lifecycle"
	"github.com/vmmcore/vmm/internal/trace"
)

func resetCore(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { _ = Shutdown() })
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ArenaBytes = 64 << 20
	cfg.ResidencyBudgetBytes = 32 << 20
	cfg.ScratchDir = t.TempDir()
	cfg.WorkerPoolSize = 4
	return cfg
}

func TestNewObjectAndDestroyObject(t *testing.T) {
	resetCore(t)

	src := &Source{
		NElements:       10000,
		ElementSize:     4,
		MinLoadElements: 256,
		Populate: func(startElem, endElem int64, _ Callout, _ any, out []byte) error {
			for i := range out {
				out[i] = byte(i)
			}
			return nil
		},
	}

	base, err := NewObjectWithConfig(testConfig(t), src)
	if err != nil {
		t.Fatalf("NewObjectWithConfig: %v", err)
	}
	if base == 0 {
		t.Fatal("expected a non-zero base address")
	}

	stats := GetStats()
	if stats.LiveObjects != 1 {
		t.Errorf("LiveObjects = %d, want 1", stats.LiveObjects)
	}

	if err := DestroyObject(base); err != nil {
		t.Fatalf("DestroyObject: %v", err)
	}

	stats = GetStats()
	if stats.LiveObjects != 0 {
		t.Errorf("LiveObjects = %d, want 0 after destroy", stats.LiveObjects)
	}
}

func TestNewObjectMultiDim(t *testing.T) {
	resetCore(t)

	src := &Source{
		NElements:       64,
		ElementSize:     4,
		MinLoadElements: 64,
		Populate:        func(int64, int64, Callout, any, []byte) error { return nil },
	}

	base, err := NewObjectMultiDim(src, []int64{8, 8})
	if err != nil {
		t.Fatalf("NewObjectMultiDim: %v", err)
	}
	if base == 0 {
		t.Fatal("expected a non-zero base address")
	}
}

func TestSetDebugTogglesTraceSinkLive(t *testing.T) {
	defer SetDebug(false)

	SetDebug(true)
	if !trace.Enabled() {
		t.Error("expected debug tracing enabled after SetDebug(true)")
	}
	if _, ok := trace.Current().(trace.LogSink); !ok {
		t.Errorf("active sink = %T after SetDebug(true), want trace.LogSink", trace.Current())
	}
	SetDebug(false)
	if trace.Enabled() {
		t.Error("expected debug tracing disabled after SetDebug(false)")
	}
	if _, ok := trace.Current().(trace.NoopSink); !ok {
		t.Errorf("active sink = %T after SetDebug(false), want trace.NoopSink", trace.Current())
	}
}

func TestDestroyObjectWithoutLiveCoreErrors(t *testing.T) {
	if _, ok := lifecycle.Current(); ok {
		t.Skip("a previous test left a live core; run this test in isolation")
	}
	if err := DestroyObject(0x12345); err == nil {
		t.Error("expected an error destroying an object with no live core")
	}
}

func TestInvalidSourceRejectedSynchronously(t *testing.T) {
	resetCore(t)

	src := &Source{
		NElements:   0, // invalid: spec §7 invalid-source
		ElementSize: 4,
		Populate:    func(int64, int64, Callout, any, []byte) error { return nil },
	}
	if _, err := NewObjectWithConfig(testConfig(t), src); err == nil {
		t.Error("expected new_object to reject an invalid source synchronously (spec §7)")
	}
}
