package pagebackend

import (
	"context"
	"testing"
	"time"
)

func TestFakeTouchFaultsOnce(t *testing.T) {
	f := NewFake()
	defer f.Close()

	const pageSize = 4096
	base := uintptr(0x10000)
	if err := f.RegisterRange(base, 16*pageSize); err != nil {
		t.Fatalf("RegisterRange: %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		data, err := f.Touch(base, pageSize, false)
		if err != nil {
			t.Errorf("Touch: %v", err)
		}
		done <- data
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	flt, err := f.AwaitFault(ctx)
	if err != nil {
		t.Fatalf("AwaitFault: %v", err)
	}
	if flt.Addr != base {
		t.Errorf("fault addr = %#x, want %#x", flt.Addr, base)
	}

	page := make([]byte, pageSize)
	for i := range page {
		page[i] = 0x42
	}
	if err := f.InstallPage(base, page); err != nil {
		t.Fatalf("InstallPage: %v", err)
	}

	select {
	case data := <-done:
		if len(data) != pageSize || data[0] != 0x42 {
			t.Errorf("unexpected installed data")
		}
	case <-time.After(time.Second):
		t.Fatal("Touch did not complete after InstallPage")
	}

	if !f.Resident(base) {
		t.Error("expected page to be resident after install")
	}

	if err := f.DropPage(base, pageSize); err != nil {
		t.Fatalf("DropPage: %v", err)
	}
	if f.Resident(base) {
		t.Error("expected page to be non-resident after drop")
	}
}

func TestFakeTouchAlreadyResidentDoesNotFault(t *testing.T) {
	f := NewFake()
	defer f.Close()

	const pageSize = 4096
	base := uintptr(0x20000)
	if err := f.RegisterRange(base, pageSize); err != nil {
		t.Fatalf("RegisterRange: %v", err)
	}
	if err := f.InstallPage(base, make([]byte, pageSize)); err != nil {
		t.Fatalf("InstallPage: %v", err)
	}

	data, err := f.Touch(base, pageSize, false)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if len(data) != pageSize {
		t.Errorf("got %d bytes, want %d", len(data), pageSize)
	}
}
