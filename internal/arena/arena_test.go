package arena

import "testing"

func TestArenaAllocFree(t *testing.T) {
	a, err := New(16 * PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	t.Run("AllocRoundsToPageAndPowerOfTwo", func(t *testing.T) {
		base, size, err := a.Alloc(3 * PageSize)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if size != 4*PageSize {
			t.Errorf("got size %d, want %d", size, 4*PageSize)
		}
		if base < a.Base() || base >= a.Base()+a.Size() {
			t.Errorf("base %#x outside arena [%#x, %#x)", base, a.Base(), a.Base()+a.Size())
		}
		if err := a.Free(base, size); err != nil {
			t.Fatalf("Free: %v", err)
		}
	})

	t.Run("FreeBytesRestoredAfterFree", func(t *testing.T) {
		initial := a.FreeBytes()
		base, size, err := a.Alloc(2 * PageSize)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if got := a.FreeBytes(); got != initial-size {
			t.Errorf("free bytes after alloc = %d, want %d", got, initial-size)
		}
		if err := a.Free(base, size); err != nil {
			t.Fatalf("Free: %v", err)
		}
		if got := a.FreeBytes(); got != initial {
			t.Errorf("free bytes after free = %d, want %d", got, initial)
		}
	})

	t.Run("ExhaustionReturnsOutOfAddressSpace", func(t *testing.T) {
		small, err := New(2 * PageSize)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer small.Close()

		if _, _, err := small.Alloc(4 * PageSize); err == nil {
			t.Error("expected an out-of-address-space error")
		}
	})

	t.Run("CoalescesAdjacentFreeSegments", func(t *testing.T) {
		c, err := New(4 * PageSize)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer c.Close()

		b1, s1, _ := c.Alloc(PageSize)
		b2, s2, _ := c.Alloc(PageSize)
		if err := c.Free(b1, s1); err != nil {
			t.Fatalf("Free b1: %v", err)
		}
		if err := c.Free(b2, s2); err != nil {
			t.Fatalf("Free b2: %v", err)
		}
		if got := c.FreeBytes(); got != c.Size() {
			t.Errorf("after freeing everything, free bytes = %d, want %d", got, c.Size())
		}
		if len(c.free) != 1 {
			t.Errorf("expected a single coalesced free segment, got %d", len(c.free))
		}
	})
}
