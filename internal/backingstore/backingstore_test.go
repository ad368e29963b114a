package backingstore

import (
	"bytes"
	"os"
	"testing"

	"github.com/Masterminds/semver/v3"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(os.TempDir(), 4096, semver.MustParse("1.0.0"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := mustOpen(t)

	page := bytes.Repeat([]byte{0xAB}, 4096)
	if err := s.WritePage(5, page); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	out := make([]byte, 4096)
	if err := s.ReadPage(5, out); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(out, page) {
		t.Error("round-tripped page does not match what was written")
	}
}

func TestUnwrittenPageReadsZero(t *testing.T) {
	s := mustOpen(t)

	out := make([]byte, 4096)
	for i := range out {
		out[i] = 0xFF
	}
	if err := s.ReadPage(1000, out); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 for a never-written page", i, b)
		}
	}
}

func TestReadPagePropagatesNonEOFError(t *testing.T) {
	s, err := Open(os.TempDir(), 4096, semver.MustParse("1.0.0"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Close the file out from under ReadPage so ReadAt fails with a genuine
	// I/O error (not a short read ending in io.EOF); this must surface as
	// an error, not be mistaken for an unwritten sparse page.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := make([]byte, 4096)
	if err := s.ReadPage(0, out); err == nil {
		t.Fatal("expected ReadPage on a closed file to return an error")
	}
}

func TestFormatVersionMismatchRejected(t *testing.T) {
	_, err := Open(os.TempDir(), 4096, semver.MustParse("2.0.0"))
	if err == nil {
		t.Fatal("expected a format version mismatch error for a future major version")
	}
}
