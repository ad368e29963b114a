// Package backingstore implements the per-object anonymous swap file of
// spec §4.2: opened in a configurable scratch directory and unlinked
// immediately so it vanishes on process death, storing evicted dirty pages
// sparsely at byte offset page_index*page_size.
package backingstore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/vmmcore/vmm/internal/vmerrors"
)

// Store is one object's backing file. Positional reads/writes are safe for
// concurrent callers as long as distinct pages are touched (the eviction
// engine and populator never target the same page concurrently, since both
// hold the owning descriptor's lock — spec §5).
type Store struct {
	file     *os.File
	pageSize int64
	version  *semver.Version
}

// Open creates an anonymous temp file under dir, unlinks it immediately,
// and records the given format version (internal/config.FormatVersion in
// production) on the Store after checking its major version; nothing is
// written into the file itself. Grounded on internal/io/io.go's file-handle conventions,
// generalized from sequential console I/O to page-granular positional I/O.
func Open(dir string, pageSize int64, version *semver.Version) (*Store, error) {
	if pageSize <= 0 {
		return nil, vmerrors.InvalidSource("page size must be > 0")
	}
	if err := validateFormatVersion(version); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, "vmmcore-backing-*")
	if err != nil {
		return nil, vmerrors.BackingStoreIO("create", err)
	}
	// Unlink immediately: the fd stays valid for the process lifetime but
	// no directory entry survives a crash, matching spec §4.2.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, vmerrors.BackingStoreIO("unlink", err)
	}

	return &Store{file: f, pageSize: pageSize, version: version}, nil
}

// validateFormatVersion enforces that a backing store is only opened with
// a format major-version this build understands. In the current
// single-process, no-cross-restart-persistence model (spec §1 Non-goals)
// this never actually rejects a real file — every Store is created fresh
// by the same build that will read it — but guards the format contract for
// any future persistence layer built on top of this package.
func validateFormatVersion(v *semver.Version) error {
	if v == nil {
		return vmerrors.InvalidSource("backing store format version must be set")
	}
	if v.Major() != CurrentFormatMajor {
		return vmerrors.New(vmerrors.CategoryBackingStore, "FORMAT_VERSION_MISMATCH",
			fmt.Sprintf("backing store format major version %d unsupported (expected %d)", v.Major(), CurrentFormatMajor), nil)
	}
	return nil
}

// CurrentFormatMajor is the major version this build's backing-store
// layout implements.
const CurrentFormatMajor = 1

// WritePage writes exactly one page of data at page_index*page_size.
func (s *Store) WritePage(pageIndex int64, data []byte) error {
	if int64(len(data)) != s.pageSize {
		return vmerrors.InvalidSource(fmt.Sprintf("WritePage: data length %d != page size %d", len(data), s.pageSize))
	}
	if _, err := s.file.WriteAt(data, pageIndex*s.pageSize); err != nil {
		return vmerrors.BackingStoreIO(fmt.Sprintf("write page %d", pageIndex), err)
	}
	return nil
}

// ReadPage reads exactly one page of data into out, which must be
// page-size long. Pages that were never written read back as zeros,
// matching sparse-file semantics (spec §4.2 "storage is sparse").
func (s *Store) ReadPage(pageIndex int64, out []byte) error {
	if int64(len(out)) != s.pageSize {
		return vmerrors.InvalidSource(fmt.Sprintf("ReadPage: out length %d != page size %d", len(out), s.pageSize))
	}
	n, err := s.file.ReadAt(out, pageIndex*s.pageSize)
	if err != nil && n != len(out) {
		if !errors.Is(err, io.EOF) {
			return vmerrors.BackingStoreIO(fmt.Sprintf("read page %d", pageIndex), err)
		}
		// A short read ending in EOF is an unwritten (sparse) page, not an
		// error: fill the remainder with zeros.
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		return nil
	}
	return nil
}

// Close closes the underlying (already-unlinked) file, releasing its
// backing disk space. Called by internal/lifecycle on destroy_object.
func (s *Store) Close() error {
	if err := s.file.Close(); err != nil {
		return vmerrors.BackingStoreIO("close", err)
	}
	return nil
}
