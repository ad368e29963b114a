//go:build linux

package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxReservation is a read/write MAP_NORESERVE anonymous mmap: no
// physical pages are committed until a page is installed, matching spec
// §4.1 "no physical commit". The region is later
// registered with the kernel's userfault facility by internal/lifecycle so
// that any touch inside it traps to the dispatcher instead of SIGSEGV'ing.
type linuxReservation struct {
	mapping []byte
	addr    uintptr
	len     uintptr
}

func reserve(size uintptr) (reservation, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d) reservation: %w", size, err)
	}
	return &linuxReservation{
		mapping: b,
		addr:    uintptr(unsafe.Pointer(&b[0])),
		len:     size,
	}, nil
}

func (r *linuxReservation) base() uintptr { return r.addr }
func (r *linuxReservation) size() uintptr { return r.len }

func (r *linuxReservation) release() error {
	return unix.Munmap(r.mapping)
}
