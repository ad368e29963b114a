//go:build linux

package pagebackend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw userfaultfd(2) ioctl numbers and struct layouts for amd64, grounded
// directly on production reference code (see DESIGN.md): the dh-cli and
// e2b-dev-infra userfaultfd clients retrieved for this spec define the
// same constants and struct shapes, which is the only place in the pack
// this protocol appears at all.
const (
	_UFFDIO_API      = 0xc018aa3f
	_UFFDIO_REGISTER = 0xc020aa00
	_UFFDIO_COPY     = 0xc028aa03
	_UFFDIO_ZEROPAGE = 0xc020aa04

	_UFFD_API = 0xaa

	uffdioRegisterModeMissing = 1 << 0

	_UFFD_EVENT_PAGEFAULT = 0x12

	uffdPagefaultFlagWrite = 1 << 0
)

// uffdioAPI matches struct uffdio_api.
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// uffdioRange matches struct uffdio_range.
type uffdioRange struct {
	start uint64
	len   uint64
}

// uffdioRegister matches struct uffdio_register.
type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

// uffdioCopy matches struct uffdio_copy (40 bytes).
type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

// uffdMsg matches struct uffd_msg; only the pagefault variant is decoded.
type uffdMsg struct {
	event     uint8
	_         [7]byte // reserved/padding to match kernel layout
	arg       [24]byte
}

// uffdPagefault matches the pagefault member of the uffd_msg union.
type uffdPagefault struct {
	flags   uint64
	address uint64
	feat    uint64 // ptid (rdonly here; named for layout clarity)
}

// ProbeUFFD reports whether userfaultfd(2) is usable on this system
// (common failure: vm.unprivileged_userfaultfd=0 without CAP_SYS_PTRACE).
// Grounded on the retrieved ProbeUffd reference function.
func ProbeUFFD() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

// UFFD is the Linux Backend implementation.
type UFFD struct {
	fd int

	mu     sync.Mutex
	ranges []uffdioRange

	stopPipe [2]int // used to interrupt a blocked Poll on Close
}

// NewUFFD opens and API-negotiates a userfaultfd instance.
func NewUFFD() (*UFFD, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("userfaultfd(2): %w", errno)
	}

	api := uffdioAPI{api: _UFFD_API}
	if err := ioctl(int(fd), _UFFDIO_API, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("UFFDIO_API: %w", err)
	}

	p := [2]int{}
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("stop pipe: %w", err)
	}

	return &UFFD{fd: int(fd), stopPipe: p}, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (u *UFFD) RegisterRange(base, size uintptr) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(base), len: uint64(size)},
		mode: uffdioRegisterModeMissing,
	}
	if err := ioctl(u.fd, _UFFDIO_REGISTER, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER [%#x, %#x): %w", base, base+size, err)
	}

	u.mu.Lock()
	u.ranges = append(u.ranges, reg.rng)
	u.mu.Unlock()
	return nil
}

func (u *UFFD) AwaitFault(ctx context.Context) (Fault, error) {
	pollFds := []unix.PollFd{
		{Fd: int32(u.fd), Events: unix.POLLIN},
		{Fd: int32(u.stopPipe[0]), Events: unix.POLLIN},
	}

	for {
		if ctx.Err() != nil {
			return Fault{}, ctx.Err()
		}

		n, err := unix.Poll(pollFds, 1000)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return Fault{}, fmt.Errorf("poll(uffd): %w", err)
		}
		if n == 0 {
			continue // timeout; re-check ctx
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return Fault{}, context.Canceled
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var buf [unsafe.Sizeof(uffdMsg{})]byte
		n64, err := unix.Read(u.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return Fault{}, fmt.Errorf("read(uffd): %w", err)
		}
		if n64 != len(buf) {
			return Fault{}, fmt.Errorf("read(uffd): short read %d", n64)
		}

		msg := (*uffdMsg)(unsafe.Pointer(&buf[0]))
		if msg.event != _UFFD_EVENT_PAGEFAULT {
			continue // spec §4.4 only cares about page-fault events
		}
		pf := (*uffdPagefault)(unsafe.Pointer(&msg.arg[0]))

		return Fault{
			Addr:  uintptr(pf.address),
			Write: pf.flags&uffdPagefaultFlagWrite != 0,
		}, nil
	}
}

func (u *UFFD) InstallPage(addr uintptr, data []byte) error {
	cp := uffdioCopy{
		dst: uint64(addr),
		src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		len: uint64(len(data)),
	}
	if err := ioctl(u.fd, _UFFDIO_COPY, unsafe.Pointer(&cp)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			// Another fault on the same page already installed it
			// (spec §4.5 step 1's race); not an error.
			return nil
		}
		return fmt.Errorf("UFFDIO_COPY %#x len %d: %w", addr, len(data), err)
	}
	return nil
}

func (u *UFFD) ReadResident(addr uintptr, out []byte) error {
	// The page is already mapped into this process's address space (it was
	// installed via UFFDIO_COPY), so reading it is a plain memory copy.
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(out))
	copy(out, src)
	return nil
}

func (u *UFFD) DropPage(addr, size uintptr) error {
	// MADV_DONTNEED on the arena mapping drops physical backing; the next
	// touch re-faults through userfaultfd exactly as spec §4.6 requires.
	s := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(s, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("MADV_DONTNEED %#x len %d: %w", addr, size, err)
	}
	return nil
}

func (u *UFFD) Close() error {
	unix.Write(u.stopPipe[1], []byte{0})
	unix.Close(u.stopPipe[0])
	unix.Close(u.stopPipe[1])
	return unix.Close(u.fd)
}
