// dmax/uio_linux.go

//go:build linux

package dmax

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollSlice bounds how long Wait sleeps in poll(2) before re-checking ctx.
const pollSlice = 50 // ms

// UIO is a Linux userspace I/O device (/dev/uioN). Its memory maps hold the
// register blocks and DMA buffers; reading the device blocks until the next
// interrupt and writing 1 re-enables the line.
type UIO struct {
	f     *os.File
	sysfs string
	count atomic.Uint32
}

// OpenUIO opens a UIO device node such as /dev/uio0.
func OpenUIO(path string) (*UIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	return &UIO{f: f, sysfs: filepath.Join("/sys/class/uio", filepath.Base(path))}, nil
}

// MapInfo returns the bus address and size of memory map i from sysfs.
func (u *UIO) MapInfo(i int) (addr, size uint64, err error) {
	dir := filepath.Join(u.sysfs, "maps", fmt.Sprintf("map%d", i))
	if addr, err = readHex(filepath.Join(dir, "addr")); err != nil {
		return 0, 0, err
	}
	if size, err = readHex(filepath.Join(dir, "size")); err != nil {
		return 0, 0, err
	}
	return addr, size, nil
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Map maps memory map i. UIO selects the map by page-sized mmap offset.
func (u *UIO) Map(i int) (*Mapping, error) {
	addr, size, err := u.MapInfo(i)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(int(u.f.Fd()), int64(i*os.Getpagesize()), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s map%d: %w", u.f.Name(), i, err)
	}
	return &Mapping{Addr: addr, mem: mem}, nil
}

// Enable re-arms the interrupt line.
func (u *UIO) Enable() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	_, err := unix.Write(int(u.f.Fd()), b[:])
	return err
}

// Wait blocks until the line fires or ctx is done.
func (u *UIO) Wait(ctx context.Context) error {
	fd := int(u.f.Fd())
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollSlice)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		var b [4]byte
		if _, err := unix.Read(fd, b[:]); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}
		u.count.Store(binary.NativeEndian.Uint32(b[:]))
		return nil
	}
}

// Count returns the kernel's interrupt count as of the last Wait.
func (u *UIO) Count() uint32 { return u.count.Load() }

// Close closes the device node. Mappings stay valid until closed themselves.
func (u *UIO) Close() error { return u.f.Close() }

// Mapping is one mmap'd UIO region. It implements Registers with volatile
// (atomic) word access.
type Mapping struct {
	// Addr is the bus address of the region.
	Addr uint64
	mem  []byte
}

func (m *Mapping) word(off uint32, n uint32) unsafe.Pointer {
	if off%n != 0 || uint64(off)+uint64(n) > uint64(len(m.mem)) {
		panic(fmt.Sprintf("dmax: register access %#x/%d outside %d-byte map", off, n, len(m.mem)))
	}
	return unsafe.Pointer(&m.mem[off])
}

// Read32 loads the 32-bit register at off. Unaligned or out-of-range
// offsets panic.
func (m *Mapping) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(m.word(off, 4)))
}

// Write32 stores v to the 32-bit register at off.
func (m *Mapping) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(m.word(off, 4)), v)
}

// Write64 stores v to the 64-bit register at off in one access.
func (m *Mapping) Write64(off uint32, v uint64) {
	atomic.StoreUint64((*uint64)(m.word(off, 8)), v)
}

// Bytes returns the mapped memory, for buffer regions.
func (m *Mapping) Bytes() []byte { return m.mem }

// Len returns the region size.
func (m *Mapping) Len() int { return len(m.mem) }

// Close unmaps the region.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
