package hal

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a span of physically contiguous memory starting at a fixed
// physical base. Besides backing DMA allocations it is the "guest memory"
// a simulated device reads and writes by physical address.
type Arena struct {
	base  PhysAddr
	mem   []byte
	unmap func() error
}

// NewArena wraps mem as physical memory at base.
func NewArena(base PhysAddr, mem []byte) (*Arena, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("hal: arena base %#x not page aligned", base)
	}
	if len(mem) == 0 || len(mem)%PageSize != 0 {
		return nil, fmt.Errorf("hal: arena size %#x not a non-zero multiple of the page size", len(mem))
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 {
		return nil, fmt.Errorf("hal: arena memory not 8-byte aligned")
	}
	return &Arena{base: base, mem: mem}, nil
}

// MapArena backs an arena with anonymous memory outside the Go heap.
func MapArena(base PhysAddr, size int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("hal: arena size %#x not a non-zero multiple of the page size", size)
	}
	if unix.Getpagesize() > PageSize && size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("hal: arena size %#x not a multiple of the host page size %#x", size, unix.Getpagesize())
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hal: map arena: %w", err)
	}
	a, err := NewArena(base, mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	a.unmap = func() error { return unix.Munmap(mem) }
	return a, nil
}

// Close releases mapped backing memory. The arena must not be used again.
func (a *Arena) Close() error {
	if a.unmap == nil {
		return nil
	}
	err := a.unmap()
	a.unmap = nil
	a.mem = nil
	return err
}

func (a *Arena) Base() PhysAddr { return a.base }
func (a *Arena) Size() uint64   { return uint64(len(a.mem)) }
func (a *Arena) Pages() int     { return len(a.mem) / PageSize }

func (a *Arena) Contains(p PhysAddr, n uint64) bool {
	return p >= a.base && uint64(p-a.base)+n <= uint64(len(a.mem)) && uint64(p-a.base)+n >= n
}

// Slice returns the CPU view of [p, p+n).
func (a *Arena) Slice(p PhysAddr, n uint64) ([]byte, error) {
	if !a.Contains(p, n) {
		return nil, fmt.Errorf("hal: %#x+%#x outside arena [%#x-%#x)", p, n, a.base, uint64(a.base)+a.Size())
	}
	off := uint64(p - a.base)
	return a.mem[off : off+n : off+n], nil
}

// ReadAt reads physical memory; off is a physical address.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	src, err := a.Slice(PhysAddr(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt writes physical memory; off is a physical address.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	dst, err := a.Slice(PhysAddr(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

func (a *Arena) word(p PhysAddr) *uint32 {
	if p%4 != 0 {
		panic(fmt.Sprintf("hal: unaligned atomic access at %#x", p))
	}
	b, err := a.Slice(p, 4)
	if err != nil {
		panic(err)
	}
	return (*uint32)(unsafe.Pointer(&b[0]))
}

// LoadUint32 and StoreUint32 access ring index words with full ordering
// against the surrounding ring memory.
func (a *Arena) LoadUint32(p PhysAddr) uint32     { return atomic.LoadUint32(a.word(p)) }
func (a *Arena) StoreUint32(p PhysAddr, v uint32) { atomic.StoreUint32(a.word(p), v) }

var (
	_ io.ReaderAt = (*Arena)(nil)
	_ io.WriterAt = (*Arena)(nil)
)
