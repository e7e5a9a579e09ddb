// Package mmio provides register-width access to memory-mapped I/O.
//
// A Bus performs single loads and stores at bus addresses. A Region is a
// bounds-checked window onto a Bus and is the only way driver code touches
// device registers.
package mmio

import (
	"errors"
	"fmt"
)

// Width is the size in bytes of one register access.
type Width uint8

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

func (w Width) Valid() bool {
	switch w {
	case Width8, Width16, Width32, Width64:
		return true
	}
	return false
}

// Bus issues exactly one access of the requested width per call.
type Bus interface {
	Read(addr uint64, width Width) uint64
	Write(addr uint64, width Width, value uint64)
}

var ErrOutOfRange = errors.New("mmio: range outside region")

// Region is an immutable window of Size bytes starting at Base on a Bus.
// Copies share the underlying bus and are safe for concurrent use as long
// as the bus is.
type Region struct {
	bus  Bus
	base uint64
	size uint64
}

func NewRegion(bus Bus, base, size uint64) Region {
	return Region{bus: bus, base: base, size: size}
}

func (r Region) Base() uint64 { return r.base }
func (r Region) Size() uint64 { return r.size }
func (r Region) Valid() bool  { return r.bus != nil && r.size != 0 }

// Sub returns the window [off, off+size) of r.
func (r Region) Sub(off, size uint64) (Region, error) {
	end := off + size
	if end < off || end > r.size {
		return Region{}, fmt.Errorf("%w: %#x+%#x in %#x bytes", ErrOutOfRange, off, size, r.size)
	}
	return Region{bus: r.bus, base: r.base + off, size: size}, nil
}

func (r Region) Read8(off uint64) uint8 {
	r.check(off, Width8)
	return uint8(r.bus.Read(r.base+off, Width8))
}

func (r Region) Read16(off uint64) uint16 {
	r.check(off, Width16)
	return uint16(r.bus.Read(r.base+off, Width16))
}

func (r Region) Read32(off uint64) uint32 {
	r.check(off, Width32)
	return uint32(r.bus.Read(r.base+off, Width32))
}

func (r Region) Write8(off uint64, v uint8) {
	r.check(off, Width8)
	r.bus.Write(r.base+off, Width8, uint64(v))
}

func (r Region) Write16(off uint64, v uint16) {
	r.check(off, Width16)
	r.bus.Write(r.base+off, Width16, uint64(v))
}

func (r Region) Write32(off uint64, v uint32) {
	r.check(off, Width32)
	r.bus.Write(r.base+off, Width32, uint64(v))
}

// FastWrite16 is Write16 without the bounds check. Builds tagged
// virtiodebug still check.
func (r Region) FastWrite16(off uint64, v uint16) {
	if DebugChecks {
		r.check(off, Width16)
	}
	r.bus.Write(r.base+off, Width16, uint64(v))
}

func (r Region) check(off uint64, w Width) {
	end := off + uint64(w)
	if end < off || end > r.size {
		panic(fmt.Sprintf("mmio: %d-byte access at %#x outside %#x-byte region at %#x", w, off, r.size, r.base))
	}
}
