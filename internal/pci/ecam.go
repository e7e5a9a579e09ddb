package pci

import "github.com/tinyrange/virtiopci/internal/mmio"

// ECAM is ConfigAccess over a memory-mapped enhanced configuration window.
type ECAM struct {
	region mmio.Region
}

// NewECAM returns an accessor for a window that starts at bus 0.
func NewECAM(region mmio.Region) *ECAM {
	return &ECAM{region: region}
}

// MaxBus is the highest bus number the window covers.
func (e *ECAM) MaxBus() uint8 {
	buses := e.region.Size() >> 20
	if buses == 0 {
		return 0
	}
	if buses > 256 {
		return 255
	}
	return uint8(buses - 1)
}

func (e *ECAM) ReadConfig32(addr Address, offset uint16) uint32 {
	off := addr.ECAMOffset(offset &^ 0x3)
	if off+4 > e.region.Size() {
		return 0xffff_ffff
	}
	return e.region.Read32(off)
}

func (e *ECAM) WriteConfig32(addr Address, offset uint16, value uint32) {
	off := addr.ECAMOffset(offset &^ 0x3)
	if off+4 > e.region.Size() {
		return
	}
	e.region.Write32(off, value)
}

var _ ConfigAccess = (*ECAM)(nil)
