// Package hal owns memory shared between drivers and devices: DMA
// allocation, bounce-buffered sharing of arbitrary buffers, and the
// translation of device physical addresses into addresses the CPU can use.
package hal

import (
	"errors"
	"fmt"
)

const PageSize = 4096

// PhysAddr is an address as seen by a device.
type PhysAddr uint64

// Direction says which side of a shared buffer writes it.
type Direction uint8

const (
	DriverToDevice Direction = iota + 1
	DeviceToDriver
	Both
)

func (d Direction) String() string {
	switch d {
	case DriverToDevice:
		return "driver-to-device"
	case DeviceToDriver:
		return "device-to-driver"
	case Both:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

func (d Direction) toDevice() bool { return d == DriverToDevice || d == Both }
func (d Direction) toDriver() bool { return d == DeviceToDriver || d == Both }

// DMARegion is zeroed, physically contiguous memory visible to devices.
// Virt is the CPU view and is Pages*PageSize bytes long.
type DMARegion struct {
	Phys  PhysAddr
	Virt  []byte
	Pages int
}

var (
	ErrOutOfMemory      = errors.New("hal: out of DMA memory")
	ErrInvalidPageCount = errors.New("hal: invalid page count")
	ErrEmptyBuffer      = errors.New("hal: cannot share an empty buffer")
)

// Hal is the memory interface drivers and virtqueues are written against.
//
// Allocation failures are returned as errors. Releasing memory that was
// not handed out, releasing twice, or unsharing with arguments that do not
// match the share are programming errors and panic.
type Hal interface {
	DMAAlloc(pages int, dir Direction) (DMARegion, error)
	DMADealloc(r DMARegion)

	// MMIOPhysToVirt maps a device register window (a BAR) to a bus
	// address usable with mmio.Bus.
	MMIOPhysToVirt(phys PhysAddr, size uint64) uint64

	// Share makes buf available to the device and returns the address the
	// device must use. Unshare must be called exactly once before buf is
	// touched again by the CPU.
	Share(buf []byte, dir Direction) (PhysAddr, error)
	Unshare(phys PhysAddr, buf []byte, dir Direction)
}

func pagesFor(n int) int {
	return (n + PageSize - 1) / PageSize
}
