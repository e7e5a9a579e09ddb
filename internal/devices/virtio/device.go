// Package virtio simulates virtio devices on the PCI transport: the
// register interface a driver sees through BARs and config space, and the
// device half of split virtqueues over guest memory.
package virtio

import (
	"io"

	"github.com/tinyrange/virtiopci/internal/hal"
)

// Backend is the device-specific half of a simulated virtio device. The
// PCI transport calls it with its own lock held, so a backend never sees
// two transport callbacks at once.
type Backend interface {
	// DeviceID returns the virtio device type identifier.
	DeviceID() uint16

	// DeviceFeatures returns the full 64-bit feature set offered.
	DeviceFeatures() uint64

	// NumQueues is the number of virtqueues the device exposes.
	NumQueues() int

	// QueueMaxSize is the largest size queue i accepts.
	QueueMaxSize(i int) uint16

	// ConfigLen is the size of the device-specific configuration. Zero
	// means the device has none.
	ConfigLen() uint32

	// ReadConfig reads a 32-bit value from the device-specific
	// configuration at a 4-byte aligned offset.
	ReadConfig(offset uint16) uint32

	// WriteConfig writes a 32-bit value to the device-specific
	// configuration.
	WriteConfig(offset uint16, val uint32)

	// Enable is called at DRIVER_OK with the negotiated features and one
	// entry per queue, nil for queues the driver left disabled.
	Enable(features uint64, queues []*VirtQueue, irq Interrupter)

	// Disable is called on reset.
	Disable()

	// HandleQueue processes buffers made available on queue i.
	HandleQueue(i int) error
}

// Interrupter lets a backend signal the driver.
type Interrupter interface {
	// QueueInterrupt signals used buffers.
	QueueInterrupt()
	// ConfigChanged bumps the configuration generation and signals a
	// configuration change.
	ConfigChanged()
}

// GuestMemory is the memory the driver shares with devices. Ring index
// words are accessed atomically.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	LoadUint32(p hal.PhysAddr) uint32
	StoreUint32(p hal.PhysAddr, v uint32)
}

var _ GuestMemory = (*hal.Arena)(nil)
