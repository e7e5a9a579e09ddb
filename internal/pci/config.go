// Package pci is the driver-side view of a PCI bus: configuration space
// access, function enumeration, capability lists and BAR decoding.
package pci

import (
	"fmt"
	"sync"
)

// Address identifies a function on the bus.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ECAMOffset is the offset of register reg of a within an ECAM window.
func (a Address) ECAMOffset(reg uint16) uint64 {
	return uint64(a.Bus)<<20 | uint64(a.Device&0x1f)<<15 | uint64(a.Function&0x7)<<12 | uint64(reg&0xfff)
}

// ConfigAccess reads and writes aligned 32-bit words of configuration
// space. Absent functions read as all ones.
type ConfigAccess interface {
	ReadConfig32(addr Address, offset uint16) uint32
	WriteConfig32(addr Address, offset uint16, value uint32)
}

// ConfigSpace serializes configuration traffic for a whole bus. Multi-step
// sequences (capability walks, BAR sizing) must run inside With so that
// concurrent probes never interleave partial reads.
type ConfigSpace struct {
	mu     sync.Mutex
	access ConfigAccess
}

func NewConfigSpace(access ConfigAccess) *ConfigSpace {
	return &ConfigSpace{access: access}
}

// With runs fn while holding the bus lock. cfg must not escape fn.
func (c *ConfigSpace) With(addr Address, fn func(cfg Config) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(Config{access: c.access, addr: addr})
}

// Config is the configuration space of one function.
type Config struct {
	access ConfigAccess
	addr   Address
}

func (c Config) Address() Address { return c.addr }

func (c Config) Read32(off uint16) uint32 {
	return c.access.ReadConfig32(c.addr, off&^0x3)
}

func (c Config) Read16(off uint16) uint16 {
	return uint16(c.Read32(off) >> ((off & 0x2) * 8))
}

func (c Config) Read8(off uint16) uint8 {
	return uint8(c.Read32(off) >> ((off & 0x3) * 8))
}

func (c Config) Write32(off uint16, v uint32) {
	c.access.WriteConfig32(c.addr, off&^0x3, v)
}
