package pci

import (
	"errors"
	"fmt"
)

// CapabilityID is the type tag at the head of a capability.
type CapabilityID uint8

const (
	CapPowerManagement CapabilityID = 0x01
	CapMSI             CapabilityID = 0x05
	CapVendorSpecific  CapabilityID = 0x09
	CapPCIExpress      CapabilityID = 0x10
	CapMSIX            CapabilityID = 0x11
)

func (id CapabilityID) String() string {
	switch id {
	case CapPowerManagement:
		return "power-management"
	case CapMSI:
		return "msi"
	case CapVendorSpecific:
		return "vendor-specific"
	case CapPCIExpress:
		return "pci-express"
	case CapMSIX:
		return "msi-x"
	}
	return fmt.Sprintf("cap(%#02x)", uint8(id))
}

// Capability is one entry of a function's capability list.
type Capability struct {
	ID     CapabilityID
	Offset uint8
}

// maxCapabilities bounds a walk: 192 bytes of capability space hold at
// most 48 four-byte entries.
const maxCapabilities = 48

var (
	ErrCapabilityLoop    = errors.New("pci: capability list loops")
	ErrCapabilityPointer = errors.New("pci: capability pointer inside header")
)

// Capabilities walks the capability list. On a malformed list the entries
// read so far are returned together with the error.
func (c Config) Capabilities() ([]Capability, error) {
	if c.Status()&StatusCapabilitiesList == 0 {
		return nil, nil
	}
	var (
		caps []Capability
		seen [256]bool
	)
	ptr := c.Read8(regCapabilities) &^ 0x3
	for ptr != 0 {
		if len(caps) == maxCapabilities || seen[ptr] {
			return caps, fmt.Errorf("%w at %s offset %#x", ErrCapabilityLoop, c.addr, ptr)
		}
		if ptr < 0x40 {
			return caps, fmt.Errorf("%w: %#x at %s", ErrCapabilityPointer, ptr, c.addr)
		}
		seen[ptr] = true
		hdr := c.Read16(uint16(ptr))
		caps = append(caps, Capability{ID: CapabilityID(hdr), Offset: ptr})
		ptr = uint8(hdr>>8) &^ 0x3
	}
	return caps, nil
}
