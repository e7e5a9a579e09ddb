package pci

import "fmt"

const (
	regVendorID     = 0x00
	regCommand      = 0x04
	regStatus       = 0x06
	regRevision     = 0x08
	regHeaderType   = 0x0e
	regBAR0         = 0x10
	regSubsystem    = 0x2c
	regCapabilities = 0x34
	regInterrupt    = 0x3c
)

const noVendor = 0xffff

// HeaderType is the layout of the configuration header.
type HeaderType uint8

const (
	HeaderStandard      HeaderType = 0x00
	HeaderPCIBridge     HeaderType = 0x01
	HeaderCardBusBridge HeaderType = 0x02
)

func (h HeaderType) String() string {
	switch h {
	case HeaderStandard:
		return "standard"
	case HeaderPCIBridge:
		return "pci-bridge"
	case HeaderCardBusBridge:
		return "cardbus-bridge"
	}
	return fmt.Sprintf("unrecognised(%#x)", uint8(h))
}

// BARCount is the number of BAR slots in this header layout.
func (h HeaderType) BARCount() int {
	switch h {
	case HeaderStandard:
		return 6
	case HeaderPCIBridge:
		return 2
	}
	return 0
}

type Command uint16

const (
	CommandIOSpace          Command = 1 << 0
	CommandMemorySpace      Command = 1 << 1
	CommandBusMaster        Command = 1 << 2
	CommandInterruptDisable Command = 1 << 10
)

type Status uint16

const (
	StatusInterrupt        Status = 1 << 3
	StatusCapabilitiesList Status = 1 << 4
)

// Function is the identity of one PCI function as read from its header.
type Function struct {
	Addr Address

	VendorID uint16
	DeviceID uint16
	Revision uint8
	ProgIF   uint8
	Subclass uint8
	Class    uint8

	HeaderType    HeaderType
	MultiFunction bool

	SubsystemVendorID uint16
	SubsystemID       uint16

	InterruptLine uint8
	InterruptPin  uint8
}

func (f Function) String() string {
	return fmt.Sprintf("%s [%04x:%04x] class %02x%02x%02x rev %02x", f.Addr, f.VendorID, f.DeviceID, f.Class, f.Subclass, f.ProgIF, f.Revision)
}

// ReadFunction decodes the header of cfg. ok is false when no function
// responds at the address.
func ReadFunction(cfg Config) (fn Function, ok bool) {
	id := cfg.Read32(regVendorID)
	if uint16(id) == noVendor || id == 0 {
		return Function{}, false
	}
	class := cfg.Read32(regRevision)
	hdr := cfg.Read8(regHeaderType)

	fn = Function{
		Addr:          cfg.Address(),
		VendorID:      uint16(id),
		DeviceID:      uint16(id >> 16),
		Revision:      uint8(class),
		ProgIF:        uint8(class >> 8),
		Subclass:      uint8(class >> 16),
		Class:         uint8(class >> 24),
		HeaderType:    HeaderType(hdr & 0x7f),
		MultiFunction: hdr&0x80 != 0,
	}
	if fn.HeaderType == HeaderStandard {
		sub := cfg.Read32(regSubsystem)
		fn.SubsystemVendorID = uint16(sub)
		fn.SubsystemID = uint16(sub >> 16)
	}
	irq := cfg.Read32(regInterrupt)
	fn.InterruptLine = uint8(irq)
	fn.InterruptPin = uint8(irq >> 8)
	return fn, true
}

func (c Config) Command() Command { return Command(c.Read16(regCommand)) }
func (c Config) Status() Status   { return Status(c.Read16(regStatus)) }

// SetCommand writes the command register. The status half is written as
// zero so no write-one-to-clear bits are disturbed.
func (c Config) SetCommand(cmd Command) {
	c.Write32(regCommand, uint32(cmd))
}

// EnableBusMaster turns on memory decoding and bus mastering.
func (c Config) EnableBusMaster() {
	c.SetCommand(c.Command() | CommandMemorySpace | CommandBusMaster)
}
