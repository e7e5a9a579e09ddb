package pci

import (
	"errors"
	"fmt"
)

// NumBARs is the BAR count of a standard header.
const NumBARs = 6

const (
	barIOSpace      = 0x1
	barType64       = 0x4
	barTypeMask     = 0x6
	barPrefetchable = 0x8

	barAttrMaskMemory uint32 = 0xf
	barAttrMaskIO     uint32 = 0x3
)

type BarKind uint8

const (
	BarMemory32 BarKind = iota
	BarMemory64
	BarIO
)

func (k BarKind) String() string {
	switch k {
	case BarMemory32:
		return "mem32"
	case BarMemory64:
		return "mem64"
	case BarIO:
		return "io"
	}
	return fmt.Sprintf("BarKind(%d)", uint8(k))
}

// BarRegion is a decoded BAR window. Base is a bus physical address and is
// zero while the BAR is unassigned.
type BarRegion struct {
	Index        uint8
	Base         uint64
	Size         uint64
	Kind         BarKind
	Prefetchable bool
}

func (b BarRegion) Assigned() bool { return b.Base != 0 }

func (b BarRegion) String() string {
	return fmt.Sprintf("BAR%d %s [%#x-%#x)", b.Index, b.Kind, b.Base, b.Base+b.Size)
}

var ErrBadBAR = errors.New("pci: malformed BAR")

// BarTable holds the implemented BARs of a function by index.
type BarTable [NumBARs]*BarRegion

// Resolve returns the assigned region for index.
func (t *BarTable) Resolve(index uint8) (BarRegion, bool) {
	if int(index) >= len(t) || t[index] == nil || !t[index].Assigned() {
		return BarRegion{}, false
	}
	return *t[index], true
}

// List returns the implemented BARs in index order.
func (t *BarTable) List() []BarRegion {
	var out []BarRegion
	for _, b := range t {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// ReadBARs decodes and sizes every BAR of a standard or bridge header.
// Decoding is disabled while BARs are sized and restored afterwards.
func (c Config) ReadBARs() (*BarTable, error) {
	count := HeaderType(c.Read8(regHeaderType) & 0x7f).BARCount()
	cmd := c.Command()
	c.SetCommand(cmd &^ (CommandIOSpace | CommandMemorySpace))
	defer c.SetCommand(cmd)

	var table BarTable
	for i := 0; i < count; i++ {
		bar, upper, err := c.readBAR(i, count)
		if err != nil {
			return &table, err
		}
		if bar != nil {
			table[i] = bar
		}
		if upper {
			i++
		}
	}
	return &table, nil
}

func (c Config) probe(off uint16) uint32 {
	orig := c.Read32(off)
	c.Write32(off, 0xffff_ffff)
	mask := c.Read32(off)
	c.Write32(off, orig)
	return mask
}

func (c Config) readBAR(index, count int) (bar *BarRegion, upper bool, err error) {
	off := uint16(regBAR0 + 4*index)
	low := c.Read32(off)

	if low&barIOSpace != 0 {
		mask := c.probe(off) &^ barAttrMaskIO
		if mask == 0 {
			return nil, false, nil
		}
		if mask&0xffff_0000 == 0 {
			mask |= 0xffff_0000
		}
		return &BarRegion{
			Index: uint8(index),
			Base:  uint64(low &^ barAttrMaskIO),
			Size:  uint64(^mask + 1),
			Kind:  BarIO,
		}, false, nil
	}

	prefetch := low&barPrefetchable != 0
	switch low & barTypeMask {
	case 0:
		mask := c.probe(off) &^ barAttrMaskMemory
		if mask == 0 {
			return nil, false, nil
		}
		return &BarRegion{
			Index:        uint8(index),
			Base:         uint64(low &^ barAttrMaskMemory),
			Size:         uint64(^mask + 1),
			Kind:         BarMemory32,
			Prefetchable: prefetch,
		}, false, nil
	case barType64:
		if index+1 >= count {
			return nil, false, fmt.Errorf("%w: 64-bit BAR%d has no upper half", ErrBadBAR, index)
		}
		high := c.Read32(off + 4)
		maskLow := c.probe(off) &^ barAttrMaskMemory
		maskHigh := c.probe(off + 4)
		mask := uint64(maskHigh)<<32 | uint64(maskLow)
		if mask == 0 {
			return nil, true, nil
		}
		return &BarRegion{
			Index:        uint8(index),
			Base:         uint64(high)<<32 | uint64(low&^barAttrMaskMemory),
			Size:         ^mask + 1,
			Kind:         BarMemory64,
			Prefetchable: prefetch,
		}, true, nil
	}
	return nil, false, fmt.Errorf("%w: BAR%d reserved type %#x", ErrBadBAR, index, low&barTypeMask)
}

// programBAR writes base into the BAR described by bar.
func (c Config) programBAR(bar BarRegion, base uint64) {
	off := uint16(regBAR0 + 4*int(bar.Index))
	c.Write32(off, uint32(base))
	if bar.Kind == BarMemory64 {
		c.Write32(off+4, uint32(base>>32))
	}
}
