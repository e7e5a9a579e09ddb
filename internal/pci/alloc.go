package pci

import (
	"errors"
	"fmt"
)

// BARAllocator reserves bus address space for BAR windows.
type BARAllocator interface {
	Allocate(kind BarKind, size uint64, align uint64) (uint64, error)
}

var ErrAddressSpaceExhausted = errors.New("pci: MMIO space exhausted")

// LinearAllocator hands out memory windows from [base, base+size) in
// order. I/O space is not supported.
type LinearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func NewLinearAllocator(base, size uint64) *LinearAllocator {
	return &LinearAllocator{base: base, size: size, next: base}
}

func (a *LinearAllocator) Allocate(kind BarKind, size uint64, align uint64) (uint64, error) {
	if kind == BarIO {
		return 0, fmt.Errorf("pci: I/O BARs unsupported")
	}
	if size == 0 {
		return 0, fmt.Errorf("pci: BAR size must be non-zero")
	}
	if align < size {
		align = size
	}
	base := (a.next + align - 1) &^ (align - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, ErrAddressSpaceExhausted
	}
	if kind == BarMemory32 && base+size > 1<<32 {
		return 0, fmt.Errorf("%w: 32-bit BAR above 4GiB", ErrAddressSpaceExhausted)
	}
	a.next = base + size
	return base, nil
}

// AssignBARs gives every unassigned memory BAR an address from alloc and
// enables memory decoding. This is the job firmware does on machines that
// boot without it.
func (c Config) AssignBARs(alloc BARAllocator) (*BarTable, error) {
	table, err := c.ReadBARs()
	if err != nil {
		return table, err
	}
	changed := false
	for _, bar := range table {
		if bar == nil || bar.Assigned() || bar.Kind == BarIO {
			continue
		}
		base, err := alloc.Allocate(bar.Kind, bar.Size, bar.Size)
		if err != nil {
			return table, fmt.Errorf("assign BAR%d of %s: %w", bar.Index, c.addr, err)
		}
		c.programBAR(*bar, base)
		bar.Base = base
		changed = true
	}
	if changed {
		c.SetCommand(c.Command() | CommandMemorySpace)
	}
	return table, nil
}
