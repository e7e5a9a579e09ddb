package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Range is a span of bus address space claimed by a Device.
type Range struct {
	Address uint64
	Size    uint64
}

func (r Range) Contains(addr uint64, length uint64) bool {
	return r.Size != 0 && addr >= r.Address && addr+length <= r.Address+r.Size
}

func (r Range) overlaps(o Range) bool {
	return r.Address < o.Address+o.Size && o.Address < r.Address+r.Size
}

// Device is a memory-mapped peripheral served by a Dispatcher. Regions
// may move at runtime (BAR reprogramming), so they are queried on every
// access.
type Device interface {
	MMIORegions() []Range
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Dispatcher is a Bus that routes each access to the device claiming the
// address. Unclaimed reads return all ones like an unterminated bus.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.RWMutex
	devices []Device

	unhandled rate.Sometimes
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		log:       logger,
		unhandled: rate.Sometimes{First: 8, Interval: time.Second},
	}
}

// Attach adds dev. Static regions that overlap an attached device are
// rejected.
func (d *Dispatcher) Attach(dev Device) error {
	if dev == nil {
		return fmt.Errorf("mmio: attach nil device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range dev.MMIORegions() {
		for _, other := range d.devices {
			for _, o := range other.MMIORegions() {
				if r.overlaps(o) {
					return fmt.Errorf("mmio: region %#x+%#x overlaps %#x+%#x", r.Address, r.Size, o.Address, o.Size)
				}
			}
		}
	}
	d.devices = append(d.devices, dev)
	return nil
}

// Regions lists every region currently claimed, sorted by address.
func (d *Dispatcher) Regions() []Range {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Range
	for _, dev := range d.devices {
		out = append(out, dev.MMIORegions()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (d *Dispatcher) lookup(addr uint64, width Width) Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dev := range d.devices {
		for _, r := range dev.MMIORegions() {
			if r.Contains(addr, uint64(width)) {
				return dev
			}
		}
	}
	return nil
}

func (d *Dispatcher) Read(addr uint64, width Width) uint64 {
	if !width.Valid() {
		panic("mmio: invalid access width")
	}
	dev := d.lookup(addr, width)
	if dev == nil {
		d.unhandled.Do(func() {
			d.log.Warn("mmio: unhandled read", "addr", fmt.Sprintf("%#x", addr), "width", width)
		})
		return ^uint64(0) >> (64 - 8*uint(width))
	}
	var buf [8]byte
	if err := dev.ReadMMIO(addr, buf[:width]); err != nil {
		d.log.Error("mmio: device read failed", "addr", fmt.Sprintf("%#x", addr), "width", width, "err", err)
		return ^uint64(0) >> (64 - 8*uint(width))
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (d *Dispatcher) Write(addr uint64, width Width, value uint64) {
	if !width.Valid() {
		panic("mmio: invalid access width")
	}
	dev := d.lookup(addr, width)
	if dev == nil {
		d.unhandled.Do(func() {
			d.log.Warn("mmio: unhandled write", "addr", fmt.Sprintf("%#x", addr), "width", width, "value", fmt.Sprintf("%#x", value))
		})
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if err := dev.WriteMMIO(addr, buf[:width]); err != nil {
		d.log.Error("mmio: device write failed", "addr", fmt.Sprintf("%#x", addr), "width", width, "err", err)
	}
}

var _ Bus = (*Dispatcher)(nil)
