package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/virtiopci/internal/hal"
	"github.com/tinyrange/virtiopci/internal/mmio"
	"github.com/tinyrange/virtiopci/internal/pci"
)

// VendorID is the PCI vendor of every virtio device.
const VendorID = 0x1af4

const (
	modernDeviceBase = 0x1040
	modernDeviceEnd  = 0x107f

	transitionalBase = 0x1000
	transitionalEnd  = 0x103f
)

var transitionalTypes = map[uint16]DeviceType{
	0x1000: DeviceNetwork,
	0x1001: DeviceBlock,
	0x1002: DeviceBalloonLegacy,
	0x1003: DeviceConsole,
	0x1004: DeviceSCSIHost,
	0x1005: DeviceEntropy,
	0x1009: Device9P,
}

// Classify maps a PCI function to its virtio device type.
func Classify(fn pci.Function) (DeviceType, bool) {
	t, _, ok := classify(fn)
	return t, ok
}

// classify also returns the type implied by the device ID alone, which
// differs from t when the subsystem ID of a transitional device disagrees.
func classify(fn pci.Function) (t, fromID DeviceType, ok bool) {
	if fn.VendorID != VendorID {
		return DeviceInvalid, DeviceInvalid, false
	}
	switch id := fn.DeviceID; {
	case id >= modernDeviceBase && id <= modernDeviceEnd:
		t = DeviceType(id - modernDeviceBase)
		return t, t, t != DeviceInvalid
	case id >= transitionalBase && id <= transitionalEnd:
		fromID = transitionalTypes[id]
		t = fromID
		if fn.SubsystemID != 0 {
			t = DeviceType(fn.SubsystemID)
		}
		return t, fromID, t != DeviceInvalid
	}
	return DeviceInvalid, DeviceInvalid, false
}

// BusContext carries everything the dispatcher needs to find and bind
// virtio devices on one PCI segment.
type BusContext struct {
	Config  *pci.ConfigSpace
	Bus     mmio.Bus
	Hal     hal.Hal
	Logger  *slog.Logger
	Drivers *Registry
	Poll    PollOptions

	MaxBus uint8
	// Allocator, if set, assigns BARs firmware left unprogrammed.
	Allocator pci.BARAllocator
	// Concurrency bounds how many devices are brought up at once; zero
	// means one at a time.
	Concurrency int
	// Retries is how often bring-up restarts after DEVICE_NEEDS_RESET.
	Retries int
	// Withhold lists features no driver may accept.
	Withhold Features
}

// Bound is a device with a running driver.
type Bound struct {
	Function  pci.Function
	Type      DeviceType
	Transport *Transport
	Driver    Driver
	// BARs are the implemented BARs as programmed when the driver bound.
	BARs []pci.BarRegion
}

func (b *Bound) String() string {
	return fmt.Sprintf("%s %s (%04x:%04x)", b.Function.Addr, b.Type, b.Function.VendorID, b.Function.DeviceID)
}

type candidate struct {
	fn      pci.Function
	typ     DeviceType
	factory DriverFactory
}

func (b *BusContext) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Probe enumerates the bus and binds a driver to every supported virtio
// device. A device that fails to come up is logged and skipped; only
// cancellation of ctx aborts the scan.
func (b *BusContext) Probe(ctx context.Context) ([]*Bound, error) {
	log := b.logger()
	drivers := b.Drivers
	if drivers == nil {
		drivers = DefaultRegistry()
	}

	var found []candidate
	for _, fn := range b.Config.Enumerate(b.MaxBus) {
		typ, fromID, ok := classify(fn)
		if !ok {
			if fn.VendorID == VendorID {
				log.Warn("virtio-pci: ignoring unrecognised device", "addr", fn.Addr, "device", fmt.Sprintf("%#04x", fn.DeviceID))
			}
			continue
		}
		if fromID != DeviceInvalid && fromID != typ {
			log.Warn("virtio-pci: subsystem disagrees with device id", "addr", fn.Addr, "device", fromID, "subsystem", typ)
		}
		factory, ok := drivers.Lookup(typ)
		if !ok {
			log.Info("virtio-pci: ignoring device", "addr", fn.Addr, "type", typ)
			continue
		}
		found = append(found, candidate{fn: fn, typ: typ, factory: factory})
	}

	var g errgroup.Group
	g.SetLimit(max(b.Concurrency, 1))
	results := make([]*Bound, len(found))
	for i, c := range found {
		g.Go(func() error {
			bound, err := b.bringUp(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("virtio-pci: device bring-up failed", "addr", c.fn.Addr, "type", c.typ, "err", err)
				return nil
			}
			results[i] = bound
			return nil
		})
	}
	err := g.Wait()

	var bound []*Bound
	for _, r := range results {
		if r != nil {
			bound = append(bound, r)
		}
	}
	return bound, err
}

func (b *BusContext) bringUp(ctx context.Context, c candidate) (*Bound, error) {
	for attempt := 0; ; attempt++ {
		bound, err := b.bringUpOnce(ctx, c)
		if err == nil || !errors.Is(err, ErrDeviceNeedsReset) || attempt >= b.Retries {
			return bound, err
		}
		b.logger().Info("virtio-pci: device needs reset, restarting", "addr", c.fn.Addr, "type", c.typ, "attempt", attempt+1)
	}
}

func (b *BusContext) bringUpOnce(ctx context.Context, c candidate) (*Bound, error) {
	log := b.logger().With("addr", c.fn.Addr.String(), "type", c.typ.String())

	var (
		caps CapabilitySet
		bars *pci.BarTable
	)
	err := b.Config.With(c.fn.Addr, func(cfg pci.Config) error {
		var err error
		if b.Allocator != nil {
			bars, err = cfg.AssignBARs(b.Allocator)
		} else {
			bars, err = cfg.ReadBARs()
		}
		if err != nil {
			return err
		}
		cfg.EnableBusMaster()
		caps = ScanCapabilities(cfg, log)
		return nil
	})
	if err != nil {
		return nil, err
	}

	t, err := BuildTransport(BuildInput{
		Type:       c.typ,
		Caps:       caps,
		ResolveBAR: bars.Resolve,
		Bus:        b.Bus,
		Hal:        b.Hal,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("virtio-pci: transport ready", "transport", t)

	drv, err := c.factory(ctx, &Device{
		Transport: t,
		Hal:       b.Hal,
		Function:  c.fn,
		Type:      c.typ,
		Revision:  c.fn.Revision,
		Logger:    log,
		Poll:      b.Poll,
		Withhold:  b.Withhold,
	})
	if err != nil {
		return nil, err
	}
	log.Info("virtio-pci: device bound", "features", t.Features())
	return &Bound{Function: c.fn, Type: c.typ, Transport: t, Driver: drv, BARs: bars.List()}, nil
}
