// Package machine assembles a simulated PCI machine from a config: an ECAM
// host bridge, virtio-pci device models, DMA memory and the host end of
// the network link. It hands the driver core a BusContext for it.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/virtiopci/internal/config"
	devpci "github.com/tinyrange/virtiopci/internal/devices/pci"
	sim "github.com/tinyrange/virtiopci/internal/devices/virtio"
	"github.com/tinyrange/virtiopci/internal/hal"
	"github.com/tinyrange/virtiopci/internal/mmio"
	"github.com/tinyrange/virtiopci/internal/netstack"
	"github.com/tinyrange/virtiopci/internal/pci"
	"github.com/tinyrange/virtiopci/internal/virtio"
)

// Device is one simulated function and its backend.
type Device struct {
	Config config.Device
	Addr   pci.Address
	PCI    *sim.PCIDevice

	Blk *sim.Blk
	Rng *sim.Rng
	Net *sim.Net

	closer func() error
}

func (d *Device) String() string { return fmt.Sprintf("%s %s", d.Addr, d.Config.Kind) }

// Machine is a bus with devices on it.
type Machine struct {
	log *slog.Logger
	cfg *config.Config

	bus   *mmio.Dispatcher
	host  *devpci.HostBridge
	arena *hal.Arena
	pool  *hal.Pool
	ns    *netstack.NetStack

	devices []*Device
}

// New builds the machine cfg describes. cfg must have been validated.
func New(cfg *config.Config, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{log: logger, cfg: cfg, bus: mmio.NewDispatcher(logger)}
	built := false
	defer func() {
		if !built {
			m.Close()
		}
	}()

	var err error
	size := cfg.DMA.Pages * hal.PageSize
	if cfg.DMA.Mmap {
		m.arena, err = hal.MapArena(hal.PhysAddr(cfg.DMA.Base), size)
	} else {
		m.arena, err = hal.NewArena(hal.PhysAddr(cfg.DMA.Base), alignedBytes(size))
	}
	if err != nil {
		return nil, fmt.Errorf("machine: dma memory: %w", err)
	}
	m.pool = hal.NewPool(m.arena, hal.WithLogger(logger))

	hostCfg := devpci.HostBridgeConfig{
		ConfigBase: cfg.Bus.ECAMBase,
		ConfigSize: cfg.Bus.ECAMSize,
	}
	if cfg.Bus.Firmware {
		hostCfg.BARAllocator = devpci.NewLinearAllocator(cfg.Bus.MMIOBase, cfg.Bus.MMIOSize)
	}
	m.host = devpci.NewHostBridge(hostCfg)
	if err := m.bus.Attach(m.host); err != nil {
		return nil, fmt.Errorf("machine: attach host bridge: %w", err)
	}

	for i, dc := range cfg.Devices {
		dev, err := m.newDevice(dc)
		if err != nil {
			return nil, fmt.Errorf("machine: device %d (%s): %w", i, dc.Kind, err)
		}
		m.devices = append(m.devices, dev)
	}
	built = true
	return m, nil
}

// alignedBytes returns n zeroed bytes whose first byte is 8-byte aligned.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)[:n]
}

func (m *Machine) newDevice(dc config.Device) (*Device, error) {
	log := m.log.With("device", fmt.Sprintf("%02x:%02x.%x", dc.Bus, dc.Slot, dc.Function), "kind", dc.Kind)
	dev := &Device{
		Config: dc,
		Addr:   pci.Address{Bus: dc.Bus, Device: dc.Slot, Function: dc.Function},
	}

	var backend sim.Backend
	switch dc.Kind {
	case config.KindBlock:
		storage, size, closer, err := openStorage(dc)
		if err != nil {
			return nil, err
		}
		dev.closer = closer
		dev.Blk, err = sim.NewBlk(storage, size, sim.BlkOptions{
			ReadOnly: dc.ReadOnly,
			ID:       fmt.Sprintf("sim%02x%02x%x", dc.Bus, dc.Slot, dc.Function),
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		backend = dev.Blk
	case config.KindEntropy:
		dev.Rng = sim.NewRng(nil)
		backend = dev.Rng
	case config.KindNetwork:
		mac, err := net.ParseMAC(dc.MAC)
		if err != nil {
			return nil, err
		}
		dev.Net, err = sim.NewNet(sim.NetOptions{MAC: mac, MTU: dc.MTU, Logger: log})
		if err != nil {
			return nil, err
		}
		if err := m.link(dev.Net); err != nil {
			return nil, err
		}
		backend = dev.Net
	default:
		return nil, fmt.Errorf("unknown kind %q", dc.Kind)
	}

	faults, err := faultsFor(dc.Faults)
	if err != nil {
		return nil, err
	}
	err = m.attach(dev, backend,
		sim.WithLayout(layoutFor(dc.Layout)),
		sim.WithFaults(faults),
		sim.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (m *Machine) attach(dev *Device, backend sim.Backend, opts ...sim.Option) error {
	var err error
	dev.PCI, err = sim.NewPCIDevice(backend, m.arena, opts...)
	if err != nil {
		return err
	}
	if err := dev.PCI.Attach(m.host, dev.Addr.Bus, dev.Addr.Device, dev.Addr.Function); err != nil {
		return err
	}
	return m.bus.Attach(dev.PCI)
}

// Plug adds a device around a backend the config has no kind for.
func (m *Machine) Plug(addr pci.Address, backend sim.Backend, opts ...sim.Option) (*Device, error) {
	dev := &Device{
		Config: config.Device{Kind: "custom", Bus: addr.Bus, Slot: addr.Device, Function: addr.Function},
		Addr:   addr,
	}
	opts = append([]sim.Option{sim.WithLogger(m.log.With("device", addr.String(), "kind", "custom"))}, opts...)
	if err := m.attach(dev, backend, opts...); err != nil {
		return nil, fmt.Errorf("machine: plug %s: %w", addr, err)
	}
	m.devices = append(m.devices, dev)
	return dev, nil
}

// openStorage returns the disk image, or zeroed memory when none is set.
func openStorage(dc config.Device) (sim.BlockStorage, int64, func() error, error) {
	if dc.Image == "" {
		size := int64(dc.CapacitySectors) * virtio.SectorSize
		return &memDisk{data: make([]byte, size)}, size, nil, nil
	}
	flag := os.O_RDWR
	if dc.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(dc.Image, flag, 0)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("stat image: %w", err)
	}
	size := info.Size()
	if dc.CapacitySectors != 0 {
		size = min(size, int64(dc.CapacitySectors)*virtio.SectorSize)
	}
	return f, size, f.Close, nil
}

// link connects the first network device to the host stack. Later ones
// get a wire to nowhere.
func (m *Machine) link(dev *sim.Net) error {
	if m.ns != nil {
		m.log.Warn("machine: only the first network device is linked to the host", "mac", dev.MAC())
		return nil
	}
	host, err := netip.ParsePrefix(m.cfg.Network.HostAddress)
	if err != nil {
		return err
	}
	ns, err := netstack.New(m.log, netstack.Config{
		Address: host,
		Hosts:   m.cfg.Network.Hosts,
	})
	if err != nil {
		return err
	}
	m.ns = ns
	backend, err := sim.NewNetstackBackend(ns)
	if err != nil {
		return err
	}
	if err := backend.BindNetDevice(dev); err != nil {
		return err
	}
	return ns.StartDNSServer()
}

func layoutFor(o *config.Layout) sim.Layout {
	l := sim.DefaultLayout()
	if o == nil {
		return l
	}
	if o.CommonBAR != nil {
		l.CommonBAR = *o.CommonBAR
	}
	if o.NotifyBAR != nil {
		l.NotifyBAR = *o.NotifyBAR
	}
	if o.ISRBAR != nil {
		l.ISRBAR = *o.ISRBAR
	}
	if o.DeviceBAR != nil {
		l.DeviceBAR = *o.DeviceBAR
	}
	if o.DeviceOffset != nil {
		l.DeviceOffset = *o.DeviceOffset
	}
	if o.NotifyMultiplier != nil {
		l.NotifyOffMultiplier = *o.NotifyMultiplier
	}
	l.Transitional = o.Transitional
	l.SubsystemID = o.SubsystemID
	l.MSIX = o.MSIX
	return l
}

func faultsFor(o *config.Faults) (sim.Faults, error) {
	if o == nil {
		return sim.Faults{}, nil
	}
	omit, err := config.CapTypes(o.OmitCaps)
	if err != nil {
		return sim.Faults{}, err
	}
	short, err := config.CapTypes(o.ShortCaps)
	if err != nil {
		return sim.Faults{}, err
	}
	return sim.Faults{
		RejectFeatures:     o.RejectFeatures,
		NeedsReset:         o.NeedsReset,
		ResetDelay:         o.ResetDelay,
		UnstableGeneration: o.Unstable,
		OmitCaps:           omit,
		ShortCaps:          short,
		DuplicateCaps:      o.DuplicateCaps,
	}, nil
}

// Bus is the MMIO bus the CPU side sees.
func (m *Machine) Bus() *mmio.Dispatcher { return m.bus }

// Hal is the DMA memory layer.
func (m *Machine) Hal() *hal.Pool { return m.pool }

// Devices lists the simulated functions in config order.
func (m *Machine) Devices() []*Device { return m.devices }

// Device returns the function at addr.
func (m *Machine) Device(addr pci.Address) (*Device, bool) {
	for _, d := range m.devices {
		if d.Addr == addr {
			return d, true
		}
	}
	return nil, false
}

// NetStack is the host end of the network link, nil without a network
// device.
func (m *Machine) NetStack() *netstack.NetStack { return m.ns }

// GuestAddress is the address the driver side should use on the link.
func (m *Machine) GuestAddress() netip.Prefix {
	p, _ := netip.ParsePrefix(m.cfg.Network.GuestAddress)
	return p
}

// ConfigSpace is the driver's view of configuration space through ECAM.
func (m *Machine) ConfigSpace() *pci.ConfigSpace {
	region := mmio.NewRegion(m.bus, m.cfg.Bus.ECAMBase, m.cfg.Bus.ECAMSize)
	return pci.NewConfigSpace(pci.NewECAM(region))
}

// BusContext returns what the dispatcher needs to probe this machine.
// drivers may be nil for the default set.
func (m *Machine) BusContext(drivers *virtio.Registry) (*virtio.BusContext, error) {
	withhold, err := m.cfg.Withhold()
	if err != nil {
		return nil, err
	}
	b := &virtio.BusContext{
		Config:      m.ConfigSpace(),
		Bus:         m.bus,
		Hal:         m.pool,
		Logger:      m.log,
		Drivers:     drivers,
		Poll:        m.cfg.Poll(),
		MaxBus:      m.cfg.Bus.MaxBus,
		Concurrency: m.cfg.Probe.Concurrency,
		Retries:     m.cfg.BringUp.Retries,
		Withhold:    withhold,
	}
	if !m.cfg.Bus.Firmware {
		b.Allocator = pci.NewLinearAllocator(m.cfg.Bus.MMIOBase, m.cfg.Bus.MMIOSize)
	}
	return b, nil
}

// Probe runs the dispatcher over the machine.
func (m *Machine) Probe(ctx context.Context, drivers *virtio.Registry) ([]*virtio.Bound, error) {
	b, err := m.BusContext(drivers)
	if err != nil {
		return nil, err
	}
	return b.Probe(ctx)
}

// ServeInterrupts delivers each device's interrupt line to its bound
// driver until ctx is done.
func (m *Machine) ServeInterrupts(ctx context.Context, bound []*virtio.Bound) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bound {
		dev, ok := m.Device(b.Function.Addr)
		if !ok {
			return fmt.Errorf("machine: no device at %s", b.Function.Addr)
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-dev.PCI.Interrupts():
					isr := b.Driver.HandleInterrupt()
					m.log.Debug("machine: interrupt", "device", dev, "isr", fmt.Sprintf("%#x", uint8(isr)))
				}
			}
		})
	}
	return g.Wait()
}

// Close releases everything New created. Bound drivers must be closed
// first.
func (m *Machine) Close() error {
	var errs []error
	if m.ns != nil {
		m.ns.StopDNSServer()
		errs = append(errs, m.ns.Close())
	}
	for _, d := range m.devices {
		if d.closer != nil {
			errs = append(errs, d.closer())
		}
	}
	if m.arena != nil {
		errs = append(errs, m.arena.Close())
	}
	return errors.Join(errs...)
}

// memDisk is zero-initialised RAM-backed storage.
type memDisk struct {
	mu   sync.RWMutex
	data []byte
}

func (d *memDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("machine: read %d bytes at %d beyond disk", len(p), off)
	}
	return copy(p, d.data[off:]), nil
}

func (d *memDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("machine: write %d bytes at %d beyond disk", len(p), off)
	}
	return copy(d.data[off:], p), nil
}

func (d *memDisk) Sync() error { return nil }
