package machine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/virtiopci/internal/config"
	sim "github.com/tinyrange/virtiopci/internal/devices/virtio"
	"github.com/tinyrange/virtiopci/internal/hal"
	"github.com/tinyrange/virtiopci/internal/netif"
	"github.com/tinyrange/virtiopci/internal/pci"
	"github.com/tinyrange/virtiopci/internal/virtio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func newMachine(t *testing.T, cfg *config.Config, logger *slog.Logger) *Machine {
	t.Helper()
	if logger == nil {
		logger = quietLogger()
	}
	m, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func probe(t *testing.T, m *Machine, drivers *virtio.Registry) []*virtio.Bound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bound, err := m.Probe(ctx, drivers)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	t.Cleanup(func() {
		for _, b := range bound {
			if err := b.Driver.Close(); err != nil {
				t.Errorf("close %s: %v", b, err)
			}
		}
	})
	return bound
}

// scriptedBackend is a one-queue device that only records what happens.
type scriptedBackend struct {
	features uint64

	mu      sync.Mutex
	enabled uint64
	handled []int
	irq     sim.Interrupter
}

func (s *scriptedBackend) DeviceID() uint16           { return uint16(virtio.DeviceEntropy) }
func (s *scriptedBackend) DeviceFeatures() uint64     { return s.features }
func (s *scriptedBackend) NumQueues() int             { return 1 }
func (s *scriptedBackend) QueueMaxSize(int) uint16    { return 8 }
func (s *scriptedBackend) ConfigLen() uint32          { return 0 }
func (s *scriptedBackend) ReadConfig(uint16) uint32   { return 0 }
func (s *scriptedBackend) WriteConfig(uint16, uint32) {}
func (s *scriptedBackend) Disable()                   {}

func (s *scriptedBackend) Enable(features uint64, _ []*sim.VirtQueue, irq sim.Interrupter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = features
	s.irq = irq
}

func (s *scriptedBackend) HandleQueue(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, i)
	return nil
}

// scriptedDriver sets up queue 0 by hand and notifies it once.
type scriptedDriver struct {
	dev      *virtio.Device
	ring     hal.DMARegion
	features virtio.Features
	isr      chan virtio.ISRStatus
}

func newScriptedDriver(ctx context.Context, dev *virtio.Device) (virtio.Driver, error) {
	t := dev.Transport
	features, err := t.Negotiate(ctx, 0x1, dev.Poll)
	if err != nil {
		return nil, err
	}
	max, err := t.MaxQueueSize(0)
	if err != nil {
		return nil, err
	}
	if max != 8 {
		return nil, errors.New("unexpected queue maximum")
	}
	ring, err := dev.Hal.DMAAlloc(1, hal.Both)
	if err != nil {
		return nil, err
	}
	base := uint64(ring.Phys)
	err = t.QueueSet(virtio.QueueConfig{
		Index:      0,
		Size:       8,
		DescArea:   base,
		DriverArea: base + 0x80,
		DeviceArea: base + 0x800,
	})
	if err != nil {
		dev.Hal.DMADealloc(ring)
		return nil, err
	}
	if err := t.DriverOK(); err != nil {
		dev.Hal.DMADealloc(ring)
		return nil, err
	}
	t.Notify(0)
	return &scriptedDriver{dev: dev, ring: ring, features: features, isr: make(chan virtio.ISRStatus, 4)}, nil
}

func (d *scriptedDriver) HandleInterrupt() virtio.ISRStatus {
	isr := d.dev.Transport.AckInterrupt()
	d.isr <- isr
	return isr
}

func (d *scriptedDriver) Close() error {
	err := d.dev.Transport.Reset(context.Background(), d.dev.Poll)
	d.dev.Hal.DMADealloc(d.ring)
	return err
}

func TestSyntheticDeviceReachesDriverOK(t *testing.T) {
	m := newMachine(t, parseConfig(t, "version: 1"), nil)
	backend := &scriptedBackend{features: 0x1}
	dev, err := m.Plug(pci.Address{Device: 1}, backend)
	if err != nil {
		t.Fatalf("Plug: %v", err)
	}
	freeBefore := m.Hal().FreePages()

	drivers := virtio.NewRegistry()
	drivers.MustRegister(virtio.DeviceEntropy, newScriptedDriver)
	bound := probe(t, m, drivers)
	if len(bound) != 1 {
		t.Fatalf("bound %d devices, want 1", len(bound))
	}
	drv := bound[0].Driver.(*scriptedDriver)

	t.Run("layout", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if dev.PCI.BARBase(i) == 0 {
				t.Fatalf("BAR%d unassigned", i)
			}
		}
		if got := bound[0].Transport.NotifyMultiplier(); got != 4 {
			t.Fatalf("notify multiplier = %d, want 4", got)
		}
		if bound[0].Transport.HasDeviceConfig() {
			t.Fatal("transport has device config the device never offered")
		}
	})

	t.Run("status", func(t *testing.T) {
		want := uint8(virtio.StatusAcknowledge | virtio.StatusDriver | virtio.StatusFeaturesOK | virtio.StatusDriverOK)
		if got := dev.PCI.Status(); got != want {
			t.Fatalf("status = %#x, want %#x", got, want)
		}
		if drv.features != 0x1 || dev.PCI.NegotiatedFeatures() != 0x1 {
			t.Fatalf("features = %v / %#x, want 0x1", drv.features, dev.PCI.NegotiatedFeatures())
		}
		backend.mu.Lock()
		defer backend.mu.Unlock()
		if backend.enabled != 0x1 {
			t.Fatalf("backend enabled with %#x", backend.enabled)
		}
	})

	t.Run("queue", func(t *testing.T) {
		var sawSize bool
		for _, w := range dev.PCI.CommonWrites() {
			if w.Offset == sim.VIRTIO_PCI_COMMON_Q_SIZE && w.Value == 8 {
				sawSize = true
			}
		}
		if !sawSize {
			t.Fatal("queue size 8 never written")
		}
	})

	t.Run("notify", func(t *testing.T) {
		got := dev.PCI.Notifications()
		want := []sim.Notification{{Addr: dev.PCI.BARBase(1), Queue: 0}}
		if len(got) != 1 || got[0] != want[0] {
			t.Fatalf("notifications = %+v, want %+v", got, want)
		}
		backend.mu.Lock()
		defer backend.mu.Unlock()
		if len(backend.handled) != 1 || backend.handled[0] != 0 {
			t.Fatalf("handled = %v, want [0]", backend.handled)
		}
	})

	t.Run("interrupts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- m.ServeInterrupts(ctx, bound) }()

		backend.mu.Lock()
		irq := backend.irq
		backend.mu.Unlock()
		irq.QueueInterrupt()
		select {
		case isr := <-drv.isr:
			if !isr.Queue() {
				t.Errorf("isr = %#x, want queue bit", uint8(isr))
			}
		case <-time.After(5 * time.Second):
			t.Error("interrupt never reached the driver")
		}
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("ServeInterrupts: %v", err)
		}
	})

	if err := drv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	bound[0].Driver = nopDriver{}
	if got := m.Hal().FreePages(); got != freeBefore {
		t.Fatalf("free pages = %d after close, want %d", got, freeBefore)
	}
}

type nopDriver struct{}

func (nopDriver) HandleInterrupt() virtio.ISRStatus { return 0 }
func (nopDriver) Close() error                      { return nil }

func TestDefaultMachine(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Hosts = map[string]string{"probe.test": "192.0.2.9"}
	m := newMachine(t, cfg, nil)
	bound := probe(t, m, nil)
	if len(bound) != 3 {
		t.Fatalf("bound %d devices, want 3: %v", len(bound), bound)
	}
	byType := make(map[virtio.DeviceType]virtio.Driver)
	for _, b := range bound {
		byType[b.Type] = b.Driver
	}

	t.Run("block", func(t *testing.T) {
		blk, ok := byType[virtio.DeviceBlock].(*virtio.Block)
		if !ok {
			t.Fatalf("block driver = %T", byType[virtio.DeviceBlock])
		}
		if got := blk.Capacity(); got != config.DefaultCapacity {
			t.Fatalf("capacity = %d, want %d", got, config.DefaultCapacity)
		}
		data := bytes.Repeat([]byte("virtio!!"), 512)
		if _, err := blk.WriteAt(data, 8*virtio.SectorSize); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		got := make([]byte, len(data))
		if _, err := blk.ReadAt(got, 8*virtio.SectorSize); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("read back different data")
		}
		if err := blk.Flush(context.Background()); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		id, err := blk.ID(context.Background())
		if err != nil {
			t.Fatalf("ID: %v", err)
		}
		if id != "sim00010" {
			t.Fatalf("ID = %q, want sim00010", id)
		}
	})

	t.Run("entropy", func(t *testing.T) {
		rng, ok := byType[virtio.DeviceEntropy].(*virtio.Entropy)
		if !ok {
			t.Fatalf("entropy driver = %T", byType[virtio.DeviceEntropy])
		}
		buf := make([]byte, 64)
		n, err := io.ReadFull(rng, buf)
		if err != nil {
			t.Fatalf("ReadFull: %v", err)
		}
		if n != len(buf) || bytes.Equal(buf, make([]byte, len(buf))) {
			t.Fatalf("read %d bytes, all zero: %v", n, bytes.Equal(buf, make([]byte, len(buf))))
		}
	})

	t.Run("network", func(t *testing.T) {
		nd, ok := byType[virtio.DeviceNetwork].(*virtio.Net)
		if !ok {
			t.Fatalf("network driver = %T", byType[virtio.DeviceNetwork])
		}
		if got := nd.MAC().String(); got != cfg.Devices[2].MAC {
			t.Fatalf("MAC = %s, want %s", got, cfg.Devices[2].MAC)
		}
		nic, err := netif.New(nd, netif.Config{Address: m.GuestAddress(), Logger: quietLogger()})
		if err != nil {
			t.Fatalf("netif.New: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- nic.Run(runCtx) }()
		defer func() {
			stop()
			if err := <-done; err != nil {
				t.Errorf("Run: %v", err)
			}
			nic.Close()
		}()

		server := netip.AddrPortFrom(m.NetStack().Address(), 53)
		addrs, err := nic.LookupA(ctx, server, "probe.test")
		if err != nil {
			t.Fatalf("LookupA: %v", err)
		}
		if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("192.0.2.9") {
			t.Fatalf("LookupA = %v, want [192.0.2.9]", addrs)
		}
	})
}

func TestFirmwareAssignedBARs(t *testing.T) {
	cfg := parseConfig(t, `
bus:
  firmware: true
devices:
  - {kind: entropy, slot: 2}
`)
	m := newMachine(t, cfg, nil)
	dev, ok := m.Device(pci.Address{Device: 2})
	if !ok {
		t.Fatal("device 00:02.0 missing")
	}
	if got := dev.PCI.BARBase(0); got != config.DefaultMMIOBase {
		t.Fatalf("BAR0 = %#x before probe, want %#x", got, config.DefaultMMIOBase)
	}
	bound := probe(t, m, nil)
	if len(bound) != 1 {
		t.Fatalf("bound %d devices, want 1", len(bound))
	}
	if got := dev.PCI.BARBase(0); got != config.DefaultMMIOBase {
		t.Fatalf("BAR0 moved to %#x", got)
	}
}

func TestFaultyDevices(t *testing.T) {
	tests := []struct {
		name   string
		device string
		bound  bool
		log    string
		status uint8
	}{
		{
			name:   "rejected features",
			device: "{kind: block, slot: 1, faults: {rejectFeatures: true}}",
			log:    "did not accept",
			status: uint8(virtio.StatusFailed),
		},
		{
			name:   "needs reset once",
			device: "{kind: entropy, slot: 1, faults: {needsReset: 1}}",
			bound:  true,
		},
		{
			name:   "needs reset too often",
			device: "{kind: entropy, slot: 1, faults: {needsReset: 5}}",
			log:    "needs reset",
		},
		{
			name:   "missing common",
			device: "{kind: block, slot: 1, faults: {omitCaps: [common]}}",
			log:    "missing common",
		},
		{
			name:   "short notify",
			device: "{kind: block, slot: 1, faults: {shortCaps: [notify]}}",
			log:    "missing notify",
		},
		{
			name:   "duplicates",
			device: "{kind: block, slot: 1, faults: {duplicateCaps: true}}",
			bound:  true,
		},
		{
			name:   "odd multiplier",
			device: "{kind: entropy, slot: 1, layout: {notifyMultiplier: 3}}",
			log:    "multiplier",
		},
		{
			name:   "slow reset",
			device: "{kind: entropy, slot: 1, faults: {resetDelay: 3}}",
			bound:  true,
		},
		{
			name:   "unstable generation",
			device: "{kind: block, slot: 1, faults: {unstableGeneration: 2}}",
			bound:  true,
		},
		{
			name:   "transitional",
			device: "{kind: block, slot: 1, layout: {transitional: true}}",
			bound:  true,
		},
		{
			name:   "device config in its own BAR",
			device: "{kind: network, slot: 1, layout: {deviceBar: 3, deviceOffset: 0}}",
			bound:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A healthy device after the faulty one must still come up.
			cfg := parseConfig(t, "bringUp: {retries: 1}\ndevices:\n  - "+tt.device+"\n  - {kind: entropy, slot: 5}\n")
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
			m := newMachine(t, cfg, logger)
			bound := probe(t, m, nil)

			var faulty, healthy bool
			for _, b := range bound {
				switch b.Function.Addr.Device {
				case 1:
					faulty = true
				case 5:
					healthy = true
				}
			}
			if !healthy {
				t.Fatal("healthy device not bound")
			}
			if faulty != tt.bound {
				t.Fatalf("faulty device bound = %v, want %v\n%s", faulty, tt.bound, logs.String())
			}
			if tt.log != "" && !strings.Contains(logs.String(), tt.log) {
				t.Fatalf("log lacks %q:\n%s", tt.log, logs.String())
			}
			if tt.status != 0 {
				dev, _ := m.Device(pci.Address{Device: 1})
				if got := dev.PCI.Status(); got&tt.status == 0 {
					t.Fatalf("status = %#x, want %#x set", got, tt.status)
				}
			}
		})
	}
}

func TestWithheldFeatures(t *testing.T) {
	cfg := parseConfig(t, `
bringUp:
  withhold: [bit9]
devices:
  - {kind: block, slot: 1}
`)
	m := newMachine(t, cfg, nil)
	bound := probe(t, m, nil)
	if len(bound) != 1 {
		t.Fatalf("bound %d devices, want 1", len(bound))
	}
	blk := bound[0].Driver.(*virtio.Block)
	if blk.Features().Has(virtio.BlockFeatureFlush) {
		t.Fatalf("features %v include withheld FLUSH", blk.Features())
	}
	dev, _ := m.Device(pci.Address{Device: 1})
	if dev.PCI.NegotiatedFeatures()&(1<<9) != 0 {
		t.Fatalf("device negotiated %#x", dev.PCI.NegotiatedFeatures())
	}
}

func TestNewRejectsBadDevices(t *testing.T) {
	cfg := parseConfig(t, "devices: [{kind: block, slot: 1, image: /nonexistent/disk.img}]")
	if m, err := New(cfg, quietLogger()); err == nil {
		m.Close()
		t.Fatal("New accepted a missing image")
	}
	cfg = parseConfig(t, "devices: [{kind: entropy, slot: 1, layout: {transitional: true, subsystemId: 4}}]")
	m := newMachine(t, cfg, nil)
	if _, err := m.Plug(pci.Address{Device: 1}, &scriptedBackend{}); err == nil {
		t.Fatal("Plug reused an occupied slot")
	}
}
