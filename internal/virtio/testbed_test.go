package virtio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	devpci "github.com/tinyrange/virtiopci/internal/devices/pci"
	sim "github.com/tinyrange/virtiopci/internal/devices/virtio"
	"github.com/tinyrange/virtiopci/internal/hal"
	"github.com/tinyrange/virtiopci/internal/mmio"
	"github.com/tinyrange/virtiopci/internal/pci"
)

const (
	tbECAMBase = 0x3000_0000
	tbECAMSize = 0x10_0000
	tbMMIOBase = 0x4000_0000
	tbMMIOSize = 0x100_0000
	tbDMABase  = 0x8000_0000
	tbDMAPages = 256
)

var testPoll = PollOptions{Timeout: 5 * time.Second}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testbed is a host bridge with simulated virtio functions behind ECAM,
// wired the way a machine wires them.
type testbed struct {
	log   *slog.Logger
	bus   *mmio.Dispatcher
	host  *devpci.HostBridge
	arena *hal.Arena
	pool  *hal.Pool
	cfg   *pci.ConfigSpace
	alloc *pci.LinearAllocator
	devs  map[pci.Address]*sim.PCIDevice
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	log := quietLogger()
	arena, err := hal.NewArena(tbDMABase, make([]byte, tbDMAPages*hal.PageSize))
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	tb := &testbed{
		log:   log,
		bus:   mmio.NewDispatcher(log),
		host:  devpci.NewHostBridge(devpci.HostBridgeConfig{ConfigBase: tbECAMBase, ConfigSize: tbECAMSize}),
		arena: arena,
		pool:  hal.NewPool(arena, hal.WithLogger(log)),
		alloc: pci.NewLinearAllocator(tbMMIOBase, tbMMIOSize),
		devs:  make(map[pci.Address]*sim.PCIDevice),
	}
	if err := tb.bus.Attach(tb.host); err != nil {
		t.Fatalf("attach host bridge: %v", err)
	}
	tb.cfg = pci.NewConfigSpace(pci.NewECAM(mmio.NewRegion(tb.bus, tbECAMBase, tbECAMSize)))
	return tb
}

func (tb *testbed) plug(t *testing.T, slot uint8, backend sim.Backend, opts ...sim.Option) *sim.PCIDevice {
	t.Helper()
	opts = append([]sim.Option{sim.WithLogger(tb.log)}, opts...)
	dev, err := sim.NewPCIDevice(backend, tb.arena, opts...)
	if err != nil {
		t.Fatalf("NewPCIDevice: %v", err)
	}
	if err := dev.Attach(tb.host, 0, slot, 0); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := tb.bus.Attach(dev); err != nil {
		t.Fatalf("bus Attach: %v", err)
	}
	tb.devs[pci.Address{Device: slot}] = dev
	return dev
}

func (tb *testbed) context(drivers *Registry) *BusContext {
	return &BusContext{
		Config:    tb.cfg,
		Bus:       tb.bus,
		Hal:       tb.pool,
		Logger:    tb.log,
		Drivers:   drivers,
		Poll:      testPoll,
		Allocator: tb.alloc,
	}
}

// scan assigns the BARs of the function in slot and returns its
// capabilities.
func (tb *testbed) scan(t *testing.T, slot uint8) (CapabilitySet, *pci.BarTable) {
	t.Helper()
	var (
		caps CapabilitySet
		bars *pci.BarTable
	)
	err := tb.cfg.With(pci.Address{Device: slot}, func(cfg pci.Config) error {
		var err error
		if bars, err = cfg.AssignBARs(tb.alloc); err != nil {
			return err
		}
		cfg.EnableBusMaster()
		caps = ScanCapabilities(cfg, tb.log)
		return nil
	})
	if err != nil {
		t.Fatalf("scan slot %d: %v", slot, err)
	}
	return caps, bars
}

func (tb *testbed) transport(t *testing.T, slot uint8, typ DeviceType) *Transport {
	t.Helper()
	caps, bars := tb.scan(t, slot)
	tr, err := BuildTransport(BuildInput{
		Type:       typ,
		Caps:       caps,
		ResolveBAR: bars.Resolve,
		Bus:        tb.bus,
		Hal:        tb.pool,
		Logger:     tb.log,
	})
	if err != nil {
		t.Fatalf("BuildTransport: %v", err)
	}
	return tr
}

// entropyDevice brings an rng in slot 1 to DRIVER_OK with one queue.
func (tb *testbed) entropyDevice(t *testing.T, size uint16) (*Transport, *Queue, *sim.PCIDevice) {
	t.Helper()
	dev := tb.plug(t, 1, sim.NewRng(nil))
	tr := tb.transport(t, 1, DeviceEntropy)
	if _, err := tr.Negotiate(context.Background(), FeatureVersion1, testPoll); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	q, err := NewQueue(tr, tb.pool, 0, size)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := tr.DriverOK(); err != nil {
		t.Fatalf("DriverOK: %v", err)
	}
	t.Cleanup(func() {
		tr.Reset(context.Background(), testPoll)
		q.Close()
	})
	return tr, q, dev
}

// memStore is flushable in-memory disk storage.
type memStore struct {
	mu      sync.Mutex
	data    []byte
	flushes int
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

func (m *memStore) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}
