package virtio

import (
	"bytes"
	"testing"

	"github.com/tinyrange/virtiopci/internal/devices/pci"
	"github.com/tinyrange/virtiopci/internal/hal"
)

const testBARBase = 0x4000_0000

type memDisk struct {
	data []byte
}

func (m *memDisk) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *memDisk) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func newTestPCIDevice(t *testing.T, backend Backend, opts ...Option) *PCIDevice {
	t.Helper()
	mem, err := hal.NewArena(testMemBase, make([]byte, testMemSize))
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	d, err := NewPCIDevice(backend, mem, opts...)
	if err != nil {
		t.Fatalf("NewPCIDevice: %v", err)
	}
	return d
}

// program assigns every implemented BAR and turns on decoding.
func program(t *testing.T, d *PCIDevice) {
	t.Helper()
	for i := 0; i < type0BARCount; i++ {
		off := uint16(type0BAROffset + 4*i)
		mustWriteConfig(t, d, off, 4, 0xffff_ffff)
		if mask := mustReadConfig(t, d, off, 4); mask == 0 || mask&1 != 0 {
			continue
		}
		mustWriteConfig(t, d, off, 4, uint32(testBARBase+i*0x10000))
	}
	mustWriteConfig(t, d, 0x04, 2, pciCommandMemory|pciCommandBusMaster)
}

func mustReadConfig(t *testing.T, d *PCIDevice, off uint16, size uint8) uint32 {
	t.Helper()
	v, err := d.ReadConfig(off, size)
	if err != nil {
		t.Fatalf("ReadConfig(%#x): %v", off, err)
	}
	return v
}

func mustWriteConfig(t *testing.T, d *PCIDevice, off uint16, size uint8, v uint32) {
	t.Helper()
	if err := d.WriteConfig(off, size, v); err != nil {
		t.Fatalf("WriteConfig(%#x): %v", off, err)
	}
}

func readReg(t *testing.T, d *PCIDevice, addr uint64, width int) uint32 {
	t.Helper()
	buf := make([]byte, width)
	if err := d.ReadMMIO(addr, buf); err != nil {
		t.Fatalf("ReadMMIO(%#x): %v", addr, err)
	}
	var v uint32
	for i := range buf {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v
}

func writeReg(t *testing.T, d *PCIDevice, addr uint64, width int, v uint32) {
	t.Helper()
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	if err := d.WriteMMIO(addr, buf); err != nil {
		t.Fatalf("WriteMMIO(%#x): %v", addr, err)
	}
}

type vendorCap struct {
	offset  uint16
	cfgType uint8
	bar     uint8
	length  uint8
	mult    uint32
}

func walkVendorCaps(t *testing.T, d *PCIDevice) []vendorCap {
	t.Helper()
	var caps []vendorCap
	ptr := uint16(mustReadConfig(t, d, 0x34, 1))
	for i := 0; ptr != 0 && i < 48; i++ {
		id := uint8(mustReadConfig(t, d, ptr, 1))
		next := uint16(mustReadConfig(t, d, ptr+1, 1))
		if id == virtioVendorCapID {
			c := vendorCap{
				offset:  ptr,
				length:  uint8(mustReadConfig(t, d, ptr+2, 1)),
				cfgType: uint8(mustReadConfig(t, d, ptr+3, 1)),
				bar:     uint8(mustReadConfig(t, d, ptr+4, 1)),
			}
			if c.cfgType == VIRTIO_PCI_CAP_NOTIFY_CFG {
				c.mult = mustReadConfig(t, d, ptr+16, 4)
			}
			caps = append(caps, c)
		}
		ptr = next
	}
	return caps
}

func TestPCIDeviceHeader(t *testing.T) {
	blk, err := NewBlk(&memDisk{data: make([]byte, 4096)}, 4096, BlkOptions{})
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	t.Run("modern", func(t *testing.T) {
		d := newTestPCIDevice(t, blk)
		if got := mustReadConfig(t, d, 0x00, 4); got != 0x1042_1af4 {
			t.Fatalf("id = %#x, want 0x10421af4", got)
		}
		if got := mustReadConfig(t, d, 0x0b, 1); got != 0x01 {
			t.Fatalf("class = %#x, want 0x01", got)
		}
		if got := mustReadConfig(t, d, 0x06, 2); got&pciStatusCapabilities == 0 {
			t.Fatalf("status %#x lacks the capability list bit", got)
		}
	})
	t.Run("transitional", func(t *testing.T) {
		l := DefaultLayout()
		l.Transitional = true
		d := newTestPCIDevice(t, blk, WithLayout(l))
		if got := mustReadConfig(t, d, 0x02, 2); got != 0x1001 {
			t.Fatalf("device id = %#x, want 0x1001", got)
		}
		if got := mustReadConfig(t, d, 0x2e, 2); got != 2 {
			t.Fatalf("subsystem id = %#x, want 2", got)
		}
	})
}

func TestPCIDeviceCapabilities(t *testing.T) {
	rng := NewRng(bytes.NewReader(nil))
	t.Run("default", func(t *testing.T) {
		d := newTestPCIDevice(t, rng)
		caps := walkVendorCaps(t, d)
		var types []uint8
		for _, c := range caps {
			types = append(types, c.cfgType)
		}
		// The entropy device has no device configuration.
		want := []uint8{VIRTIO_PCI_CAP_COMMON_CFG, VIRTIO_PCI_CAP_NOTIFY_CFG, VIRTIO_PCI_CAP_ISR_CFG, VIRTIO_PCI_CAP_PCI_CFG}
		if !bytes.Equal(types, want) {
			t.Fatalf("cap types = %v, want %v", types, want)
		}
		if caps[1].mult != 4 || caps[1].length != virtioPCINotifyCapLen {
			t.Fatalf("notify cap = %+v", caps[1])
		}
		if caps[0].offset <= pciCapStart {
			t.Fatalf("virtio caps start at %#x, want after the PM capability", caps[0].offset)
		}
	})
	t.Run("faults", func(t *testing.T) {
		d := newTestPCIDevice(t, rng, WithFaults(Faults{
			OmitCaps:      []uint8{VIRTIO_PCI_CAP_ISR_CFG},
			ShortCaps:     []uint8{VIRTIO_PCI_CAP_COMMON_CFG},
			DuplicateCaps: true,
		}))
		caps := walkVendorCaps(t, d)
		if len(caps) != 6 {
			t.Fatalf("got %d vendor caps, want 6", len(caps))
		}
		for _, c := range caps {
			if c.cfgType == VIRTIO_PCI_CAP_ISR_CFG {
				t.Fatal("omitted ISR capability is present")
			}
		}
		if caps[0].length != virtioShortCapLen {
			t.Fatalf("common cap length = %d, want %d", caps[0].length, virtioShortCapLen)
		}
		if caps[3].bar != ioBARIndex {
			t.Fatalf("duplicate cap points at BAR%d, want BAR%d", caps[3].bar, ioBARIndex)
		}
	})
}

func TestPCIDeviceBARs(t *testing.T) {
	d := newTestPCIDevice(t, NewRng(nil))
	mustWriteConfig(t, d, 0x10, 4, 0xffff_ffff)
	if got := mustReadConfig(t, d, 0x10, 4); got != 0xffff_f000 {
		t.Fatalf("BAR0 mask = %#x, want 0xfffff000", got)
	}
	if got := mustReadConfig(t, d, 0x1c, 4); got != 0 {
		t.Fatalf("unimplemented BAR3 = %#x, want 0", got)
	}
	if len(d.MMIORegions()) != 0 {
		t.Fatal("unassigned BARs claim MMIO space")
	}
	program(t, d)
	regions := d.MMIORegions()
	if len(regions) != 3 {
		t.Fatalf("got %d regions, want 3", len(regions))
	}
	if regions[0].Address != testBARBase || regions[0].Size != 0x1000 {
		t.Fatalf("BAR0 region = %+v", regions[0])
	}
	mustWriteConfig(t, d, 0x04, 2, pciCommandBusMaster)
	if len(d.MMIORegions()) != 0 {
		t.Fatal("BARs decode with memory space disabled")
	}
}

func TestPCIDeviceFirmwareAssignsBARs(t *testing.T) {
	host := pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase:   0x3000_0000,
		BARAllocator: pci.NewLinearAllocator(0x4000_0000, 0x100000),
	})
	d := newTestPCIDevice(t, NewRng(nil))
	if err := d.Attach(host, 0, 1, 0); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := d.BARBase(0); got != 0x4000_0000 {
		t.Fatalf("BAR0 base = %#x, want 0x40000000", got)
	}
	if len(d.MMIORegions()) != 3 {
		t.Fatalf("got %d decoded BARs, want 3", len(d.MMIORegions()))
	}
	if err := d.Attach(host, 0, 1, 0); err == nil {
		t.Fatal("second Attach at the same location succeeded")
	}
}

func TestPCIDeviceStatus(t *testing.T) {
	common := uint64(testBARBase)
	status := common + VIRTIO_PCI_COMMON_STATUS

	negotiate := func(t *testing.T, d *PCIDevice, features uint64) uint32 {
		t.Helper()
		writeReg(t, d, status, 1, statusAcknowledge|statusDriver)
		writeReg(t, d, common+VIRTIO_PCI_COMMON_GFSELECT, 4, 0)
		writeReg(t, d, common+VIRTIO_PCI_COMMON_GF, 4, uint32(features))
		writeReg(t, d, common+VIRTIO_PCI_COMMON_GFSELECT, 4, 1)
		writeReg(t, d, common+VIRTIO_PCI_COMMON_GF, 4, uint32(features>>32))
		writeReg(t, d, status, 1, statusAcknowledge|statusDriver|statusFeaturesOK)
		return readReg(t, d, status, 1)
	}

	t.Run("accepts offered features", func(t *testing.T) {
		d := newTestPCIDevice(t, NewRng(nil))
		program(t, d)
		if got := negotiate(t, d, virtioFeatureVersion1); got&statusFeaturesOK == 0 {
			t.Fatalf("status = %#x, want FEATURES_OK", got)
		}
		if got := d.NegotiatedFeatures(); got != virtioFeatureVersion1 {
			t.Fatalf("negotiated = %#x", got)
		}
	})
	t.Run("refuses unoffered features", func(t *testing.T) {
		d := newTestPCIDevice(t, NewRng(nil))
		program(t, d)
		if got := negotiate(t, d, virtioFeatureVersion1|1<<7); got&statusFeaturesOK != 0 {
			t.Fatalf("status = %#x, want FEATURES_OK clear", got)
		}
	})
	t.Run("reject fault", func(t *testing.T) {
		d := newTestPCIDevice(t, NewRng(nil), WithFaults(Faults{RejectFeatures: true}))
		program(t, d)
		if got := negotiate(t, d, virtioFeatureVersion1); got&statusFeaturesOK != 0 {
			t.Fatalf("status = %#x, want FEATURES_OK clear", got)
		}
	})
	t.Run("needs reset fault", func(t *testing.T) {
		d := newTestPCIDevice(t, NewRng(nil), WithFaults(Faults{NeedsReset: 1}))
		program(t, d)
		negotiate(t, d, virtioFeatureVersion1)
		writeReg(t, d, status, 1, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
		if got := readReg(t, d, status, 1); got&statusNeedsReset == 0 {
			t.Fatalf("status = %#x, want DEVICE_NEEDS_RESET", got)
		}
		isr := testBARBase + 2*0x10000
		if got := readReg(t, d, uint64(isr), 1); got != 2 {
			t.Fatalf("ISR = %#x, want config change", got)
		}
		if got := readReg(t, d, uint64(isr), 1); got != 0 {
			t.Fatalf("ISR after read = %#x, want 0", got)
		}
	})
	t.Run("reset delay", func(t *testing.T) {
		d := newTestPCIDevice(t, NewRng(nil), WithFaults(Faults{ResetDelay: 2}))
		program(t, d)
		writeReg(t, d, status, 1, statusAcknowledge)
		writeReg(t, d, status, 1, 0)
		for i := 0; i < 2; i++ {
			if got := readReg(t, d, status, 1); got != statusAcknowledge {
				t.Fatalf("read %d after reset = %#x, want stale %#x", i, got, statusAcknowledge)
			}
		}
		if got := readReg(t, d, status, 1); got != 0 {
			t.Fatalf("status = %#x, want 0", got)
		}
		if got := d.StatusWrites(); !bytes.Equal(got, []byte{statusAcknowledge, 0}) {
			t.Fatalf("status writes = %v", got)
		}
	})
}

func TestPCIDeviceQueueRegisters(t *testing.T) {
	d := newTestPCIDevice(t, NewRng(nil))
	program(t, d)
	common := uint64(testBARBase)

	if got := readReg(t, d, common+VIRTIO_PCI_COMMON_NUMQ, 2); got != 1 {
		t.Fatalf("num queues = %d, want 1", got)
	}
	writeReg(t, d, common+VIRTIO_PCI_COMMON_Q_SELECT, 2, 0)
	if got := readReg(t, d, common+VIRTIO_PCI_COMMON_Q_SIZE, 2); got != rngQueueNumMax {
		t.Fatalf("queue size = %d, want %d", got, rngQueueNumMax)
	}
	writeReg(t, d, common+VIRTIO_PCI_COMMON_Q_DESCLO, 4, 0x1234_5000)
	writeReg(t, d, common+VIRTIO_PCI_COMMON_Q_DESCHI, 4, 0x1)
	if got := readReg(t, d, common+VIRTIO_PCI_COMMON_Q_DESCHI, 4); got != 1 {
		t.Fatalf("desc hi = %#x, want 1", got)
	}
	if got := readReg(t, d, common+VIRTIO_PCI_COMMON_Q_MSIX, 2); got != VIRTIO_MSI_NO_VECTOR {
		t.Fatalf("msix vector = %#x, want NO_VECTOR without MSI-X", got)
	}
	writeReg(t, d, common+VIRTIO_PCI_COMMON_Q_MSIX, 2, 3)
	if got := readReg(t, d, common+VIRTIO_PCI_COMMON_Q_MSIX, 2); got != VIRTIO_MSI_NO_VECTOR {
		t.Fatalf("msix vector = %#x after write, want NO_VECTOR", got)
	}
	writeReg(t, d, common+VIRTIO_PCI_COMMON_Q_SELECT, 2, 5)
	if got := readReg(t, d, common+VIRTIO_PCI_COMMON_Q_SIZE, 2); got != 0 {
		t.Fatalf("queue 5 size = %d, want 0", got)
	}

	writes := d.CommonWrites()
	if len(writes) != 5 || writes[1] != (RegisterWrite{Offset: VIRTIO_PCI_COMMON_Q_DESCLO, Width: 4, Value: 0x1234_5000}) {
		t.Fatalf("write log = %+v", writes)
	}
}

func TestPCIDeviceDeviceConfig(t *testing.T) {
	disk := &memDisk{data: make([]byte, 8192)}
	blk, err := NewBlk(disk, int64(len(disk.data)), BlkOptions{})
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	d := newTestPCIDevice(t, blk)
	program(t, d)
	cfg := uint64(testBARBase + 2*0x10000 + 0x100)
	if got := readReg(t, d, cfg, 4); got != 16 {
		t.Fatalf("capacity = %d, want 16", got)
	}
	if got := readReg(t, d, cfg+0x14, 4); got != blkSectorSize {
		t.Fatalf("blk_size = %d, want %d", got, blkSectorSize)
	}

	gen := readReg(t, d, testBARBase+VIRTIO_PCI_COMMON_CFGGENERATION, 1)
	blk.Enable(0, []*VirtQueue{nil}, d)
	blk.Resize(16384)
	if got := readReg(t, d, cfg, 4); got != 32 {
		t.Fatalf("capacity after resize = %d, want 32", got)
	}
	if got := readReg(t, d, testBARBase+VIRTIO_PCI_COMMON_CFGGENERATION, 1); got == gen {
		t.Fatal("generation did not change after resize")
	}
	select {
	case <-d.Interrupts():
	default:
		t.Fatal("resize did not signal an interrupt")
	}
}

func TestPCIDeviceUnstableGeneration(t *testing.T) {
	d := newTestPCIDevice(t, NewRng(nil), WithFaults(Faults{UnstableGeneration: 3}))
	program(t, d)
	gen := uint64(testBARBase + VIRTIO_PCI_COMMON_CFGGENERATION)
	a := readReg(t, d, gen, 1)
	b := readReg(t, d, gen, 1)
	c := readReg(t, d, gen, 1)
	e := readReg(t, d, gen, 1)
	if a == b || b == c || c != e {
		t.Fatalf("generations %d %d %d %d, want two changes then stable", a, b, c, e)
	}
}

func TestPCIDeviceWidthChecks(t *testing.T) {
	d := newTestPCIDevice(t, NewRng(nil))
	program(t, d)
	var buf [4]byte
	if err := d.ReadMMIO(testBARBase+VIRTIO_PCI_COMMON_NUMQ+1, buf[:2]); err == nil {
		t.Fatal("read starting inside a register succeeded")
	}
	isr := uint64(testBARBase + 2*0x10000)
	if err := d.ReadMMIO(isr, buf[:4]); err == nil {
		t.Fatal("4-byte ISR read succeeded")
	}
	if err := d.ReadMMIO(isr, buf[:2]); err == nil {
		t.Fatal("2-byte ISR read succeeded")
	}
	d.QueueInterrupt()
	if err := d.ReadMMIO(isr, buf[:1]); err != nil || buf[0]&1 == 0 {
		t.Fatalf("ISR after rejected wide reads = %#x, %v; want the queue bit kept", buf[0], err)
	}
	if err := d.ReadMMIO(0x1000, buf[:]); err == nil {
		t.Fatal("read outside every BAR succeeded")
	}
	if err := d.ReadMMIO(testBARBase+0x800, buf[:]); err != nil {
		t.Fatalf("read of unused BAR space: %v", err)
	}
}
