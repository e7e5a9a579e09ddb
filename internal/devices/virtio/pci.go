package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virtiopci/internal/devices/pci"
	"github.com/tinyrange/virtiopci/internal/mmio"
)

const (
	// PCI Vendor and Device IDs
	VIRTIO_PCI_VENDOR_ID      = 0x1AF4
	VIRTIO_PCI_DEVICE_ID_BASE = 0x1040 // Modern VirtIO devices start at 0x1040

	// VirtIO PCI Capability Types
	VIRTIO_PCI_CAP_COMMON_CFG = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG = 2
	VIRTIO_PCI_CAP_ISR_CFG    = 3
	VIRTIO_PCI_CAP_DEVICE_CFG = 4
	VIRTIO_PCI_CAP_PCI_CFG    = 5

	// Common Configuration Structure offsets
	VIRTIO_PCI_COMMON_DFSELECT      = 0x00 // Device Feature Select
	VIRTIO_PCI_COMMON_DF            = 0x04 // Device Features
	VIRTIO_PCI_COMMON_GFSELECT      = 0x08 // Guest Feature Select
	VIRTIO_PCI_COMMON_GF            = 0x0C // Guest Features
	VIRTIO_PCI_COMMON_MSIX          = 0x10 // MSI-X Config Vector
	VIRTIO_PCI_COMMON_NUMQ          = 0x12 // Number of Queues
	VIRTIO_PCI_COMMON_STATUS        = 0x14 // Device Status
	VIRTIO_PCI_COMMON_CFGGENERATION = 0x15 // Config Generation
	VIRTIO_PCI_COMMON_Q_SELECT      = 0x16 // Queue Select
	VIRTIO_PCI_COMMON_Q_SIZE        = 0x18 // Queue Size
	VIRTIO_PCI_COMMON_Q_MSIX        = 0x1A // Queue MSI-X Vector
	VIRTIO_PCI_COMMON_Q_ENABLE      = 0x1C // Queue Enable
	VIRTIO_PCI_COMMON_Q_NOFF        = 0x1E // Queue Notify Off
	VIRTIO_PCI_COMMON_Q_DESCLO      = 0x20 // Queue Descriptor Low
	VIRTIO_PCI_COMMON_Q_DESCHI      = 0x24 // Queue Descriptor High
	VIRTIO_PCI_COMMON_Q_AVAILLO     = 0x28 // Queue Available Low
	VIRTIO_PCI_COMMON_Q_AVAILHI     = 0x2C // Queue Available High
	VIRTIO_PCI_COMMON_Q_USEDLO      = 0x30 // Queue Used Low
	VIRTIO_PCI_COMMON_Q_USEDHI      = 0x34 // Queue Used High
	VIRTIO_PCI_COMMON_LEN           = 0x38

	// MSI-X
	VIRTIO_MSI_NO_VECTOR = 0xFFFF
)

// Device status bits.
const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusNeedsReset  = 64
	statusFailed      = 128
)

const (
	virtioFeatureVersion1 = uint64(1) << 32

	virtioVendorCapID     = 0x09
	virtioPCICapLen       = 16
	virtioPCINotifyCapLen = 20
	virtioPCICfgCapLen    = 20
	virtioShortCapLen     = 12
	pciCapStart           = 0x40

	pciCapIDPowerManagement = 0x01
	pciCapIDMSIX            = 0x11
	pmCapLen                = 8
	msixCapLen              = 12

	type0BARCount  = 6
	type0BAROffset = 0x10
	minBARSize     = 0x1000
	ioBARIndex     = 5
	ioBARSize      = 0x100

	pciCommandIO          = 1 << 0
	pciCommandMemory      = 1 << 1
	pciCommandBusMaster   = 1 << 2
	pciStatusCapabilities = 1 << 4

	pciInterruptPinINTA     = 0x01
	virtioPCIDefaultIRQLine = 10
)

var transitionalIDs = map[uint16]uint16{
	1: 0x1000,
	2: 0x1001,
	5: 0x1002,
	3: 0x1003,
	8: 0x1004,
	4: 0x1005,
	9: 0x1009,
}

// Layout places the virtio structures inside the device's BARs.
type Layout struct {
	CommonBAR    uint8
	CommonOffset uint32
	CommonLength uint32

	NotifyBAR           uint8
	NotifyOffset        uint32
	NotifyLength        uint32
	NotifyOffMultiplier uint32

	ISRBAR    uint8
	ISROffset uint32
	ISRLength uint32

	// The device configuration length comes from the backend.
	DeviceBAR    uint8
	DeviceOffset uint32

	// BARSizes overrides the computed size of a BAR when non-zero.
	BARSizes [type0BARCount]uint64

	// Transitional selects the 0x1000 device ID range.
	Transitional bool
	// SubsystemID overrides the subsystem device ID when non-zero.
	SubsystemID uint16
	// IOBAR adds an unused I/O BAR at index 5.
	IOBAR bool
	// MSIX exposes an MSI-X capability and keeps vector assignments.
	MSIX bool
	// MultiFunction sets bit 7 of the header type.
	MultiFunction bool
}

// DefaultLayout puts the common configuration in BAR0, notifications in
// BAR1 with a multiplier of 4, and the ISR and device configuration in
// BAR2.
func DefaultLayout() Layout {
	return Layout{
		CommonBAR:           0,
		CommonLength:        VIRTIO_PCI_COMMON_LEN,
		NotifyBAR:           1,
		NotifyOffMultiplier: 4,
		ISRBAR:              2,
		ISRLength:           1,
		DeviceBAR:           2,
		DeviceOffset:        0x100,
	}
}

// Faults makes the device misbehave in specific ways.
type Faults struct {
	// RejectFeatures refuses FEATURES_OK whatever the driver asked for.
	RejectFeatures bool
	// NeedsReset raises DEVICE_NEEDS_RESET instead of going live on the
	// next n DRIVER_OK writes.
	NeedsReset int
	// ResetDelay is how many status reads after a reset still return
	// the old status.
	ResetDelay int
	// UnstableGeneration is how many configuration generation reads
	// return a new value.
	UnstableGeneration int
	// OmitCaps drops the vendor capabilities of these cfg types.
	OmitCaps []uint8
	// ShortCaps reports cap_len 12 for these cfg types.
	ShortCaps []uint8
	// DuplicateCaps appends a second, bogus copy of every capability.
	DuplicateCaps bool
}

// RegisterWrite is one driver write to the common configuration.
type RegisterWrite struct {
	Offset uint32
	Width  int
	Value  uint32
}

// Notification is one driver write to the notify region.
type Notification struct {
	Addr  uint64
	Queue uint16
}

type pciBAR struct {
	size   uint64
	isIO   bool
	value  uint64
	sizing bool
}

func (b *pciBAR) sizeMask() uint32 {
	if b.size == 0 {
		return 0
	}
	mask := uint32(^(b.size - 1))
	if b.isIO {
		return mask&0xffff_fffc | 1
	}
	return mask & 0xffff_fff0
}

func (b *pciBAR) raw() uint32 {
	if b.sizing {
		return b.sizeMask()
	}
	if b.isIO {
		return uint32(b.value) | 1
	}
	return uint32(b.value)
}

type capEntry struct {
	offset uint16
	data   []byte
}

type queue struct {
	maxSize    uint16
	size       uint16
	enable     bool
	notifyOff  uint16
	msixVector uint16
	descAddr   uint64
	availAddr  uint64
	usedAddr   uint64
	vq         *VirtQueue
}

// Option configures a PCIDevice.
type Option func(*PCIDevice)

func WithLayout(l Layout) Option      { return func(d *PCIDevice) { d.layout = l } }
func WithFaults(f Faults) Option      { return func(d *PCIDevice) { d.faults = f } }
func WithLogger(l *slog.Logger) Option { return func(d *PCIDevice) { d.log = l } }
func WithRevision(r uint8) Option     { return func(d *PCIDevice) { d.revision = r } }

// PCIDevice implements a virtio device using the PCI transport.
type PCIDevice struct {
	log     *slog.Logger
	backend Backend
	mem     GuestMemory
	layout  Layout
	faults  Faults

	mu sync.Mutex

	addr string

	vendorID          uint16
	deviceID          uint16
	subsystemVendorID uint16
	subsystemID       uint16
	classCode         uint32
	revision          uint8

	command       uint16
	status        uint16
	interruptLine uint8
	interruptPin  uint8
	bars          [type0BARCount]pciBAR
	caps          []capEntry
	capPointer    uint8

	deviceCfgLength uint32

	deviceFeatureSel uint32
	guestFeatureSel  uint32
	deviceFeatures   uint64
	guestFeatures    uint64
	deviceStatus     uint8
	queueSel         uint16
	msixConfigVector uint16
	queues           []queue
	enabled          bool

	resetReads     int
	preResetStatus uint8

	cfgGeneration   atomic.Uint32
	interruptStatus atomic.Uint32
	interrupts      chan struct{}

	writes        []RegisterWrite
	statusHistory []uint8
	notifications []Notification
}

// NewPCIDevice wraps backend in a virtio-pci function. mem is the memory
// the device reads rings and buffers from.
func NewPCIDevice(backend Backend, mem GuestMemory, opts ...Option) (*PCIDevice, error) {
	if backend == nil {
		return nil, fmt.Errorf("virtio-pci: device requires a backend")
	}
	if mem == nil {
		return nil, fmt.Errorf("virtio-pci: device requires guest memory")
	}
	queueCount := backend.NumQueues()
	if queueCount <= 0 {
		return nil, fmt.Errorf("virtio-pci: device must expose at least one queue")
	}

	d := &PCIDevice{
		backend:           backend,
		mem:               mem,
		layout:            DefaultLayout(),
		revision:          1,
		vendorID:          VIRTIO_PCI_VENDOR_ID,
		subsystemVendorID: VIRTIO_PCI_VENDOR_ID,
		interruptLine:     virtioPCIDefaultIRQLine,
		interruptPin:      pciInterruptPinINTA,
		deviceCfgLength:   backend.ConfigLen(),
		deviceFeatures:    backend.DeviceFeatures(),
		interrupts:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}

	typ := backend.DeviceID()
	d.deviceID = VIRTIO_PCI_DEVICE_ID_BASE + typ
	d.subsystemID = 0x1100
	if d.layout.Transitional {
		id, ok := transitionalIDs[typ]
		if !ok {
			return nil, fmt.Errorf("virtio-pci: device type %d has no transitional ID", typ)
		}
		d.deviceID = id
		d.subsystemID = typ
	}
	if d.layout.SubsystemID != 0 {
		d.subsystemID = d.layout.SubsystemID
	}
	d.classCode = classCodeFor(typ)

	d.queues = make([]queue, queueCount)
	for i := range d.queues {
		d.queues[i].maxSize = backend.QueueMaxSize(i)
		d.queues[i].notifyOff = uint16(i)
		d.queues[i].msixVector = VIRTIO_MSI_NO_VECTOR
	}
	if d.layout.NotifyLength == 0 {
		d.layout.NotifyLength = uint32(queueCount) * max(d.layout.NotifyOffMultiplier, 2)
	}

	if err := d.initBARs(); err != nil {
		return nil, err
	}
	d.buildCapabilities()
	d.reset()
	d.resetReads = 0
	return d, nil
}

func classCodeFor(typ uint16) uint32 {
	switch typ {
	case 1:
		return 0x020000 // ethernet
	case 2:
		return 0x010000 // SCSI storage, as QEMU reports virtio-blk
	default:
		return 0xff0000
	}
}

// Attach registers the device with host at the given location. If the
// host plays firmware the BARs are assigned and decoding is enabled.
func (d *PCIDevice) Attach(host *pci.HostBridge, bus, dev, fn uint8) error {
	handle, err := host.RegisterEndpoint(bus, dev, fn, d)
	if err != nil {
		return fmt.Errorf("register pci endpoint: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr = fmt.Sprintf("%02x:%02x.%x", bus, dev, fn)
	if !handle.Firmware() {
		return nil
	}
	for i := range d.bars {
		bar := &d.bars[i]
		if bar.size == 0 || bar.isIO {
			continue
		}
		base, err := handle.AllocateMemoryBAR(bar.size, bar.size)
		if err != nil {
			return fmt.Errorf("allocate BAR%d: %w", i, err)
		}
		bar.value = base
	}
	d.command |= pciCommandMemory
	return nil
}

type structure struct {
	cfgType uint8
	bar     uint8
	offset  uint32
	length  uint32
}

func (d *PCIDevice) structures() []structure {
	l := d.layout
	s := []structure{
		{VIRTIO_PCI_CAP_COMMON_CFG, l.CommonBAR, l.CommonOffset, l.CommonLength},
		{VIRTIO_PCI_CAP_NOTIFY_CFG, l.NotifyBAR, l.NotifyOffset, l.NotifyLength},
		{VIRTIO_PCI_CAP_ISR_CFG, l.ISRBAR, l.ISROffset, l.ISRLength},
	}
	if d.deviceCfgLength != 0 {
		s = append(s, structure{VIRTIO_PCI_CAP_DEVICE_CFG, l.DeviceBAR, l.DeviceOffset, d.deviceCfgLength})
	}
	return s
}

func (d *PCIDevice) initBARs() error {
	for _, s := range d.structures() {
		if int(s.bar) >= type0BARCount {
			continue
		}
		if d.layout.IOBAR && s.bar == ioBARIndex {
			return fmt.Errorf("virtio-pci: BAR%d is reserved for I/O", ioBARIndex)
		}
		end := uint64(s.offset) + uint64(s.length)
		d.bars[s.bar].size = max(d.bars[s.bar].size, sizeForLength(end))
	}
	if d.layout.IOBAR {
		d.bars[ioBARIndex] = pciBAR{size: ioBARSize, isIO: true}
	}
	for i, size := range d.layout.BARSizes {
		if size != 0 {
			if size&(size-1) != 0 {
				return fmt.Errorf("virtio-pci: BAR%d size %#x is not a power of two", i, size)
			}
			d.bars[i].size = size
		}
	}
	return nil
}

func sizeForLength(length uint64) uint64 {
	size := uint64(minBARSize)
	for size < length {
		size <<= 1
	}
	return size
}

func (d *PCIDevice) buildCapabilities() {
	var entries [][]byte

	pm := make([]byte, pmCapLen)
	pm[0] = pciCapIDPowerManagement
	binary.LittleEndian.PutUint16(pm[2:], 0x0003)
	entries = append(entries, pm)

	if d.layout.MSIX {
		msix := make([]byte, msixCapLen)
		msix[0] = pciCapIDMSIX
		binary.LittleEndian.PutUint16(msix[2:], uint16(len(d.queues))) // table size - 1
		binary.LittleEndian.PutUint32(msix[4:], 0x800|uint32(d.layout.CommonBAR))
		binary.LittleEndian.PutUint32(msix[8:], 0xc00|uint32(d.layout.CommonBAR))
		entries = append(entries, msix)
	}

	var virtioCaps [][]byte
	for _, s := range d.structures() {
		if slices.Contains(d.faults.OmitCaps, s.cfgType) {
			continue
		}
		length := virtioPCICapLen
		if s.cfgType == VIRTIO_PCI_CAP_NOTIFY_CFG {
			length = virtioPCINotifyCapLen
		}
		buf := make([]byte, length)
		initVirtioCap(buf, s.cfgType, s.bar, s.offset, s.length)
		if s.cfgType == VIRTIO_PCI_CAP_NOTIFY_CFG {
			binary.LittleEndian.PutUint32(buf[16:], d.layout.NotifyOffMultiplier)
		}
		if slices.Contains(d.faults.ShortCaps, s.cfgType) {
			buf[2] = virtioShortCapLen
		}
		virtioCaps = append(virtioCaps, buf)
	}
	pciCfg := make([]byte, virtioPCICfgCapLen)
	initVirtioCap(pciCfg, VIRTIO_PCI_CAP_PCI_CFG, 0, 0, 0)
	virtioCaps = append(virtioCaps, pciCfg)

	if d.faults.DuplicateCaps {
		n := len(virtioCaps)
		for _, c := range virtioCaps[:n] {
			dup := slices.Clone(c)
			dup[4] = ioBARIndex
			virtioCaps = append(virtioCaps, dup)
		}
	}
	entries = append(entries, virtioCaps...)

	offset := uint16(pciCapStart)
	d.caps = d.caps[:0]
	for _, data := range entries {
		d.caps = append(d.caps, capEntry{offset: offset, data: data})
		offset += uint16(len(data)+3) &^ 3
	}
	for i := range d.caps {
		if i+1 < len(d.caps) {
			d.caps[i].data[1] = uint8(d.caps[i+1].offset)
		}
	}
	d.capPointer = pciCapStart
	d.status |= pciStatusCapabilities
}

func initVirtioCap(buf []byte, cfgType uint8, bar uint8, offset uint32, length uint32) {
	buf[0] = virtioVendorCapID
	buf[1] = 0
	buf[2] = uint8(len(buf))
	buf[3] = cfgType
	buf[4] = bar
	binary.LittleEndian.PutUint32(buf[8:12], offset)
	binary.LittleEndian.PutUint32(buf[12:16], length)
}

// ConfigSpace implements pci.Endpoint.
func (d *PCIDevice) ConfigSpace() pci.ConfigSpace {
	return d
}

// ReadConfig implements pci.ConfigSpace.
func (d *PCIDevice) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if uint16(size) > 1 && offset%uint16(size) != 0 {
		return 0, fmt.Errorf("unaligned %d-byte config read at %#x", size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := offset &^ 0x3
	value := d.readConfigDWord(base)
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	return (value >> shift) & mask, nil
}

// WriteConfig implements pci.ConfigSpace.
func (d *PCIDevice) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	if uint16(size) > 1 && offset%uint16(size) != 0 {
		return fmt.Errorf("unaligned %d-byte config write at %#x", size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := offset &^ 0x3
	if size == 4 {
		d.writeConfigDWord(base, value)
		return nil
	}
	current := d.readConfigDWord(base)
	if base == 0x04 {
		// Status is write-one-to-clear; a narrow command write must not
		// clear it.
		current &= 0xffff
	}
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	d.writeConfigDWord(base, (current & ^(mask << shift))|((value&mask)<<shift))
	return nil
}

func (d *PCIDevice) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return uint32(d.vendorID) | uint32(d.deviceID)<<16
	case 0x04:
		return uint32(d.command) | uint32(d.status)<<16
	case 0x08:
		return uint32(d.revision) | d.classCode<<8
	case 0x0c:
		var header uint32
		if d.layout.MultiFunction {
			header = 0x80
		}
		return header << 16
	case 0x2c:
		return uint32(d.subsystemVendorID) | uint32(d.subsystemID)<<16
	case 0x34:
		return uint32(d.capPointer)
	case 0x3c:
		return uint32(d.interruptLine) | uint32(d.interruptPin)<<8
	}
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		return d.bars[(offset-type0BAROffset)/4].raw()
	}
	for _, c := range d.caps {
		if offset >= c.offset && int(offset-c.offset) < len(c.data) {
			return readCapabilityDWord(c.data, offset-c.offset)
		}
	}
	return 0
}

func readCapabilityDWord(data []byte, rel uint16) uint32 {
	base := int(rel &^ 0x3)
	var value uint32
	for i := 0; i < 4 && base+i < len(data); i++ {
		value |= uint32(data[base+i]) << (8 * i)
	}
	return value
}

func (d *PCIDevice) writeConfigDWord(offset uint16, value uint32) {
	switch offset {
	case 0x04:
		d.command = uint16(value) & (pciCommandIO | pciCommandMemory | pciCommandBusMaster | 1<<10)
		d.status &^= uint16(value>>16) &^ pciStatusCapabilities
		return
	case 0x3c:
		d.interruptLine = uint8(value)
		return
	}
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		bar := &d.bars[(offset-type0BAROffset)/4]
		if bar.size == 0 {
			return
		}
		if value == 0xffff_ffff {
			bar.sizing = true
			return
		}
		bar.sizing = false
		bar.value = uint64(value) & uint64(bar.sizeMask()&^0xf)
		if bar.isIO {
			bar.value = uint64(value) & uint64(bar.sizeMask()&^0x3)
		}
	}
}

func (d *PCIDevice) barWindow(index uint8) (uint64, uint64, bool) {
	if int(index) >= type0BARCount {
		return 0, 0, false
	}
	bar := &d.bars[index]
	if bar.size == 0 || bar.isIO || bar.value == 0 || d.command&pciCommandMemory == 0 {
		return 0, 0, false
	}
	return bar.value, bar.size, true
}

// MMIORegions implements mmio.Device. Only assigned memory BARs with
// decoding enabled are claimed.
func (d *PCIDevice) MMIORegions() []mmio.Range {
	d.mu.Lock()
	defer d.mu.Unlock()
	var regions []mmio.Range
	for i := range d.bars {
		if base, size, ok := d.barWindow(uint8(i)); ok {
			regions = append(regions, mmio.Range{Address: base, Size: size})
		}
	}
	return regions
}

// ReadMMIO implements mmio.Device.
func (d *PCIDevice) ReadMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, false)
}

// WriteMMIO implements mmio.Device.
func (d *PCIDevice) WriteMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, true)
}

func within(s structure, bar uint8, off uint64, width uint32) (uint32, bool) {
	if s.bar != bar || off < uint64(s.offset) || off+uint64(width) > uint64(s.offset)+uint64(s.length) {
		return 0, false
	}
	return uint32(off - uint64(s.offset)), true
}

// overlaps reports whether [off, off+width) touches any byte of s.
func overlaps(s structure, bar uint8, off uint64, width uint32) bool {
	start, end := uint64(s.offset), uint64(s.offset)+uint64(s.length)
	return s.bar == bar && off < end && off+uint64(width) > start
}

func (d *PCIDevice) mmioAccess(addr uint64, data []byte, write bool) error {
	width := uint32(len(data))
	if width == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		bar uint8
		off uint64
		hit bool
	)
	for i := range d.bars {
		if base, size, ok := d.barWindow(uint8(i)); ok && addr >= base && addr+uint64(width) <= base+size {
			bar, off, hit = uint8(i), addr-base, true
			break
		}
	}
	if !hit {
		return fmt.Errorf("virtio-pci: access outside BARs addr=%#x width=%d", addr, width)
	}

	l := d.layout
	if rel, ok := within(structure{bar: l.CommonBAR, offset: l.CommonOffset, length: l.CommonLength}, bar, off, width); ok {
		if write {
			return d.writeCommonBlock(rel, data)
		}
		return d.readCommonBlock(rel, data)
	}
	if rel, ok := within(structure{bar: l.NotifyBAR, offset: l.NotifyOffset, length: l.NotifyLength}, bar, off, width); ok {
		if width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported notify width %d", width)
		}
		if write {
			return d.handleNotifyWrite(addr, rel, uint16(littleEndianValue(data, width)))
		}
		storeLittleEndian(data, width, 0)
		return nil
	}
	// Any access touching the ISR must be exactly one byte, or a wide read
	// would swallow the pending bits.
	if overlaps(structure{bar: l.ISRBAR, offset: l.ISROffset, length: l.ISRLength}, bar, off, width) {
		if width != 1 {
			return fmt.Errorf("virtio-pci: unsupported ISR access width %d", width)
		}
		if !write {
			data[0] = uint8(d.interruptStatus.Swap(0))
		}
		return nil
	}
	if d.deviceCfgLength != 0 {
		if rel, ok := within(structure{bar: l.DeviceBAR, offset: l.DeviceOffset, length: d.deviceCfgLength}, bar, off, width); ok {
			if width != 1 && width != 2 && width != 4 {
				return fmt.Errorf("virtio-pci: unsupported device config width %d", width)
			}
			if write {
				d.writeDeviceConfig(rel, littleEndianValue(data, width), width)
			} else {
				storeLittleEndian(data, width, d.readDeviceConfig(rel, width))
			}
			return nil
		}
	}

	// Unused BAR space reads as zero.
	if !write {
		clear(data)
	}
	return nil
}

func littleEndianValue(data []byte, width uint32) uint32 {
	var value uint32
	for i := uint32(0); i < width && i < 4; i++ {
		value |= uint32(data[i]) << (8 * i)
	}
	return value
}

func storeLittleEndian(data []byte, width uint32, value uint32) {
	for i := uint32(0); i < width && i < 4; i++ {
		data[i] = byte(value >> (8 * i))
	}
}

func (d *PCIDevice) readCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common read at offset %#x (len=%d)", offset, len(data))
		}
		storeLittleEndian(data[:width], width, d.handleCommonCfgRead(offset))
		offset += width
		data = data[width:]
	}
	return nil
}

func (d *PCIDevice) writeCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common write at offset %#x (len=%d)", offset, len(data))
		}
		value := littleEndianValue(data[:width], width)
		d.writes = append(d.writes, RegisterWrite{Offset: offset, Width: int(width), Value: value})
		if err := d.handleCommonCfgWrite(offset, value); err != nil {
			return err
		}
		offset += width
		data = data[width:]
	}
	return nil
}

func commonFieldWidth(offset uint32) uint32 {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT,
		VIRTIO_PCI_COMMON_DF,
		VIRTIO_PCI_COMMON_GFSELECT,
		VIRTIO_PCI_COMMON_GF,
		VIRTIO_PCI_COMMON_Q_DESCLO,
		VIRTIO_PCI_COMMON_Q_DESCHI,
		VIRTIO_PCI_COMMON_Q_AVAILLO,
		VIRTIO_PCI_COMMON_Q_AVAILHI,
		VIRTIO_PCI_COMMON_Q_USEDLO,
		VIRTIO_PCI_COMMON_Q_USEDHI:
		return 4
	case VIRTIO_PCI_COMMON_MSIX,
		VIRTIO_PCI_COMMON_NUMQ,
		VIRTIO_PCI_COMMON_Q_SELECT,
		VIRTIO_PCI_COMMON_Q_SIZE,
		VIRTIO_PCI_COMMON_Q_MSIX,
		VIRTIO_PCI_COMMON_Q_ENABLE,
		VIRTIO_PCI_COMMON_Q_NOFF:
		return 2
	case VIRTIO_PCI_COMMON_STATUS,
		VIRTIO_PCI_COMMON_CFGGENERATION:
		return 1
	}
	return 0
}

func (d *PCIDevice) handleCommonCfgRead(offset uint32) uint32 {
	q := d.currentQueue()
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		return d.deviceFeatureSel
	case VIRTIO_PCI_COMMON_DF:
		switch d.deviceFeatureSel {
		case 0:
			return uint32(d.deviceFeatures)
		case 1:
			return uint32(d.deviceFeatures >> 32)
		}
		return 0
	case VIRTIO_PCI_COMMON_GFSELECT:
		return d.guestFeatureSel
	case VIRTIO_PCI_COMMON_GF:
		switch d.guestFeatureSel {
		case 0:
			return uint32(d.guestFeatures)
		case 1:
			return uint32(d.guestFeatures >> 32)
		}
		return 0
	case VIRTIO_PCI_COMMON_MSIX:
		return uint32(d.msixConfigVector)
	case VIRTIO_PCI_COMMON_NUMQ:
		return uint32(len(d.queues))
	case VIRTIO_PCI_COMMON_STATUS:
		if d.resetReads > 0 {
			d.resetReads--
			return uint32(d.preResetStatus)
		}
		return uint32(d.deviceStatus)
	case VIRTIO_PCI_COMMON_CFGGENERATION:
		if d.faults.UnstableGeneration > 0 {
			d.faults.UnstableGeneration--
			d.cfgGeneration.Add(1)
		}
		return d.cfgGeneration.Load() & 0xff
	case VIRTIO_PCI_COMMON_Q_SELECT:
		return uint32(d.queueSel)
	}
	if q == nil {
		return 0
	}
	switch offset {
	case VIRTIO_PCI_COMMON_Q_SIZE:
		if q.size != 0 {
			return uint32(q.size)
		}
		return uint32(q.maxSize)
	case VIRTIO_PCI_COMMON_Q_MSIX:
		return uint32(q.msixVector)
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		if q.enable {
			return 1
		}
		return 0
	case VIRTIO_PCI_COMMON_Q_NOFF:
		return uint32(q.notifyOff)
	case VIRTIO_PCI_COMMON_Q_DESCLO:
		return uint32(q.descAddr)
	case VIRTIO_PCI_COMMON_Q_DESCHI:
		return uint32(q.descAddr >> 32)
	case VIRTIO_PCI_COMMON_Q_AVAILLO:
		return uint32(q.availAddr)
	case VIRTIO_PCI_COMMON_Q_AVAILHI:
		return uint32(q.availAddr >> 32)
	case VIRTIO_PCI_COMMON_Q_USEDLO:
		return uint32(q.usedAddr)
	case VIRTIO_PCI_COMMON_Q_USEDHI:
		return uint32(q.usedAddr >> 32)
	}
	return 0
}

func setLow(v uint64, value uint32) uint64  { return v&^0xffffffff | uint64(value) }
func setHigh(v uint64, value uint32) uint64 { return v&0xffffffff | uint64(value)<<32 }

func (d *PCIDevice) handleCommonCfgWrite(offset uint32, value uint32) error {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		d.deviceFeatureSel = value
		return nil
	case VIRTIO_PCI_COMMON_GFSELECT:
		d.guestFeatureSel = value
		return nil
	case VIRTIO_PCI_COMMON_GF:
		if d.deviceStatus&statusFeaturesOK != 0 {
			d.log.Warn("virtio-pci: feature write after FEATURES_OK", "addr", d.addr)
			return nil
		}
		switch d.guestFeatureSel {
		case 0:
			d.guestFeatures = setLow(d.guestFeatures, value)
		case 1:
			d.guestFeatures = setHigh(d.guestFeatures, value)
		}
		return nil
	case VIRTIO_PCI_COMMON_MSIX:
		if d.layout.MSIX {
			d.msixConfigVector = uint16(value)
		}
		return nil
	case VIRTIO_PCI_COMMON_STATUS:
		d.writeStatus(uint8(value))
		return nil
	case VIRTIO_PCI_COMMON_Q_SELECT:
		d.queueSel = uint16(value)
		return nil
	case VIRTIO_PCI_COMMON_DF, VIRTIO_PCI_COMMON_NUMQ, VIRTIO_PCI_COMMON_CFGGENERATION, VIRTIO_PCI_COMMON_Q_NOFF:
		return nil // read-only
	}

	q := d.currentQueue()
	if q == nil {
		return nil
	}
	switch offset {
	case VIRTIO_PCI_COMMON_Q_SIZE:
		if value > uint32(q.maxSize) {
			return fmt.Errorf("invalid queue size %d", value)
		}
		q.size = uint16(value)
	case VIRTIO_PCI_COMMON_Q_MSIX:
		if d.layout.MSIX {
			q.msixVector = uint16(value)
		}
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		if value&0x1 == 0 {
			q.enable = false
			q.vq = nil
			return nil
		}
		if q.size == 0 || q.size&(q.size-1) != 0 {
			return fmt.Errorf("queue %d enabled with size %d", d.queueSel, q.size)
		}
		q.enable = true
	case VIRTIO_PCI_COMMON_Q_DESCLO:
		q.descAddr = setLow(q.descAddr, value)
	case VIRTIO_PCI_COMMON_Q_DESCHI:
		q.descAddr = setHigh(q.descAddr, value)
	case VIRTIO_PCI_COMMON_Q_AVAILLO:
		q.availAddr = setLow(q.availAddr, value)
	case VIRTIO_PCI_COMMON_Q_AVAILHI:
		q.availAddr = setHigh(q.availAddr, value)
	case VIRTIO_PCI_COMMON_Q_USEDLO:
		q.usedAddr = setLow(q.usedAddr, value)
	case VIRTIO_PCI_COMMON_Q_USEDHI:
		q.usedAddr = setHigh(q.usedAddr, value)
	default:
		return fmt.Errorf("invalid common config offset %#x", offset)
	}
	return nil
}

func (d *PCIDevice) writeStatus(value uint8) {
	d.statusHistory = append(d.statusHistory, value)
	if value == 0 {
		d.reset()
		return
	}

	status := value &^ statusNeedsReset
	if status&statusFeaturesOK != 0 && d.deviceStatus&statusFeaturesOK == 0 {
		if d.faults.RejectFeatures || d.guestFeatures&^d.deviceFeatures != 0 {
			d.log.Info("virtio-pci: rejecting features", "addr", d.addr, "offered", fmt.Sprintf("%#x", d.deviceFeatures), "requested", fmt.Sprintf("%#x", d.guestFeatures))
			status &^= statusFeaturesOK
		}
	}
	if status&statusDriverOK != 0 && d.deviceStatus&statusDriverOK == 0 {
		if d.faults.NeedsReset > 0 {
			d.faults.NeedsReset--
			d.deviceStatus = status | statusNeedsReset
			d.ConfigChanged()
			return
		}
		d.deviceStatus = status | d.deviceStatus&statusNeedsReset
		d.enable()
		return
	}
	d.deviceStatus = status | d.deviceStatus&statusNeedsReset
}

func (d *PCIDevice) enable() {
	vqs := make([]*VirtQueue, len(d.queues))
	for i := range d.queues {
		q := &d.queues[i]
		if !q.enable {
			continue
		}
		vq := NewVirtQueue(d.mem, q.maxSize)
		vq.SetAddresses(q.descAddr, q.availAddr, q.usedAddr)
		if err := vq.SetSize(q.size); err != nil {
			d.log.Warn("virtio-pci: queue rejected at DRIVER_OK", "addr", d.addr, "queue", i, "err", err)
			continue
		}
		vq.SetReady(true)
		q.vq = vq
		vqs[i] = vq
	}
	d.enabled = true
	d.backend.Enable(d.guestFeatures, vqs, d)
	d.log.Debug("virtio-pci: device live", "addr", d.addr, "features", fmt.Sprintf("%#x", d.guestFeatures))
}

func (d *PCIDevice) reset() {
	if d.enabled {
		d.backend.Disable()
		d.enabled = false
	}
	d.preResetStatus = d.deviceStatus
	d.resetReads = d.faults.ResetDelay
	d.deviceStatus = 0
	d.guestFeatures = 0
	d.deviceFeatureSel = 0
	d.guestFeatureSel = 0
	d.queueSel = 0
	d.msixConfigVector = VIRTIO_MSI_NO_VECTOR
	for i := range d.queues {
		q := &d.queues[i]
		*q = queue{maxSize: q.maxSize, notifyOff: q.notifyOff, msixVector: VIRTIO_MSI_NO_VECTOR}
	}
	d.interruptStatus.Store(0)
}

func (d *PCIDevice) currentQueue() *queue {
	idx := int(d.queueSel)
	if idx >= len(d.queues) {
		return nil
	}
	return &d.queues[idx]
}

func (d *PCIDevice) handleNotifyWrite(addr uint64, offset uint32, value uint16) error {
	d.notifications = append(d.notifications, Notification{Addr: addr, Queue: value})
	idx := int(value)
	if idx >= len(d.queues) {
		return fmt.Errorf("virtio-pci: notify of queue %d (have %d)", idx, len(d.queues))
	}
	q := &d.queues[idx]
	if want := uint32(q.notifyOff) * d.layout.NotifyOffMultiplier; offset != want {
		d.log.Warn("virtio-pci: notify at wrong offset", "addr", d.addr, "queue", idx, "offset", offset, "want", want)
	}
	if d.deviceStatus&statusDriverOK == 0 || q.vq == nil {
		d.log.Warn("virtio-pci: notify of inactive queue", "addr", d.addr, "queue", idx, "status", d.deviceStatus)
		return nil
	}
	if d.command&pciCommandBusMaster == 0 {
		d.log.Warn("virtio-pci: notify with bus mastering disabled", "addr", d.addr, "queue", idx)
		return nil
	}
	if err := d.backend.HandleQueue(idx); err != nil {
		d.log.Error("virtio-pci: queue processing failed", "addr", d.addr, "queue", idx, "err", err)
		d.deviceStatus |= statusNeedsReset
		d.ConfigChanged()
	}
	return nil
}

func (d *PCIDevice) readDeviceConfig(offset uint32, width uint32) uint32 {
	value := d.backend.ReadConfig(uint16(offset &^ 0x3))
	shift := (offset & 0x3) * 8
	mask := uint32((uint64(1) << (width * 8)) - 1)
	return (value >> shift) & mask
}

func (d *PCIDevice) writeDeviceConfig(offset uint32, value uint32, width uint32) {
	aligned := offset &^ 0x3
	if width != 4 {
		current := d.backend.ReadConfig(uint16(aligned))
		shift := (offset - aligned) * 8
		mask := uint32((uint64(1) << (width * 8)) - 1)
		value = (current & ^(mask << shift)) | ((value & mask) << shift)
	}
	d.backend.WriteConfig(uint16(aligned), value)
	d.cfgGeneration.Add(1)
}

// QueueInterrupt implements Interrupter.
func (d *PCIDevice) QueueInterrupt() {
	d.interruptStatus.Or(1)
	d.signal()
}

// ConfigChanged implements Interrupter.
func (d *PCIDevice) ConfigChanged() {
	d.cfgGeneration.Add(1)
	d.interruptStatus.Or(2)
	d.signal()
}

func (d *PCIDevice) signal() {
	select {
	case d.interrupts <- struct{}{}:
	default:
	}
}

// Interrupts delivers a value whenever the ISR gains a bit. Several
// interrupts may coalesce into one.
func (d *PCIDevice) Interrupts() <-chan struct{} { return d.interrupts }

// Status returns the device status register.
func (d *PCIDevice) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceStatus
}

// NegotiatedFeatures returns what the driver wrote.
func (d *PCIDevice) NegotiatedFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestFeatures
}

// BARBase returns the address BAR i decodes at, zero if unassigned.
func (d *PCIDevice) BARBase(i int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= type0BARCount {
		return 0
	}
	return d.bars[i].value
}

// CommonWrites returns every write to the common configuration so far.
func (d *PCIDevice) CommonWrites() []RegisterWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.writes)
}

// StatusWrites returns every value written to the status register.
func (d *PCIDevice) StatusWrites() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.statusHistory)
}

// Notifications returns every notify write so far.
func (d *PCIDevice) Notifications() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.notifications)
}

func (d *PCIDevice) String() string {
	return fmt.Sprintf("virtio-pci %s type %d", d.addr, d.backend.DeviceID())
}

var (
	_ pci.Endpoint = (*PCIDevice)(nil)
	_ mmio.Device  = (*PCIDevice)(nil)
	_ Interrupter  = (*PCIDevice)(nil)
)
