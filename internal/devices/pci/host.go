// Package pci simulates an ECAM PCI root complex for the virtio devices in
// internal/devices/virtio.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/virtiopci/internal/mmio"
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(size uint64, align uint64) (uint64, error)
}

var ErrMMIOExhausted = errors.New("pci host bridge: MMIO space exhausted")

type linearAllocator struct {
	mu   sync.Mutex
	base uint64
	size uint64
	next uint64
}

// NewLinearAllocator hands out naturally aligned windows from
// [base, base+size) in order.
func NewLinearAllocator(base, size uint64) BARAllocator {
	return &linearAllocator{base: base, size: size, next: base}
}

func (a *linearAllocator) Allocate(size uint64, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	base := (a.next + align - 1) &^ (align - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, ErrMMIOExhausted
	}
	a.next = base + size
	return base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

// DeviceHandle lets a registered endpoint reserve MMIO space the way
// firmware would before the OS boots.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
}

// AllocateMemoryBAR reserves MMIO space for a BAR. It fails when the host
// bridge was built without an allocator, leaving assignment to the OS.
func (h *DeviceHandle) AllocateMemoryBAR(size uint64, align uint64) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	if h.host.barAllocator == nil {
		return 0, fmt.Errorf("pci host bridge: %s: no firmware BAR allocator", h.key)
	}
	return h.host.barAllocator.Allocate(size, align)
}

// Firmware reports whether BARs are assigned before enumeration.
func (h *DeviceHandle) Firmware() bool {
	return h != nil && h.host != nil && h.host.barAllocator != nil
}

// HostBridgeConfig describes the MMIO layout for config accesses.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	RootVendorID uint16
	RootDeviceID uint16
	// BARAllocator, if set, plays firmware and assigns BARs at
	// registration.
	BARAllocator BARAllocator
}

// HostBridge implements a minimal ECAM-capable PCI root complex.
// Function 00:00.0 is the bridge itself.
type HostBridge struct {
	configBase uint64
	configSize uint64

	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	barAllocator BARAllocator

	mu      sync.Mutex
	devices map[deviceKey]ConfigSpace
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const defaultConfigSize = 1 << 20 // bus 0 only

	h := &HostBridge{
		configBase:   cfg.ConfigBase,
		configSize:   cfg.ConfigSize,
		rootVendorID: cfg.RootVendorID,
		rootDeviceID: cfg.RootDeviceID,
		barAllocator: cfg.BARAllocator,
		devices:      make(map[deviceKey]ConfigSpace),
	}
	if h.configSize < defaultConfigSize {
		h.configSize = defaultConfigSize
	}
	if h.rootVendorID == 0 {
		h.rootVendorID = 0x1b36
	}
	if h.rootDeviceID == 0 {
		h.rootDeviceID = 0x0008
	}
	h.maxBus = uint8(min(h.configSize>>20, 256) - 1)
	return h
}

func (h *HostBridge) ConfigBase() uint64 { return h.configBase }
func (h *HostBridge) ConfigSize() uint64 { return h.configSize }
func (h *HostBridge) MaxBus() uint8      { return h.maxBus }

// MMIORegions implements mmio.Device.
func (h *HostBridge) MMIORegions() []mmio.Range {
	return []mmio.Range{{Address: h.configBase, Size: h.configSize}}
}

// ReadMMIO implements mmio.Device.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			curOffset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements mmio.Device.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if bus > h.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	return deviceKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key == (deviceKey{}) {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return 0xffff_ffff
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return 0xffff_ffff
	}
	return maskValue(value, size)
}

func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) {
	if key == (deviceKey{}) {
		return
	}
	if provider := h.provider(key); provider != nil {
		_ = provider.WriteConfig(offset, size, value)
	}
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 {
		return 0xffff_ffff
	}
	if int(offset)+int(size) > 256 {
		return 0
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06 // bridge
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus > h.maxBus {
		return nil, fmt.Errorf("bus %d beyond ECAM window (max %d)", bus, h.maxBus)
	}
	if device > 0x1f || function > 7 {
		return nil, fmt.Errorf("invalid device %d function %d", device, function)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	if key == (deviceKey{}) {
		return nil, fmt.Errorf("00:00.0 is the host bridge")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = provider
	return &DeviceHandle{host: h, key: key}, nil
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[key]
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var _ mmio.Device = (*HostBridge)(nil)
