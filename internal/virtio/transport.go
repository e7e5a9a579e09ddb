package virtio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virtiopci/internal/hal"
	"github.com/tinyrange/virtiopci/internal/mmio"
	"github.com/tinyrange/virtiopci/internal/pci"
)

// commonCfgLen is the size of struct virtio_pci_common_cfg in virtio 1.0.
const commonCfgLen = 0x38

// BuildInput is everything BuildTransport needs from the bus.
type BuildInput struct {
	Type       DeviceType
	Caps       CapabilitySet
	ResolveBAR func(bar uint8) (pci.BarRegion, bool)
	Bus        mmio.Bus
	Hal        hal.Hal
	Logger     *slog.Logger
}

// Transport is a validated virtio-pci register layout. It is owned by one
// class driver. The regions never change after construction; the mutex
// serializes the select-register sequences and status writes.
type Transport struct {
	deviceType DeviceType
	log        *slog.Logger

	common mmio.Region
	notify mmio.Region
	isr    mmio.Region
	device mmio.Region

	notifyMultiplier uint32
	numQueues        uint16

	// notifyAt holds, per queue, the byte offset into the notify region
	// with bit 0 set once the queue is configured. Offsets are always
	// even because the multiplier is.
	notifyAt []atomic.Uint64
	driverOK atomic.Bool

	mu       sync.Mutex
	status   DeviceStatus
	features Features
}

// BuildTransport validates caps and maps the four structures.
//
// The mandatory structures are checked first, then the notify multiplier,
// then the BAR placement of each structure.
func BuildTransport(in BuildInput) (*Transport, error) {
	caps := in.Caps
	switch {
	case caps.Common == nil:
		return nil, ErrMissingCommonConfig
	case caps.Notify == nil:
		return nil, ErrMissingNotifyConfig
	case caps.ISR == nil:
		return nil, ErrMissingIsrConfig
	}
	if m := caps.Notify.NotifyMultiplier; m%2 != 0 {
		return nil, fmt.Errorf("%w: %d is odd", ErrInvalidNotifyOffMultiplier, m)
	}
	if in.ResolveBAR == nil || in.Bus == nil || in.Hal == nil {
		return nil, fmt.Errorf("virtio-pci: incomplete transport input")
	}

	mapRecord := func(rec *CapabilityRecord) (mmio.Region, error) {
		if int(rec.Bar) >= pci.NumBARs {
			return mmio.Region{}, fmt.Errorf("%w: %s: no BAR%d", ErrBarOffsetOutOfRange, rec, rec.Bar)
		}
		bar, ok := in.ResolveBAR(rec.Bar)
		if !ok {
			return mmio.Region{}, fmt.Errorf("%w: %s: BAR%d not assigned", ErrBarOffsetOutOfRange, rec, rec.Bar)
		}
		if bar.Kind == pci.BarIO {
			return mmio.Region{}, fmt.Errorf("%w: %s: BAR%d is I/O space", ErrBarOffsetOutOfRange, rec, rec.Bar)
		}
		if rec.Length == 0 {
			return mmio.Region{}, fmt.Errorf("%w: %s is empty", ErrBarOffsetOutOfRange, rec)
		}
		window := mmio.NewRegion(in.Bus, in.Hal.MMIOPhysToVirt(hal.PhysAddr(bar.Base), bar.Size), bar.Size)
		r, err := window.Sub(uint64(rec.BarOffset), uint64(rec.Length))
		if err != nil {
			return mmio.Region{}, fmt.Errorf("%w: %s exceeds %s: %w", ErrBarOffsetOutOfRange, rec, bar, err)
		}
		return r, nil
	}

	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		deviceType:       in.Type,
		log:              logger,
		notifyMultiplier: caps.Notify.NotifyMultiplier,
	}
	var err error
	if t.common, err = mapRecord(caps.Common); err != nil {
		return nil, err
	}
	if t.common.Size() < commonCfgLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrCommonConfigTooSmall, t.common.Size())
	}
	if t.notify, err = mapRecord(caps.Notify); err != nil {
		return nil, err
	}
	if t.isr, err = mapRecord(caps.ISR); err != nil {
		return nil, err
	}
	if caps.Device != nil {
		if t.device, err = mapRecord(caps.Device); err != nil {
			return nil, err
		}
	}

	t.numQueues = t.common.Read16(commonNumQueues)
	t.notifyAt = make([]atomic.Uint64, t.numQueues)
	return t, nil
}

func (t *Transport) DeviceType() DeviceType   { return t.deviceType }
func (t *Transport) NotifyMultiplier() uint32 { return t.notifyMultiplier }
func (t *Transport) NumQueues() uint16        { return t.numQueues }
func (t *Transport) HasDeviceConfig() bool    { return t.device.Valid() }

// DeviceConfigLen is the size of the device-specific configuration, zero
// when absent.
func (t *Transport) DeviceConfigLen() uint64 {
	if !t.device.Valid() {
		return 0
	}
	return t.device.Size()
}

// Features returns what Negotiate agreed on.
func (t *Transport) Features() Features {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.features
}

func (t *Transport) String() string {
	s := fmt.Sprintf("%s: common %#x notify %#x (x%d) isr %#x", t.deviceType, t.common.Base(), t.notify.Base(), t.notifyMultiplier, t.isr.Base())
	if t.device.Valid() {
		s += fmt.Sprintf(" device %#x+%#x", t.device.Base(), t.device.Size())
	}
	return s
}
