package virtio

import (
	"fmt"

	"github.com/tinyrange/virtiopci/internal/mmio"
)

// Offsets within struct virtio_pci_common_cfg.
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0c
	commonMSIXConfig          = 0x10
	commonNumQueues           = 0x12
	commonDeviceStatus        = 0x14
	commonConfigGeneration    = 0x15
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueMSIXVector     = 0x1a
	commonQueueEnable         = 0x1c
	commonQueueNotifyOff      = 0x1e
	commonQueueDescLow        = 0x20
	commonQueueDescHigh       = 0x24
	commonQueueDriverLow      = 0x28
	commonQueueDriverHigh     = 0x2c
	commonQueueDeviceLow      = 0x30
	commonQueueDeviceHigh     = 0x34
)

// NoVector disables an MSI-X vector.
const NoVector = 0xffff

// QueueConfig places one split virtqueue. Areas are device addresses.
type QueueConfig struct {
	Index      uint16
	Size       uint32
	DescArea   uint64
	DriverArea uint64
	DeviceArea uint64
}

// ISRStatus is the value of the ISR status register.
type ISRStatus uint8

const (
	ISRQueue  ISRStatus = 1 << 0
	ISRConfig ISRStatus = 1 << 1
)

func (s ISRStatus) Queue() bool   { return s&ISRQueue != 0 }
func (s ISRStatus) Config() bool  { return s&ISRConfig != 0 }
func (s ISRStatus) Pending() bool { return s&(ISRQueue|ISRConfig) != 0 }

// DeviceFeatures reads the 64 feature bits the device offers. The two
// halves are separate register accesses.
func (t *Transport) DeviceFeatures() Features {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write32(commonDeviceFeatureSelect, 0)
	lo := t.common.Read32(commonDeviceFeature)
	t.common.Write32(commonDeviceFeatureSelect, 1)
	hi := t.common.Read32(commonDeviceFeature)
	return Features(uint64(hi)<<32 | uint64(lo))
}

// SetDriverFeatures writes the features the driver accepts.
func (t *Transport) SetDriverFeatures(f Features) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write32(commonDriverFeatureSelect, 0)
	t.common.Write32(commonDriverFeature, uint32(f))
	t.common.Write32(commonDriverFeatureSelect, 1)
	t.common.Write32(commonDriverFeature, uint32(f>>32))
}

// Status reads the status register. FAILED and DEVICE_NEEDS_RESET are
// returned as errors alongside the raw value.
func (t *Transport) Status() (DeviceStatus, error) {
	s := DeviceStatus(t.common.Read8(commonDeviceStatus))
	return s, s.err()
}

// SetStatus writes s if it is a legal successor of the last written
// status; otherwise the register is left alone.
func (t *Transport) SetStatus(s DeviceStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setStatusLocked(s)
}

func (t *Transport) setStatusLocked(s DeviceStatus) error {
	if err := checkTransition(t.status, s); err != nil {
		return err
	}
	t.common.Write8(commonDeviceStatus, uint8(s))
	t.status = s
	t.driverOK.Store(s&StatusDriverOK != 0)
	if s == 0 {
		t.features = 0
		for i := range t.notifyAt {
			t.notifyAt[i].Store(0)
		}
	}
	return nil
}

func (t *Transport) checkQueue(q uint16) error {
	if q >= t.numQueues {
		return fmt.Errorf("%w: %d of %d", ErrQueueOutOfRange, q, t.numQueues)
	}
	return nil
}

// MaxQueueSize is the largest size the device supports for queue q; zero
// means the queue does not exist.
func (t *Transport) MaxQueueSize(q uint16) (uint32, error) {
	if err := t.checkQueue(q); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write16(commonQueueSelect, q)
	return uint32(t.common.Read16(commonQueueSize)), nil
}

// QueueSet configures and enables a queue. Callers must not have I/O in
// flight on it.
func (t *Transport) QueueSet(cfg QueueConfig) error {
	if err := t.checkQueue(cfg.Index); err != nil {
		return err
	}
	if cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrQueueSizeNotPowerOfTwo, cfg.Size)
	}
	if cfg.DescArea%16 != 0 || cfg.DriverArea%2 != 0 || cfg.DeviceArea%4 != 0 {
		return fmt.Errorf("%w: desc %#x driver %#x device %#x", ErrMisalignedQueueArea, cfg.DescArea, cfg.DriverArea, cfg.DeviceArea)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write16(commonQueueSelect, cfg.Index)
	if t.common.Read16(commonQueueEnable) != 0 {
		return fmt.Errorf("%w: queue %d", ErrQueueInUse, cfg.Index)
	}
	maxSize := uint32(t.common.Read16(commonQueueSize))
	if maxSize == 0 {
		return fmt.Errorf("%w: queue %d", ErrQueueUnavailable, cfg.Index)
	}
	if cfg.Size > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrQueueTooLarge, cfg.Size, maxSize)
	}

	notifyOff := uint64(t.common.Read16(commonQueueNotifyOff)) * uint64(t.notifyMultiplier)
	if notifyOff+2 > t.notify.Size() {
		return fmt.Errorf("%w: queue %d notifies at %#x past %#x", ErrBarOffsetOutOfRange, cfg.Index, notifyOff, t.notify.Size())
	}

	t.common.Write16(commonQueueSize, uint16(cfg.Size))
	t.common.Write32(commonQueueDescLow, uint32(cfg.DescArea))
	t.common.Write32(commonQueueDescHigh, uint32(cfg.DescArea>>32))
	t.common.Write32(commonQueueDriverLow, uint32(cfg.DriverArea))
	t.common.Write32(commonQueueDriverHigh, uint32(cfg.DriverArea>>32))
	t.common.Write32(commonQueueDeviceLow, uint32(cfg.DeviceArea))
	t.common.Write32(commonQueueDeviceHigh, uint32(cfg.DeviceArea>>32))
	t.common.Write16(commonQueueEnable, 1)

	t.notifyAt[cfg.Index].Store(notifyOff | 1)
	t.log.Debug("virtio-pci: queue configured", "type", t.deviceType, "queue", cfg.Index, "size", cfg.Size, "notify", fmt.Sprintf("%#x", notifyOff))
	return nil
}

// QueueUnset disables queue q and clears its areas.
func (t *Transport) QueueUnset(q uint16) error {
	if err := t.checkQueue(q); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyAt[q].Store(0)
	t.common.Write16(commonQueueSelect, q)
	t.common.Write16(commonQueueEnable, 0)
	t.common.Write16(commonQueueSize, 0)
	t.common.Write32(commonQueueDescLow, 0)
	t.common.Write32(commonQueueDescHigh, 0)
	t.common.Write32(commonQueueDriverLow, 0)
	t.common.Write32(commonQueueDriverHigh, 0)
	t.common.Write32(commonQueueDeviceLow, 0)
	t.common.Write32(commonQueueDeviceHigh, 0)
	return nil
}

// QueueUsed reports whether queue q is enabled.
func (t *Transport) QueueUsed(q uint16) (bool, error) {
	if err := t.checkQueue(q); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write16(commonQueueSelect, q)
	return t.common.Read16(commonQueueEnable) != 0, nil
}

// Notify tells the device queue q has new buffers. It takes no locks and
// may run concurrently with AckInterrupt.
func (t *Transport) Notify(q uint16) {
	at := t.notifyAt[q].Load()
	if mmio.DebugChecks {
		if at&1 == 0 {
			panic(fmt.Sprintf("virtio-pci: notify of unconfigured queue %d", q))
		}
		if !t.driverOK.Load() {
			panic(fmt.Sprintf("virtio-pci: notify of queue %d before DRIVER_OK", q))
		}
	}
	t.notify.FastWrite16(at&^1, q)
}

// AckInterrupt reads the ISR status once. The read clears it, so call
// this exactly once per interrupt.
func (t *Transport) AckInterrupt() ISRStatus {
	return ISRStatus(t.isr.Read8(0))
}

// ConfigGeneration changes whenever the device configuration changes.
func (t *Transport) ConfigGeneration() uint32 {
	return uint32(t.common.Read8(commonConfigGeneration))
}

// SetConfigMSIXVector routes configuration change interrupts to vector.
func (t *Transport) SetConfigMSIXVector(vector uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write16(commonMSIXConfig, vector)
	if got := t.common.Read16(commonMSIXConfig); got != vector {
		return fmt.Errorf("%w: config vector %d reads back %#x", ErrMSIXVectorRejected, vector, got)
	}
	return nil
}

// SetQueueMSIXVector routes interrupts of queue q to vector.
func (t *Transport) SetQueueMSIXVector(q uint16, vector uint16) error {
	if err := t.checkQueue(q); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.Write16(commonQueueSelect, q)
	t.common.Write16(commonQueueMSIXVector, vector)
	if got := t.common.Read16(commonQueueMSIXVector); got != vector {
		return fmt.Errorf("%w: queue %d vector %d reads back %#x", ErrMSIXVectorRejected, q, vector, got)
	}
	return nil
}
