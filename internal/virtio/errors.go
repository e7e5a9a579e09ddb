package virtio

import "errors"

// Transport construction.
var (
	ErrMissingCommonConfig        = errors.New("virtio-pci: missing common configuration capability")
	ErrMissingNotifyConfig        = errors.New("virtio-pci: missing notify configuration capability")
	ErrMissingIsrConfig           = errors.New("virtio-pci: missing ISR configuration capability")
	ErrBarOffsetOutOfRange        = errors.New("virtio-pci: capability outside its BAR")
	ErrInvalidNotifyOffMultiplier = errors.New("virtio-pci: invalid notify offset multiplier")
	ErrCommonConfigTooSmall       = errors.New("virtio-pci: common configuration region too small")
)

// Register protocol.
var (
	ErrFeaturesNotAccepted     = errors.New("virtio: device did not accept negotiated features")
	ErrDeviceFailed            = errors.New("virtio: device reported FAILED")
	ErrDeviceNeedsReset        = errors.New("virtio: device needs reset")
	ErrInvalidStatusTransition = errors.New("virtio: invalid status transition")
	ErrQueueOutOfRange         = errors.New("virtio: queue index out of range")
	ErrQueueTooLarge           = errors.New("virtio: queue size exceeds device maximum")
	ErrQueueSizeNotPowerOfTwo  = errors.New("virtio: queue size not a power of two")
	ErrQueueInUse              = errors.New("virtio: queue already in use")
	ErrQueueUnavailable        = errors.New("virtio: queue not available")
	ErrMisalignedQueueArea     = errors.New("virtio: misaligned queue area")
	ErrNoDeviceConfig          = errors.New("virtio: device has no device-specific configuration")
	ErrConfigOutOfRange        = errors.New("virtio: access outside device configuration")
	ErrConfigUnstable          = errors.New("virtio: configuration kept changing while being read")
	ErrMSIXVectorRejected      = errors.New("virtio: device rejected MSI-X vector")
	ErrPollTimeout             = errors.New("virtio: timed out waiting for device")
)

// Virtqueues.
var (
	ErrQueueFull     = errors.New("virtio: virtqueue full")
	ErrEmptyChain    = errors.New("virtio: descriptor chain has no buffers")
	ErrQueueClosed   = errors.New("virtio: virtqueue closed")
	ErrShortResponse = errors.New("virtio: device response too short")
)
