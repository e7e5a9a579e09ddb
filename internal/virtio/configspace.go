package virtio

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/tinyrange/virtiopci/internal/mmio"
)

// ConfigValue is a field type of a device configuration structure.
type ConfigValue interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func (t *Transport) deviceField(offset uint64, size uint64) (mmio.Region, error) {
	if !t.device.Valid() {
		return mmio.Region{}, ErrNoDeviceConfig
	}
	align := size
	if align > 4 {
		align = 4
	}
	if offset%align != 0 || offset+size > t.device.Size() || offset+size < offset {
		return mmio.Region{}, fmt.Errorf("%w: %d bytes at %#x of %#x", ErrConfigOutOfRange, size, offset, t.device.Size())
	}
	return t.device, nil
}

// ReadConfig reads one field of the device configuration. 64-bit fields
// are two 32-bit reads, low half first, so callers reading more than one
// word must use ReadConsistent.
func ReadConfig[T ConfigValue](t *Transport, offset uint64) (T, error) {
	var v T
	size := uint64(unsafe.Sizeof(v))
	r, err := t.deviceField(offset, size)
	if err != nil {
		return v, err
	}
	switch size {
	case 1:
		v = T(r.Read8(offset))
	case 2:
		v = T(r.Read16(offset))
	case 4:
		v = T(r.Read32(offset))
	case 8:
		lo := r.Read32(offset)
		hi := r.Read32(offset + 4)
		v = T(uint64(hi)<<32 | uint64(lo))
	}
	return v, nil
}

// WriteConfig writes one field of the device configuration.
func WriteConfig[T ConfigValue](t *Transport, offset uint64, v T) error {
	size := uint64(unsafe.Sizeof(v))
	r, err := t.deviceField(offset, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		r.Write8(offset, uint8(v))
	case 2:
		r.Write16(offset, uint16(v))
	case 4:
		r.Write32(offset, uint32(v))
	case 8:
		r.Write32(offset, uint32(uint64(v)))
		r.Write32(offset+4, uint32(uint64(v)>>32))
	}
	return nil
}

// maxConfigAttempts bounds ReadConsistent against a device that never
// settles.
const maxConfigAttempts = 64

// ReadConsistent runs read between two generation reads and repeats it
// until both agree, so read observes one version of the configuration.
func ReadConsistent(t *Transport, read func() error) error {
	for i := 0; i < maxConfigAttempts; i++ {
		before := t.ConfigGeneration()
		if err := read(); err != nil {
			return err
		}
		if t.ConfigGeneration() == before {
			return nil
		}
		runtime.Gosched()
	}
	return ErrConfigUnstable
}
