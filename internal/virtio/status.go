package virtio

import (
	"fmt"
	"strings"
)

// DeviceStatus is the device status register.
type DeviceStatus uint8

const (
	StatusAcknowledge DeviceStatus = 1
	StatusDriver      DeviceStatus = 2
	StatusDriverOK    DeviceStatus = 4
	StatusFeaturesOK  DeviceStatus = 8
	StatusNeedsReset  DeviceStatus = 64
	StatusFailed      DeviceStatus = 128
)

var statusNames = []struct {
	bit  DeviceStatus
	name string
}{
	{StatusAcknowledge, "ACKNOWLEDGE"},
	{StatusDriver, "DRIVER"},
	{StatusFeaturesOK, "FEATURES_OK"},
	{StatusDriverOK, "DRIVER_OK"},
	{StatusNeedsReset, "DEVICE_NEEDS_RESET"},
	{StatusFailed, "FAILED"},
}

func (s DeviceStatus) String() string {
	if s == 0 {
		return "RESET"
	}
	var parts []string
	rest := s
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// err maps the terminal device-set bits to errors.
func (s DeviceStatus) err() error {
	switch {
	case s&StatusFailed != 0:
		return fmt.Errorf("%w (status %s)", ErrDeviceFailed, s)
	case s&StatusNeedsReset != 0:
		return fmt.Errorf("%w (status %s)", ErrDeviceNeedsReset, s)
	}
	return nil
}

// checkTransition reports whether the driver may write next while the
// register holds cur. Status only grows during bring-up; writing zero is
// the one way back.
func checkTransition(cur, next DeviceStatus) error {
	if next == 0 {
		return nil
	}
	bad := func(why string) error {
		return fmt.Errorf("%w: %s -> %s: %s", ErrInvalidStatusTransition, cur, next, why)
	}
	cur &^= StatusNeedsReset
	if next&cur != cur {
		return bad("clears bits")
	}
	added := next &^ cur
	switch {
	case added&StatusNeedsReset != 0:
		return bad("DEVICE_NEEDS_RESET is set by the device")
	case added&^StatusFailed == 0:
		return nil
	case cur&StatusFailed != 0:
		return bad("device already FAILED")
	case cur&StatusFeaturesOK != 0 && added&^(StatusDriverOK|StatusFailed) != 0:
		return bad("only DRIVER_OK may follow FEATURES_OK")
	case added&StatusDriver != 0 && next&StatusAcknowledge == 0:
		return bad("DRIVER before ACKNOWLEDGE")
	case added&StatusFeaturesOK != 0 && next&StatusDriver == 0:
		return bad("FEATURES_OK before DRIVER")
	case added&StatusDriverOK != 0 && next&StatusFeaturesOK == 0:
		return bad("DRIVER_OK before FEATURES_OK")
	}
	return nil
}
