package virtio

import (
	"context"
	"errors"
	"fmt"
)

// Reset writes zero to the status register and waits for the device to
// report zero back.
func (t *Transport) Reset(ctx context.Context, opts PollOptions) error {
	t.mu.Lock()
	err := t.setStatusLocked(0)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return Poll(ctx, opts, func() (bool, error) {
		return t.common.Read8(commonDeviceStatus) == 0, nil
	})
}

// addStatus sets bits on top of the current status and reads the register
// back so that a device giving up is noticed immediately.
func (t *Transport) addStatus(bits DeviceStatus) (DeviceStatus, error) {
	t.mu.Lock()
	err := t.setStatusLocked(t.status | bits)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return t.Status()
}

// Negotiate resets the device and drives it to FEATURES_OK with the
// features both sides support. The caller configures its queues next and
// then calls DriverOK.
func (t *Transport) Negotiate(ctx context.Context, supported Features, opts PollOptions) (Features, error) {
	if err := t.Reset(ctx, opts); err != nil {
		return 0, fmt.Errorf("reset %s: %w", t.deviceType, err)
	}
	if _, err := t.addStatus(StatusAcknowledge); err != nil {
		return 0, t.abort(err)
	}
	if _, err := t.addStatus(StatusDriver); err != nil {
		return 0, t.abort(err)
	}

	offered := t.DeviceFeatures()
	negotiated := offered & supported
	if !offered.Has(FeatureVersion1) {
		t.log.Warn("virtio-pci: device does not offer VERSION_1", "type", t.deviceType, "features", offered)
	}
	t.SetDriverFeatures(negotiated)

	status, err := t.addStatus(StatusFeaturesOK)
	if err != nil {
		return 0, t.abort(err)
	}
	if status&StatusFeaturesOK == 0 {
		t.Fail()
		return 0, fmt.Errorf("%w: offered %s, requested %s", ErrFeaturesNotAccepted, offered, negotiated)
	}

	t.mu.Lock()
	t.features = negotiated
	t.mu.Unlock()
	t.log.Debug("virtio-pci: features negotiated", "type", t.deviceType, "offered", offered, "negotiated", negotiated)
	return negotiated, nil
}

// DriverOK completes bring-up. Queues may be notified afterwards.
func (t *Transport) DriverOK() error {
	if _, err := t.addStatus(StatusDriverOK); err != nil {
		return t.abort(err)
	}
	return nil
}

// Fail sets FAILED. The driver must stop using the device afterwards.
func (t *Transport) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.setStatusLocked(t.status | StatusFailed); err != nil {
		t.log.Error("virtio-pci: set FAILED", "type", t.deviceType, "err", err)
		return
	}
	t.log.Warn("virtio-pci: device marked failed", "type", t.deviceType)
}

// abort gives up on bring-up. A device asking for a reset is left alone so
// the caller can restart; anything else is marked FAILED.
func (t *Transport) abort(err error) error {
	if !errors.Is(err, ErrDeviceNeedsReset) {
		t.Fail()
	}
	return err
}
