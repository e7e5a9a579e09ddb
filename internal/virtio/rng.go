package virtio

import (
	"context"
)

// Entropy reads random bytes from a virtio-rng device.
type Entropy struct {
	dev   *Device
	queue *Queue
}

// NewEntropy is the DriverFactory for entropy devices.
func NewEntropy(ctx context.Context, dev *Device) (Driver, error) {
	_, queues, err := start(ctx, dev, FeatureVersion1, 0)
	if err != nil {
		return nil, err
	}
	if err := dev.Transport.DriverOK(); err != nil {
		stop(ctx, dev, queues)
		return nil, err
	}
	return &Entropy{dev: dev, queue: queues[0]}, nil
}

// ReadContext fills p with at most len(p) random bytes. The device may
// return fewer.
func (e *Entropy) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := e.queue.Submit(ctx, e.dev.Poll, nil, [][]byte{p})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrShortResponse
	}
	return int(min(n, uint32(len(p)))), nil
}

// Read implements io.Reader.
func (e *Entropy) Read(p []byte) (int, error) {
	return e.ReadContext(context.Background(), p)
}

func (e *Entropy) HandleInterrupt() ISRStatus {
	return e.dev.Transport.AckInterrupt()
}

func (e *Entropy) Close() error {
	return stop(context.Background(), e.dev, []*Queue{e.queue})
}
