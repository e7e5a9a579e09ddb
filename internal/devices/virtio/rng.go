package virtio

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

const (
	rngDeviceID    = 4
	rngQueueNumMax = 64
)

// Rng is the backend of a virtio entropy device. Every writable buffer
// the driver posts is filled from the source.
type Rng struct {
	source io.Reader

	mu    sync.Mutex
	queue *VirtQueue
	irq   Interrupter
}

// NewRng returns an entropy backend reading from source, or from
// crypto/rand when source is nil.
func NewRng(source io.Reader) *Rng {
	if source == nil {
		source = rand.Reader
	}
	return &Rng{source: source}
}

func (r *Rng) DeviceID() uint16           { return rngDeviceID }
func (r *Rng) DeviceFeatures() uint64     { return virtioFeatureVersion1 }
func (r *Rng) NumQueues() int             { return 1 }
func (r *Rng) QueueMaxSize(int) uint16    { return rngQueueNumMax }
func (r *Rng) ConfigLen() uint32          { return 0 }
func (r *Rng) ReadConfig(uint16) uint32   { return 0 }
func (r *Rng) WriteConfig(uint16, uint32) {}

func (r *Rng) Enable(_ uint64, queues []*VirtQueue, irq Interrupter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = queues[0]
	r.irq = irq
}

func (r *Rng) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.irq = nil
}

func (r *Rng) HandleQueue(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i != 0 || r.queue == nil {
		return nil
	}
	processed, err := ProcessQueue(r.queue, func(c *Chain) (uint32, error) {
		n := c.WritableLen()
		if n == 0 {
			return 0, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r.source, buf); err != nil {
			return 0, fmt.Errorf("virtio-rng: read source: %w", err)
		}
		return c.Write(0, buf)
	})
	if err != nil {
		return err
	}
	if ShouldRaiseInterrupt(r.queue, processed) {
		r.irq.QueueInterrupt()
	}
	return nil
}

var _ Backend = (*Rng)(nil)
