package virtio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/virtiopci/internal/hal"
	"github.com/tinyrange/virtiopci/internal/pci"
)

// Device is what a class driver gets to work with: a validated transport
// and the memory layer. BARs and config space stay with the bus.
type Device struct {
	Transport *Transport
	Hal       hal.Hal
	Function  pci.Function
	Type      DeviceType
	Revision  uint8
	Logger    *slog.Logger
	Poll      PollOptions
	// Withhold is never accepted, whatever the driver supports.
	Withhold Features
}

// Driver is a bound class driver.
type Driver interface {
	// HandleInterrupt acknowledges the ISR and processes completions.
	HandleInterrupt() ISRStatus
	// Close resets the device and releases its queues.
	Close() error
}

// DriverFactory brings a device up to DRIVER_OK and returns its driver.
// On failure the factory leaves the device reset or FAILED and frees what
// it allocated.
type DriverFactory func(ctx context.Context, dev *Device) (Driver, error)

// Registry maps device types to drivers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[DeviceType]DriverFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[DeviceType]DriverFactory)}
}

// DefaultRegistry knows the block, entropy and network drivers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(DeviceBlock, NewBlock)
	r.MustRegister(DeviceEntropy, NewEntropy)
	r.MustRegister(DeviceNetwork, NewNet)
	return r
}

func (r *Registry) Register(t DeviceType, f DriverFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[t]; ok {
		return fmt.Errorf("virtio: driver for %s already registered", t)
	}
	r.factories[t] = f
	return nil
}

func (r *Registry) MustRegister(t DeviceType, f DriverFactory) {
	if err := r.Register(t, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(t DeviceType) (DriverFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[t]
	return f, ok
}

// Types lists the registered device types in ascending order.
func (r *Registry) Types() []DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// start negotiates supported and creates the queues with the given
// indices. The caller fills its queues and then calls DriverOK. On error
// the device is reset and nothing is left allocated.
func start(ctx context.Context, dev *Device, supported Features, queues ...uint16) (Features, []*Queue, error) {
	t := dev.Transport
	features, err := t.Negotiate(ctx, supported&^dev.Withhold, dev.Poll)
	if err != nil {
		return 0, nil, err
	}
	out := make([]*Queue, 0, len(queues))
	for _, idx := range queues {
		q, err := NewQueue(t, dev.Hal, idx, 0)
		if err != nil {
			stop(ctx, dev, out)
			return 0, nil, fmt.Errorf("%s queue %d: %w", dev.Type, idx, err)
		}
		out = append(out, q)
	}
	return features, out, nil
}

// stop resets the device so it no longer touches queue memory, then frees
// the queues.
func stop(ctx context.Context, dev *Device, queues []*Queue) error {
	err := dev.Transport.Reset(ctx, dev.Poll)
	closeQueues(queues)
	return err
}

func closeQueues(queues []*Queue) {
	for _, q := range queues {
		if q != nil {
			q.Close()
		}
	}
}
