package virtio

import (
	"fmt"

	"github.com/tinyrange/virtiopci/internal/netstack"
)

// NetstackBackend wires a Net to the host end of a simulated link.
type NetstackBackend struct {
	ns *netstack.NetStack
}

func NewNetstackBackend(ns *netstack.NetStack) (*NetstackBackend, error) {
	if ns == nil {
		return nil, fmt.Errorf("netstack backend requires a netstack instance")
	}
	return &NetstackBackend{ns: ns}, nil
}

func (b *NetstackBackend) HandleTx(frame []byte) error {
	return b.ns.DeliverGuestFrame(frame)
}

// BindNetDevice routes frames from the host stack into netdev's receive
// queue and netdev's transmissions into the host stack.
func (b *NetstackBackend) BindNetDevice(netdev *Net) error {
	if netdev == nil {
		return fmt.Errorf("netstack backend: nil net device")
	}
	netdev.SetBackend(b)
	// The netstack pump runs on its own goroutine, so Deliver never
	// re-enters a transmit in progress.
	return b.ns.Attach(netdev.Deliver)
}

func (b *NetstackBackend) NetStack() *netstack.NetStack { return b.ns }

var _ NetBackend = (*NetstackBackend)(nil)
