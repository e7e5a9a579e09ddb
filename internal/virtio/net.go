package virtio

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
)

// Network device feature bits.
const (
	NetFeatureMTU    Features = 1 << 3
	NetFeatureMAC    Features = 1 << 5
	NetFeatureStatus Features = 1 << 16
)

const (
	netCfgMAC    = 0x00
	netCfgStatus = 0x06
	netCfgMTU    = 0x0a

	netStatusLinkUp = 1

	// NetHeaderLen is the size of struct virtio_net_hdr with VERSION_1.
	NetHeaderLen = 12

	netRXQueue = 0
	netTXQueue = 1

	// DefaultMTU applies when the device does not report one.
	DefaultMTU = 1500

	netFrameOverhead = 14 + 4
)

// Net drives a virtio network device with one receive and one transmit
// queue. Receive buffers are posted up front and reposted as frames are
// consumed.
type Net struct {
	dev      *Device
	features Features
	rx, tx   *Queue
	mac      net.HardwareAddr
	mtu      int

	rxMu   sync.Mutex
	rxBufs map[uint16][]byte
}

// NewNet is the DriverFactory for network devices.
func NewNet(ctx context.Context, dev *Device) (Driver, error) {
	supported := FeatureVersion1 | NetFeatureMAC | NetFeatureStatus | NetFeatureMTU
	features, queues, err := start(ctx, dev, supported, netRXQueue, netTXQueue)
	if err != nil {
		return nil, err
	}
	n := &Net{
		dev:      dev,
		features: features,
		rx:       queues[0],
		tx:       queues[1],
		mtu:      DefaultMTU,
		rxBufs:   make(map[uint16][]byte),
	}
	fail := func(err error) (Driver, error) {
		stop(ctx, dev, queues)
		return nil, err
	}
	if err := n.readConfig(); err != nil {
		return fail(err)
	}

	// Fill the receive queue before DRIVER_OK; the device is told once it
	// is live.
	for n.rx.NumFree() > 0 {
		if err := n.postRX(); err != nil {
			return fail(err)
		}
	}
	if err := dev.Transport.DriverOK(); err != nil {
		stop(ctx, dev, queues)
		return nil, err
	}
	n.rx.Kick()
	dev.Logger.Info("virtio-net: ready", "mac", n.mac, "mtu", n.mtu, "rxBuffers", n.rx.Size())
	return n, nil
}

func (n *Net) readConfig() error {
	t := n.dev.Transport
	mac := make(net.HardwareAddr, 6)
	mtu := DefaultMTU
	err := ReadConsistent(t, func() error {
		if n.features.Has(NetFeatureMAC) {
			for i := range mac {
				b, err := ReadConfig[uint8](t, netCfgMAC+uint64(i))
				if err != nil {
					return err
				}
				mac[i] = b
			}
		}
		if n.features.Has(NetFeatureMTU) {
			v, err := ReadConfig[uint16](t, netCfgMTU)
			if err != nil {
				return err
			}
			mtu = int(v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("virtio-net: read config: %w", err)
	}
	if !n.features.Has(NetFeatureMAC) {
		if _, err := rand.Read(mac); err != nil {
			return err
		}
		// Locally administered unicast.
		mac[0] = mac[0]&^1 | 2
	}
	n.mac = mac
	n.mtu = mtu
	return nil
}

func (n *Net) postRX() error {
	buf := make([]byte, NetHeaderLen+n.mtu+netFrameOverhead)
	n.rxMu.Lock()
	defer n.rxMu.Unlock()
	head, err := n.rx.Add(nil, [][]byte{buf})
	if err != nil {
		return err
	}
	n.rxBufs[head] = buf
	return nil
}

func (n *Net) MAC() net.HardwareAddr { return n.mac }
func (n *Net) MTU() int              { return n.mtu }
func (n *Net) Features() Features    { return n.features }

// LinkUp reports the link state; devices without STATUS are always up.
func (n *Net) LinkUp() bool {
	if !n.features.Has(NetFeatureStatus) {
		return true
	}
	s, err := ReadConfig[uint16](n.dev.Transport, netCfgStatus)
	return err == nil && s&netStatusLinkUp != 0
}

// Send transmits one Ethernet frame and waits for the device to take it.
func (n *Net) Send(ctx context.Context, frame []byte) error {
	if len(frame) > n.mtu+netFrameOverhead {
		return fmt.Errorf("virtio-net: frame of %d bytes exceeds MTU %d", len(frame), n.mtu)
	}
	hdr := make([]byte, NetHeaderLen)
	_, err := n.tx.Submit(ctx, n.dev.Poll, [][]byte{hdr, frame}, nil)
	return err
}

// Receive returns the next received frame without blocking. ok is false
// when nothing has arrived.
func (n *Net) Receive() (frame []byte, ok bool, err error) {
	n.rxMu.Lock()
	head, length, ok := n.rx.PopUsed()
	if !ok {
		n.rxMu.Unlock()
		return nil, false, nil
	}
	buf := n.rxBufs[head]
	delete(n.rxBufs, head)
	n.rxMu.Unlock()

	if err := n.postRX(); err != nil {
		return nil, false, err
	}
	n.rx.Kick()

	if int(length) < NetHeaderLen || int(length) > len(buf) {
		return nil, false, fmt.Errorf("virtio-net: %w: %d byte buffer", ErrShortResponse, length)
	}
	return buf[NetHeaderLen:length], true, nil
}

// Pending reports whether a received frame is waiting.
func (n *Net) Pending() bool { return n.rx.Pending() }

func (n *Net) HandleInterrupt() ISRStatus {
	isr := n.dev.Transport.AckInterrupt()
	if isr.Config() && n.features.Has(NetFeatureStatus) {
		n.dev.Logger.Info("virtio-net: link change", "up", n.LinkUp())
	}
	return isr
}

func (n *Net) Close() error {
	return stop(context.Background(), n.dev, []*Queue{n.rx, n.tx})
}
