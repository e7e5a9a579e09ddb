package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

const (
	netDeviceID      = 1
	netQueueCount    = 2
	netQueueNumMax   = 256
	netQueueReceive  = 0
	netQueueTransmit = 1
	netHeaderSize    = 12
	netConfigLen     = 12
	netDefaultMTU    = 1500
	// Ethernet header, VLAN tag and FCS on top of the MTU.
	netFrameOverhead = 18

	virtioNetFeatureMTU    = uint64(1) << 3
	virtioNetFeatureMAC    = uint64(1) << 5
	virtioNetFeatureStatus = uint64(1) << 16

	virtioNetStatusLinkUp = 1

	// Frames waiting for guest RX buffers beyond this are dropped.
	netMaxPendingRxPackets = 256
)

var (
	ErrFrameTooLarge = errors.New("virtio-net: frame exceeds MTU")
	ErrRxQueueFull   = errors.New("virtio-net: receive backlog full")
)

// NetBackend receives the frames the driver transmits. HandleTx is called
// without device locks held and may deliver frames back synchronously.
type NetBackend interface {
	HandleTx(frame []byte) error
}

// NetBackendFunc adapts a function to NetBackend.
type NetBackendFunc func(frame []byte) error

func (f NetBackendFunc) HandleTx(frame []byte) error { return f(frame) }

type discardNetBackend struct{}

func (discardNetBackend) HandleTx([]byte) error { return nil }

// NetOptions configures a Net.
type NetOptions struct {
	MAC net.HardwareAddr
	// MTU is offered with VIRTIO_NET_F_MTU when non-zero.
	MTU     uint16
	Backend NetBackend
	Logger  *slog.Logger
}

// Net is the backend of a virtio network device.
type Net struct {
	log     *slog.Logger
	mac     net.HardwareAddr
	mtu     uint16
	backend NetBackend

	mu        sync.Mutex
	linkUp    bool
	features  uint64
	rx, tx    *VirtQueue
	irq       Interrupter
	pendingRx [][]byte
	dropped   uint64
}

// NewNet creates a network backend. Frames the driver sends go to
// opts.Backend; frames for the driver are passed to Deliver.
func NewNet(opts NetOptions) (*Net, error) {
	if len(opts.MAC) != 6 {
		return nil, fmt.Errorf("virtio-net: requires 6-byte MAC address, got %d", len(opts.MAC))
	}
	n := &Net{
		log:     opts.Logger,
		mac:     append(net.HardwareAddr(nil), opts.MAC...),
		mtu:     opts.MTU,
		backend: opts.Backend,
		linkUp:  true,
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	if n.backend == nil {
		n.backend = discardNetBackend{}
	}
	return n, nil
}

// SetBackend replaces the transmit sink.
func (n *Net) SetBackend(b NetBackend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b == nil {
		b = discardNetBackend{}
	}
	n.backend = b
}

func (n *Net) MAC() net.HardwareAddr { return n.mac }

func (n *Net) DeviceID() uint16 { return netDeviceID }

func (n *Net) DeviceFeatures() uint64 {
	f := virtioFeatureVersion1 | virtioNetFeatureMAC | virtioNetFeatureStatus
	if n.mtu != 0 {
		f |= virtioNetFeatureMTU
	}
	return f
}

func (n *Net) NumQueues() int             { return netQueueCount }
func (n *Net) QueueMaxSize(int) uint16    { return netQueueNumMax }
func (n *Net) ConfigLen() uint32          { return netConfigLen }
func (n *Net) WriteConfig(uint16, uint32) {}

func (n *Net) ReadConfig(offset uint16) uint32 {
	n.mu.Lock()
	linkUp := n.linkUp
	n.mu.Unlock()

	var buf [netConfigLen]byte
	copy(buf[0:6], n.mac)
	if linkUp {
		binary.LittleEndian.PutUint16(buf[6:8], virtioNetStatusLinkUp)
	}
	binary.LittleEndian.PutUint16(buf[8:10], 1) // max_virtqueue_pairs
	binary.LittleEndian.PutUint16(buf[10:12], n.mtu)
	if int(offset) >= len(buf) {
		return 0
	}
	var word [4]byte
	copy(word[:], buf[offset:])
	return binary.LittleEndian.Uint32(word[:])
}

// SetLinkUp changes the link status and signals a configuration change.
func (n *Net) SetLinkUp(up bool) {
	n.mu.Lock()
	changed := n.linkUp != up
	n.linkUp = up
	irq := n.irq
	n.mu.Unlock()
	if changed && irq != nil {
		irq.ConfigChanged()
	}
}

func (n *Net) Enable(features uint64, queues []*VirtQueue, irq Interrupter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.features = features
	n.rx = queues[netQueueReceive]
	n.tx = queues[netQueueTransmit]
	n.irq = irq
	if err := n.fillRxLocked(); err != nil {
		n.log.Warn("virtio-net: deliver pending frames", "err", err)
	}
}

func (n *Net) Disable() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rx = nil
	n.tx = nil
	n.irq = nil
	n.features = 0
	n.pendingRx = nil
}

func (n *Net) maxFrame() int {
	mtu := int(n.mtu)
	if mtu == 0 {
		mtu = netDefaultMTU
	}
	return mtu + netFrameOverhead
}

// Deliver queues a frame for the driver and fills any posted receive
// buffers. It is safe to call from any goroutine.
func (n *Net) Deliver(frame []byte) error {
	if len(frame) > n.maxFrame() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pendingRx) >= netMaxPendingRxPackets {
		n.dropped++
		n.log.Debug("virtio-net: dropping frame", "pending", len(n.pendingRx), "dropped", n.dropped)
		return ErrRxQueueFull
	}
	n.pendingRx = append(n.pendingRx, append([]byte(nil), frame...))
	return n.fillRxLocked()
}

// Dropped counts frames discarded because the driver did not post
// receive buffers fast enough.
func (n *Net) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

func (n *Net) HandleQueue(i int) error {
	switch i {
	case netQueueReceive:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.fillRxLocked()
	case netQueueTransmit:
		frames, backend, err := n.drainTx()
		for _, frame := range frames {
			if err := backend.HandleTx(frame); err != nil {
				n.log.Debug("virtio-net: backend rejected frame", "len", len(frame), "err", err)
			}
		}
		return err
	}
	return nil
}

func (n *Net) drainTx() ([][]byte, NetBackend, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tx == nil {
		return nil, n.backend, nil
	}
	var frames [][]byte
	processed, err := ProcessQueue(n.tx, func(c *Chain) (uint32, error) {
		data, err := c.ReadAll()
		if err != nil {
			return 0, err
		}
		if len(data) < netHeaderSize {
			return 0, fmt.Errorf("net tx descriptor chain shorter than header")
		}
		frames = append(frames, data[netHeaderSize:])
		return 0, nil
	})
	if ShouldRaiseInterrupt(n.tx, processed) {
		n.irq.QueueInterrupt()
	}
	return frames, n.backend, err
}

func (n *Net) fillRxLocked() error {
	if n.rx == nil || len(n.pendingRx) == 0 {
		return nil
	}
	var processed bool
	for len(n.pendingRx) > 0 {
		c, ok, err := n.rx.PopChain()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		frame := n.pendingRx[0]
		required := uint32(netHeaderSize + len(frame))
		if c.WritableLen() < required {
			return fmt.Errorf("net rx chain %d holds %d bytes, need %d", c.Head, c.WritableLen(), required)
		}
		var hdr [netHeaderSize]byte
		binary.LittleEndian.PutUint16(hdr[10:12], 1) // num_buffers
		if _, err := c.Write(0, hdr[:]); err != nil {
			return err
		}
		if _, err := c.Write(netHeaderSize, frame); err != nil {
			return err
		}
		if err := c.Complete(required); err != nil {
			return err
		}
		n.pendingRx[0] = nil
		n.pendingRx = n.pendingRx[1:]
		processed = true
	}
	if ShouldRaiseInterrupt(n.rx, processed) {
		n.irq.QueueInterrupt()
	}
	return nil
}

var _ Backend = (*Net)(nil)
