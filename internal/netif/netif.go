// Package netif plugs a virtio-net driver into a gVisor network stack. It
// plays the part of a kernel network thread: frames the stack emits are
// queued on the transmit virtqueue and the receive virtqueue is polled
// for frames to inject.
package netif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/tinyrange/virtiopci/internal/pcap"
)

const (
	nicID               tcpip.NICID = 1
	channelDepth                    = 256
	DefaultPollInterval             = time.Millisecond
)

var DefaultAddress = netip.MustParsePrefix("10.42.0.2/24")

// Device is the driver half of a network card. *virtio.Net implements it.
type Device interface {
	MAC() net.HardwareAddr
	MTU() int
	Send(ctx context.Context, frame []byte) error
	Receive() (frame []byte, ok bool, err error)
}

// Config describes the interface address and how often to poll.
type Config struct {
	Address      netip.Prefix
	Gateway      netip.Addr
	PollInterval time.Duration
	Logger       *slog.Logger
	// Capture, when set, records every frame in both directions.
	Capture      *pcap.Writer
}

// Interface is a gVisor NIC backed by a Device.
type Interface struct {
	log  *slog.Logger
	cfg  Config
	dev  Device
	st   *stack.Stack
	ch   *channel.Endpoint
	addr tcpip.Address

	mu      sync.Mutex
	sent    uint64
	recv    uint64
	running bool
}

func addrFrom(a netip.Addr) tcpip.Address { return tcpip.AddrFrom4(a.As4()) }

// New creates the stack. Frames only move while Run is active.
func New(dev Device, cfg Config) (*Interface, error) {
	if dev == nil {
		return nil, errors.New("netif: nil device")
	}
	if !cfg.Address.IsValid() {
		cfg.Address = DefaultAddress
	}
	if !cfg.Address.Addr().Is4() {
		return nil, fmt.Errorf("netif: address %s is not IPv4", cfg.Address)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mac := dev.MAC()
	if len(mac) != 6 {
		return nil, fmt.Errorf("netif: device MAC %s is not 6 bytes", mac)
	}

	i := &Interface{
		log:  cfg.Logger,
		cfg:  cfg,
		dev:  dev,
		addr: addrFrom(cfg.Address.Addr()),
	}
	i.ch = channel.New(channelDepth, uint32(dev.MTU())+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	i.st = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := i.st.CreateNIC(nicID, ethernet.New(i.ch)); err != nil {
		i.st.Close()
		return nil, fmt.Errorf("netif: create NIC: %s", err)
	}
	prefix := tcpip.AddressWithPrefix{Address: i.addr, PrefixLen: cfg.Address.Bits()}
	if err := i.st.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: prefix,
	}, stack.AddressProperties{}); err != nil {
		i.st.Close()
		return nil, fmt.Errorf("netif: add address %s: %s", cfg.Address, err)
	}
	routes := []tcpip.Route{{Destination: prefix.Subnet(), NIC: nicID}}
	if cfg.Gateway.IsValid() {
		routes = append(routes, tcpip.Route{
			Destination: header.IPv4EmptySubnet,
			Gateway:     addrFrom(cfg.Gateway),
			NIC:         nicID,
		})
	}
	i.st.SetRouteTable(routes)
	return i, nil
}

// Stack exposes the gVisor stack.
func (i *Interface) Stack() *stack.Stack { return i.st }

// Address is the interface's IPv4 address.
func (i *Interface) Address() netip.Addr { return i.cfg.Address.Addr() }

// Stats returns the number of frames sent and received.
func (i *Interface) Stats() (sent, received uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sent, i.recv
}

// Run moves frames until ctx is cancelled or the device fails.
func (i *Interface) Run(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return errors.New("netif: already running")
	}
	i.running = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.transmit(ctx) })
	g.Go(func() error { return i.receive(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (i *Interface) transmit(ctx context.Context) error {
	for {
		pkt := i.ch.ReadContext(ctx)
		if pkt == nil {
			return ctx.Err()
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		i.capture(frame)
		if err := i.dev.Send(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("netif: send %d byte frame: %w", len(frame), err)
		}
		i.mu.Lock()
		i.sent++
		i.mu.Unlock()
	}
}

func (i *Interface) receive(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			frame, ok, err := i.dev.Receive()
			if err != nil {
				return fmt.Errorf("netif: receive: %w", err)
			}
			if !ok {
				break
			}
			i.inject(frame)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (i *Interface) inject(frame []byte) {
	if len(frame) < header.EthernetMinimumSize {
		i.log.Debug("netif: dropping runt frame", "len", len(frame))
		return
	}
	i.capture(frame)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	i.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	i.mu.Lock()
	i.recv++
	i.mu.Unlock()
}

func (i *Interface) capture(frame []byte) {
	if i.cfg.Capture == nil {
		return
	}
	if err := i.cfg.Capture.WriteFrame(frame); err != nil && !errors.Is(err, pcap.ErrClosed) {
		i.log.Warn("netif: capture failed, disabling", "err", err)
		i.cfg.Capture.Close()
	}
}

// DialUDP opens a UDP socket bound to the interface address.
func (i *Interface) DialUDP(raddr netip.AddrPort) (*gonet.UDPConn, error) {
	return gonet.DialUDP(i.st, &tcpip.FullAddress{NIC: nicID, Addr: i.addr}, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFrom(raddr.Addr()),
		Port: raddr.Port(),
	}, ipv4.ProtocolNumber)
}

// DialTCP connects to raddr through the interface.
func (i *Interface) DialTCP(ctx context.Context, raddr netip.AddrPort) (*gonet.TCPConn, error) {
	return gonet.DialContextTCP(ctx, i.st, tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFrom(raddr.Addr()),
		Port: raddr.Port(),
	}, ipv4.ProtocolNumber)
}

// Close releases the stack. Run must have returned.
func (i *Interface) Close() error {
	i.ch.Close()
	i.st.Close()
	i.st.Wait()
	return nil
}
