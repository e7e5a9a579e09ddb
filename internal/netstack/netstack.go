// Package netstack is the host end of the simulated virtio-net link: a
// gVisor stack that answers ARP, ICMP and DNS for whatever sits on the
// other side of the wire.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/link/sniffer"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	nicID          tcpip.NICID = 1
	defaultMTU                 = 1500
	channelDepth               = 1024
	captureSnapLen             = 65535
)

var (
	DefaultMAC     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DefaultAddress = netip.MustParsePrefix("10.42.0.1/24")

	ErrClosed     = errors.New("netstack: closed")
	ErrNotAttached = errors.New("netstack: no guest attached")
)

// Config describes the host end of the link.
type Config struct {
	MAC     net.HardwareAddr
	Address netip.Prefix
	MTU     uint32
	// Hosts seeds the DNS responder with name to IPv4 mappings.
	Hosts map[string]string
	// Capture, if set, receives a pcap stream of every packet.
	Capture io.Writer
}

func (c *Config) normalize() error {
	if c.MAC == nil {
		c.MAC = DefaultMAC
	}
	if len(c.MAC) != 6 {
		return fmt.Errorf("netstack: MAC must be 6 bytes, got %d", len(c.MAC))
	}
	if !c.Address.IsValid() {
		c.Address = DefaultAddress
	}
	if !c.Address.Addr().Is4() {
		return fmt.Errorf("netstack: address %s is not IPv4", c.Address)
	}
	if c.MTU == 0 {
		c.MTU = defaultMTU
	}
	return nil
}

// NetStack owns a gVisor stack with a single Ethernet NIC whose wire is
// exposed as raw frames.
type NetStack struct {
	log   *slog.Logger
	cfg   Config
	stack *stack.Stack
	ch    *channel.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	guest     func(frame []byte) error
	hosts     map[string]string
	dnsServer *dnsServer
	closed    bool
}

// New builds the host stack. Nothing reaches the wire until Attach.
func New(l *slog.Logger, cfg Config) (*NetStack, error) {
	if l == nil {
		l = slog.Default()
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	ns := &NetStack{
		log:   l,
		cfg:   cfg,
		hosts: make(map[string]string),
	}
	for name, ip := range cfg.Hosts {
		ns.hosts[dnsName(name)] = ip
	}

	// The channel MTU is the L2 MTU; ethernet.Endpoint subtracts its header.
	ns.ch = channel.New(channelDepth, cfg.MTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.MAC)))
	var ep stack.LinkEndpoint = ethernet.New(ns.ch)
	if cfg.Capture != nil {
		wrapped, err := sniffer.NewWithWriter(ep, cfg.Capture, captureSnapLen)
		if err != nil {
			return nil, fmt.Errorf("netstack: open packet capture: %w", err)
		}
		ep = wrapped
	}

	ns.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := ns.stack.CreateNIC(nicID, ep); err != nil {
		ns.stack.Close()
		return nil, fmt.Errorf("netstack: create NIC: %s", err)
	}
	addr := tcpip.AddressWithPrefix{
		Address:   tcpip.AddrFrom4(cfg.Address.Addr().As4()),
		PrefixLen: cfg.Address.Bits(),
	}
	if err := ns.stack.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: addr,
	}, stack.AddressProperties{}); err != nil {
		ns.stack.Close()
		return nil, fmt.Errorf("netstack: add address %s: %s", cfg.Address, err)
	}
	ns.stack.SetRouteTable([]tcpip.Route{{Destination: addr.Subnet(), NIC: nicID}})

	ns.ctx, ns.cancel = context.WithCancel(context.Background())
	return ns, nil
}

// Address is the host's IPv4 address on the link.
func (ns *NetStack) Address() netip.Addr { return ns.cfg.Address.Addr() }

// MAC is the host's hardware address on the link.
func (ns *NetStack) MAC() net.HardwareAddr { return ns.cfg.MAC }

// Stack exposes the gVisor stack for tests and tools.
func (ns *NetStack) Stack() *stack.Stack { return ns.stack }

// Attach connects the far end of the wire. deliver is called from a
// single goroutine for every frame the host sends; it must not block for
// long.
func (ns *NetStack) Attach(deliver func(frame []byte) error) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return ErrClosed
	}
	if ns.guest != nil {
		return fmt.Errorf("netstack: guest already attached")
	}
	ns.guest = deliver
	ns.wg.Add(1)
	go ns.pump()
	return nil
}

func (ns *NetStack) pump() {
	defer ns.wg.Done()
	for {
		pkt := ns.ch.ReadContext(ns.ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		ns.mu.Lock()
		deliver := ns.guest
		ns.mu.Unlock()
		if err := deliver(frame); err != nil {
			ns.log.Debug("netstack: guest dropped frame", "len", len(frame), "err", err)
		}
	}
}

// DeliverGuestFrame hands a frame from the wire to the host stack.
func (ns *NetStack) DeliverGuestFrame(frame []byte) error {
	ns.mu.Lock()
	closed := ns.closed
	ns.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Errorf("netstack: runt frame of %d bytes", len(frame))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// ethernet.Endpoint parses the protocol from the frame itself.
	ns.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// ListenUDP opens a UDP socket on the host address.
func (ns *NetStack) ListenUDP(port uint16) (*gonet.UDPConn, error) {
	return gonet.DialUDP(ns.stack, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFrom4(ns.cfg.Address.Addr().As4()),
		Port: port,
	}, nil, ipv4.ProtocolNumber)
}

// Close stops the pump and tears the stack down.
func (ns *NetStack) Close() error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	ns.mu.Unlock()

	ns.StopDNSServer()
	ns.cancel()
	ns.ch.Close()
	ns.wg.Wait()
	ns.stack.Close()
	ns.stack.Wait()
	return nil
}
