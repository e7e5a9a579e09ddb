package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const dnsPort = 53

type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup func(name string) (string, error)
}

func newDNSServer(logger *slog.Logger, lookup func(name string) (string, error), packetConn net.PacketConn) *dnsServer {
	srv := &dnsServer{
		log:    logger,
		lookup: lookup,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func dnsName(name string) string {
	return dns.Fqdn(strings.ToLower(name))
}

// AddHost maps name to an IPv4 address for the DNS responder.
func (ns *NetStack) AddHost(name string, addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("dns: %s is not an IPv4 address", addr)
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.hosts[dnsName(name)] = addr.String()
	return nil
}

func (ns *NetStack) lookupHost(name string) (string, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.hosts[dnsName(name)], nil
}

// StartDNSServer answers A queries on port 53 of the host address.
func (ns *NetStack) StartDNSServer() error {
	ns.mu.Lock()
	running := ns.dnsServer != nil
	ns.mu.Unlock()
	if running {
		return nil
	}
	conn, err := ns.ListenUDP(dnsPort)
	if err != nil {
		return fmt.Errorf("dns: listen: %w", err)
	}
	srv := newDNSServer(ns.log, ns.lookupHost, conn)
	ns.mu.Lock()
	ns.dnsServer = srv
	ns.mu.Unlock()
	srv.start()
	return nil
}

func (ns *NetStack) StopDNSServer() {
	ns.mu.Lock()
	srv := ns.dnsServer
	ns.dnsServer = nil
	ns.mu.Unlock()
	if srv == nil {
		return
	}
	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = srv.server.ShutdownContext(ctx)
		if srv.server.PacketConn != nil {
			_ = srv.server.PacketConn.Close()
		}
	}
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, err := s.lookup(q.Name)
		if err != nil {
			s.log.Debug("dns: lookup failed", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeServerFailure)
			continue
		}
		if ip == "" {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
		if err != nil {
			s.log.Debug("dns: create rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}
