package netif

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAnswer = errors.New("netif: no A record")

// LookupA resolves name through the DNS server at server using the
// interface. Retransmits every second until ctx expires.
func (i *Interface) LookupA(ctx context.Context, server netip.AddrPort, name string) ([]netip.Addr, error) {
	conn, err := i.DialUDP(server)
	if err != nil {
		return nil, fmt.Errorf("netif: dial dns: %w", err)
	}
	defer conn.Close()

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	dc := &dns.Conn{Conn: conn}

	for {
		if err := dc.WriteMsg(q); err != nil {
			return nil, fmt.Errorf("netif: send query: %w", err)
		}
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)
		r, err := dc.ReadMsg()
		if err == nil {
			if r.Id != q.Id {
				continue
			}
			return answers(r)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func answers(r *dns.Msg) ([]netip.Addr, error) {
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("netif: dns: %s", dns.RcodeToString[r.Rcode])
	}
	var out []netip.Addr
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				out = append(out, addr)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAnswer
	}
	return out, nil
}
