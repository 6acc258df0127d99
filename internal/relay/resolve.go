package relay

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// ErrNoResolvers is returned when a hostname must be resolved but no
// bootstrap resolver is configured.
var ErrNoResolvers = errors.New("no bootstrap resolvers configured")

// Resolver resolves custom endpoint hostnames through the bootstrap
// resolvers. Those are the only resolvers the blocking firewall policy
// lets through.
type Resolver struct {
	servers []netip.AddrPort
	client  *dns.Client
}

func NewResolver(servers []netip.AddrPort, timeout time.Duration) *Resolver {
	return &Resolver{
		servers: servers,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
	}
}

// Endpoint resolves a custom tunnel endpoint. Failures carry
// ReasonStartTunnelError and are retried like any failed start.
func (r *Resolver) Endpoint(ctx context.Context, e settings.CustomTunnelEndpoint, ipv6 bool) (tunnel.Endpoint, error) {
	ep := tunnel.Endpoint{Protocol: e.Protocol}
	if addr, err := netip.ParseAddr(e.Host); err == nil {
		ep.Address = netip.AddrPortFrom(addr.Unmap(), e.Port)
		return ep, nil
	}
	addr, err := r.Lookup(ctx, e.Host, ipv6)
	if err != nil {
		return tunnel.Endpoint{}, tunnel.NewError(tunnel.Reason(tunnel.ReasonStartTunnelError), err)
	}
	ep.Address = netip.AddrPortFrom(addr, e.Port)
	ep.Hostname = e.Host
	return ep, nil
}

// Lookup returns the first address of host. IPv4 is preferred; AAAA is
// queried only when ipv6 is set and there is no A record.
func (r *Resolver) Lookup(ctx context.Context, host string, ipv6 bool) (netip.Addr, error) {
	if len(r.servers) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrNoResolvers)
	}
	qtypes := []uint16{dns.TypeA}
	if ipv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}
	var lastErr error
	for _, qtype := range qtypes {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs[0], nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no address records")
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, lastErr)
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server.String())
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("DNS error: %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA); ok {
					addrs = append(addrs, a)
				}
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}
