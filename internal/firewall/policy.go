package firewall

import (
	"fmt"
	"net/netip"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// PolicyKind names a security policy variant.
type PolicyKind string

const (
	PolicyBlocked    PolicyKind = "blocked"
	PolicyResolving  PolicyKind = "resolving"
	PolicyConnecting PolicyKind = "connecting"
	PolicyConnected  PolicyKind = "connected"
)

// Policy is the desired firewall state. Every variant denies by default.
type Policy struct {
	Kind PolicyKind

	// Relay the tunnel process talks to. Connecting and Connected only.
	Endpoint tunnel.Endpoint
	// Tunnel interface name and its addresses. Connected only.
	TunnelInterface string
	TunnelAddrs     []netip.Addr

	AllowLAN bool
	// Resolvers that may be queried to resolve a relay hostname. Resolving
	// and Connecting only.
	Resolvers []netip.AddrPort
}

// Blocked denies everything except loopback and DHCP, plus LAN when
// allowLAN is set.
func Blocked(allowLAN bool) Policy {
	return Policy{Kind: PolicyBlocked, AllowLAN: allowLAN}
}

// Resolving is Blocked plus the bootstrap resolvers. It is in force while
// a connection attempt picks its relay.
func Resolving(allowLAN bool, resolvers []netip.AddrPort) Policy {
	return Policy{Kind: PolicyResolving, AllowLAN: allowLAN, Resolvers: resolvers}
}

// ConnectingTo additionally allows traffic with the relay endpoint.
func ConnectingTo(ep tunnel.Endpoint, allowLAN bool, resolvers []netip.AddrPort) Policy {
	return Policy{Kind: PolicyConnecting, Endpoint: ep, AllowLAN: allowLAN, Resolvers: resolvers}
}

// ConnectedThrough allows the relay endpoint and all traffic on the tunnel
// interface.
func ConnectedThrough(md tunnel.Metadata, allowLAN bool) Policy {
	p := Policy{
		Kind:            PolicyConnected,
		Endpoint:        md.Endpoint,
		TunnelInterface: md.Interface,
		AllowLAN:        allowLAN,
	}
	for _, a := range []netip.Addr{md.IPv4, md.IPv6} {
		if a.IsValid() {
			p.TunnelAddrs = append(p.TunnelAddrs, a)
		}
	}
	return p
}

// Validate rejects policies that would render to malformed rules.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyBlocked, PolicyResolving:
		return nil
	case PolicyConnecting, PolicyConnected:
		if !p.Endpoint.Address.IsValid() || p.Endpoint.Address.Port() == 0 {
			return fmt.Errorf("%s policy: invalid relay endpoint %q", p.Kind, p.Endpoint.Address)
		}
		if _, err := tunnel.ParseTransportProtocol(string(p.Endpoint.Protocol)); err != nil {
			return fmt.Errorf("%s policy: %w", p.Kind, err)
		}
		if p.Kind == PolicyConnected && p.TunnelInterface == "" {
			return fmt.Errorf("connected policy: missing tunnel interface")
		}
		return nil
	}
	return fmt.Errorf("unknown policy %q", p.Kind)
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyResolving:
		return fmt.Sprintf("resolving via %d resolvers (allow_lan=%t)", len(p.Resolvers), p.AllowLAN)
	case PolicyConnecting:
		return fmt.Sprintf("connecting to %s (allow_lan=%t)", p.Endpoint, p.AllowLAN)
	case PolicyConnected:
		return fmt.Sprintf("connected to %s via %s (allow_lan=%t)", p.Endpoint, p.TunnelInterface, p.AllowLAN)
	}
	return fmt.Sprintf("blocked (allow_lan=%t)", p.AllowLAN)
}
