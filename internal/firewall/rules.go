package firewall

import (
	"net/netip"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// DefaultLANRanges are the private and link-local ranges allowed when LAN
// access is enabled.
var DefaultLANRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// Direction of a rule relative to the host.
type Direction string

const (
	Out Direction = "out"
	In  Direction = "in"
)

// Family restricts a rule to one IP version.
type Family int

const (
	FamilyAny Family = iota
	FamilyV4
	FamilyV6
)

// Rule is one allow rule. Backends render a rule list followed by a
// default drop.
type Rule struct {
	Direction Direction
	Family    Family
	// Loopback matches the loopback interface, Interface any other one.
	Loopback  bool
	Interface string
	// Remote is the peer address range. Invalid means any.
	Remote     netip.Prefix
	Protocol   tunnel.TransportProtocol
	RemotePort uint16
	LocalPort  uint16
	Comment    string
}

// Matches reports whether the rule applies to the given family.
func (r Rule) Matches(f Family) bool {
	return r.Family == FamilyAny || r.Family == f
}

type ruleBuilder struct {
	lan []netip.Prefix
}

// Build returns the allow rules for p in evaluation order. The output is
// a pure function of p, so applying the same policy twice yields the same
// rule set.
func (b ruleBuilder) Build(p Policy) []Rule {
	rules := []Rule{
		{Direction: Out, Loopback: true, Comment: "loopback"},
		{Direction: In, Loopback: true, Comment: "loopback"},
		// DHCP keeps the physical link configured.
		{Direction: Out, Family: FamilyV4, Protocol: tunnel.UDP, LocalPort: 68, RemotePort: 67, Comment: "dhcp"},
		{Direction: In, Family: FamilyV4, Protocol: tunnel.UDP, LocalPort: 68, RemotePort: 67, Comment: "dhcp"},
		{Direction: Out, Family: FamilyV6, Protocol: tunnel.UDP, LocalPort: 546, RemotePort: 547, Comment: "dhcpv6"},
		{Direction: In, Family: FamilyV6, Protocol: tunnel.UDP, LocalPort: 546, RemotePort: 547, Comment: "dhcpv6"},
	}

	if p.Kind == PolicyResolving || p.Kind == PolicyConnecting {
		for _, r := range p.Resolvers {
			pfx := hostPrefix(r.Addr())
			for _, proto := range []tunnel.TransportProtocol{tunnel.UDP, tunnel.TCP} {
				rules = append(rules,
					Rule{Direction: Out, Family: familyOf(pfx), Remote: pfx, Protocol: proto, RemotePort: r.Port(), Comment: "resolver"},
					Rule{Direction: In, Family: familyOf(pfx), Remote: pfx, Protocol: proto, RemotePort: r.Port(), Comment: "resolver"},
				)
			}
		}
	}

	if p.Kind == PolicyConnecting || p.Kind == PolicyConnected {
		ep := p.Endpoint
		pfx := hostPrefix(ep.Address.Addr())
		rules = append(rules,
			Rule{Direction: Out, Family: familyOf(pfx), Remote: pfx, Protocol: ep.Protocol, RemotePort: ep.Address.Port(), Comment: "relay"},
			Rule{Direction: In, Family: familyOf(pfx), Remote: pfx, Protocol: ep.Protocol, RemotePort: ep.Address.Port(), Comment: "relay"},
		)
	}

	if p.Kind == PolicyConnected {
		rules = append(rules,
			Rule{Direction: Out, Interface: p.TunnelInterface, Comment: "tunnel"},
			Rule{Direction: In, Interface: p.TunnelInterface, Comment: "tunnel"},
		)
	}

	if p.AllowLAN {
		for _, pfx := range b.lan {
			rules = append(rules,
				Rule{Direction: Out, Family: familyOf(pfx), Remote: pfx, Comment: "lan"},
				Rule{Direction: In, Family: familyOf(pfx), Remote: pfx, Comment: "lan"},
			)
		}
	}
	return rules
}

func hostPrefix(a netip.Addr) netip.Prefix {
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen())
}

func familyOf(p netip.Prefix) Family {
	if p.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}
