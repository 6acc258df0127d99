package firewall

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

func countComment(rules []Rule, comment string) int {
	n := 0
	for _, r := range rules {
		if r.Comment == comment {
			n++
		}
	}
	return n
}

func TestBuildBlocked(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	rules := rb.Build(Blocked(false))

	assert.Equal(t, 2, countComment(rules, "loopback"))
	assert.Zero(t, countComment(rules, "relay"))
	assert.Zero(t, countComment(rules, "tunnel"))
	assert.Zero(t, countComment(rules, "lan"))
	assert.Zero(t, countComment(rules, "resolver"))
}

func TestBuildBlockedWithLAN(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	rules := rb.Build(Blocked(true))

	assert.Equal(t, 2*len(DefaultLANRanges), countComment(rules, "lan"))
	assert.Zero(t, countComment(rules, "resolver"))
}

func TestBuildBlockedIgnoresResolvers(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	p := Blocked(false)
	p.Resolvers = []netip.AddrPort{netip.MustParseAddrPort("9.9.9.9:53")}

	for _, r := range rb.Build(p) {
		assert.NotEqual(t, "resolver", r.Comment)
		assert.False(t, r.Remote.IsValid(), "blocked policy allows no remote peer: %+v", r)
	}
}

func TestBuildResolving(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	resolver := netip.MustParseAddrPort("9.9.9.9:53")
	rules := rb.Build(Resolving(false, []netip.AddrPort{resolver}))

	// udp and tcp, both directions
	assert.Equal(t, 4, countComment(rules, "resolver"))
	assert.Zero(t, countComment(rules, "relay"))
	for _, r := range rules {
		if r.Comment == "resolver" {
			assert.Equal(t, netip.MustParsePrefix("9.9.9.9/32"), r.Remote)
			assert.Equal(t, uint16(53), r.RemotePort)
		}
	}
}

func TestBuildConnectingKeepsResolvers(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	rules := rb.Build(ConnectingTo(testEndpoint, false, []netip.AddrPort{netip.MustParseAddrPort("9.9.9.9:53")}))
	assert.Equal(t, 4, countComment(rules, "resolver"))
	assert.Equal(t, 2, countComment(rules, "relay"))
}

func TestBuildConnecting(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	rules := rb.Build(ConnectingTo(testEndpoint, false, nil))

	var relay []Rule
	for _, r := range rules {
		if r.Comment == "relay" {
			relay = append(relay, r)
		}
	}
	if assert.Len(t, relay, 2) {
		for _, r := range relay {
			assert.Equal(t, netip.MustParsePrefix("185.65.134.1/32"), r.Remote)
			assert.Equal(t, uint16(1194), r.RemotePort)
			assert.Equal(t, tunnel.UDP, r.Protocol)
			assert.Equal(t, FamilyV4, r.Family)
		}
		assert.Equal(t, Out, relay[0].Direction)
		assert.Equal(t, In, relay[1].Direction)
	}
	assert.Zero(t, countComment(rules, "tunnel"))
}

func TestBuildConnectedDropsResolvers(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	p := ConnectedThrough(testMetadata, false)
	p.Resolvers = []netip.AddrPort{netip.MustParseAddrPort("9.9.9.9:53")}
	rules := rb.Build(p)

	assert.Equal(t, 2, countComment(rules, "tunnel"))
	assert.Equal(t, 2, countComment(rules, "relay"))
	assert.Zero(t, countComment(rules, "resolver"))
}

func TestBuildIsDeterministic(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	p := ConnectedThrough(testMetadata, true)
	assert.Equal(t, rb.Build(p), rb.Build(p))
}

func TestBuildIPv6Endpoint(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	ep := tunnel.Endpoint{Address: netip.MustParseAddrPort("[2a03:1b20::1]:443"), Protocol: tunnel.TCP}
	for _, r := range rb.Build(ConnectingTo(ep, false, nil)) {
		if r.Comment == "relay" {
			assert.Equal(t, FamilyV6, r.Family)
			assert.Equal(t, 128, r.Remote.Bits())
		}
	}
}
