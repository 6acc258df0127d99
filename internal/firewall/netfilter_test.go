package firewall

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNetfilter(r *recorder) *Netfilter {
	n := newNetfilter(ruleBuilder{lan: DefaultLANRanges}, r, quietLog)
	n.privileged = allowPrivilege
	return n
}

func TestRenderNetfilterBlocked(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	payload := renderNetfilter(rb.Build(Blocked(false)), FamilyV4)

	lines := strings.Split(strings.TrimSpace(payload), "\n")
	assert.Equal(t, "*filter", lines[0])
	assert.Equal(t, ":TUNNELGUARD-IN - [0:0]", lines[1])
	assert.Equal(t, ":TUNNELGUARD-OUT - [0:0]", lines[2])
	assert.Equal(t, "COMMIT", lines[len(lines)-1])
	assert.Equal(t, "-A TUNNELGUARD-OUT -j REJECT", lines[len(lines)-2])
	assert.Equal(t, "-A TUNNELGUARD-IN -j DROP", lines[len(lines)-3])
	assert.Contains(t, payload, `-A TUNNELGUARD-OUT -o lo -m comment --comment "tunnelguard loopback" -j ACCEPT`)
	assert.Contains(t, payload, "-p udp --dport 67 --sport 68")
	assert.NotContains(t, payload, "dhcpv6")
}

func TestRenderNetfilterResolvers(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	resolvers := []netip.AddrPort{netip.MustParseAddrPort("9.9.9.9:53")}

	blocked := Blocked(false)
	blocked.Resolvers = resolvers
	assert.NotContains(t, renderNetfilter(rb.Build(blocked), FamilyV4), "9.9.9.9")

	resolving := renderNetfilter(rb.Build(Resolving(false, resolvers)), FamilyV4)
	assert.Contains(t, resolving, "-A TUNNELGUARD-OUT -d 9.9.9.9/32 -p udp --dport 53")
	assert.Contains(t, resolving, "-A TUNNELGUARD-OUT -d 9.9.9.9/32 -p tcp --dport 53")
}

func TestRenderNetfilterConnected(t *testing.T) {
	rb := ruleBuilder{lan: DefaultLANRanges}
	rules := rb.Build(ConnectedThrough(testMetadata, true))

	v4 := renderNetfilter(rules, FamilyV4)
	assert.Contains(t, v4, "-A TUNNELGUARD-OUT -d 185.65.134.1/32 -p udp --dport 1194")
	assert.Contains(t, v4, "-A TUNNELGUARD-IN -s 185.65.134.1/32 -p udp --sport 1194")
	assert.Contains(t, v4, "-A TUNNELGUARD-OUT -o tun0")
	assert.Contains(t, v4, "-A TUNNELGUARD-IN -i tun0")
	assert.Contains(t, v4, "-d 192.168.0.0/16")
	assert.NotContains(t, v4, "fe80::/10")

	v6 := renderNetfilter(rules, FamilyV6)
	assert.NotContains(t, v6, "185.65.134.1")
	assert.Contains(t, v6, "-d fe80::/10")
	assert.Contains(t, v6, "-o tun0")
}

func TestNetfilterApply(t *testing.T) {
	r := &recorder{failOn: map[string]error{"-C": errors.New("no such rule")}}
	n := newTestNetfilter(r)

	require.NoError(t, n.Apply(context.Background(), Blocked(false)))

	cmds := r.commands()
	assert.Equal(t, []string{
		"iptables-restore --noflush --wait",
		"iptables --wait -C INPUT -j TUNNELGUARD-IN",
		"iptables --wait -I INPUT 1 -j TUNNELGUARD-IN",
		"iptables --wait -C OUTPUT -j TUNNELGUARD-OUT",
		"iptables --wait -I OUTPUT 1 -j TUNNELGUARD-OUT",
		"ip6tables-restore --noflush --wait",
		"ip6tables --wait -C INPUT -j TUNNELGUARD-IN",
		"ip6tables --wait -I INPUT 1 -j TUNNELGUARD-IN",
		"ip6tables --wait -C OUTPUT -j TUNNELGUARD-OUT",
		"ip6tables --wait -I OUTPUT 1 -j TUNNELGUARD-OUT",
	}, cmds)
}

func TestNetfilterApplyIsIdempotent(t *testing.T) {
	r := &recorder{}
	n := newTestNetfilter(r)
	p := ConnectingTo(testEndpoint, false, nil)

	require.NoError(t, n.Apply(context.Background(), p))
	require.NoError(t, n.Apply(context.Background(), p))

	var payloads []string
	for _, c := range r.calls {
		if c.name == "iptables-restore" {
			payloads = append(payloads, c.stdin)
		}
		// Hooks already exist, so nothing is inserted.
		assert.NotContains(t, c.args, "-I")
	}
	require.Len(t, payloads, 2)
	assert.Equal(t, payloads[0], payloads[1])
}

func TestNetfilterApplyFailure(t *testing.T) {
	r := &recorder{failOn: map[string]error{"ip6tables-restore": errors.New("permission denied")}}
	n := newTestNetfilter(r)

	err := n.Apply(context.Background(), Blocked(false))
	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "netfilter", perr.Backend)
	assert.Equal(t, PolicyBlocked, perr.Policy)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestNetfilterRequiresPrivilege(t *testing.T) {
	r := &recorder{}
	n := newTestNetfilter(r)
	n.privileged = func() error { return ErrInsufficientPrivilege }

	err := n.Apply(context.Background(), Blocked(false))
	assert.ErrorIs(t, err, ErrInsufficientPrivilege)
	assert.Empty(t, r.calls)
}

func TestNetfilterRejectsInvalidPolicy(t *testing.T) {
	r := &recorder{}
	n := newTestNetfilter(r)
	assert.Error(t, n.Apply(context.Background(), Policy{Kind: PolicyConnected}))
	assert.Empty(t, r.calls)
}

func TestNetfilterReset(t *testing.T) {
	r := &recorder{}
	n := newTestNetfilter(r)

	// Nothing applied yet.
	require.NoError(t, n.Reset(context.Background()))
	assert.Empty(t, r.calls)

	require.NoError(t, n.Apply(context.Background(), Blocked(false)))
	r.calls = nil
	r.failOn = map[string]error{"-D": errors.New("rule missing")}

	require.NoError(t, n.Reset(context.Background()))
	cmds := r.commands()
	assert.Contains(t, cmds, "iptables --wait -F TUNNELGUARD-OUT")
	assert.Contains(t, cmds, "iptables --wait -X TUNNELGUARD-OUT")
	assert.Contains(t, cmds, "ip6tables --wait -X TUNNELGUARD-IN")

	r.calls = nil
	require.NoError(t, n.Reset(context.Background()))
	assert.Empty(t, r.calls)
}

func TestNetfilterResetCollectsErrors(t *testing.T) {
	r := &recorder{}
	n := newTestNetfilter(r)
	require.NoError(t, n.Apply(context.Background(), Blocked(false)))

	r.failOn = map[string]error{"-D": errors.New("gone"), "-F": errors.New("busy")}
	err := n.Reset(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4 errors occurred")
}
