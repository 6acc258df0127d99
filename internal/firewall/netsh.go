package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rennerdo30/tunnelguard/internal/util"
)

const netshRulePrefix = "TunnelGuard"

// Netsh drives Windows Defender Firewall through netsh advfirewall. The
// default policy is switched to block in both directions and each policy
// is a generation of named allow rules. A new generation is added before
// the previous one is deleted, so the rule set only ever grows toward the
// union of both allow lists for the duration of the swap and is never
// empty. The profile state and default policy found by the first Apply are
// put back by Reset.
type Netsh struct {
	rules      ruleBuilder
	runner     Runner
	log        *slog.Logger
	privileged func() error

	mu         sync.Mutex
	generation int
	installed  []string
	prior      []netshProfile
}

// netshProfile is the state and default policy of one firewall profile.
type netshProfile struct {
	name   string
	state  string
	policy string
}

// netshDefaultProfile is restored when the profiles could not be read,
// e.g. because netsh prints localized output.
var netshDefaultProfile = netshProfile{name: "allprofiles", state: "on", policy: "blockinbound,allowoutbound"}

func newNetsh(rb ruleBuilder, r Runner, log *slog.Logger) *Netsh {
	return &Netsh{rules: rb, runner: r, log: log, privileged: checkPrivilege}
}

func (n *Netsh) Name() string { return "netsh" }

func (n *Netsh) netsh(ctx context.Context, args ...string) error {
	_, err := n.runner.Run(ctx, nil, "netsh", append([]string{"advfirewall"}, args...)...)
	return err
}

func (n *Netsh) Apply(ctx context.Context, p Policy) error {
	fail := func(op string, err error) error {
		return &PolicyError{Backend: n.Name(), Policy: p.Kind, Op: op, Err: err}
	}
	if err := p.Validate(); err != nil {
		return fail("validate", err)
	}
	if err := n.privileged(); err != nil {
		return fail("apply", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.prior == nil {
		out, err := n.runner.Run(ctx, nil, "netsh", "advfirewall", "show", "allprofiles")
		if err != nil {
			return fail("read profiles", err)
		}
		n.prior = parseNetshProfiles(string(out))
		if len(n.prior) == 0 {
			n.log.Warn("could not parse firewall profiles, reset restores defaults")
			n.prior = []netshProfile{netshDefaultProfile}
		}
	}
	if err := n.netsh(ctx, "set", "allprofiles", "state", "on"); err != nil {
		return fail("enable", err)
	}
	if err := n.netsh(ctx, "set", "allprofiles", "firewallpolicy", "blockinbound,blockoutbound"); err != nil {
		return fail("set default policy", err)
	}

	gen := n.generation + 1
	var added []string
	for i, r := range n.rules.Build(p) {
		name := fmt.Sprintf("%s-%d-%d-%s", netshRulePrefix, gen, i, r.Comment)
		args, ok := netshRuleArgs(name, r, p)
		if !ok {
			continue
		}
		if err := n.netsh(ctx, args...); err != nil {
			// Keep the old generation and drop the partial new one.
			n.deleteRules(ctx, added)
			return fail("add rule "+name, err)
		}
		added = append(added, name)
	}

	n.deleteRules(ctx, n.installed)
	n.generation = gen
	n.installed = added
	n.log.Debug("netsh policy applied", "policy", p.String(), "generation", gen, "rules", len(added))
	return nil
}

func (n *Netsh) deleteRules(ctx context.Context, names []string) error {
	var errs util.MultiError
	for _, name := range names {
		errs.Add(n.netsh(ctx, "firewall", "delete", "rule", "name="+name))
	}
	return errs.Err()
}

func (n *Netsh) Reset(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.prior == nil {
		return nil
	}

	var errs util.MultiError
	errs.Add(n.deleteRules(ctx, n.installed))
	for _, p := range n.prior {
		errs.Add(n.netsh(ctx, "set", p.name, "firewallpolicy", p.policy))
		errs.Add(n.netsh(ctx, "set", p.name, "state", p.state))
	}
	if err := errs.Err(); err != nil {
		return &PolicyError{Backend: n.Name(), Op: "reset", Err: err}
	}
	n.installed = nil
	n.generation = 0
	n.prior = nil
	return nil
}

// parseNetshProfiles reads the output of "netsh advfirewall show
// allprofiles". Profiles missing a state or policy are dropped.
func parseNetshProfiles(out string) []netshProfile {
	var profiles []netshProfile
	var cur *netshProfile
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutSuffix(line, " Profile Settings:"); ok {
			profiles = append(profiles, netshProfile{name: strings.ToLower(name) + "profile"})
			cur = &profiles[len(profiles)-1]
			continue
		}
		if cur == nil {
			continue
		}
		fields := strings.Fields(line)
		switch {
		case len(fields) == 2 && fields[0] == "State":
			cur.state = strings.ToLower(fields[1])
		case len(fields) == 3 && fields[0] == "Firewall" && fields[1] == "Policy":
			cur.policy = strings.ToLower(fields[2])
		}
	}
	return slices.DeleteFunc(profiles, func(p netshProfile) bool {
		return p.state == "" || p.policy == ""
	})
}

// netshRuleArgs renders one rule. netsh cannot match on an interface
// name, so loopback and tunnel rules match on addresses instead. A tunnel
// rule without known addresses is skipped.
func netshRuleArgs(name string, r Rule, p Policy) ([]string, bool) {
	args := []string{"firewall", "add", "rule", "name=" + name, "dir=" + string(r.Direction), "action=allow"}

	switch {
	case r.Loopback:
		args = append(args, "remoteip=127.0.0.0/8,::1")
	case r.Interface != "":
		if len(p.TunnelAddrs) == 0 {
			return nil, false
		}
		locals := make([]string, len(p.TunnelAddrs))
		for i, a := range p.TunnelAddrs {
			locals[i] = a.String()
		}
		args = append(args, "localip="+strings.Join(locals, ","))
	}
	if r.Remote.IsValid() {
		args = append(args, "remoteip="+r.Remote.String())
	}
	if r.Protocol != "" {
		args = append(args, "protocol="+string(r.Protocol))
		if r.RemotePort != 0 {
			args = append(args, "remoteport="+strconv.Itoa(int(r.RemotePort)))
		}
		if r.LocalPort != 0 {
			args = append(args, "localport="+strconv.Itoa(int(r.LocalPort)))
		}
	}
	return args, true
}
