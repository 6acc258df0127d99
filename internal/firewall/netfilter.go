package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/rennerdo30/tunnelguard/internal/util"
)

const (
	chainIn  = "TUNNELGUARD-IN"
	chainOut = "TUNNELGUARD-OUT"
)

type netfilterFamily struct {
	family  Family
	tables  string // iptables / ip6tables
	restore string // iptables-restore / ip6tables-restore
}

var netfilterFamilies = []netfilterFamily{
	{FamilyV4, "iptables", "iptables-restore"},
	{FamilyV6, "ip6tables", "ip6tables-restore"},
}

// Netfilter drives iptables and ip6tables. Each policy is loaded into two
// dedicated chains with a single iptables-restore transaction per family,
// so the kernel swaps the chain contents in one commit.
type Netfilter struct {
	rules  ruleBuilder
	runner Runner
	log    *slog.Logger
	// privileged is checked before every mutation.
	privileged func() error

	mu      sync.Mutex
	applied bool
}

func newNetfilter(rb ruleBuilder, r Runner, log *slog.Logger) *Netfilter {
	return &Netfilter{rules: rb, runner: r, log: log, privileged: checkPrivilege}
}

func (n *Netfilter) Name() string { return "netfilter" }

func (n *Netfilter) Apply(ctx context.Context, p Policy) error {
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

	rules := n.rules.Build(p)
	for _, fam := range netfilterFamilies {
		payload := renderNetfilter(rules, fam.family)
		if _, err := n.runner.Run(ctx, []byte(payload), fam.restore, "--noflush", "--wait"); err != nil {
			return fail("load "+fam.restore, err)
		}
		// Hooks go in after the chains are populated. Until then the
		// previous hook target (or none) stays in effect.
		for _, hook := range []struct{ builtin, chain string }{{"INPUT", chainIn}, {"OUTPUT", chainOut}} {
			if _, err := n.runner.Run(ctx, nil, fam.tables, "--wait", "-C", hook.builtin, "-j", hook.chain); err == nil {
				continue
			}
			if _, err := n.runner.Run(ctx, nil, fam.tables, "--wait", "-I", hook.builtin, "1", "-j", hook.chain); err != nil {
				return fail("hook "+hook.builtin, err)
			}
		}
	}
	n.applied = true
	n.log.Debug("netfilter policy loaded", "policy", p.String(), "rules", len(rules))
	return nil
}

func (n *Netfilter) Reset(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.applied {
		return nil
	}

	var errs util.MultiError
	for _, fam := range netfilterFamilies {
		for _, hook := range []struct{ builtin, chain string }{{"INPUT", chainIn}, {"OUTPUT", chainOut}} {
			// Remove every copy of the hook in case another tool duplicated it.
			for i := 0; i < 8; i++ {
				if _, err := n.runner.Run(ctx, nil, fam.tables, "--wait", "-D", hook.builtin, "-j", hook.chain); err != nil {
					break
				}
			}
		}
		for _, chain := range []string{chainIn, chainOut} {
			if _, err := n.runner.Run(ctx, nil, fam.tables, "--wait", "-F", chain); err != nil {
				errs.Add(err)
				continue
			}
			if _, err := n.runner.Run(ctx, nil, fam.tables, "--wait", "-X", chain); err != nil {
				errs.Add(err)
			}
		}
	}
	if err := errs.Err(); err != nil {
		return &PolicyError{Backend: n.Name(), Op: "reset", Err: err}
	}
	n.applied = false
	return nil
}

// renderNetfilter produces an iptables-restore payload for one family.
// Declaring the chains flushes them inside the same transaction.
func renderNetfilter(rules []Rule, fam Family) string {
	var b strings.Builder
	b.WriteString("*filter\n")
	fmt.Fprintf(&b, ":%s - [0:0]\n", chainIn)
	fmt.Fprintf(&b, ":%s - [0:0]\n", chainOut)
	for _, r := range rules {
		if !r.Matches(fam) {
			continue
		}
		b.WriteString(netfilterRule(r))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "-A %s -j DROP\n", chainIn)
	fmt.Fprintf(&b, "-A %s -j REJECT\n", chainOut)
	b.WriteString("COMMIT\n")
	return b.String()
}

func netfilterRule(r Rule) string {
	chain, ifFlag, addrFlag, rportFlag, lportFlag := chainOut, "-o", "-d", "--dport", "--sport"
	if r.Direction == In {
		chain, ifFlag, addrFlag, rportFlag, lportFlag = chainIn, "-i", "-s", "--sport", "--dport"
	}

	parts := []string{"-A", chain}
	switch {
	case r.Loopback:
		parts = append(parts, ifFlag, "lo")
	case r.Interface != "":
		parts = append(parts, ifFlag, r.Interface)
	}
	if r.Remote.IsValid() {
		parts = append(parts, addrFlag, r.Remote.String())
	}
	if r.Protocol != "" {
		parts = append(parts, "-p", string(r.Protocol))
		if r.RemotePort != 0 {
			parts = append(parts, rportFlag, strconv.Itoa(int(r.RemotePort)))
		}
		if r.LocalPort != 0 {
			parts = append(parts, lportFlag, strconv.Itoa(int(r.LocalPort)))
		}
	}
	if r.Comment != "" {
		parts = append(parts, "-m", "comment", "--comment", strconv.Quote("tunnelguard "+r.Comment))
	}
	parts = append(parts, "-j", "ACCEPT")
	return strings.Join(parts, " ")
}
