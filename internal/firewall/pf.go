package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/rennerdo30/tunnelguard/internal/util"
)

const systemPFConf = "/etc/pf.conf"

var pfTokenPattern = regexp.MustCompile(`Token\s*:\s*(\d+)`)

// PF drives the BSD packet filter. A policy is loaded as a complete main
// ruleset through `pfctl -f -`, which pf swaps in atomically.
type PF struct {
	rules      ruleBuilder
	runner     Runner
	log        *slog.Logger
	privileged func() error

	mu sync.Mutex
	// token is the pf enable reference taken by the first Apply.
	token string
}

func newPF(rb ruleBuilder, r Runner, log *slog.Logger) *PF {
	return &PF{rules: rb, runner: r, log: log, privileged: checkPrivilege}
}

func (f *PF) Name() string { return "pf" }

func (f *PF) Apply(ctx context.Context, p Policy) error {
	fail := func(op string, err error) error {
		return &PolicyError{Backend: f.Name(), Policy: p.Kind, Op: op, Err: err}
	}
	if err := p.Validate(); err != nil {
		return fail("validate", err)
	}
	if err := f.privileged(); err != nil {
		return fail("apply", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ruleset := renderPF(f.rules.Build(p))
	if _, err := f.runner.Run(ctx, []byte(ruleset), "pfctl", "-f", "-"); err != nil {
		return fail("load ruleset", err)
	}
	if f.token == "" {
		out, err := f.runner.Run(ctx, nil, "pfctl", "-E")
		if err != nil {
			return fail("enable", err)
		}
		m := pfTokenPattern.FindSubmatch(out)
		if m == nil {
			return fail("enable", fmt.Errorf("no enable token in pfctl output %q", strings.TrimSpace(string(out))))
		}
		f.token = string(m[1])
	}
	f.log.Debug("pf ruleset loaded", "policy", p.String())
	return nil
}

func (f *PF) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return nil
	}

	var errs util.MultiError
	if _, err := f.runner.Run(ctx, nil, "pfctl", "-f", systemPFConf); err != nil {
		errs.Add(err)
	}
	if _, err := f.runner.Run(ctx, nil, "pfctl", "-X", f.token); err != nil {
		errs.Add(err)
	}
	if err := errs.Err(); err != nil {
		return &PolicyError{Backend: f.Name(), Op: "reset", Err: err}
	}
	f.token = ""
	return nil
}

// renderPF produces a pf.conf ruleset. The leading block rule is the
// default; quick pass rules stop evaluation at the first match.
func renderPF(rules []Rule) string {
	var b strings.Builder
	b.WriteString("# tunnelguard\n")
	b.WriteString("block drop all\n")
	for _, r := range rules {
		b.WriteString(pfRule(r))
		b.WriteByte('\n')
	}
	return b.String()
}

func pfRule(r Rule) string {
	parts := []string{"pass", string(r.Direction), "quick"}
	switch {
	case r.Loopback:
		parts = append(parts, "on", "lo0")
	case r.Interface != "":
		parts = append(parts, "on", r.Interface)
	}
	switch r.Family {
	case FamilyV4:
		parts = append(parts, "inet")
	case FamilyV6:
		parts = append(parts, "inet6")
	}
	if r.Protocol != "" {
		parts = append(parts, "proto", string(r.Protocol))
	}

	remote := "any"
	if r.Remote.IsValid() {
		remote = r.Remote.String()
	}
	local := "any"
	remoteSpec, localSpec := remote, local
	if r.RemotePort != 0 {
		remoteSpec = fmt.Sprintf("%s port %d", remote, r.RemotePort)
	}
	if r.LocalPort != 0 {
		localSpec = fmt.Sprintf("%s port %d", local, r.LocalPort)
	}

	if r.Protocol == "" && r.RemotePort == 0 && r.LocalPort == 0 && !r.Remote.IsValid() {
		parts = append(parts, "all")
	} else if r.Direction == Out {
		parts = append(parts, "from", localSpec, "to", remoteSpec)
	} else {
		parts = append(parts, "from", remoteSpec, "to", localSpec)
	}
	if r.Comment != "" {
		parts = append(parts, "label", fmt.Sprintf("%q", "tunnelguard-"+r.Comment))
	}
	return strings.Join(parts, " ")
}
