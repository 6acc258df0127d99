// Package firewall translates abstract security policies into OS packet
// filter rules. One backend per platform implements Controller; it is
// chosen once when the daemon starts.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

// Controller owns the live OS firewall rule set.
type Controller interface {
	// Apply atomically replaces the rules in force with those of p.
	Apply(ctx context.Context, p Policy) error
	// Reset removes every rule installed by Apply and restores the
	// pre-existing system configuration.
	Reset(ctx context.Context) error
	// Name identifies the backend in logs and metrics.
	Name() string
}

// ErrInsufficientPrivilege is returned when the daemon cannot modify the
// packet filter.
var ErrInsufficientPrivilege = errors.New("insufficient privilege to modify the packet filter")

// PolicyError reports a backend rejection. It is always fatal to the
// transition that requested the policy.
type PolicyError struct {
	Backend string
	Policy  PolicyKind
	Op      string
	Err     error
}

func (e *PolicyError) Error() string {
	if e.Policy != "" {
		return fmt.Sprintf("%s: %s %s policy: %v", e.Backend, e.Op, e.Policy, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// Config selects and tunes the backend.
type Config struct {
	// Backend is "auto" or one of "netfilter", "pf", "netsh".
	Backend string `yaml:"backend" json:"backend"`
	// ReleaseOnDisconnect resets the firewall instead of keeping the
	// blocking policy while disconnected.
	ReleaseOnDisconnect bool `yaml:"release_on_disconnect" json:"release_on_disconnect"`
	// ResetOnShutdown restores the system rules when the daemon exits.
	ResetOnShutdown bool `yaml:"reset_on_shutdown" json:"reset_on_shutdown"`
	// LANRanges overrides the private ranges allowed when LAN access is on.
	LANRanges []string `yaml:"lan_ranges,omitempty" json:"lan_ranges,omitempty"`
}

// DefaultConfig returns the default firewall configuration.
func DefaultConfig() Config {
	return Config{Backend: "auto", ResetOnShutdown: true}
}

// Validate checks the backend name and LAN ranges.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "auto", "netfilter", "pf", "netsh":
	default:
		return fmt.Errorf("firewall.backend: unknown backend %q", c.Backend)
	}
	_, err := c.lanPrefixes()
	return err
}

func (c Config) lanPrefixes() ([]netip.Prefix, error) {
	if len(c.LANRanges) == 0 {
		return DefaultLANRanges, nil
	}
	out := make([]netip.Prefix, 0, len(c.LANRanges))
	for _, s := range c.LANRanges {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("firewall.lan_ranges: %w", err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// New returns the controller for this platform, or the one named in cfg.
func New(cfg Config) (Controller, error) {
	lan, err := cfg.lanPrefixes()
	if err != nil {
		return nil, err
	}
	rb := ruleBuilder{lan: lan}
	log := logging.WithComponent("firewall")
	runner := execRunner{}

	switch cfg.Backend {
	case "", "auto":
		return newPlatformController(rb, runner, log), nil
	case "netfilter":
		return newNetfilter(rb, runner, log), nil
	case "pf":
		return newPF(rb, runner, log), nil
	case "netsh":
		return newNetsh(rb, runner, log), nil
	}
	return nil, fmt.Errorf("unknown firewall backend %q", cfg.Backend)
}

// unsupported fails every Apply so the tunnel can never come up without a
// working kill switch.
type unsupported struct {
	log *slog.Logger
}

func (u unsupported) Name() string { return "unsupported" }

func (u unsupported) Apply(ctx context.Context, p Policy) error {
	return &PolicyError{Backend: u.Name(), Policy: p.Kind, Op: "apply", Err: util.ErrUnsupported}
}

func (u unsupported) Reset(ctx context.Context) error { return nil }
