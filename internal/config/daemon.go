package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/openvpn"
	"github.com/rennerdo30/tunnelguard/internal/ratelimit"
	"github.com/rennerdo30/tunnelguard/internal/retry"
	"github.com/rennerdo30/tunnelguard/internal/tunnelstate"
)

// DaemonConfig is the configuration of tunnelguard-daemon.
type DaemonConfig struct {
	API            APIConfig       `yaml:"api" json:"api"`
	Logging        logging.Config  `yaml:"logging" json:"logging"`
	Paths          PathsConfig     `yaml:"paths" json:"paths"`
	OpenVPN        OpenVPNConfig   `yaml:"openvpn" json:"openvpn"`
	Firewall       firewall.Config `yaml:"firewall" json:"firewall"`
	Retry          RetryConfig     `yaml:"retry" json:"retry"`
	Tunnel         TunnelConfig    `yaml:"tunnel" json:"tunnel"`
	DNS            DNSConfig       `yaml:"dns" json:"dns"`
	Account        AccountConfig   `yaml:"account" json:"account"`
	NetworkMonitor bool            `yaml:"network_monitor" json:"network_monitor"`
}

// APIConfig configures the RPC server.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// Token is a plain bearer token. TokenHash is its bcrypt hash; set one
	// of them, or neither for a loopback-only listener.
	Token     string `yaml:"token,omitempty" json:"-"`
	TokenHash string `yaml:"token_hash,omitempty" json:"-"`
	Metrics   bool   `yaml:"metrics" json:"metrics"`
	// AuthFailureLimit throttles bad tokens per client address.
	AuthFailureLimit ratelimit.Config `yaml:"auth_failure_limit" json:"auth_failure_limit"`
}

// PathsConfig locates the files the daemon reads and writes.
type PathsConfig struct {
	Settings    string `yaml:"settings" json:"settings"`
	Relays      string `yaml:"relays" json:"relays"`
	ResourceDir string `yaml:"resource_dir" json:"resource_dir"`
}

// OpenVPNConfig configures the tunnel process.
type OpenVPNConfig struct {
	Binary       string   `yaml:"binary" json:"binary"`
	ConfigFile   string   `yaml:"config_file,omitempty" json:"config_file,omitempty"`
	CAFile       string   `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	EventCommand string   `yaml:"event_command,omitempty" json:"event_command,omitempty"`
	StartTimeout Duration `yaml:"start_timeout" json:"start_timeout"`
	StopTimeout  Duration `yaml:"stop_timeout" json:"stop_timeout"`
	ExtraArgs    []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// RetryConfig configures automatic reconnection.
type RetryConfig struct {
	BaseDelay   Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" json:"max_delay"`
	Factor      float64  `yaml:"factor" json:"factor"`
	Jitter      float64  `yaml:"jitter" json:"jitter"`
	MaxAttempts uint32   `yaml:"max_attempts" json:"max_attempts"` // 0 = unlimited
}

// TunnelConfig configures the state machine.
type TunnelConfig struct {
	OnUnexpectedExit string `yaml:"on_unexpected_exit" json:"on_unexpected_exit"` // reconnect, block
}

// DNSConfig lists the resolvers used for custom endpoint hostnames. They
// stay reachable while the firewall blocks.
type DNSConfig struct {
	Bootstrap []string `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// AccountConfig configures the account collaborator.
type AccountConfig struct {
	APIURL         string   `yaml:"api_url,omitempty" json:"api_url,omitempty"`
	Timeout        Duration `yaml:"timeout" json:"timeout"`
	KeyringService string   `yaml:"keyring_service" json:"keyring_service"`
}

// DefaultDaemonConfig returns the configuration used for absent keys.
func DefaultDaemonConfig() DaemonConfig {
	state := defaultStateDir()
	backoff := retry.DefaultBackoff()
	return DaemonConfig{
		API: APIConfig{
			Listen: "127.0.0.1:7780",
			// One attempt a minute after a burst of five.
			AuthFailureLimit: ratelimit.Config{RequestsPerSecond: 1.0 / 60, BurstSize: 5},
		},
		Logging: logging.DefaultConfig(),
		Paths: PathsConfig{
			Settings:    filepath.Join(state, "settings.yaml"),
			Relays:      filepath.Join(state, "relays.yaml"),
			ResourceDir: state,
		},
		OpenVPN: OpenVPNConfig{
			Binary:       "openvpn",
			StartTimeout: Duration(30 * time.Second),
			StopTimeout:  Duration(5 * time.Second),
		},
		Firewall: firewall.DefaultConfig(),
		Retry: RetryConfig{
			BaseDelay: Duration(backoff.Base),
			MaxDelay:  Duration(backoff.Max),
			Factor:    backoff.Factor,
			Jitter:    backoff.Jitter,
		},
		Tunnel: TunnelConfig{OnUnexpectedExit: string(tunnelstate.ExitReconnect)},
		DNS:    DNSConfig{Timeout: Duration(5 * time.Second)},
		Account: AccountConfig{
			Timeout:        Duration(10 * time.Second),
			KeyringService: "tunnelguard",
		},
		NetworkMonitor: true,
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if pd := os.Getenv("ProgramData"); pd != "" {
			return filepath.Join(pd, "TunnelGuard")
		}
		return `C:\ProgramData\TunnelGuard`
	case "darwin":
		return "/Library/Application Support/TunnelGuard"
	}
	return "/var/lib/tunnelguard"
}

// LoadDaemonConfig reads path on top of the defaults and validates it.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	if err := LoadAndValidate(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

// Validate checks the daemon configuration.
func (c *DaemonConfig) Validate() error {
	if err := c.API.validate(); err != nil {
		return err
	}
	if c.Paths.Settings == "" {
		return errors.New("paths.settings is required")
	}
	if err := c.OpenVPN.Supervisor().Validate(); err != nil {
		return err
	}
	if err := c.Firewall.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Backoff().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.machineConfig().Validate(); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	if _, err := c.DNS.Resolvers(); err != nil {
		return err
	}
	if c.Account.KeyringService == "" {
		return errors.New("account.keyring_service is required")
	}
	return nil
}

func (c APIConfig) validate() error {
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("api.listen: %w", err)
	}
	if c.Token != "" && c.TokenHash != "" {
		return errors.New("api.token and api.token_hash are mutually exclusive")
	}
	if err := c.AuthFailureLimit.Validate(); err != nil {
		return fmt.Errorf("api.auth_failure_limit: %w", err)
	}
	if c.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			return fmt.Errorf("api.token_hash: %w", err)
		}
	}
	if c.Token == "" && c.TokenHash == "" {
		addr, err := netip.ParseAddr(host)
		if host != "localhost" && (err != nil || !addr.IsLoopback()) {
			return fmt.Errorf("api.listen %s is not loopback: api.token or api.token_hash is required", c.Listen)
		}
	}
	return nil
}

// Supervisor returns the tunnel process supervisor configuration.
func (c OpenVPNConfig) Supervisor() openvpn.Config {
	cfg := openvpn.DefaultConfig()
	cfg.Binary = c.Binary
	cfg.ConfigFile = c.ConfigFile
	cfg.CAFile = c.CAFile
	cfg.EventCommand = c.EventCommand
	cfg.ExtraArgs = c.ExtraArgs
	cfg.StartTimeout = c.StartTimeout.Duration()
	cfg.StopTimeout = c.StopTimeout.Duration()
	return cfg
}

// Backoff returns the retry policy.
func (c RetryConfig) Backoff() retry.Backoff {
	return retry.Backoff{
		Base:        c.BaseDelay.Duration(),
		Max:         c.MaxDelay.Duration(),
		Factor:      c.Factor,
		Jitter:      c.Jitter,
		MaxAttempts: c.MaxAttempts,
	}
}

// Resolvers parses the bootstrap resolvers. The port defaults to 53.
func (c DNSConfig) Resolvers() ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(c.Bootstrap))
	for _, s := range c.Bootstrap {
		if ap, err := netip.ParseAddrPort(s); err == nil {
			out = append(out, ap)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns.bootstrap: invalid resolver %q", s)
		}
		out = append(out, netip.AddrPortFrom(addr, 53))
	}
	return out, nil
}

// Machine returns the state machine configuration. allowLAN comes from the
// persisted settings.
func (c *DaemonConfig) Machine(allowLAN bool) (tunnelstate.Config, error) {
	resolvers, err := c.DNS.Resolvers()
	if err != nil {
		return tunnelstate.Config{}, err
	}
	cfg := c.machineConfig()
	cfg.AllowLAN = allowLAN
	cfg.Resolvers = resolvers
	return cfg, nil
}

func (c *DaemonConfig) machineConfig() tunnelstate.Config {
	cfg := tunnelstate.DefaultConfig()
	cfg.OnUnexpectedExit = tunnelstate.ExitPolicy(c.Tunnel.OnUnexpectedExit)
	cfg.ReleaseOnDisconnect = c.Firewall.ReleaseOnDisconnect
	cfg.ResetOnShutdown = c.Firewall.ResetOnShutdown
	// Process start and stop calls must be able to run to their own timeouts.
	cfg.OperationTimeout = max(cfg.OperationTimeout,
		c.OpenVPN.StartTimeout.Duration()+10*time.Second,
		3*c.OpenVPN.StopTimeout.Duration())
	return cfg
}
