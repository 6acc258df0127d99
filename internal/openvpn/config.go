// Package openvpn supervises the external OpenVPN process that carries the
// tunnel. Events come from the OpenVPN management interface and from the
// up/route-pre-down hooks, which report back over a loopback event bridge.
package openvpn

import (
	"errors"
	"fmt"
	"time"
)

// Config configures the supervisor.
type Config struct {
	// Binary is the openvpn executable.
	Binary string
	// ConfigFile is the base configuration with certificates and cipher
	// settings shared by all relays.
	ConfigFile string
	// CAFile is passed as --ca when set.
	CAFile string
	// EventCommand is the executable invoked by OpenVPN hooks. It must
	// accept `tunnel-event <code>`. Defaults to the running binary.
	EventCommand string
	// Password sent along with the account token.
	Password string
	// ExtraArgs are appended verbatim.
	ExtraArgs []string

	// StartTimeout bounds the time from launch to a tunnel that is up.
	StartTimeout time.Duration
	// StopTimeout bounds graceful termination before the process is killed.
	StopTimeout time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Binary:       "openvpn",
		Password:     "m",
		StartTimeout: 30 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Binary == "" {
		return errors.New("openvpn.binary is required")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("openvpn.start_timeout must be positive, got %s", c.StartTimeout)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("openvpn.stop_timeout must be positive, got %s", c.StopTimeout)
	}
	return nil
}
