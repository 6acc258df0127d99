// Package relay holds the relay list, picks a relay endpoint for the
// current relay constraints and resolves custom tunnel endpoints.
package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// Relay is one relay server from the relay list.
type Relay struct {
	Hostname string     `yaml:"hostname" json:"hostname"`
	Country  string     `yaml:"country" json:"country"`
	City     string     `yaml:"city" json:"city"`
	IPv4     netip.Addr `yaml:"ipv4" json:"ipv4"`
	IPv6     netip.Addr `yaml:"ipv6,omitempty" json:"ipv6,omitzero"`
	Active   bool       `yaml:"active" json:"active"`
	Load     int        `yaml:"load,omitempty" json:"load,omitempty"` // 0-100
	OpenVPN  Ports      `yaml:"openvpn" json:"openvpn"`
}

// Ports lists the OpenVPN ports a relay listens on per transport.
type Ports struct {
	UDP []uint16 `yaml:"udp,omitempty" json:"udp,omitempty"`
	TCP []uint16 `yaml:"tcp,omitempty" json:"tcp,omitempty"`
}

// For returns the ports for protocol p.
func (p Ports) For(proto tunnel.TransportProtocol) []uint16 {
	if proto == tunnel.TCP {
		return p.TCP
	}
	return p.UDP
}

func (r Relay) Validate() error {
	switch {
	case r.Hostname == "":
		return errors.New("relay: hostname is required")
	case r.Country == "":
		return fmt.Errorf("relay %s: country is required", r.Hostname)
	case !r.IPv4.Is4():
		return fmt.Errorf("relay %s: ipv4 must be an IPv4 address", r.Hostname)
	case r.IPv6.IsValid() && !r.IPv6.Is6():
		return fmt.Errorf("relay %s: ipv6 must be an IPv6 address", r.Hostname)
	case len(r.OpenVPN.UDP) == 0 && len(r.OpenVPN.TCP) == 0:
		return fmt.Errorf("relay %s: no openvpn ports", r.Hostname)
	}
	return nil
}

type listFile struct {
	Relays []Relay `yaml:"relays"`
}

// LoadList reads a relay list file. A missing file is an empty list.
func LoadList(path string) ([]Relay, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read relay list: %w", err)
	}
	return ParseList(data)
}

// ParseList parses a relay list document. Country, city and hostname are
// normalized to lower case.
func ParseList(data []byte) ([]Relay, error) {
	var f listFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse relay list: %w", err)
	}
	seen := make(map[string]bool, len(f.Relays))
	for i := range f.Relays {
		r := &f.Relays[i]
		r.Hostname = strings.ToLower(r.Hostname)
		r.Country = strings.ToLower(r.Country)
		r.City = strings.ToLower(r.City)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Hostname] {
			return nil, fmt.Errorf("relay %s: duplicate hostname", r.Hostname)
		}
		seen[r.Hostname] = true
	}
	return f.Relays, nil
}
