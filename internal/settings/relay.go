package settings

import (
	"errors"
	"fmt"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// Location narrows relay selection to a country, a city or one relay.
type Location struct {
	Country  string `yaml:"country" json:"country"`
	City     string `yaml:"city,omitempty" json:"city,omitempty"`
	Hostname string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
}

func (l Location) Validate() error {
	switch {
	case l.Country == "":
		return errors.New("location: country is required")
	case l.Hostname != "" && l.City == "":
		return errors.New("location: hostname requires a city")
	}
	return nil
}

func (l Location) String() string {
	s := l.Country
	if l.City != "" {
		s += "/" + l.City
	}
	if l.Hostname != "" {
		s += "/" + l.Hostname
	}
	return s
}

// TunnelConstraints narrow the OpenVPN endpoint of the selected relay.
type TunnelConstraints struct {
	Port     Constraint[uint16]                   `yaml:"port" json:"port"`
	Protocol Constraint[tunnel.TransportProtocol] `yaml:"protocol" json:"protocol"`
}

// RelayConstraints select a relay from the relay list.
type RelayConstraints struct {
	Location Constraint[Location] `yaml:"location" json:"location"`
	Tunnel   TunnelConstraints    `yaml:"tunnel" json:"tunnel"`
}

// CustomTunnelEndpoint bypasses relay selection.
type CustomTunnelEndpoint struct {
	Host     string                   `yaml:"host" json:"host"`
	Port     uint16                   `yaml:"port" json:"port"`
	Protocol tunnel.TransportProtocol `yaml:"protocol" json:"protocol"`
}

func (e CustomTunnelEndpoint) Validate() error {
	if e.Host == "" {
		return errors.New("custom endpoint: host is required")
	}
	if e.Port == 0 {
		return errors.New("custom endpoint: port is required")
	}
	if _, err := tunnel.ParseTransportProtocol(string(e.Protocol)); err != nil {
		return fmt.Errorf("custom endpoint: %w", err)
	}
	return nil
}

// RelaySettings is either Normal constraints or a custom endpoint.
type RelaySettings struct {
	Normal               *RelayConstraints     `yaml:"normal,omitempty" json:"normal,omitempty"`
	CustomTunnelEndpoint *CustomTunnelEndpoint `yaml:"custom_tunnel_endpoint,omitempty" json:"custom_tunnel_endpoint,omitempty"`
}

// DefaultRelaySettings accepts any relay.
func DefaultRelaySettings() RelaySettings {
	return RelaySettings{Normal: &RelayConstraints{}}
}

func (r RelaySettings) Validate() error {
	switch {
	case (r.Normal == nil) == (r.CustomTunnelEndpoint == nil):
		return errors.New("relay settings: exactly one of normal and custom_tunnel_endpoint must be set")
	case r.CustomTunnelEndpoint != nil:
		return r.CustomTunnelEndpoint.Validate()
	}
	if loc, ok := r.Normal.Location.Value(); ok {
		return loc.Validate()
	}
	return nil
}

func (r RelaySettings) clone() RelaySettings {
	var out RelaySettings
	if r.Normal != nil {
		n := *r.Normal
		out.Normal = &n
	}
	if r.CustomTunnelEndpoint != nil {
		c := *r.CustomTunnelEndpoint
		out.CustomTunnelEndpoint = &c
	}
	return out
}

// RelayConstraintsUpdate changes the fields that are present.
type RelayConstraintsUpdate struct {
	Location *Constraint[Location] `yaml:"location,omitempty" json:"location,omitempty"`
	Tunnel   *TunnelConstraints    `yaml:"tunnel,omitempty" json:"tunnel,omitempty"`
}

// RelaySettingsUpdate is a partial relay settings change.
type RelaySettingsUpdate struct {
	Normal               *RelayConstraintsUpdate `yaml:"normal,omitempty" json:"normal,omitempty"`
	CustomTunnelEndpoint *CustomTunnelEndpoint   `yaml:"custom_tunnel_endpoint,omitempty" json:"custom_tunnel_endpoint,omitempty"`
}

// Merge applies u to r. A custom endpoint replaces the settings; a normal
// update changes its present fields on top of the current constraints, or
// on top of the defaults when r holds a custom endpoint.
func (r RelaySettings) Merge(u RelaySettingsUpdate) (RelaySettings, error) {
	if (u.Normal == nil) == (u.CustomTunnelEndpoint == nil) {
		return RelaySettings{}, errors.New("relay settings update: exactly one of normal and custom_tunnel_endpoint must be set")
	}
	if u.CustomTunnelEndpoint != nil {
		c := *u.CustomTunnelEndpoint
		out := RelaySettings{CustomTunnelEndpoint: &c}
		return out, out.Validate()
	}

	base := RelayConstraints{}
	if r.Normal != nil {
		base = *r.Normal
	}
	if u.Normal.Location != nil {
		base.Location = *u.Normal.Location
	}
	if u.Normal.Tunnel != nil {
		base.Tunnel = *u.Normal.Tunnel
	}
	out := RelaySettings{Normal: &base}
	return out, out.Validate()
}

// Validate checks u on its own, without current settings to merge into.
func (u RelaySettingsUpdate) Validate() error {
	_, err := DefaultRelaySettings().Merge(u)
	return err
}
