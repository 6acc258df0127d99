package tunnel

import (
	"fmt"
	"net/netip"
	"strings"
)

// TransportProtocol is the transport the tunnel process uses to reach a relay.
type TransportProtocol string

const (
	UDP TransportProtocol = "udp"
	TCP TransportProtocol = "tcp"
)

// ParseTransportProtocol accepts "udp" or "tcp" in any case.
func ParseTransportProtocol(s string) (TransportProtocol, error) {
	switch p := TransportProtocol(strings.ToLower(s)); p {
	case UDP, TCP:
		return p, nil
	}
	return "", fmt.Errorf("unknown transport protocol %q", s)
}

// Endpoint is a resolved relay address.
type Endpoint struct {
	Address  netip.AddrPort    `json:"address"`
	Protocol TransportProtocol `json:"protocol"`
	Hostname string            `json:"hostname,omitempty"`
}

func (e Endpoint) String() string {
	if e.Hostname != "" {
		return fmt.Sprintf("%s (%s/%s)", e.Hostname, e.Address, e.Protocol)
	}
	return fmt.Sprintf("%s/%s", e.Address, e.Protocol)
}

// Metadata describes an established tunnel.
type Metadata struct {
	Interface string     `json:"interface"`
	IPv4      netip.Addr `json:"ipv4,omitzero"`
	IPv6      netip.Addr `json:"ipv6,omitzero"`
	Gateway   netip.Addr `json:"gateway,omitzero"`
	Endpoint  Endpoint   `json:"endpoint"`
}

// Parameters is everything the supervisor needs to start one tunnel process.
type Parameters struct {
	Endpoint   Endpoint
	Username   string
	EnableIPv6 bool
	// Mssfix is passed to the tunnel process when non-zero.
	Mssfix uint16
}
