package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// ErrNoMatchingRelay is returned when no active relay satisfies the
// constraints. Selector wraps it in a tunnel.Error so the state machine
// sees ReasonNoMatchingRelay.
var ErrNoMatchingRelay = errors.New("no matching relay")

// Selector picks relay endpoints from the current relay list.
type Selector struct {
	mu     sync.RWMutex
	relays []Relay
}

func NewSelector(relays []Relay) *Selector {
	s := &Selector{}
	s.Update(relays)
	return s
}

// Update replaces the relay list.
func (s *Selector) Update(relays []Relay) {
	cp := append([]Relay(nil), relays...)
	s.mu.Lock()
	s.relays = cp
	s.mu.Unlock()
}

// Relays returns a copy of the relay list.
func (s *Selector) Relays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Relay(nil), s.relays...)
}

// preferredProtocol alternates between UDP and TCP every two attempts
// when the protocol is unconstrained, so a network blocking one of them
// does not stall reconnection forever.
func preferredProtocol(c settings.Constraint[tunnel.TransportProtocol], attempt uint32) []tunnel.TransportProtocol {
	if p, ok := c.Value(); ok {
		return []tunnel.TransportProtocol{p}
	}
	if (attempt/2)%2 == 0 {
		return []tunnel.TransportProtocol{tunnel.UDP, tunnel.TCP}
	}
	return []tunnel.TransportProtocol{tunnel.TCP, tunnel.UDP}
}

// Select returns the endpoint for connection attempt attempt. Candidates
// are ordered by load and rotated by attempt.
func (s *Selector) Select(c settings.RelayConstraints, attempt uint32, ipv6 bool) (tunnel.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, proto := range preferredProtocol(c.Tunnel.Protocol, attempt) {
		candidates := s.filter(c, proto)
		if len(candidates) == 0 {
			continue
		}
		sortByLoad(candidates)
		r := candidates[int(attempt)%len(candidates)]
		port, _ := pickPort(r.OpenVPN.For(proto), c.Tunnel.Port, attempt)
		addr := r.IPv4
		if ipv6 && r.IPv6.IsValid() && attempt%2 == 1 {
			addr = r.IPv6
		}
		return tunnel.Endpoint{
			Address:  netip.AddrPortFrom(addr, port),
			Protocol: proto,
			Hostname: r.Hostname,
		}, nil
	}
	return tunnel.Endpoint{}, tunnel.NewError(tunnel.Reason(tunnel.ReasonNoMatchingRelay),
		fmt.Errorf("%w: %s", ErrNoMatchingRelay, describe(c)))
}

func (s *Selector) filter(c settings.RelayConstraints, proto tunnel.TransportProtocol) []Relay {
	var out []Relay //nolint:prealloc
	for _, r := range s.relays {
		if !r.Active || !matchesLocation(r, c.Location) {
			continue
		}
		if _, ok := pickPort(r.OpenVPN.For(proto), c.Tunnel.Port, 0); !ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchesLocation(r Relay, c settings.Constraint[settings.Location]) bool {
	loc, ok := c.Value()
	if !ok {
		return true
	}
	if !strings.EqualFold(r.Country, loc.Country) {
		return false
	}
	if loc.City != "" && !strings.EqualFold(r.City, loc.City) {
		return false
	}
	return loc.Hostname == "" || strings.EqualFold(r.Hostname, loc.Hostname)
}

func pickPort(ports []uint16, c settings.Constraint[uint16], attempt uint32) (uint16, bool) {
	if want, ok := c.Value(); ok {
		for _, p := range ports {
			if p == want {
				return p, true
			}
		}
		return 0, false
	}
	if len(ports) == 0 {
		return 0, false
	}
	return ports[int(attempt/4)%len(ports)], true
}

func sortByLoad(relays []Relay) {
	sort.SliceStable(relays, func(i, j int) bool {
		if relays[i].Load != relays[j].Load {
			return relays[i].Load < relays[j].Load
		}
		return relays[i].Hostname < relays[j].Hostname
	})
}

func describe(c settings.RelayConstraints) string {
	return fmt.Sprintf("location %s, port %s, protocol %s", c.Location, c.Tunnel.Port, c.Tunnel.Protocol)
}
