// Package tunnel defines the values shared by the state machine, the
// tunnel process supervisor, the firewall and the RPC surface.
package tunnel

import (
	"encoding/json"
	"fmt"
)

// StateKind names a TunnelState variant.
type StateKind string

const (
	StateDisconnected  StateKind = "disconnected"
	StateConnecting    StateKind = "connecting"
	StateConnected     StateKind = "connected"
	StateDisconnecting StateKind = "disconnecting"
	StateBlocked       StateKind = "blocked"
)

// ActionAfterDisconnect is what Disconnecting resolves to once the tunnel
// process has been released.
type ActionAfterDisconnect string

const (
	AfterNothing   ActionAfterDisconnect = "nothing"
	AfterReconnect ActionAfterDisconnect = "reconnect"
	AfterBlock     ActionAfterDisconnect = "block"
)

// State is the tagged TunnelState value. Only the fields of the active
// variant are set.
type State struct {
	Kind StateKind

	// Connecting
	Attempt uint32

	// Connected
	Metadata *Metadata

	// Disconnecting
	After ActionAfterDisconnect

	// Blocked, or Disconnecting with After == AfterBlock
	Reason *BlockReason
}

func Disconnected() State { return State{Kind: StateDisconnected} }

func Connecting(attempt uint32) State {
	return State{Kind: StateConnecting, Attempt: attempt}
}

func Connected(md Metadata) State {
	return State{Kind: StateConnected, Metadata: &md}
}

func Disconnecting(after ActionAfterDisconnect, reason *BlockReason) State {
	s := State{Kind: StateDisconnecting, After: after}
	if after == AfterBlock {
		s.Reason = reason
	}
	return s
}

func Blocked(reason BlockReason) State {
	return State{Kind: StateBlocked, Reason: &reason}
}

// IsSecured reports whether the tunnel is up and carrying traffic.
func (s State) IsSecured() bool { return s.Kind == StateConnected }

func (s State) String() string {
	switch s.Kind {
	case StateConnecting:
		return fmt.Sprintf("connecting (attempt %d)", s.Attempt)
	case StateConnected:
		return fmt.Sprintf("connected to %s", s.Metadata.Endpoint)
	case StateDisconnecting:
		return fmt.Sprintf("disconnecting (then %s)", s.After)
	case StateBlocked:
		return "blocked: " + s.Reason.Message()
	}
	return string(s.Kind)
}

// Equal compares two states by variant and payload.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind || s.Attempt != o.Attempt || s.After != o.After {
		return false
	}
	if (s.Reason == nil) != (o.Reason == nil) || (s.Reason != nil && *s.Reason != *o.Reason) {
		return false
	}
	if (s.Metadata == nil) != (o.Metadata == nil) || (s.Metadata != nil && *s.Metadata != *o.Metadata) {
		return false
	}
	return true
}

type wireState struct {
	State   StateKind       `json:"state"`
	Details json.RawMessage `json:"details,omitempty"`
}

type connectingDetails struct {
	Attempt uint32 `json:"attempt"`
}

type disconnectingDetails struct {
	After  ActionAfterDisconnect `json:"after"`
	Reason *BlockReason          `json:"reason,omitempty"`
}

// MarshalJSON encodes the state as {"state": kind, "details": payload}.
func (s State) MarshalJSON() ([]byte, error) {
	var details any
	switch s.Kind {
	case StateConnecting:
		details = connectingDetails{Attempt: s.Attempt}
	case StateConnected:
		details = s.Metadata
	case StateDisconnecting:
		details = disconnectingDetails{After: s.After, Reason: s.Reason}
	case StateBlocked:
		details = s.Reason
	}
	w := wireState{State: s.Kind}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, err
		}
		w.Details = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the format produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := State{Kind: w.State}
	switch w.State {
	case StateDisconnected:
	case StateConnecting:
		var d connectingDetails
		if err := unmarshalDetails(w, &d); err != nil {
			return err
		}
		out.Attempt = d.Attempt
	case StateConnected:
		var md Metadata
		if err := unmarshalDetails(w, &md); err != nil {
			return err
		}
		out = Connected(md)
	case StateDisconnecting:
		var d disconnectingDetails
		if err := unmarshalDetails(w, &d); err != nil {
			return err
		}
		out.After, out.Reason = d.After, d.Reason
	case StateBlocked:
		var r BlockReason
		if err := unmarshalDetails(w, &r); err != nil {
			return err
		}
		out.Reason = &r
	default:
		return fmt.Errorf("unknown tunnel state %q", w.State)
	}
	*s = out
	return nil
}

func unmarshalDetails(w wireState, v any) error {
	if len(w.Details) == 0 {
		return fmt.Errorf("tunnel state %q requires details", w.State)
	}
	return json.Unmarshal(w.Details, v)
}
