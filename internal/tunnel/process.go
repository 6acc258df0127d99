package tunnel

import (
	"errors"
	"fmt"
)

// ProcessEventKind is the event vocabulary of the tunnel process supervisor.
type ProcessEventKind string

const (
	// ProcessUp: the tunnel is established and authenticated.
	ProcessUp ProcessEventKind = "up"
	// ProcessFailed: the attempt failed before coming up.
	ProcessFailed ProcessEventKind = "failed"
	// ProcessDown: an established tunnel went down unexpectedly.
	ProcessDown ProcessEventKind = "down"
	// ProcessStopped: the process exited and its handle is released.
	ProcessStopped ProcessEventKind = "stopped"
)

// ProcessEvent is one event of the tunnel process identified by Handle.
type ProcessEvent struct {
	Handle   string
	Kind     ProcessEventKind
	Metadata Metadata    // ProcessUp
	Reason   BlockReason // ProcessFailed
	Err      error       // ProcessStopped: exit error, nil on clean exit
}

func (e ProcessEvent) String() string {
	switch e.Kind {
	case ProcessUp:
		return fmt.Sprintf("up on %s", e.Metadata.Interface)
	case ProcessFailed:
		return "failed: " + e.Reason.Message()
	}
	return string(e.Kind)
}

// Error carries the BlockReason of a failed connection step.
type Error struct {
	Reason BlockReason
	Err    error
}

func NewError(reason BlockReason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.Message()
	}
	return e.Reason.Message() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the BlockReason from err, defaulting to fallback.
func ReasonOf(err error, fallback BlockReasonKind) BlockReason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return Reason(fallback)
}
