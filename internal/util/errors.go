// Package util holds small helpers shared across TunnelGuard packages.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors shared between the daemon, its RPC surface and the CLI.
var (
	ErrNotRunning    = errors.New("not running")
	ErrTimeout       = errors.New("timeout")
	ErrNoAccount     = errors.New("no account token configured")
	ErrShuttingDown  = errors.New("daemon shutting down")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnsupported   = errors.New("not supported on this platform")
)

// WrapError wraps err with msg. A nil err stays nil.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// IsTimeout reports whether err is or wraps ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// MultiError collects errors from cleanup paths that must run to completion.
type MultiError struct {
	Errors []error
}

// Add records err if it is non-nil.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil when nothing was recorded.
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return ""
	case 1:
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(m.Errors), m.Errors)
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
