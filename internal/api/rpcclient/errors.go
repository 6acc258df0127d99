package rpcclient

import (
	"errors"
	"fmt"

	"github.com/rennerdo30/tunnelguard/internal/account"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

// ParseError is returned when a response does not have the shape the
// method promises. Payload is the raw response.
type ParseError struct {
	Method  string
	Payload []byte
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Method, e.Reason)
}

// TransportError is returned when the daemon cannot be reached.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: cannot reach daemon: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// APIError is an error response of the daemon.
type APIError struct {
	Method  string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Unwrap maps daemon error codes back onto the sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "no_account":
		return util.ErrNoAccount
	case "shutting_down":
		return util.ErrShuttingDown
	case "not_running":
		return util.ErrNotRunning
	case "unsupported":
		return util.ErrUnsupported
	case "invalid_account":
		return &account.InvalidAccountError{Status: e.Status, Message: e.Message}
	case "account_service_unavailable":
		return account.ErrServiceUnavailable
	}
	return nil
}
