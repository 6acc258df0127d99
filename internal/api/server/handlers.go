package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rennerdo30/tunnelguard/internal/account"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

// Error codes in the "code" field of error responses.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeRateLimited        = "rate_limited"
	CodeNotFound           = "not_found"
	CodeNoAccount          = "no_account"
	CodeInvalidAccount     = "invalid_account"
	CodeAccountUnavailable = "account_service_unavailable"
	CodeNotRunning         = "not_running"
	CodeShuttingDown       = "shutting_down"
	CodeUnsupported        = "unsupported"
	CodeInternal           = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// invalidRequest marks errors caused by the request body.
type invalidRequest struct{ err error }

func (e invalidRequest) Error() string { return e.err.Error() }
func (e invalidRequest) Unwrap() error { return e.err }

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// writeDaemonError maps err onto a status and code.
func (a *API) writeDaemonError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ir      invalidRequest
		invalid *account.InvalidAccountError
	)
	switch {
	case errors.As(err, &ir), errors.Is(err, util.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, util.ErrNoAccount):
		writeError(w, http.StatusConflict, CodeNoAccount, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusNotFound, CodeInvalidAccount, err.Error())
	case errors.Is(err, account.ErrServiceUnavailable):
		writeError(w, http.StatusBadGateway, CodeAccountUnavailable, err.Error())
	case errors.Is(err, util.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, CodeShuttingDown, err.Error())
	case errors.Is(err, util.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, CodeNotRunning, err.Error())
	case errors.Is(err, util.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, CodeUnsupported, err.Error())
	default:
		a.log.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidRequest{fmt.Errorf("decode request: %w", err)}
	}
	return nil
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := a.daemon.Connect(r.Context()); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.daemon.Disconnect(r.Context()); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.daemon.State())
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.daemon.Settings())
}

func (a *API) handleUpdateRelaySettings(w http.ResponseWriter, r *http.Request) {
	var u settings.RelaySettingsUpdate
	if err := decodeBody(r, &u); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	if err := u.Validate(); err != nil {
		a.writeDaemonError(w, r, invalidRequest{err})
		return
	}
	if err := a.daemon.UpdateRelaySettings(r.Context(), u); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BoolRequest is the body of the boolean settings setters.
type BoolRequest struct {
	Value *bool `json:"value"`
}

func (a *API) boolSetter(set func(context.Context, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BoolRequest
		if err := decodeBody(r, &req); err != nil {
			a.writeDaemonError(w, r, err)
			return
		}
		if req.Value == nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "value is required")
			return
		}
		if err := set(r.Context(), *req.Value); err != nil {
			a.writeDaemonError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// MssfixRequest is the body of set_openvpn_mssfix. A null or absent value
// restores the OpenVPN default.
type MssfixRequest struct {
	Value *uint16 `json:"value"`
}

func (a *API) handleSetOpenVPNMssfix(w http.ResponseWriter, r *http.Request) {
	var req MssfixRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	if req.Value != nil && *req.Value == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "value must be positive")
		return
	}
	if err := a.daemon.SetOpenVPNMssfix(r.Context(), req.Value); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetRelayLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.daemon.RelayLocations())
}

// AccountRequest is the body of set_account. A null token logs out.
type AccountRequest struct {
	AccountToken *string `json:"account_token"`
}

func (a *API) handleSetAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	token := ""
	if req.AccountToken != nil {
		token = *req.AccountToken
	}
	if err := a.daemon.SetAccount(r.Context(), token); err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetAccountData(w http.ResponseWriter, r *http.Request) {
	data, err := a.daemon.AccountData(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.writeDaemonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}
