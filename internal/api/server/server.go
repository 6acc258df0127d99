// Package server provides the daemon's RPC API: REST request/response
// endpoints and websocket push subscriptions for state and settings.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/rennerdo30/tunnelguard/internal/account"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/ratelimit"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/version"
)

// Daemon is the daemon surface exposed over RPC.
type Daemon interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() tunnel.State
	Settings() settings.Settings
	UpdateRelaySettings(ctx context.Context, u settings.RelaySettingsUpdate) error
	SetAllowLAN(ctx context.Context, v bool) error
	SetEnableIPv6(ctx context.Context, v bool) error
	SetAutoConnect(ctx context.Context, v bool) error
	SetOpenVPNMssfix(ctx context.Context, mssfix *uint16) error
	RelayLocations() relay.RelayList
	AccountData(ctx context.Context, token string) (account.Data, error)
	SetAccount(ctx context.Context, token string) error
}

// API serves the RPC surface of the daemon.
type API struct {
	daemon    Daemon
	hub       *Hub
	token     string
	tokenHash []byte
	metrics   http.Handler
	log       *slog.Logger

	// sha256 of tokens that matched tokenHash, so bcrypt runs once per token.
	verified sync.Map
	// failed authentication attempts per client address; nil when unlimited.
	authFailures *ratelimit.KeyedLimiter
}

// Config holds API configuration.
type Config struct {
	Daemon    Daemon
	Hub       *Hub
	Token     string       // plain bearer token
	TokenHash string       // bcrypt hash of the bearer token
	Metrics   http.Handler // served at /metrics when set
	// AuthFailureLimit throttles clients that keep presenting bad tokens.
	AuthFailureLimit ratelimit.Config
}

// New creates a new API server.
func New(cfg Config) *API {
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	a := &API{
		daemon:  cfg.Daemon,
		hub:     hub,
		token:   cfg.Token,
		metrics: cfg.Metrics,
		log:     logging.WithComponent("api"),
	}
	if cfg.TokenHash != "" {
		a.tokenHash = []byte(cfg.TokenHash)
	}
	if cfg.AuthFailureLimit.Enabled() && a.authRequired() {
		a.authFailures = ratelimit.NewKeyedLimiter(cfg.AuthFailureLimit)
	}
	return a
}

// Close releases the authentication limiter.
func (a *API) Close() {
	if a.authFailures != nil {
		a.authFailures.Close()
	}
}

// Hub returns the subscription hub.
func (a *API) Hub() *Hub { return a.hub }

func (a *API) authRequired() bool { return a.token != "" || a.tokenHash != nil }

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/version", a.handleVersion)

	r.Group(func(r chi.Router) {
		if a.authRequired() {
			r.Use(a.authMiddleware)
		}

		// Subscriptions are long-lived and stay outside the request timeout.
		r.Handle("/api/v1/subscribe/state", a.hub.Handler(TopicState))
		r.Handle("/api/v1/subscribe/settings", a.hub.Handler(TopicSettings))
		if a.metrics != nil {
			r.Handle("/metrics", a.metrics)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			a.addAPIRoutes(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
	})

	return r
}

func (a *API) addAPIRoutes(r chi.Router) {
	r.Post("/api/v1/connect", a.handleConnect)
	r.Post("/api/v1/disconnect", a.handleDisconnect)
	r.Get("/api/v1/state", a.handleGetState)
	r.Get("/api/v1/relays", a.handleGetRelayLocations)

	r.Route("/api/v1/settings", func(r chi.Router) {
		r.Get("/", a.handleGetSettings)
		r.Patch("/relay", a.handleUpdateRelaySettings)
		r.Put("/allow_lan", a.boolSetter(a.daemon.SetAllowLAN))
		r.Put("/enable_ipv6", a.boolSetter(a.daemon.SetEnableIPv6))
		r.Put("/auto_connect", a.boolSetter(a.daemon.SetAutoConnect))
		r.Put("/openvpn_mssfix", a.handleSetOpenVPNMssfix)
	})

	r.Route("/api/v1/account", func(r chi.Router) {
		r.Put("/", a.handleSetAccount)
		r.Get("/{token}", a.handleGetAccountData)
	})
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		client := clientAddr(r)
		if a.authFailures != nil && a.authFailures.Limited(client) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many failed authentication attempts")
			return
		}

		if token == "" || !a.checkToken(token) {
			if a.authFailures != nil {
				a.authFailures.Allow(client)
				a.log.Warn("authentication failed", "client", client)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="tunnelguard"`)
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) checkToken(token string) bool {
	if a.token != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
	}
	sum := sha256.Sum256([]byte(token))
	if _, ok := a.verified.Load(sum); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) != nil {
		return false
	}
	a.verified.Store(sum, struct{}{})
	return true
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
