// Package rpcclient is the client side of the daemon RPC API. Every
// response is checked against the shape its method promises before it is
// used; malformed responses fail with a ParseError and never reach the
// cached state.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/account"
	"github.com/rennerdo30/tunnelguard/internal/api/keycase"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/retry"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/version"
)

// Method names, as used in errors and with Call.
const (
	MethodConnect             = "connect"
	MethodDisconnect          = "disconnect"
	MethodGetState            = "get_state"
	MethodGetSettings         = "get_settings"
	MethodUpdateRelaySettings = "update_relay_settings"
	MethodSetAllowLAN         = "set_allow_lan"
	MethodSetEnableIPv6       = "set_enable_ipv6"
	MethodSetAutoConnect      = "set_auto_connect"
	MethodSetOpenVPNMssfix    = "set_openvpn_mssfix"
	MethodGetRelayLocations   = "get_relay_locations"
	MethodGetAccountData      = "get_account_data"
	MethodSetAccount          = "set_account"
	MethodVersion             = "version"
	MethodSubscribeState      = "subscribe_state"
	MethodSubscribeSettings   = "subscribe_settings"
)

type route struct {
	method string
	path   string
	result shape // nil for methods without a response body
}

var routes = map[string]route{
	MethodConnect:             {http.MethodPost, "/api/v1/connect", nil},
	MethodDisconnect:          {http.MethodPost, "/api/v1/disconnect", nil},
	MethodGetState:            {http.MethodGet, "/api/v1/state", stateShape},
	MethodGetSettings:         {http.MethodGet, "/api/v1/settings", settingsShape},
	MethodUpdateRelaySettings: {http.MethodPatch, "/api/v1/settings/relay", nil},
	MethodSetAllowLAN:         {http.MethodPut, "/api/v1/settings/allow_lan", nil},
	MethodSetEnableIPv6:       {http.MethodPut, "/api/v1/settings/enable_ipv6", nil},
	MethodSetAutoConnect:      {http.MethodPut, "/api/v1/settings/auto_connect", nil},
	MethodSetOpenVPNMssfix:    {http.MethodPut, "/api/v1/settings/openvpn_mssfix", nil},
	MethodGetRelayLocations:   {http.MethodGet, "/api/v1/relays", relayListShape},
	MethodGetAccountData:      {http.MethodGet, "/api/v1/account/", accountDataShape},
	MethodSetAccount:          {http.MethodPut, "/api/v1/account", nil},
	MethodVersion:             {http.MethodGet, "/api/v1/version", versionShape},
}

// Config configures a Client.
type Config struct {
	// BaseURL of the daemon, e.g. http://127.0.0.1:7780.
	BaseURL string
	Token   string
	Timeout time.Duration
	// Reconnect is the backoff between subscription reconnects.
	Reconnect retry.Backoff
}

// Observer is told when a subscription channel opens and when it drops.
type Observer interface {
	OnOpen(topic string)
	OnClose(topic string, err error)
}

// Client calls the daemon RPC API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	reconnect  retry.Backoff
	log        *slog.Logger

	mu        sync.Mutex
	observers []Observer
	state     *tunnel.State
	settings  *settings.Settings
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = retry.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		reconnect:  cfg.Reconnect,
		log:        logging.WithComponent("rpcclient"),
	}
}

// AddObserver registers o for subscription open/close events.
func (c *Client) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// RemoveObserver unregisters o.
func (c *Client) RemoveObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.observers {
		if x == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Client) notify(fn func(Observer)) {
	c.mu.Lock()
	obs := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

// CachedState returns the last state received and validated, if any.
func (c *Client) CachedState() (tunnel.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return tunnel.State{}, false
	}
	return *c.state, true
}

// CachedSettings returns the last settings received and validated, if any.
func (c *Client) CachedSettings() (settings.Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings == nil {
		return settings.Settings{}, false
	}
	return c.settings.Clone(), true
}

// do performs one request and returns the validated wire value of the
// response, or nil for methods without a body.
func (c *Client) do(ctx context.Context, method, suffix string, body any) (any, error) {
	rt, ok := routes[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", method, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, rt.method, c.baseURL+rt.path+suffix, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, apiError(method, resp.StatusCode, payload)
	}
	if rt.result == nil {
		return nil, nil
	}
	return validate(method, rt.result, payload)
}

func apiError(method string, status int, payload []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Error == "" {
		return &APIError{Method: method, Status: status, Code: "http", Message: http.StatusText(status)}
	}
	return &APIError{Method: method, Status: status, Code: body.Code, Message: body.Error}
}

// validate decodes payload into a generic value and checks it against s.
func validate(method string, s shape, payload []byte) (any, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &ParseError{Method: method, Payload: payload, Reason: err.Error()}
	}
	if err := s("$", v); err != nil {
		return nil, &ParseError{Method: method, Payload: payload, Reason: err.Error()}
	}
	return v, nil
}

// decodeInto converts a validated wire value into out.
func decodeInto(method string, v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &ParseError{Method: method, Reason: err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ParseError{Method: method, Payload: raw, Reason: err.Error()}
	}
	return nil
}

// Call invokes method with params given in camelCase form and returns the
// result in camelCase form. For get_account_data, params is the token.
func (c *Client) Call(ctx context.Context, method string, params any) (any, error) {
	suffix := ""
	var body any
	if method == MethodGetAccountData {
		token, ok := params.(string)
		if !ok || token == "" {
			return nil, fmt.Errorf("%s: token parameter required", method)
		}
		suffix = url.PathEscape(token)
	} else if params != nil {
		body = keycase.SnakeKeys(params)
	}
	v, err := c.do(ctx, method, suffix, body)
	if err != nil || v == nil {
		return nil, err
	}
	return keycase.CamelKeys(v), nil
}

// Connect asks the daemon to secure the connection.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.do(ctx, MethodConnect, "", nil)
	return err
}

// Disconnect asks the daemon to tear the tunnel down.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.do(ctx, MethodDisconnect, "", nil)
	return err
}

func (c *Client) State(ctx context.Context) (tunnel.State, error) {
	v, err := c.do(ctx, MethodGetState, "", nil)
	if err != nil {
		return tunnel.State{}, err
	}
	var s tunnel.State
	if err := decodeInto(MethodGetState, v, &s); err != nil {
		return tunnel.State{}, err
	}
	c.mu.Lock()
	c.state = &s
	c.mu.Unlock()
	return s, nil
}

func (c *Client) Settings(ctx context.Context) (settings.Settings, error) {
	v, err := c.do(ctx, MethodGetSettings, "", nil)
	if err != nil {
		return settings.Settings{}, err
	}
	var s settings.Settings
	if err := decodeInto(MethodGetSettings, v, &s); err != nil {
		return settings.Settings{}, err
	}
	c.mu.Lock()
	cp := s.Clone()
	c.settings = &cp
	c.mu.Unlock()
	return s, nil
}

func (c *Client) UpdateRelaySettings(ctx context.Context, u settings.RelaySettingsUpdate) error {
	_, err := c.do(ctx, MethodUpdateRelaySettings, "", u)
	return err
}

type boolBody struct {
	Value bool `json:"value"`
}

func (c *Client) SetAllowLAN(ctx context.Context, v bool) error {
	_, err := c.do(ctx, MethodSetAllowLAN, "", boolBody{v})
	return err
}

func (c *Client) SetEnableIPv6(ctx context.Context, v bool) error {
	_, err := c.do(ctx, MethodSetEnableIPv6, "", boolBody{v})
	return err
}

func (c *Client) SetAutoConnect(ctx context.Context, v bool) error {
	_, err := c.do(ctx, MethodSetAutoConnect, "", boolBody{v})
	return err
}

// SetOpenVPNMssfix sets the mssfix value. Nil restores the OpenVPN default.
func (c *Client) SetOpenVPNMssfix(ctx context.Context, v *uint16) error {
	body := struct {
		Value *uint16 `json:"value"`
	}{v}
	_, err := c.do(ctx, MethodSetOpenVPNMssfix, "", body)
	return err
}

// RelayLocations returns the daemon's relay list grouped by location.
func (c *Client) RelayLocations(ctx context.Context) (relay.RelayList, error) {
	v, err := c.do(ctx, MethodGetRelayLocations, "", nil)
	if err != nil {
		return relay.RelayList{}, err
	}
	var list relay.RelayList
	err = decodeInto(MethodGetRelayLocations, v, &list)
	return list, err
}

// AccountData looks up token with the account service via the daemon.
func (c *Client) AccountData(ctx context.Context, token string) (account.Data, error) {
	if token == "" {
		return account.Data{}, errors.New("account token required")
	}
	v, err := c.do(ctx, MethodGetAccountData, url.PathEscape(token), nil)
	if err != nil {
		return account.Data{}, err
	}
	var d account.Data
	err = decodeInto(MethodGetAccountData, v, &d)
	return d, err
}

// SetAccount stores token in the daemon. An empty token logs out.
func (c *Client) SetAccount(ctx context.Context, token string) error {
	body := struct {
		AccountToken *string `json:"account_token"`
	}{}
	if token != "" {
		body.AccountToken = &token
	}
	_, err := c.do(ctx, MethodSetAccount, "", body)
	return err
}

func (c *Client) Version(ctx context.Context) (version.Info, error) {
	v, err := c.do(ctx, MethodVersion, "", nil)
	if err != nil {
		return version.Info{}, err
	}
	var info version.Info
	err = decodeInto(MethodVersion, v, &info)
	return info, err
}
