// Package daemon holds the daemon's target state and the glue between the
// persisted settings, the account, relay selection, the tunnel state
// machine and the RPC subscribers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/account"
	apiserver "github.com/rennerdo30/tunnelguard/internal/api/server"
	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

// TargetState is the state the user asked for.
type TargetState int

const (
	Unsecured TargetState = iota
	Secured
)

func (t TargetState) String() string {
	if t == Secured {
		return "secured"
	}
	return "unsecured"
}

// Machine is the tunnel state machine as driven by the daemon.
type Machine interface {
	Start(ctx context.Context)
	Shutdown(ctx context.Context) error
	State() tunnel.State
	Connect() error
	Disconnect() error
	Reconnect() error
	SetAllowLAN(allow bool) error
}

// TokenStore persists the account token.
type TokenStore interface {
	Token() (string, error)
	SetToken(token string) error
}

// AccountService looks up account data.
type AccountService interface {
	Data(ctx context.Context, token string) (account.Data, error)
}

// RelaySelector picks a relay matching the constraints for an attempt.
type RelaySelector interface {
	Select(c settings.RelayConstraints, attempt uint32, ipv6 bool) (tunnel.Endpoint, error)
	Locations() relay.RelayList
}

// EndpointResolver resolves a custom tunnel endpoint.
type EndpointResolver interface {
	Endpoint(ctx context.Context, e settings.CustomTunnelEndpoint, ipv6 bool) (tunnel.Endpoint, error)
}

// Publisher pushes values to RPC subscribers.
type Publisher interface {
	Publish(topic apiserver.Topic, data any) error
}

// Config holds the collaborators of a Daemon.
type Config struct {
	Settings *settings.Store
	Tokens   TokenStore
	Accounts AccountService
	Relays   RelaySelector
	Resolver EndpointResolver
	Hub      Publisher
}

// Daemon implements the RPC surface on top of the state machine.
type Daemon struct {
	settings *settings.Store
	tokens   TokenStore
	accounts AccountService
	relays   RelaySelector
	resolver EndpointResolver
	hub      Publisher
	log      *slog.Logger

	mu           sync.Mutex
	machine      Machine
	target       TargetState
	started      bool
	shuttingDown bool
}

// New creates a daemon. Attach a machine before calling Start.
func New(cfg Config) (*Daemon, error) {
	if cfg.Settings == nil || cfg.Tokens == nil || cfg.Relays == nil || cfg.Resolver == nil {
		return nil, errors.New("settings, token store, relay selector and resolver are required")
	}
	d := &Daemon{
		settings: cfg.Settings,
		tokens:   cfg.Tokens,
		accounts: cfg.Accounts,
		relays:   cfg.Relays,
		resolver: cfg.Resolver,
		hub:      cfg.Hub,
		log:      logging.WithComponent("daemon"),
	}
	d.settings.OnChange(d.publishSettings)
	return d, nil
}

// Attach sets the machine driven by the daemon. The machine is built with
// d.Parameters as its parameter generator and d as an observer.
func (d *Daemon) Attach(m Machine) {
	d.mu.Lock()
	d.machine = m
	d.mu.Unlock()
}

// Start publishes the initial snapshots, starts the machine and connects
// if auto-connect is on and an account token is set.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	m := d.machine
	if m == nil {
		d.mu.Unlock()
		return errors.New("daemon has no state machine")
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	d.publish(apiserver.TopicState, m.State())
	d.publishSettings(d.settings.Get())
	m.Start(ctx)

	if !d.settings.Get().AutoConnect {
		return nil
	}
	switch err := d.Connect(ctx); {
	case err == nil:
		d.log.Info("auto-connecting")
	case errors.Is(err, util.ErrNoAccount):
		d.log.Info("auto-connect is on but no account token is set")
	default:
		return fmt.Errorf("auto-connect: %w", err)
	}
	return nil
}

// Shutdown rejects further commands and shuts the machine down.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shuttingDown = true
	m := d.machine
	started := d.started
	d.mu.Unlock()
	if m == nil || !started {
		return nil
	}
	return m.Shutdown(ctx)
}

// Target returns the target state.
func (d *Daemon) Target() TargetState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

func (d *Daemon) running() (Machine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.shuttingDown:
		return nil, util.ErrShuttingDown
	case d.machine == nil || !d.started:
		return nil, util.ErrNotRunning
	}
	return d.machine, nil
}

// Connect sets the target state to Secured. It fails with
// util.ErrNoAccount when no account token is set.
func (d *Daemon) Connect(ctx context.Context) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	token, err := d.tokens.Token()
	if err != nil {
		return fmt.Errorf("read account token: %w", err)
	}
	if token == "" {
		return util.ErrNoAccount
	}
	d.setTarget(Secured)
	return m.Connect()
}

// Disconnect sets the target state to Unsecured.
func (d *Daemon) Disconnect(ctx context.Context) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	d.setTarget(Unsecured)
	return m.Disconnect()
}

func (d *Daemon) setTarget(t TargetState) {
	d.mu.Lock()
	prev := d.target
	d.target = t
	d.mu.Unlock()
	if prev != t {
		d.log.Info("target state changed", "target", t.String())
	}
}

// State returns the current tunnel state.
func (d *Daemon) State() tunnel.State {
	d.mu.Lock()
	m := d.machine
	d.mu.Unlock()
	if m == nil {
		return tunnel.Disconnected()
	}
	return m.State()
}

// Settings returns a copy of the current settings.
func (d *Daemon) Settings() settings.Settings {
	return d.settings.Get()
}

// UpdateRelaySettings merges u into the relay settings and reconnects
// when the target is Secured and the settings changed.
func (d *Daemon) UpdateRelaySettings(ctx context.Context, u settings.RelaySettingsUpdate) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	changed, err := d.settings.UpdateRelaySettings(u)
	if err != nil {
		return err
	}
	if changed {
		return d.reconnectIfSecured(m, "relay settings changed")
	}
	return nil
}

// SetAllowLAN persists allow_lan and forwards it to the machine.
func (d *Daemon) SetAllowLAN(ctx context.Context, allow bool) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	changed, err := d.settings.SetAllowLAN(allow)
	if err != nil || !changed {
		return err
	}
	return m.SetAllowLAN(allow)
}

// SetEnableIPv6 persists enable_ipv6; the tunnel is rebuilt when Secured.
func (d *Daemon) SetEnableIPv6(ctx context.Context, enable bool) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	changed, err := d.settings.SetEnableIPv6(enable)
	if err != nil || !changed {
		return err
	}
	return d.reconnectIfSecured(m, "IPv6 setting changed")
}

// SetOpenVPNMssfix persists the mssfix value, nil clearing it. The tunnel
// is rebuilt when Secured.
func (d *Daemon) SetOpenVPNMssfix(ctx context.Context, mssfix *uint16) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	if mssfix != nil && *mssfix == 0 {
		return fmt.Errorf("%w: openvpn_mssfix must be positive", util.ErrInvalidConfig)
	}
	changed, err := d.settings.SetOpenVPNMssfix(mssfix)
	if err != nil || !changed {
		return err
	}
	return d.reconnectIfSecured(m, "mssfix changed")
}

// RelayLocations returns the relay list grouped by country and city.
func (d *Daemon) RelayLocations() relay.RelayList {
	return d.relays.Locations()
}

func (d *Daemon) SetAutoConnect(ctx context.Context, auto bool) error {
	if _, err := d.running(); err != nil {
		return err
	}
	_, err := d.settings.SetAutoConnect(auto)
	return err
}

func (d *Daemon) reconnectIfSecured(m Machine, why string) error {
	if d.Target() != Secured {
		return nil
	}
	d.log.Info("reconnecting", "reason", why)
	return m.Reconnect()
}

// AccountData looks up the data of token.
func (d *Daemon) AccountData(ctx context.Context, token string) (account.Data, error) {
	if d.accounts == nil {
		return account.Data{}, util.ErrUnsupported
	}
	return d.accounts.Data(ctx, token)
}

// SetAccount stores token. An empty token logs out, which also
// disconnects a secured tunnel.
func (d *Daemon) SetAccount(ctx context.Context, token string) error {
	m, err := d.running()
	if err != nil {
		return err
	}
	if err := d.tokens.SetToken(token); err != nil {
		return err
	}
	if token == "" && d.Target() == Secured {
		d.log.Info("account token removed, disconnecting")
		d.setTarget(Unsecured)
		return m.Disconnect()
	}
	return nil
}

// Parameters builds the parameters of one connection attempt from the
// current settings.
func (d *Daemon) Parameters(ctx context.Context, attempt uint32) (tunnel.Parameters, error) {
	st := d.settings.Get()
	token, err := d.tokens.Token()
	if err != nil {
		return tunnel.Parameters{}, tunnel.NewError(tunnel.Reason(tunnel.ReasonStartTunnelError),
			fmt.Errorf("read account token: %w", err))
	}
	if token == "" {
		return tunnel.Parameters{}, tunnel.NewError(tunnel.AuthFailed("No account token"), util.ErrNoAccount)
	}

	ipv6 := st.TunnelOptions.EnableIPv6
	var endpoint tunnel.Endpoint
	if custom := st.RelaySettings.CustomTunnelEndpoint; custom != nil {
		endpoint, err = d.resolver.Endpoint(ctx, *custom, ipv6)
	} else {
		constraints := settings.RelayConstraints{}
		if st.RelaySettings.Normal != nil {
			constraints = *st.RelaySettings.Normal
		}
		endpoint, err = d.relays.Select(constraints, attempt, ipv6)
	}
	if err != nil {
		return tunnel.Parameters{}, err
	}

	d.log.Debug("tunnel parameters generated", "attempt", attempt, "endpoint", endpoint.String())
	params := tunnel.Parameters{Endpoint: endpoint, Username: token, EnableIPv6: ipv6}
	if mss := st.TunnelOptions.OpenVPNMssfix; mss != nil {
		params.Mssfix = *mss
	}
	return params, nil
}

// OnTransition pushes every new state to the state subscribers.
func (d *Daemon) OnTransition(from, to tunnel.State) {
	d.publish(apiserver.TopicState, to)
}

func (d *Daemon) OnPolicyApplied(firewall.PolicyKind, time.Duration, error) {}
func (d *Daemon) OnProcessStart(error)                                      {}
func (d *Daemon) OnRetryScheduled(uint32, time.Duration)                    {}

func (d *Daemon) publishSettings(s settings.Settings) {
	d.publish(apiserver.TopicSettings, s)
}

func (d *Daemon) publish(topic apiserver.Topic, v any) {
	if d.hub == nil {
		return
	}
	if err := d.hub.Publish(topic, v); err != nil {
		d.log.Error("failed to publish", "topic", topic, "error", err)
	}
}
