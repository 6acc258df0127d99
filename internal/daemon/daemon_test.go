package daemon

import (
	"context"
	"encoding/json"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelguard/internal/account"
	apiserver "github.com/rennerdo30/tunnelguard/internal/api/server"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

type fakeMachine struct {
	mu       sync.Mutex
	state    tunnel.State
	started  bool
	calls    []string
	allowLAN []bool
}

func (m *fakeMachine) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return nil
}

func (m *fakeMachine) Start(context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *fakeMachine) Shutdown(context.Context) error { return m.record("shutdown") }

func (m *fakeMachine) State() tunnel.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind == "" {
		return tunnel.Disconnected()
	}
	return m.state
}

func (m *fakeMachine) Connect() error    { return m.record("connect") }
func (m *fakeMachine) Disconnect() error { return m.record("disconnect") }
func (m *fakeMachine) Reconnect() error  { return m.record("reconnect") }

func (m *fakeMachine) SetAllowLAN(allow bool) error {
	m.mu.Lock()
	m.allowLAN = append(m.allowLAN, allow)
	m.mu.Unlock()
	return m.record("allow_lan")
}

func (m *fakeMachine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type memTokens struct {
	mu    sync.Mutex
	token string
}

func (s *memTokens) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *memTokens) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

type fakeResolver struct {
	endpoint tunnel.Endpoint
	err      error
}

func (r fakeResolver) Endpoint(context.Context, settings.CustomTunnelEndpoint, bool) (tunnel.Endpoint, error) {
	return r.endpoint, r.err
}

type fakeAccounts struct{}

func (fakeAccounts) Data(_ context.Context, token string) (account.Data, error) {
	if token == "good" {
		return account.Data{}, nil
	}
	return account.Data{}, &account.InvalidAccountError{Status: 404}
}

type recorder struct {
	mu     sync.Mutex
	frames map[apiserver.Topic][]json.RawMessage
}

func (r *recorder) Publish(topic apiserver.Topic, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[apiserver.Topic][]json.RawMessage)
	}
	r.frames[topic] = append(r.frames[topic], raw)
	return nil
}

func (r *recorder) count(topic apiserver.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[topic])
}

type harness struct {
	d        *Daemon
	machine  *fakeMachine
	tokens   *memTokens
	store    *settings.Store
	hub      *recorder
	resolver *fakeResolver
}

var testRelays = []relay.Relay{
	{
		Hostname: "se-got-001", Country: "se", City: "got", Active: true, Load: 10,
		IPv4:    netip.MustParseAddr("185.213.154.68"),
		OpenVPN: relay.Ports{UDP: []uint16{1194}, TCP: []uint16{443}},
	},
	{
		Hostname: "de-fra-001", Country: "de", City: "fra", Active: true, Load: 50,
		IPv4:    netip.MustParseAddr("185.213.155.1"),
		OpenVPN: relay.Ports{UDP: []uint16{1194}, TCP: []uint16{443}},
	},
}

func newHarness(t *testing.T, token string, mutate func(*settings.Store)) *harness {
	t.Helper()
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	if mutate != nil {
		mutate(store)
	}

	h := &harness{
		machine:  &fakeMachine{},
		tokens:   &memTokens{token: token},
		store:    store,
		hub:      &recorder{},
		resolver: &fakeResolver{},
	}
	h.d, err = New(Config{
		Settings: store,
		Tokens:   h.tokens,
		Accounts: fakeAccounts{},
		Relays:   relay.NewSelector(testRelays),
		Resolver: h.resolver,
		Hub:      h.hub,
	})
	require.NoError(t, err)
	h.d.Attach(h.machine)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Start(context.Background()))
}

func TestDaemon_StartPublishesSnapshots(t *testing.T) {
	h := newHarness(t, "", nil)
	h.start(t)

	assert.True(t, h.machine.started)
	assert.Equal(t, 1, h.hub.count(apiserver.TopicState))
	assert.Equal(t, 1, h.hub.count(apiserver.TopicSettings))
	assert.Empty(t, h.machine.Calls())
}

func TestDaemon_CommandsBeforeStart(t *testing.T) {
	h := newHarness(t, "1234", nil)
	assert.ErrorIs(t, h.d.Connect(context.Background()), util.ErrNotRunning)
}

func TestDaemon_ConnectRequiresAccount(t *testing.T) {
	h := newHarness(t, "", nil)
	h.start(t)

	err := h.d.Connect(context.Background())
	assert.ErrorIs(t, err, util.ErrNoAccount)
	assert.Equal(t, Unsecured, h.d.Target())
	assert.Empty(t, h.machine.Calls())
}

func TestDaemon_ConnectDisconnect(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)

	require.NoError(t, h.d.Connect(context.Background()))
	assert.Equal(t, Secured, h.d.Target())
	require.NoError(t, h.d.Disconnect(context.Background()))
	assert.Equal(t, Unsecured, h.d.Target())
	assert.Equal(t, []string{"connect", "disconnect"}, h.machine.Calls())
}

func TestDaemon_AutoConnect(t *testing.T) {
	auto := func(s *settings.Store) {
		_, err := s.SetAutoConnect(true)
		require.NoError(t, err)
	}

	h := newHarness(t, "1234", auto)
	h.start(t)
	assert.Equal(t, []string{"connect"}, h.machine.Calls())
	assert.Equal(t, Secured, h.d.Target())

	h = newHarness(t, "", auto)
	h.start(t)
	assert.Empty(t, h.machine.Calls(), "no token, no auto-connect")
}

func TestDaemon_RelaySettingsReconnectWhenSecured(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)
	ctx := context.Background()

	se := settings.Only(settings.Location{Country: "se"})
	update := settings.RelaySettingsUpdate{Normal: &settings.RelayConstraintsUpdate{Location: &se}}

	require.NoError(t, h.d.UpdateRelaySettings(ctx, update))
	assert.Empty(t, h.machine.Calls(), "unsecured target does not reconnect")
	assert.Equal(t, 2, h.hub.count(apiserver.TopicSettings))

	require.NoError(t, h.d.Connect(ctx))
	de := settings.Only(settings.Location{Country: "de"})
	require.NoError(t, h.d.UpdateRelaySettings(ctx, settings.RelaySettingsUpdate{
		Normal: &settings.RelayConstraintsUpdate{Location: &de},
	}))
	assert.Equal(t, []string{"connect", "reconnect"}, h.machine.Calls())

	// Same value again: nothing persisted, nobody notified.
	require.NoError(t, h.d.UpdateRelaySettings(ctx, settings.RelaySettingsUpdate{
		Normal: &settings.RelayConstraintsUpdate{Location: &de},
	}))
	assert.Equal(t, []string{"connect", "reconnect"}, h.machine.Calls())
	assert.Equal(t, 3, h.hub.count(apiserver.TopicSettings))
}

func TestDaemon_BoolSettings(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.d.SetAllowLAN(ctx, true))
	require.NoError(t, h.d.SetAllowLAN(ctx, true))
	assert.Equal(t, []bool{true}, h.machine.allowLAN)

	require.NoError(t, h.d.SetEnableIPv6(ctx, true))
	assert.NotContains(t, h.machine.Calls(), "reconnect")

	require.NoError(t, h.d.Connect(ctx))
	require.NoError(t, h.d.SetEnableIPv6(ctx, false))
	assert.Contains(t, h.machine.Calls(), "reconnect")

	require.NoError(t, h.d.SetAutoConnect(ctx, true))
	st := h.d.Settings()
	assert.True(t, st.AllowLAN)
	assert.True(t, st.AutoConnect)
	assert.False(t, st.TunnelOptions.EnableIPv6)
}

func TestDaemon_OpenVPNMssfix(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)
	ctx := context.Background()

	mss := uint16(1300)
	require.NoError(t, h.d.SetOpenVPNMssfix(ctx, &mss))
	assert.Empty(t, h.machine.Calls(), "unsecured target does not reconnect")

	p, err := h.d.Parameters(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1300), p.Mssfix)

	zero := uint16(0)
	assert.ErrorIs(t, h.d.SetOpenVPNMssfix(ctx, &zero), util.ErrInvalidConfig)

	require.NoError(t, h.d.Connect(ctx))
	require.NoError(t, h.d.SetOpenVPNMssfix(ctx, &mss))
	assert.Equal(t, []string{"connect"}, h.machine.Calls(), "unchanged value does not reconnect")
	require.NoError(t, h.d.SetOpenVPNMssfix(ctx, nil))
	assert.Equal(t, []string{"connect", "reconnect"}, h.machine.Calls())

	p, err = h.d.Parameters(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, p.Mssfix)
}

func TestDaemon_RelayLocations(t *testing.T) {
	h := newHarness(t, "", nil)
	list := h.d.RelayLocations()
	require.Len(t, list.Countries, 2)
	assert.Equal(t, "de", list.Countries[0].Code)
	assert.Equal(t, "se-got-001", list.Countries[1].Cities[0].Relays[0].Hostname)
}

func TestDaemon_LogoutDisconnects(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.d.Connect(ctx))
	require.NoError(t, h.d.SetAccount(ctx, ""))
	assert.Equal(t, Unsecured, h.d.Target())
	assert.Equal(t, []string{"connect", "disconnect"}, h.machine.Calls())

	require.NoError(t, h.d.SetAccount(ctx, "5678"))
	tok, _ := h.tokens.Token()
	assert.Equal(t, "5678", tok)
}

func TestDaemon_AccountData(t *testing.T) {
	h := newHarness(t, "", nil)
	_, err := h.d.AccountData(context.Background(), "good")
	assert.NoError(t, err)
	_, err = h.d.AccountData(context.Background(), "bad")
	assert.True(t, account.IsInvalidAccount(err))
}

func TestDaemon_Parameters(t *testing.T) {
	ctx := context.Background()

	t.Run("relay", func(t *testing.T) {
		h := newHarness(t, "1234", nil)
		p, err := h.d.Parameters(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "1234", p.Username)
		assert.Equal(t, "se-got-001", p.Endpoint.Hostname)
		assert.False(t, p.EnableIPv6)
	})

	t.Run("no matching relay", func(t *testing.T) {
		nl := settings.Only(settings.Location{Country: "nl"})
		h := newHarness(t, "1234", func(s *settings.Store) {
			_, err := s.UpdateRelaySettings(settings.RelaySettingsUpdate{
				Normal: &settings.RelayConstraintsUpdate{Location: &nl},
			})
			require.NoError(t, err)
		})
		_, err := h.d.Parameters(ctx, 0)
		assert.ErrorIs(t, err, relay.ErrNoMatchingRelay)
		assert.Equal(t, tunnel.ReasonNoMatchingRelay, tunnel.ReasonOf(err, tunnel.ReasonStartTunnelError).Kind)
	})

	t.Run("custom endpoint", func(t *testing.T) {
		h := newHarness(t, "1234", func(s *settings.Store) {
			_, err := s.UpdateRelaySettings(settings.RelaySettingsUpdate{
				CustomTunnelEndpoint: &settings.CustomTunnelEndpoint{Host: "vpn.example.net", Port: 1194, Protocol: tunnel.UDP},
			})
			require.NoError(t, err)
			_, err = s.SetEnableIPv6(true)
			require.NoError(t, err)
		})
		want := tunnel.Endpoint{Address: netip.MustParseAddrPort("192.0.2.10:1194"), Protocol: tunnel.UDP, Hostname: "vpn.example.net"}
		h.resolver.endpoint = want

		p, err := h.d.Parameters(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, want, p.Endpoint)
		assert.True(t, p.EnableIPv6)
	})

	t.Run("no token", func(t *testing.T) {
		h := newHarness(t, "", nil)
		_, err := h.d.Parameters(ctx, 0)
		assert.ErrorIs(t, err, util.ErrNoAccount)
		reason := tunnel.ReasonOf(err, tunnel.ReasonStartTunnelError)
		assert.Equal(t, tunnel.ReasonAuthFailed, reason.Kind)
		assert.False(t, reason.Retryable())
	})
}

func TestDaemon_TransitionsArePublished(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)

	h.d.OnTransition(tunnel.Disconnected(), tunnel.Connecting(0))
	h.d.OnTransition(tunnel.Connecting(0), tunnel.Blocked(tunnel.Reason(tunnel.ReasonStartTunnelError)))

	h.hub.mu.Lock()
	frames := h.hub.frames[apiserver.TopicState]
	h.hub.mu.Unlock()
	require.Len(t, frames, 3)

	var last tunnel.State
	require.NoError(t, json.Unmarshal(frames[2], &last))
	assert.Equal(t, tunnel.StateBlocked, last.Kind)
}

func TestDaemon_Shutdown(t *testing.T) {
	h := newHarness(t, "1234", nil)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.d.Shutdown(ctx))
	assert.Equal(t, []string{"shutdown"}, h.machine.Calls())
	assert.ErrorIs(t, h.d.Connect(ctx), util.ErrShuttingDown)
	assert.ErrorIs(t, h.d.SetAllowLAN(ctx, true), util.ErrShuttingDown)
}

func TestDaemon_ImplementsRPCSurface(t *testing.T) {
	var _ apiserver.Daemon = (*Daemon)(nil)
}
