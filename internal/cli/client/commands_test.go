package client

import (
	"bytes"
	"context"
	"net/netip"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelguard/internal/account"
	apiserver "github.com/rennerdo30/tunnelguard/internal/api/server"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

type fakeDaemon struct {
	mu       sync.Mutex
	hub      *apiserver.Hub
	state    tunnel.State
	settings settings.Settings
	token    string
}

func (d *fakeDaemon) setState(s tunnel.State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	_ = d.hub.Publish(apiserver.TopicState, s)
}

func (d *fakeDaemon) Connect(context.Context) error {
	d.mu.Lock()
	token := d.token
	d.mu.Unlock()
	if token == "" {
		return util.ErrNoAccount
	}
	d.setState(tunnel.Connecting(0))
	d.setState(tunnel.Connected(tunnel.Metadata{
		Interface: "tun0",
		IPv4:      netip.MustParseAddr("10.8.0.2"),
		Endpoint: tunnel.Endpoint{
			Address:  netip.MustParseAddrPort("185.65.135.1:1194"),
			Protocol: tunnel.UDP,
			Hostname: "se-got-001",
		},
	}))
	return nil
}

func (d *fakeDaemon) Disconnect(context.Context) error {
	d.setState(tunnel.Disconnected())
	return nil
}

func (d *fakeDaemon) State() tunnel.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDaemon) Settings() settings.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.Clone()
}

func (d *fakeDaemon) UpdateRelaySettings(_ context.Context, u settings.RelaySettingsUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, err := d.settings.RelaySettings.Merge(u)
	if err != nil {
		return err
	}
	d.settings.RelaySettings = rs
	return nil
}

func (d *fakeDaemon) SetAllowLAN(_ context.Context, v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.AllowLAN = v
	return nil
}

func (d *fakeDaemon) SetEnableIPv6(_ context.Context, v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.TunnelOptions.EnableIPv6 = v
	return nil
}

func (d *fakeDaemon) SetAutoConnect(_ context.Context, v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.AutoConnect = v
	return nil
}

func (d *fakeDaemon) SetOpenVPNMssfix(_ context.Context, v *uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.TunnelOptions.OpenVPNMssfix = v
	return nil
}

func (d *fakeDaemon) RelayLocations() relay.RelayList {
	return relay.Locations([]relay.Relay{
		{
			Hostname: "se-got-001",
			Country:  "se",
			City:     "got",
			Active:   true,
			IPv4:     netip.MustParseAddr("185.213.154.68"),
			OpenVPN:  relay.Ports{UDP: []uint16{1194, 1195}, TCP: []uint16{443}},
		},
		{
			Hostname: "de-fra-002",
			Country:  "de",
			City:     "fra",
			IPv4:     netip.MustParseAddr("185.213.155.2"),
			OpenVPN:  relay.Ports{UDP: []uint16{1194}},
		},
	})
}

func (d *fakeDaemon) AccountData(_ context.Context, token string) (account.Data, error) {
	if token == "good" {
		return account.Data{Expiry: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
	}
	return account.Data{}, &account.InvalidAccountError{Status: 404, Message: "no such account"}
}

func (d *fakeDaemon) SetAccount(_ context.Context, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
	return nil
}

func (d *fakeDaemon) accountToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func startDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	hub := apiserver.NewHub()
	d := &fakeDaemon{hub: hub, state: tunnel.Disconnected(), settings: settings.Default()}
	require.NoError(t, hub.Publish(apiserver.TopicState, d.state))

	srv := httptest.NewServer(apiserver.New(apiserver.Config{Daemon: d, Hub: hub, Token: "secret"}).Router())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return d, srv.URL
}

func run(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	root := NewCommands()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api", api, "--token", "secret", "--timeout", "5s"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	_, api := startDaemon(t)

	out, err := run(t, api, "status")
	require.NoError(t, err)
	assert.Equal(t, "Disconnected\n", out)

	out, err = run(t, api, "status", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"disconnected"}`, out)
}

func TestConnect_NoAccount(t *testing.T) {
	_, api := startDaemon(t)

	_, err := run(t, api, "connect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account set")
}

func TestConnect_Wait(t *testing.T) {
	d, api := startDaemon(t)
	require.NoError(t, d.SetAccount(context.Background(), "1234"))

	out, err := run(t, api, "connect", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected to se-got-001 (185.65.135.1:1194/udp) on tun0, tunnel address 10.8.0.2")

	out, err = run(t, api, "disconnect", "--wait")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "Disconnected\n"), out)
}

func TestAuthRequired(t *testing.T) {
	_, api := startDaemon(t)
	root := NewCommands()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--api", api, "--token", "wrong", "status"})
	assert.Error(t, root.Execute())
}

func TestSettingsCommands(t *testing.T) {
	d, api := startDaemon(t)

	_, err := run(t, api, "lan", "on")
	require.NoError(t, err)
	_, err = run(t, api, "ipv6", "enable")
	require.NoError(t, err)
	_, err = run(t, api, "auto-connect", "yes")
	require.NoError(t, err)
	_, err = run(t, api, "lan", "maybe")
	assert.Error(t, err)

	st := d.Settings()
	assert.True(t, st.AllowLAN)
	assert.True(t, st.TunnelOptions.EnableIPv6)
	assert.True(t, st.AutoConnect)

	out, err := run(t, api, "lan")
	require.NoError(t, err)
	assert.Equal(t, "on\n", out)

	out, err = run(t, api, "settings")
	require.NoError(t, err)
	assert.Contains(t, out, "LAN access")
	assert.Contains(t, out, "location any")
}

func TestRelayCommands(t *testing.T) {
	d, api := startDaemon(t)

	_, err := run(t, api, "relay", "set", "location", "se", "got")
	require.NoError(t, err)
	_, err = run(t, api, "relay", "set", "protocol", "tcp")
	require.NoError(t, err)
	_, err = run(t, api, "relay", "set", "port", "443")
	require.NoError(t, err)

	rs := d.Settings().RelaySettings
	require.NotNil(t, rs.Normal)
	loc, ok := rs.Normal.Location.Value()
	require.True(t, ok)
	assert.Equal(t, settings.Location{Country: "se", City: "got"}, loc)
	proto, ok := rs.Normal.Tunnel.Protocol.Value()
	require.True(t, ok, "setting the port keeps the protocol")
	assert.Equal(t, tunnel.TCP, proto)
	port, _ := rs.Normal.Tunnel.Port.Value()
	assert.Equal(t, uint16(443), port)

	_, err = run(t, api, "relay", "set", "port", "70000")
	assert.Error(t, err)

	_, err = run(t, api, "relay", "set", "custom", "vpn.example.net", "1194")
	require.NoError(t, err)
	out, err := run(t, api, "relay", "get")
	require.NoError(t, err)
	assert.Equal(t, "custom vpn.example.net:1194/udp\n", out)
}

func TestRelayList(t *testing.T) {
	_, api := startDaemon(t)

	out, err := run(t, api, "relay", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "HOSTNAME")
	assert.Contains(t, lines[1], "de-fra-002")
	assert.Contains(t, lines[1], "inactive")
	assert.Contains(t, lines[2], "se-got-001")
	assert.Contains(t, lines[2], "udp:1194,1195 tcp:443")

	out, err = run(t, api, "--json", "relay", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"hostname": "se-got-001"`)
}

func TestMssfixCommand(t *testing.T) {
	d, api := startDaemon(t)

	out, err := run(t, api, "mssfix")
	require.NoError(t, err)
	assert.Equal(t, "default\n", out)

	_, err = run(t, api, "mssfix", "1400")
	require.NoError(t, err)
	require.NotNil(t, d.Settings().TunnelOptions.OpenVPNMssfix)
	assert.Equal(t, uint16(1400), *d.Settings().TunnelOptions.OpenVPNMssfix)

	out, err = run(t, api, "mssfix")
	require.NoError(t, err)
	assert.Equal(t, "1400\n", out)

	_, err = run(t, api, "mssfix", "0")
	assert.Error(t, err)
	_, err = run(t, api, "mssfix", "70000")
	assert.Error(t, err)

	_, err = run(t, api, "mssfix", "default")
	require.NoError(t, err)
	assert.Nil(t, d.Settings().TunnelOptions.OpenVPNMssfix)
}

func TestAccountCommands(t *testing.T) {
	d, api := startDaemon(t)

	_, err := run(t, api, "account", "set", "1234")
	require.NoError(t, err)
	assert.Equal(t, "1234", d.accountToken())

	_, err = run(t, api, "account", "clear")
	require.NoError(t, err)
	assert.Empty(t, d.accountToken())

	out, err := run(t, api, "account", "get", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "(active)")

	_, err = run(t, api, "account", "get", "bad")
	require.Error(t, err)
	assert.True(t, account.IsInvalidAccount(err))
}

func TestRPCCommand(t *testing.T) {
	d, api := startDaemon(t)

	_, err := run(t, api, "rpc", "set_allow_lan", `{"value": true}`)
	require.NoError(t, err)
	assert.True(t, d.Settings().AllowLAN)

	out, err := run(t, api, "rpc", "get_settings")
	require.NoError(t, err)
	assert.Contains(t, out, `"allowLan": true`)
	assert.Contains(t, out, `"relaySettings"`)

	_, err = run(t, api, "rpc", "get_state", "{not json")
	assert.Error(t, err)
}

func TestVersion_DaemonUnavailable(t *testing.T) {
	out, err := run(t, "http://127.0.0.1:1", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "daemon: unavailable")
}

func TestFormatState(t *testing.T) {
	tests := []struct {
		state tunnel.State
		want  string
	}{
		{tunnel.Disconnected(), "Disconnected"},
		{tunnel.Connecting(0), "Connecting..."},
		{tunnel.Connecting(3), "Connecting... (retry 3)"},
		{tunnel.Disconnecting(tunnel.AfterNothing, nil), "Disconnecting..."},
		{tunnel.Blocked(tunnel.AuthFailed("")), "Blocked: Authentication with remote server failed: No reason provided"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatState(tt.state))
	}
}
