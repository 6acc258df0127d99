package openvpn

import (
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

func testLaunch(enableIPv6 bool, proto tunnel.TransportProtocol) launch {
	return launch{
		params: tunnel.Parameters{
			Endpoint: tunnel.Endpoint{
				Address:  netip.MustParseAddrPort("185.65.134.1:443"),
				Protocol: proto,
			},
			Username:   "1234567890",
			EnableIPv6: enableIPv6,
		},
		mgmtAddr:     &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000},
		bridgeAddr:   "127.0.0.1:42000",
		bridgeSecret: "s3cret",
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfigFile = "/etc/tunnelguard/openvpn.conf"
	cfg.CAFile = "/etc/tunnelguard/ca.crt"
	cfg.ExtraArgs = []string{"--mute-replay-warnings"}

	args := buildArgs(cfg, "/usr/bin/tunnelguard-daemon", testLaunch(false, tunnel.UDP))
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"--config", "/etc/tunnelguard/openvpn.conf"}, args[:2])
	assert.Contains(t, joined, "--ca /etc/tunnelguard/ca.crt")
	assert.Contains(t, joined, "--remote 185.65.134.1 443 --proto udp")
	assert.Contains(t, joined, "--management 127.0.0.1 41000 --management-client --management-hold")
	assert.Contains(t, joined, "--auth-retry none")
	assert.Contains(t, joined, "--setenv TUNNELGUARD_EVENT_ADDR 127.0.0.1:42000")
	assert.Contains(t, joined, "--setenv TUNNELGUARD_EVENT_SECRET s3cret")
	assert.Contains(t, args, "/usr/bin/tunnelguard-daemon tunnel-event up")
	assert.Contains(t, args, "/usr/bin/tunnelguard-daemon tunnel-event route_predown")
	assert.Contains(t, joined, "--pull-filter ignore route-ipv6")
	assert.Equal(t, "--mute-replay-warnings", args[len(args)-1])
	assert.NotContains(t, joined, "1234567890", "credentials go over the management interface")
}

func TestBuildArgsTCPWithIPv6(t *testing.T) {
	args := buildArgs(DefaultConfig(), "tunnelguard-daemon", testLaunch(true, tunnel.TCP))
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--proto tcp-client")
	assert.NotContains(t, joined, "--pull-filter")
	assert.NotContains(t, joined, "--config")
}

func TestBuildArgsMssfix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExtraArgs = []string{"--mute-replay-warnings"}

	l := testLaunch(false, tunnel.UDP)
	assert.NotContains(t, buildArgs(cfg, "tunnelguard-daemon", l), "--mssfix")

	l.params.Mssfix = 1400
	args := buildArgs(cfg, "tunnelguard-daemon", l)
	assert.Contains(t, strings.Join(args, " "), "--mssfix 1400 --mute-replay-warnings")
}

func TestHookCommandQuotesPath(t *testing.T) {
	assert.Equal(t, `"C:\\Program Files\\TunnelGuard\\daemon.exe" tunnel-event up`,
		hookCommand(`C:\Program Files\TunnelGuard\daemon.exe`, codeUp))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Binary = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StopTimeout = 0
	assert.Error(t, cfg.Validate())
}
