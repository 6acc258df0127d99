package openvpn

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

func TestTranslate(t *testing.T) {
	ev, err := translate(bridgeMessage{Event: codeUp, Env: map[string]string{
		"dev":               "tun3",
		"ifconfig_local":    "10.8.0.7",
		"route_vpn_gateway": "10.8.0.1",
	}})
	require.NoError(t, err)
	assert.Equal(t, tunnel.ProcessUp, ev.Kind)
	assert.Equal(t, "tun3", ev.Metadata.Interface)
	assert.Equal(t, netip.MustParseAddr("10.8.0.7"), ev.Metadata.IPv4)
	assert.Equal(t, netip.MustParseAddr("10.8.0.1"), ev.Metadata.Gateway)
	assert.False(t, ev.Metadata.IPv6.IsValid())

	ev, err = translate(bridgeMessage{Event: codeAuthFailed, Env: map[string]string{"auth_failed_reason": "expired"}})
	require.NoError(t, err)
	assert.Equal(t, tunnel.ProcessFailed, ev.Kind)
	assert.Equal(t, tunnel.AuthFailed("expired"), ev.Reason)

	ev, err = translate(bridgeMessage{Event: codeRoutePredown})
	require.NoError(t, err)
	assert.Equal(t, tunnel.ProcessDown, ev.Kind)
}

func TestTranslateRejects(t *testing.T) {
	_, err := translate(bridgeMessage{Event: "route_up_v2"})
	assert.ErrorIs(t, err, errUnknownCode)

	_, err = translate(bridgeMessage{Event: codeUp})
	assert.Error(t, err, "up without a device")

	_, err = translate(bridgeMessage{Event: codeUp, Env: map[string]string{"dev": "tun0", "ifconfig_local": "10.8.0"}})
	assert.Error(t, err)
}

func TestBridgeRoundTrip(t *testing.T) {
	b, err := listenBridge(slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer b.close()

	got := make(chan tunnel.ProcessEvent, 4)
	b.register("secret-1", func(ev tunnel.ProcessEvent) { got <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, postEvent(ctx, b.addr(), bridgeMessage{
		Secret: "secret-1",
		Event:  codeUp,
		Env:    map[string]string{"dev": "tun0"},
	}))
	ev := <-got
	assert.Equal(t, tunnel.ProcessUp, ev.Kind)

	// Unknown codes and foreign secrets are dropped without reaching the handler.
	assert.Error(t, postEvent(ctx, b.addr(), bridgeMessage{Secret: "secret-1", Event: "bogus"}))
	assert.Error(t, postEvent(ctx, b.addr(), bridgeMessage{Secret: "other", Event: codeRoutePredown}))

	b.unregister("secret-1")
	assert.Error(t, postEvent(ctx, b.addr(), bridgeMessage{Secret: "secret-1", Event: codeRoutePredown}))
	assert.Empty(t, got)
}

func TestPostEventRequiresEnvironment(t *testing.T) {
	t.Setenv(envBridgeAddr, "")
	t.Setenv(envBridgeSecret, "")
	assert.Error(t, PostEvent(context.Background(), codeUp))
}
