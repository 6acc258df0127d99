package openvpn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// TestMain lets the test binary stand in for openvpn: when started with
// our command line it plays the client side of the management protocol.
func TestMain(m *testing.M) {
	for _, arg := range os.Args[1:] {
		if arg == "--management-client" {
			os.Exit(fakeOpenVPN(os.Args[1:]))
		}
	}
	os.Exit(m.Run())
}

func argAfter(args []string, name string, n int) []string {
	for i, a := range args {
		if a == name && i+n < len(args) {
			return args[i+1 : i+1+n]
		}
	}
	return nil
}

func setenvArg(args []string, key string) string {
	for i := 0; i+2 < len(args); i++ {
		if args[i] == "--setenv" && args[i+1] == key {
			return args[i+2]
		}
	}
	return ""
}

func fakeOpenVPN(args []string) int {
	mgmt := argAfter(args, "--management", 2)
	mode := "up"
	if v := argAfter(args, "--fake-mode", 1); v != nil {
		mode = v[0]
	}
	if mode == "exit-early" {
		return 1
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(mgmt[0], mgmt[1]))
	if err != nil {
		return 2
	}
	defer conn.Close()

	fmt.Fprintf(conn, ">INFO:OpenVPN Management Interface Version 5\n>HOLD:Waiting for hold release:0\n")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "hold release":
			fmt.Fprintf(conn, ">PASSWORD:Need 'Auth' username/password\n")
		case strings.HasPrefix(line, `password "Auth"`):
			if mode == "auth-fail" {
				fmt.Fprintf(conn, ">PASSWORD:Verification Failed: 'Auth' ['expired']\n")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := postEvent(ctx, setenvArg(args, envBridgeAddr), bridgeMessage{
				Secret: setenvArg(args, envBridgeSecret),
				Event:  codeUp,
				Env:    map[string]string{"dev": "tun7", "ifconfig_local": "10.8.0.2"},
			})
			cancel()
			if err != nil {
				return 3
			}
			if mode == "crash" {
				return 1
			}
		case line == "signal SIGTERM":
			if mode != "ignore-term" {
				return 0
			}
		}
	}
	if mode == "ignore-term" {
		select {}
	}
	return 0
}

func testSupervisor(t *testing.T, mode string) *Supervisor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Binary = os.Args[0]
	cfg.EventCommand = "tunnelguard-daemon"
	cfg.StartTimeout = 5 * time.Second
	cfg.StopTimeout = 500 * time.Millisecond
	if mode != "" {
		cfg.ExtraArgs = []string{"--fake-mode", mode}
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func testParams() tunnel.Parameters {
	return tunnel.Parameters{
		Endpoint: tunnel.Endpoint{
			Address:  netip.MustParseAddrPort("127.0.0.1:1194"),
			Protocol: tunnel.UDP,
		},
		Username: "1234567890",
	}
}

func nextEvent(t *testing.T, s *Supervisor) tunnel.ProcessEvent {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a process event")
		return tunnel.ProcessEvent{}
	}
}

func TestSupervisorUpAndStop(t *testing.T) {
	s := testSupervisor(t, "up")
	ctx := t.Context()

	require.NoError(t, s.Start(ctx, "h1", testParams()))

	ev := nextEvent(t, s)
	assert.Equal(t, tunnel.ProcessUp, ev.Kind)
	assert.Equal(t, "h1", ev.Handle)
	assert.Equal(t, "tun7", ev.Metadata.Interface)
	assert.Equal(t, netip.MustParseAddr("10.8.0.2"), ev.Metadata.IPv4)
	assert.Equal(t, testParams().Endpoint, ev.Metadata.Endpoint)

	require.NoError(t, s.Stop(ctx, "h1"))
	ev = nextEvent(t, s)
	assert.Equal(t, tunnel.ProcessStopped, ev.Kind, "a requested stop does not report Down")
	assert.Equal(t, "h1", ev.Handle)

	// The handle is released.
	assert.NoError(t, s.Stop(ctx, "h1"))
}

func TestSupervisorAuthFailure(t *testing.T) {
	s := testSupervisor(t, "auth-fail")

	require.NoError(t, s.Start(t.Context(), "h2", testParams()))

	ev := nextEvent(t, s)
	assert.Equal(t, tunnel.ProcessFailed, ev.Kind)
	assert.Equal(t, tunnel.AuthFailed("expired"), ev.Reason)

	// A terminal failure terminates the process.
	ev = nextEvent(t, s)
	assert.Equal(t, tunnel.ProcessStopped, ev.Kind)
}

func TestSupervisorUnexpectedExit(t *testing.T) {
	s := testSupervisor(t, "crash")

	require.NoError(t, s.Start(t.Context(), "h3", testParams()))

	assert.Equal(t, tunnel.ProcessUp, nextEvent(t, s).Kind)
	assert.Equal(t, tunnel.ProcessDown, nextEvent(t, s).Kind)
	ev := nextEvent(t, s)
	assert.Equal(t, tunnel.ProcessStopped, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestSupervisorKillsStubbornProcess(t *testing.T) {
	s := testSupervisor(t, "ignore-term")
	ctx := t.Context()

	require.NoError(t, s.Start(ctx, "h4", testParams()))
	assert.Equal(t, tunnel.ProcessUp, nextEvent(t, s).Kind)

	start := time.Now()
	require.NoError(t, s.Stop(ctx, "h4"))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, tunnel.ProcessStopped, nextEvent(t, s).Kind)
}

func TestSupervisorStartErrors(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		s := testSupervisor(t, "")
		s.cfg.Binary = "/nonexistent/openvpn"
		err := s.Start(t.Context(), "h5", testParams())
		require.Error(t, err)
		assert.Equal(t, tunnel.ReasonStartTunnelError, tunnel.ReasonOf(err, tunnel.ReasonNoMatchingRelay).Kind)
	})

	t.Run("exits before attaching", func(t *testing.T) {
		s := testSupervisor(t, "exit-early")
		start := time.Now()
		err := s.Start(t.Context(), "h7", testParams())
		require.Error(t, err)
		assert.ErrorIs(t, err, errExitedEarly)
		assert.Equal(t, tunnel.ReasonStartTunnelError, tunnel.ReasonOf(err, tunnel.ReasonNoMatchingRelay).Kind)
		assert.Less(t, time.Since(start), s.cfg.StartTimeout/2, "does not wait for the start timeout")
	})

	t.Run("ipv6 disabled", func(t *testing.T) {
		s := testSupervisor(t, "")
		s.ipv6 = func() bool { return false }
		params := testParams()
		params.EnableIPv6 = true
		err := s.Start(t.Context(), "h6", params)
		require.Error(t, err)
		assert.Equal(t, tunnel.ReasonIPv6Unavailable, tunnel.ReasonOf(err, tunnel.ReasonStartTunnelError).Kind)
	})
}
