package openvpn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// Event codes reported by the OpenVPN hooks.
const (
	codeUp           = "up"
	codeRoutePredown = "route_predown"
	codeAuthFailed   = "auth_failed"
)

var (
	errUnknownCode   = errors.New("unknown event code")
	errUnknownSecret = errors.New("unknown bridge secret")
)

// hookEnvKeys are the OpenVPN script variables forwarded to the bridge.
var hookEnvKeys = []string{
	"dev",
	"ifconfig_local",
	"ifconfig_ipv6_local",
	"route_vpn_gateway",
	"auth_failed_reason",
}

type bridgeMessage struct {
	Secret string            `json:"secret"`
	Event  string            `json:"event"`
	Env    map[string]string `json:"env,omitempty"`
}

// bridge is a loopback listener that receives hook events from tunnel
// processes. Each process is registered under a random secret which it
// receives through --setenv.
type bridge struct {
	ln  net.Listener
	log *slog.Logger

	mu       sync.Mutex
	handlers map[string]func(tunnel.ProcessEvent)
	wg       sync.WaitGroup
}

func listenBridge(log *slog.Logger) (*bridge, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen event bridge: %w", err)
	}
	b := &bridge{ln: ln, log: log, handlers: make(map[string]func(tunnel.ProcessEvent))}
	b.wg.Add(1)
	go b.serve()
	return b, nil
}

func (b *bridge) addr() string { return b.ln.Addr().String() }

func (b *bridge) register(secret string, h func(tunnel.ProcessEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[secret] = h
}

func (b *bridge) unregister(secret string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, secret)
}

func (b *bridge) close() error {
	err := b.ln.Close()
	b.wg.Wait()
	return err
}

func (b *bridge) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer logging.Recover(b.log, "event bridge connection")
			b.handleConn(conn)
		}()
	}
}

func (b *bridge) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		reply := "ok\n"
		if err := b.dispatch(scanner.Bytes()); err != nil {
			b.log.Warn("dropped tunnel process event", "error", err)
			reply = "rejected\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (b *bridge) dispatch(line []byte) error {
	var msg bridgeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}

	b.mu.Lock()
	h, ok := b.handlers[msg.Secret]
	b.mu.Unlock()
	if !ok {
		return errUnknownSecret
	}

	ev, err := translate(msg)
	if err != nil {
		return fmt.Errorf("event %q: %w", msg.Event, err)
	}
	h(ev)
	return nil
}

// translate validates a hook message and maps its code to a process event.
// The handle is filled in by the receiving process.
func translate(msg bridgeMessage) (tunnel.ProcessEvent, error) {
	switch msg.Event {
	case codeUp:
		dev := msg.Env["dev"]
		if dev == "" {
			return tunnel.ProcessEvent{}, errors.New("missing tunnel device")
		}
		md := tunnel.Metadata{Interface: dev}
		for key, dst := range map[string]*netip.Addr{
			"ifconfig_local":      &md.IPv4,
			"ifconfig_ipv6_local": &md.IPv6,
			"route_vpn_gateway":   &md.Gateway,
		} {
			v := msg.Env[key]
			if v == "" {
				continue
			}
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return tunnel.ProcessEvent{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = addr
		}
		return tunnel.ProcessEvent{Kind: tunnel.ProcessUp, Metadata: md}, nil

	case codeRoutePredown:
		return tunnel.ProcessEvent{Kind: tunnel.ProcessDown}, nil

	case codeAuthFailed:
		return tunnel.ProcessEvent{
			Kind:   tunnel.ProcessFailed,
			Reason: tunnel.AuthFailed(msg.Env["auth_failed_reason"]),
		}, nil
	}
	return tunnel.ProcessEvent{}, errUnknownCode
}

// PostEvent reports a hook event to the daemon. It is called from the
// `tunnel-event` subcommand that OpenVPN runs, with the bridge address and
// secret taken from the environment.
func PostEvent(ctx context.Context, code string) error {
	addr, secret := os.Getenv(envBridgeAddr), os.Getenv(envBridgeSecret)
	if addr == "" || secret == "" {
		return fmt.Errorf("%s and %s must be set", envBridgeAddr, envBridgeSecret)
	}

	env := make(map[string]string)
	for _, key := range hookEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return postEvent(ctx, addr, bridgeMessage{Secret: secret, Event: code, Env: env})
}

func postEvent(ctx context.Context, addr string, msg bridgeMessage) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to event bridge: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read event reply: %w", err)
	}
	if strings.TrimSpace(reply) != "ok" {
		return fmt.Errorf("event %q rejected by daemon", msg.Event)
	}
	return nil
}
