package openvpn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

var (
	errIPv6Disabled = errors.New("IPv6 is disabled in the operating system")
	errExitedEarly  = errors.New("tunnel process exited before attaching")
	errProcessDone  = os.ErrProcessDone
)

// Supervisor starts and stops tunnel processes and forwards their events.
// At most one process is alive at a time.
type Supervisor struct {
	cfg          Config
	eventCommand string
	log          *slog.Logger
	bridge       *bridge
	events       chan tunnel.ProcessEvent
	closed       chan struct{}
	closeOnce    sync.Once
	ipv6         func() bool

	mu      sync.Mutex
	procs   map[string]*process
	current *process
}

// New creates a supervisor and starts its event bridge.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eventCommand := cfg.EventCommand
	if eventCommand == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve event command: %w", err)
		}
		eventCommand = exe
	}

	log := logging.WithComponent("openvpn")
	b, err := listenBridge(log)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:          cfg,
		eventCommand: eventCommand,
		log:          log,
		bridge:       b,
		events:       make(chan tunnel.ProcessEvent, 64),
		closed:       make(chan struct{}),
		ipv6:         ipv6Available,
		procs:        make(map[string]*process),
	}, nil
}

// Events delivers process events in the order they occurred.
func (s *Supervisor) Events() <-chan tunnel.ProcessEvent {
	return s.events
}

func (s *Supervisor) emit(ev tunnel.ProcessEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// Start launches a tunnel process for params under the handle id. It
// returns once OpenVPN has attached to the management interface; the
// outcome of the handshake arrives as a ProcessUp or ProcessFailed event.
// Errors carry a tunnel.BlockReason.
func (s *Supervisor) Start(ctx context.Context, id string, params tunnel.Parameters) error {
	startErr := func(err error) error {
		return tunnel.NewError(tunnel.Reason(tunnel.ReasonStartTunnelError), err)
	}

	if err := s.waitReleased(ctx); err != nil {
		return startErr(err)
	}
	if params.EnableIPv6 && !s.ipv6() {
		return tunnel.NewError(tunnel.Reason(tunnel.ReasonIPv6Unavailable), errIPv6Disabled)
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return startErr(fmt.Errorf("listen for management interface: %w", err))
	}
	defer ln.Close()

	secret := uuid.NewString()
	args := buildArgs(s.cfg, s.eventCommand, launch{
		params:       params,
		mgmtAddr:     ln.Addr().(*net.TCPAddr),
		bridgeAddr:   s.bridge.addr(),
		bridgeSecret: secret,
	})

	log := s.log.With("handle", id, "endpoint", params.Endpoint.String())
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Env = processEnv()
	cmd.Stdout = &logWriter{logger: log}
	cmd.Stderr = &logWriter{logger: log}
	hideWindow(cmd)

	p := &process{
		id:     id,
		params: params,
		cfg:    s.cfg,
		cmd:    cmd,
		log:    log,
		emit:   s.emit,
		done:   make(chan struct{}),
	}
	p.terminate = p.stopAsync
	s.bridge.register(secret, p.deliver)

	if err := cmd.Start(); err != nil {
		s.bridge.unregister(secret)
		return startErr(fmt.Errorf("launch %s: %w", s.cfg.Binary, err))
	}
	log.Info("tunnel process started", "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.procs[id] = p
	s.current = p
	s.mu.Unlock()

	p.armHandshake(s.cfg.StartTimeout)
	go p.wait(func() {
		s.bridge.unregister(secret)
		s.mu.Lock()
		delete(s.procs, id)
		if s.current == p {
			s.current = nil
		}
		s.mu.Unlock()
	})

	conn, err := acceptManagement(ctx, ln, s.cfg.StartTimeout, p.done)
	if err != nil {
		if errors.Is(err, errExitedEarly) && p.exitErr != nil {
			err = fmt.Errorf("%w: %w", err, p.exitErr)
		}
		p.stopAsync()
		return startErr(fmt.Errorf("management interface: %w", err))
	}
	go p.manage(conn)
	return nil
}

// acceptManagement waits for OpenVPN to connect to the management
// listener. It gives up when ctx ends, the timeout passes or exited is
// closed.
func acceptManagement(ctx context.Context, ln *net.TCPListener, timeout time.Duration, exited <-chan struct{}) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ln.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { ln.SetDeadline(time.Now()) })
	defer stop()
	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-exited:
			ln.SetDeadline(time.Now())
		case <-accepted:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-exited:
			return nil, errExitedEarly
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, util.ErrTimeout
		}
		return nil, err
	}
	return conn, nil
}

// waitReleased blocks until the previous process has exited.
func (s *Supervisor) waitReleased(ctx context.Context) error {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev == nil {
		return nil
	}
	select {
	case <-prev.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("previous tunnel process still running: %w", ctx.Err())
	}
}

// Stop terminates the process with the given handle. Stopping a handle
// that already exited is not an error. ProcessStopped is emitted when the
// process is gone.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.stop(ctx)
}

// Close stops any running process and shuts the event bridge down.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var errs util.MultiError
	for _, p := range procs {
		errs.Add(p.stop(ctx))
	}
	errs.Add(s.bridge.close())
	s.closeOnce.Do(func() { close(s.closed) })
	return errs.Err()
}

// processEnv is the environment of the tunnel process: only what the
// binary and its hooks need.
func processEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "SystemRoot", "SYSTEMROOT"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
