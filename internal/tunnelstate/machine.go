// Package tunnelstate implements the tunnel state machine. A single event
// loop owns the tunnel state; user commands, process events, retry timers
// and the completion of asynchronous firewall and process operations are
// all serialized through it.
package tunnelstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/retry"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

// Firewall is the security policy controller.
type Firewall interface {
	Apply(ctx context.Context, p firewall.Policy) error
	Reset(ctx context.Context) error
}

// Supervisor runs tunnel processes. Start and Stop may be slow; events for
// a handle may arrive before Start returns.
type Supervisor interface {
	Start(ctx context.Context, id string, params tunnel.Parameters) error
	Stop(ctx context.Context, id string) error
	Events() <-chan tunnel.ProcessEvent
}

// ParameterGenerator selects a relay and builds the parameters of one
// connection attempt. Errors should carry a tunnel.BlockReason.
type ParameterGenerator func(ctx context.Context, attempt uint32) (tunnel.Parameters, error)

// Observer is notified from the event loop and must not block.
type Observer interface {
	OnTransition(from, to tunnel.State)
	OnPolicyApplied(kind firewall.PolicyKind, took time.Duration, err error)
	OnProcessStart(err error)
	OnRetryScheduled(attempt uint32, delay time.Duration)
}

// ExitPolicy decides what an unexpected tunnel exit leads to.
type ExitPolicy string

const (
	ExitReconnect ExitPolicy = "reconnect"
	ExitBlock     ExitPolicy = "block"
)

// Config configures the machine.
type Config struct {
	// AllowLAN is the initial LAN access setting.
	AllowLAN bool
	// Resolvers are reachable while a connection attempt selects and
	// contacts its relay, and nowhere else.
	Resolvers []netip.AddrPort
	// OnUnexpectedExit applies when an established tunnel goes down.
	OnUnexpectedExit ExitPolicy
	// ReleaseOnDisconnect resets the firewall on entering Disconnected
	// instead of blocking.
	ReleaseOnDisconnect bool
	// ResetOnShutdown resets the firewall when the machine shuts down.
	ResetOnShutdown bool
	// OperationTimeout bounds each firewall and process stop call.
	OperationTimeout time.Duration
}

// DefaultConfig returns the default machine configuration.
func DefaultConfig() Config {
	return Config{
		OnUnexpectedExit: ExitReconnect,
		ResetOnShutdown:  true,
		OperationTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.OnUnexpectedExit {
	case ExitReconnect, ExitBlock:
	default:
		return fmt.Errorf("unknown unexpected exit policy %q", c.OnUnexpectedExit)
	}
	if c.OperationTimeout <= 0 {
		return errors.New("operation timeout must be positive")
	}
	return nil
}

// Deps are the collaborators driven by the machine.
type Deps struct {
	Firewall   Firewall
	Supervisor Supervisor
	Parameters ParameterGenerator
	Retry      *retry.Scheduler
	Observers  []Observer
}

// Machine is the tunnel state machine.
type Machine struct {
	cfg       Config
	fw        Firewall
	sup       Supervisor
	generate  ParameterGenerator
	retry     *retry.Scheduler
	observers []Observer
	log       *slog.Logger

	events    chan any
	done      chan struct{}
	startOnce sync.Once
	ctx       context.Context

	mu      sync.RWMutex
	current tunnel.State

	// Loop-owned fields below.
	state     tunnel.State
	published tunnel.State
	held      []heldState
	gen       uint64
	seq       uint64
	allowLAN bool
	online   bool
	shutdown *shutdownRequest

	applying bool
	queued   *policyOp

	params   tunnel.Parameters
	handle   string
	starting string
	retiring map[string]bool
	up       *tunnel.Metadata

	retryToken uint64
	parked     bool
}

// New creates a machine in the Disconnected state. Call Start to run it.
func New(cfg Config, deps Deps) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Firewall == nil || deps.Supervisor == nil || deps.Parameters == nil {
		return nil, errors.New("firewall, supervisor and parameter generator are required")
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewScheduler(retry.DefaultBackoff())
	}
	return &Machine{
		cfg:       cfg,
		fw:        deps.Firewall,
		sup:       deps.Supervisor,
		generate:  deps.Parameters,
		retry:     deps.Retry,
		observers: deps.Observers,
		log:       logging.WithComponent("tunnelstate"),
		events:    make(chan any, 64),
		done:      make(chan struct{}),
		current:   tunnel.Disconnected(),
		state:     tunnel.Disconnected(),
		published: tunnel.Disconnected(),
		allowLAN:  cfg.AllowLAN,
		online:    true,
		retiring:  make(map[string]bool),
	}, nil
}

// Start runs the event loop until Shutdown completes or ctx is cancelled.
// The Disconnected policy is applied first.
func (m *Machine) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx = ctx
		go m.run()
	})
}

// Done is closed when the event loop has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

// State returns the current tunnel state.
func (m *Machine) State() tunnel.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdReconnect
	cmdSetAllowLAN
	cmdSetOnline
)

type command struct {
	kind  commandKind
	value bool
}

type shutdownRequest struct{}

// Connect starts connecting. It returns once the command is queued.
func (m *Machine) Connect() error { return m.send(command{kind: cmdConnect}) }

// Disconnect tears the tunnel down.
func (m *Machine) Disconnect() error { return m.send(command{kind: cmdDisconnect}) }

// Reconnect restarts an active or pending tunnel with fresh parameters.
// It does nothing when disconnected or blocked.
func (m *Machine) Reconnect() error { return m.send(command{kind: cmdReconnect}) }

// SetAllowLAN changes LAN access for subsequent policy applications.
func (m *Machine) SetAllowLAN(allow bool) error {
	return m.send(command{kind: cmdSetAllowLAN, value: allow})
}

// SetOnline reports network reachability. Retries wait while offline.
func (m *Machine) SetOnline(online bool) error {
	return m.send(command{kind: cmdSetOnline, value: online})
}

// Shutdown stops the tunnel process, releases or blocks the firewall and
// waits for the event loop to exit.
func (m *Machine) Shutdown(ctx context.Context) error {
	if m.send(&shutdownRequest{}) != nil {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tunnel state machine shutdown: %w", ctx.Err())
	}
}

func (m *Machine) send(ev any) error {
	select {
	case <-m.done:
		return util.ErrNotRunning
	default:
	}
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return util.ErrNotRunning
	}
}

func (m *Machine) run() {
	defer close(m.done)
	defer logging.Recover(m.log, "tunnel state machine")

	m.applyIdlePolicy()
	for {
		var ev any
		select {
		case <-m.ctx.Done():
			m.retry.Cancel()
			m.log.Info("tunnel state machine stopped", "reason", m.ctx.Err())
			return
		case pe := <-m.sup.Events():
			ev = pe
		case ev = <-m.events:
		}
		m.dispatch(ev)
		if m.finished() {
			return
		}
	}
}

func (m *Machine) dispatch(ev any) {
	switch ev := ev.(type) {
	case command:
		if m.shutdown != nil {
			m.log.Debug("ignoring command during shutdown", "command", ev.kind)
			return
		}
		m.onCommand(ev)
	case *shutdownRequest:
		m.onShutdown(ev)
	case tunnel.ProcessEvent:
		m.onProcessEvent(ev)
	case policyDone:
		m.onPolicyDone(ev)
	case paramsDone:
		m.onParamsDone(ev)
	case startDone:
		m.onStartDone(ev)
	case stopDone:
		m.onStopDone(ev)
	case retryFired:
		m.onRetryFired(ev)
	default:
		m.log.Warn("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// heldState is a transition not yet announced. It waits for the policy
// operation numbered gate, or for nothing when gate is zero.
type heldState struct {
	state tunnel.State
	gate  uint64
}

// setState moves the machine to s. Observers learn about it as soon as
// every earlier transition has been announced.
func (m *Machine) setState(s tunnel.State) { m.enter(s, 0) }

// enterGated moves the machine to s and applies p. Observers learn about s
// only once p is in force.
func (m *Machine) enterGated(s tunnel.State, p firewall.Policy) {
	m.enter(s, m.requestPolicy(p, stepNone))
}

func (m *Machine) enter(s tunnel.State, gate uint64) {
	if m.state.Equal(s) {
		return
	}
	m.state = s
	m.held = append(m.held, heldState{state: s, gate: gate})
	m.announce(0)
}

// announce publishes held transitions, in order, up to the first one that
// waits for a policy operation later than applied.
func (m *Machine) announce(applied uint64) {
	for len(m.held) > 0 && m.held[0].gate <= applied {
		s := m.held[0].state
		m.held = m.held[1:]
		m.publish(s)
	}
}

// discard drops held transitions superseded before their policy was in
// force.
func (m *Machine) discard(applied uint64) {
	for len(m.held) > 0 && m.held[0].gate <= applied {
		m.log.Debug("dropping superseded transition", "state", m.held[0].state.String())
		m.held = m.held[1:]
	}
}

func (m *Machine) publish(s tunnel.State) {
	from := m.published
	if from.Equal(s) {
		return
	}
	m.published = s
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.log.Info("tunnel state changed", "from", from.String(), "to", s.String())
	for _, o := range m.observers {
		o.OnTransition(from, s)
	}
}

// inject delivers the completion of an asynchronous operation.
func (m *Machine) inject(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
