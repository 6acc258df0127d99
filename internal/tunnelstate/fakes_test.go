package tunnelstate

import (
	"context"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/retry"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

var (
	testEndpoint = tunnel.Endpoint{
		Address:  netip.MustParseAddrPort("185.65.134.1:1194"),
		Protocol: tunnel.UDP,
	}
	testMetadata = tunnel.Metadata{
		Interface: "tun0",
		IPv4:      netip.MustParseAddr("10.8.0.2"),
		Endpoint:  testEndpoint,
	}
)

// timeline records the order of effects across fakes.
type timeline struct {
	mu      sync.Mutex
	entries []string
}

func (tl *timeline) add(e string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = append(tl.entries, e)
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return slices.Clone(tl.entries)
}

func (tl *timeline) count(e string) int {
	n := 0
	for _, x := range tl.snapshot() {
		if x == e {
			n++
		}
	}
	return n
}

type fakeFirewall struct {
	tl *timeline

	mu     sync.Mutex
	active firewall.PolicyKind
	failOn map[firewall.PolicyKind]error
	delay  map[firewall.PolicyKind]time.Duration
	resets int
}

func (f *fakeFirewall) Apply(ctx context.Context, p firewall.Policy) error {
	f.mu.Lock()
	d := f.delay[p.Kind]
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[p.Kind]; err != nil {
		f.tl.add("policy-error:" + string(p.Kind))
		return &firewall.PolicyError{Backend: "fake", Policy: p.Kind, Op: "apply", Err: err}
	}
	f.active = p.Kind
	f.tl.add("policy:" + string(p.Kind))
	return nil
}

func (f *fakeFirewall) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = ""
	f.resets++
	f.tl.add("reset")
	return nil
}

func (f *fakeFirewall) setFail(kind firewall.PolicyKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == nil {
		f.failOn = make(map[firewall.PolicyKind]error)
	}
	f.failOn[kind] = err
}

// setDelay slows down applications of kind, leaving the previous policy in
// force meanwhile.
func (f *fakeFirewall) setDelay(kind firewall.PolicyKind, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delay == nil {
		f.delay = make(map[firewall.PolicyKind]time.Duration)
	}
	f.delay[kind] = d
}

func (f *fakeFirewall) current() firewall.PolicyKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeFirewall) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeSupervisor struct {
	tl     *timeline
	fw     *fakeFirewall
	events chan tunnel.ProcessEvent

	mu            sync.Mutex
	starts        []string
	policyAtStart []firewall.PolicyKind
	stops         []string
	startErr      error
	manualStop    bool
}

func (s *fakeSupervisor) Start(ctx context.Context, id string, params tunnel.Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, id)
	s.policyAtStart = append(s.policyAtStart, s.fw.current())
	s.tl.add("start")
	return s.startErr
}

func (s *fakeSupervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	s.stops = append(s.stops, id)
	manual := s.manualStop
	s.mu.Unlock()
	s.tl.add("stop")
	if !manual {
		s.events <- tunnel.ProcessEvent{Handle: id, Kind: tunnel.ProcessStopped}
	}
	return nil
}

func (s *fakeSupervisor) Events() <-chan tunnel.ProcessEvent { return s.events }

func (s *fakeSupervisor) setStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func (s *fakeSupervisor) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func (s *fakeSupervisor) stopped(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.stops, id)
}

type recorder struct {
	tl          *timeline
	transitions chan tunnel.State

	mu      sync.Mutex
	retries []time.Duration
	applied []firewall.PolicyKind
}

func (r *recorder) OnTransition(from, to tunnel.State) {
	r.tl.add("state:" + string(to.Kind))
	r.transitions <- to
}

func (r *recorder) OnPolicyApplied(kind firewall.PolicyKind, took time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, kind)
}

func (r *recorder) OnProcessStart(err error) {}

func (r *recorder) OnRetryScheduled(attempt uint32, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, delay)
}

func (r *recorder) retryDelays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.retries)
}

// policyTracker records "state@policy" for every transition, with the
// policy the firewall had in force when the transition was announced.
type policyTracker struct {
	fw *fakeFirewall

	mu   sync.Mutex
	seen []string
}

func (p *policyTracker) OnTransition(from, to tunnel.State) {
	entry := string(to.Kind) + "@" + string(p.fw.current())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, entry)
}

func (p *policyTracker) OnPolicyApplied(firewall.PolicyKind, time.Duration, error) {}
func (p *policyTracker) OnProcessStart(error)                                      {}
func (p *policyTracker) OnRetryScheduled(uint32, time.Duration)                    {}

func (p *policyTracker) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.seen)
}

type harness struct {
	m     *Machine
	tl    *timeline
	fw    *fakeFirewall
	sup   *fakeSupervisor
	obs   *recorder
	pol   *policyTracker
	sched *retry.Scheduler

	mu        sync.Mutex
	paramsErr error
}

type option func(*Config, *retry.Backoff)

func withBackoff(b retry.Backoff) option {
	return func(_ *Config, bo *retry.Backoff) { *bo = b }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OperationTimeout = 5 * time.Second
	backoff := retry.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2}
	for _, o := range opts {
		o(&cfg, &backoff)
	}

	tl := &timeline{}
	fw := &fakeFirewall{tl: tl}
	h := &harness{
		tl:    tl,
		fw:    fw,
		sup:   &fakeSupervisor{tl: tl, fw: fw, events: make(chan tunnel.ProcessEvent, 64)},
		obs:   &recorder{tl: tl, transitions: make(chan tunnel.State, 256)},
		pol:   &policyTracker{fw: fw},
		sched: retry.NewScheduler(backoff),
	}
	m, err := New(cfg, Deps{
		Firewall:   h.fw,
		Supervisor: h.sup,
		Parameters: h.generate,
		Retry:      h.sched,
		Observers:  []Observer{h.pol, h.obs},
	})
	require.NoError(t, err)
	h.m = m

	m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return h
}

func (h *harness) generate(ctx context.Context, attempt uint32) (tunnel.Parameters, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paramsErr != nil {
		return tunnel.Parameters{}, h.paramsErr
	}
	return tunnel.Parameters{Endpoint: testEndpoint, Username: "1234567890"}, nil
}

// waitFor consumes transitions until one equals want.
func (h *harness) waitFor(t *testing.T, want tunnel.State) tunnel.State {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.obs.transitions:
			if s.Equal(want) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s, current %s", want, h.m.State())
		}
	}
}

// next returns the next transition.
func (h *harness) next(t *testing.T) tunnel.State {
	t.Helper()
	select {
	case s := <-h.obs.transitions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a transition, current %s", h.m.State())
		return tunnel.State{}
	}
}

func (h *harness) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.obs.transitions:
		t.Fatalf("unexpected transition to %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitStart waits for the n-th process start and returns its handle.
func (h *harness) waitStart(t *testing.T, n int) string {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.startCount() >= n }, 5*time.Second, time.Millisecond)
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return h.sup.starts[n-1]
}

func (h *harness) emit(ev tunnel.ProcessEvent) {
	h.sup.events <- ev
}

func (h *harness) waitPolicy(t *testing.T, kind firewall.PolicyKind) {
	t.Helper()
	require.Eventually(t, func() bool { return h.fw.current() == kind }, 5*time.Second, time.Millisecond)
}

func indexOf(entries []string, prefix string) int {
	return slices.IndexFunc(entries, func(e string) bool { return strings.HasPrefix(e, prefix) })
}

func blockedBy(kind tunnel.BlockReasonKind) tunnel.State {
	return tunnel.Blocked(tunnel.Reason(kind))
}
