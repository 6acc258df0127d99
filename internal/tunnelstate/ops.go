package tunnelstate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

// PolicyReset is reported to observers for a firewall reset.
const PolicyReset firewall.PolicyKind = "reset"

// step is what a connection attempt does once a policy is in force.
type step int

const (
	stepNone step = iota
	stepGenerate
	stepStart
	stepConnected
)

type policyOp struct {
	policy firewall.Policy
	reset  bool
	step   step
	gen    uint64
	seq    uint64
}

func (op policyOp) kind() firewall.PolicyKind {
	if op.reset {
		return PolicyReset
	}
	return op.policy.Kind
}

type policyDone struct {
	op   policyOp
	took time.Duration
	err  error
}

type paramsDone struct {
	gen    uint64
	params tunnel.Parameters
	err    error
}

type startDone struct {
	id  string
	err error
}

type stopDone struct {
	id  string
	err error
}

type retryFired struct {
	token uint64
}

// requestPolicy queues p and returns its sequence number. Only one firewall
// operation runs at a time and a newer request replaces one that has not
// started yet, so completing operation n means every request up to n has
// been superseded or applied.
func (m *Machine) requestPolicy(p firewall.Policy, s step) uint64 {
	m.seq++
	m.queued = &policyOp{policy: p, step: s, gen: m.gen, seq: m.seq}
	m.pump()
	return m.seq
}

func (m *Machine) requestReset() uint64 {
	m.seq++
	m.queued = &policyOp{reset: true, gen: m.gen, seq: m.seq}
	m.pump()
	return m.seq
}

func (m *Machine) pump() {
	if m.applying || m.queued == nil {
		return
	}
	op := *m.queued
	m.queued = nil
	m.applying = true

	go func() {
		defer logging.Recover(m.log, "apply firewall policy")
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
		defer cancel()

		start := time.Now()
		var err error
		if op.reset {
			err = m.fw.Reset(ctx)
		} else {
			err = m.fw.Apply(ctx, op.policy)
		}
		m.inject(policyDone{op: op, took: time.Since(start), err: err})
	}()
}

func (m *Machine) onPolicyDone(ev policyDone) {
	m.applying = false
	for _, o := range m.observers {
		o.OnPolicyApplied(ev.op.kind(), ev.took, ev.err)
	}

	if ev.err != nil {
		if m.policyFailed(ev.err) {
			m.discard(ev.op.seq)
		} else {
			m.announce(ev.op.seq)
		}
	} else {
		m.log.Info("firewall policy applied", "policy", ev.op.kind(), "took", ev.took)
		m.announce(ev.op.seq)
		if ev.op.gen == m.gen && m.shutdown == nil {
			m.advance(ev.op.step)
		}
	}
	if m.shutdown == nil {
		m.pump()
	}
}

// advance runs the next step of the connection attempt.
func (m *Machine) advance(s step) {
	if m.state.Kind != tunnel.StateConnecting {
		return
	}
	switch s {
	case stepGenerate:
		m.launchGenerate()
	case stepStart:
		m.launchStart()
	case stepConnected:
		if m.up != nil {
			m.setState(tunnel.Connected(*m.up))
		}
	}
}

func (m *Machine) launchGenerate() {
	gen, attempt := m.gen, m.state.Attempt
	go func() {
		defer logging.Recover(m.log, "generate tunnel parameters")
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
		defer cancel()
		params, err := m.generate(ctx, attempt)
		m.inject(paramsDone{gen: gen, params: params, err: err})
	}()
}

func (m *Machine) onParamsDone(ev paramsDone) {
	if ev.gen != m.gen || m.state.Kind != tunnel.StateConnecting {
		return
	}
	if ev.err != nil {
		m.log.Warn("failed to generate tunnel parameters", "error", ev.err)
		m.fail(tunnel.ReasonOf(ev.err, tunnel.ReasonNoMatchingRelay))
		return
	}
	m.params = ev.params
	m.log.Info("selected relay", "endpoint", ev.params.Endpoint.String(), "attempt", m.state.Attempt)
	m.requestPolicy(firewall.ConnectingTo(ev.params.Endpoint, m.allowLAN, m.cfg.Resolvers), stepStart)
}

func (m *Machine) launchStart() {
	id := uuid.NewString()
	m.handle = id
	m.starting = id
	params := m.params
	go func() {
		defer logging.Recover(m.log, "start tunnel process")
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
		defer cancel()
		m.inject(startDone{id: id, err: m.sup.Start(ctx, id, params)})
	}()
}

func (m *Machine) onStartDone(ev startDone) {
	if m.starting == ev.id {
		m.starting = ""
	}
	for _, o := range m.observers {
		o.OnProcessStart(ev.err)
	}

	if ev.err != nil {
		m.log.Warn("failed to start tunnel process", "handle", ev.id, "error", ev.err)
		delete(m.retiring, ev.id)
		if ev.id == m.handle {
			m.handle = ""
			if m.state.Kind == tunnel.StateConnecting {
				m.fail(tunnel.ReasonOf(ev.err, tunnel.ReasonStartTunnelError))
			}
		}
		m.resolveDisconnecting()
		return
	}
	if m.retiring[ev.id] {
		m.launchStop(ev.id)
	}
}

// stopProcess retires the current process. Stop is deferred until an
// in-flight Start for it has returned.
func (m *Machine) stopProcess() {
	id := m.handle
	if id == "" {
		return
	}
	m.handle = ""
	m.up = nil
	m.retiring[id] = true
	if m.starting != id {
		m.launchStop(id)
	}
}

func (m *Machine) launchStop(id string) {
	go func() {
		defer logging.Recover(m.log, "stop tunnel process")
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
		defer cancel()
		m.inject(stopDone{id: id, err: m.sup.Stop(ctx, id)})
	}()
}

// onStopDone gives up on a process that could not be stopped so that
// Disconnecting cannot hang. Otherwise ProcessStopped releases it.
func (m *Machine) onStopDone(ev stopDone) {
	if ev.err == nil || !m.retiring[ev.id] {
		return
	}
	m.log.Error("failed to stop tunnel process", "handle", ev.id, "error", ev.err)
	delete(m.retiring, ev.id)
	m.resolveDisconnecting()
}

func (m *Machine) scheduleRetry(attempt uint32) {
	delay, token := m.retry.Schedule(attempt, func(token uint64) {
		m.inject(retryFired{token: token})
	})
	m.retryToken = token
	m.log.Info("retry scheduled", "attempt", attempt+1, "delay", delay)
	for _, o := range m.observers {
		o.OnRetryScheduled(attempt+1, delay)
	}
}

func (m *Machine) cancelRetry() {
	m.retry.Cancel()
	m.retryToken = 0
	m.parked = false
}
