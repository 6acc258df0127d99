package tunnelstate

import (
	"context"

	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

func (m *Machine) onCommand(c command) {
	switch c.kind {
	case cmdConnect:
		m.onConnect()
	case cmdDisconnect:
		m.onDisconnect()
	case cmdReconnect:
		m.onReconnect()
	case cmdSetAllowLAN:
		m.allowLAN = c.value
		m.log.Info("LAN access changed", "allow_lan", c.value)
	case cmdSetOnline:
		m.setOnline(c.value)
	}
}

func (m *Machine) onConnect() {
	switch m.state.Kind {
	case tunnel.StateDisconnected, tunnel.StateBlocked:
		m.retry.Reset()
		m.enterConnecting(0)
	case tunnel.StateDisconnecting:
		m.setState(tunnel.Disconnecting(tunnel.AfterReconnect, nil))
	default:
		m.log.Debug("connect ignored", "state", m.state.String())
	}
}

func (m *Machine) onDisconnect() {
	switch m.state.Kind {
	case tunnel.StateConnecting, tunnel.StateConnected:
		m.teardown(tunnel.AfterNothing, nil)
	case tunnel.StateDisconnecting:
		m.setState(tunnel.Disconnecting(tunnel.AfterNothing, nil))
	case tunnel.StateBlocked:
		m.enterDisconnected()
	default:
		m.log.Debug("disconnect ignored", "state", m.state.String())
	}
}

func (m *Machine) onReconnect() {
	switch m.state.Kind {
	case tunnel.StateConnecting, tunnel.StateConnected:
		m.teardown(tunnel.AfterReconnect, nil)
	case tunnel.StateDisconnecting:
		m.setState(tunnel.Disconnecting(tunnel.AfterReconnect, nil))
	default:
		m.log.Debug("reconnect ignored", "state", m.state.String())
	}
}

func (m *Machine) setOnline(online bool) {
	if m.online == online {
		return
	}
	m.online = online
	m.log.Info("network reachability changed", "online", online)
	if online && m.parked && m.state.Kind == tunnel.StateConnecting {
		m.parked = false
		m.enterConnecting(m.state.Attempt + 1)
	}
}

func (m *Machine) blockedPolicy() firewall.Policy {
	return firewall.Blocked(m.allowLAN)
}

// applyIdlePolicy puts the firewall into its Disconnected configuration and
// returns the operation's sequence number.
func (m *Machine) applyIdlePolicy() uint64 {
	if m.cfg.ReleaseOnDisconnect {
		return m.requestReset()
	}
	return m.requestPolicy(m.blockedPolicy(), stepNone)
}

func (m *Machine) enterConnecting(attempt uint32) {
	m.gen++
	m.up = nil
	m.parked = false
	m.setState(tunnel.Connecting(attempt))
	m.requestPolicy(firewall.Resolving(m.allowLAN, m.cfg.Resolvers), stepGenerate)
}

// enterDisconnected, enterBlocked and teardown announce their state only
// once the firewall no longer lets traffic bypass the tunnel.
func (m *Machine) enterDisconnected() {
	m.gen++
	m.cancelRetry()
	m.enter(tunnel.Disconnected(), m.applyIdlePolicy())
}

func (m *Machine) enterBlocked(reason tunnel.BlockReason) {
	m.gen++
	m.cancelRetry()
	m.stopProcess()
	m.enterGated(tunnel.Blocked(reason), m.blockedPolicy())
}

// teardown leaves Connecting or Connected. It passes through Disconnecting
// while a tunnel process is still alive.
func (m *Machine) teardown(after tunnel.ActionAfterDisconnect, reason *tunnel.BlockReason) {
	m.gen++
	m.cancelRetry()
	m.stopProcess()
	if m.released() {
		m.resolve(after, reason)
		return
	}
	m.enterGated(tunnel.Disconnecting(after, reason), m.blockedPolicy())
}

func (m *Machine) resolve(after tunnel.ActionAfterDisconnect, reason *tunnel.BlockReason) {
	switch after {
	case tunnel.AfterReconnect:
		m.retry.Reset()
		m.enterConnecting(0)
	case tunnel.AfterBlock:
		r := tunnel.Reason(tunnel.ReasonStartTunnelError)
		if reason != nil {
			r = *reason
		}
		m.enterBlocked(r)
	default:
		m.enterDisconnected()
	}
}

func (m *Machine) resolveDisconnecting() {
	if m.shutdown != nil || m.state.Kind != tunnel.StateDisconnecting || !m.released() {
		return
	}
	m.resolve(m.state.After, m.state.Reason)
}

// released reports whether no tunnel process is alive or being started.
func (m *Machine) released() bool {
	return m.handle == "" && m.starting == "" && len(m.retiring) == 0
}

// fail handles the failure of the current connection attempt.
func (m *Machine) fail(reason tunnel.BlockReason) {
	if m.shutdown != nil {
		return
	}
	m.gen++
	m.stopProcess()

	attempt := m.state.Attempt
	if !reason.Retryable() || m.retry.Backoff().Exhausted(attempt) {
		m.log.Warn("connection attempt failed", "attempt", attempt, "reason", reason.Message(), "retry", false)
		m.enterBlocked(reason)
		return
	}
	m.log.Warn("connection attempt failed", "attempt", attempt, "reason", reason.Message(), "retry", true)
	m.requestPolicy(m.blockedPolicy(), stepNone)
	m.scheduleRetry(attempt)
}

func (m *Machine) unexpectedExit() {
	m.log.Warn("tunnel went down unexpectedly", "on_unexpected_exit", m.cfg.OnUnexpectedExit)
	if m.cfg.OnUnexpectedExit == ExitBlock {
		r := tunnel.Reason(tunnel.ReasonStartTunnelError)
		m.teardown(tunnel.AfterBlock, &r)
		return
	}
	m.teardown(tunnel.AfterReconnect, nil)
}

// policyFailed fails closed and reports whether it entered Blocked. A
// failing blocked policy is not retried in a loop: once in
// Blocked{SetSecurityPolicyError} further errors are logged.
func (m *Machine) policyFailed(err error) bool {
	reason := tunnel.Reason(tunnel.ReasonSetSecurityPolicyError)
	if m.shutdown != nil || (m.state.Kind == tunnel.StateBlocked && *m.state.Reason == reason) {
		m.log.Error("firewall policy failed", "error", err)
		return false
	}
	m.log.Error("firewall policy failed, blocking", "error", err)
	m.enterBlocked(reason)
	return true
}

func (m *Machine) onProcessEvent(ev tunnel.ProcessEvent) {
	if ev.Kind == tunnel.ProcessStopped {
		m.onProcessStopped(ev)
		return
	}
	if ev.Handle == "" || ev.Handle != m.handle {
		m.log.Debug("ignoring event of inactive tunnel process", "handle", ev.Handle, "event", ev.String())
		return
	}

	switch ev.Kind {
	case tunnel.ProcessUp:
		if m.state.Kind != tunnel.StateConnecting || m.up != nil {
			return
		}
		md := ev.Metadata
		m.up = &md
		m.requestPolicy(firewall.ConnectedThrough(md, m.allowLAN), stepConnected)
	case tunnel.ProcessFailed:
		if m.state.Kind == tunnel.StateConnecting {
			m.fail(ev.Reason)
		}
	case tunnel.ProcessDown:
		switch m.state.Kind {
		case tunnel.StateConnected:
			m.unexpectedExit()
		case tunnel.StateConnecting:
			m.fail(tunnel.Reason(tunnel.ReasonStartTunnelError))
		}
	}
}

func (m *Machine) onProcessStopped(ev tunnel.ProcessEvent) {
	switch {
	case ev.Handle != "" && ev.Handle == m.handle:
		m.handle = ""
		switch m.state.Kind {
		case tunnel.StateConnecting:
			m.fail(tunnel.Reason(tunnel.ReasonStartTunnelError))
		case tunnel.StateConnected:
			m.unexpectedExit()
		}
	case m.retiring[ev.Handle]:
		delete(m.retiring, ev.Handle)
	default:
		m.log.Debug("ignoring stop of unknown tunnel process", "handle", ev.Handle)
		return
	}
	m.resolveDisconnecting()
}

func (m *Machine) onRetryFired(ev retryFired) {
	if ev.token != m.retryToken || m.state.Kind != tunnel.StateConnecting {
		return
	}
	m.retryToken = 0
	if !m.online {
		m.log.Info("offline, waiting for network before retrying")
		m.parked = true
		return
	}
	m.enterConnecting(m.state.Attempt + 1)
}

func (m *Machine) onShutdown(req *shutdownRequest) {
	if m.shutdown != nil {
		return
	}
	m.shutdown = req
	m.log.Info("shutting down tunnel state machine", "state", m.state.String())
	m.gen++
	m.cancelRetry()
	m.stopProcess()
	m.queued = nil
}

// finished completes a shutdown once no process is alive and no firewall
// operation is in flight.
func (m *Machine) finished() bool {
	if m.shutdown == nil || !m.released() || m.applying {
		return false
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
	defer cancel()

	if m.cfg.ResetOnShutdown {
		if err := m.fw.Reset(ctx); err != nil {
			m.log.Error("failed to reset firewall on shutdown", "error", err)
		}
	} else if err := m.fw.Apply(ctx, m.blockedPolicy()); err != nil {
		m.log.Error("failed to block on shutdown", "error", err)
	}
	m.held = nil
	m.state = tunnel.Disconnected()
	m.publish(m.state)
	m.log.Info("tunnel state machine stopped")
	return true
}
