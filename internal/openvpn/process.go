package openvpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
)

// process is one running OpenVPN instance. Events from the management
// interface, the event bridge, the handshake timer and process exit all
// pass through deliver, which enforces the event contract: at most one Up
// or Failed, at most one Down after Up, exactly one Stopped.
type process struct {
	id     string
	params tunnel.Parameters
	cfg    Config
	cmd    *exec.Cmd
	log    *slog.Logger
	emit   func(tunnel.ProcessEvent)
	// terminate is called after a terminal failure.
	terminate func()

	done    chan struct{}
	exitErr error

	// emitMu keeps decisions and sends in one order across producers.
	emitMu sync.Mutex

	mu            sync.Mutex
	mgmt          net.Conn
	handshake     *time.Timer
	terminal      bool
	up            bool
	down          bool
	stopped       bool
	stopRequested bool
}

func (p *process) deliver(ev tunnel.ProcessEvent) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	send, kill := false, false
	switch ev.Kind {
	case tunnel.ProcessUp:
		if !p.terminal && !p.stopRequested {
			p.terminal, p.up, send = true, true, true
			ev.Metadata.Endpoint = p.params.Endpoint
			p.stopHandshakeLocked()
		}
	case tunnel.ProcessFailed:
		switch {
		case !p.terminal:
			p.terminal, send, kill = true, true, true
			p.stopHandshakeLocked()
		case p.up && !p.down && !p.stopRequested:
			ev = tunnel.ProcessEvent{Kind: tunnel.ProcessDown}
			p.down, send, kill = true, true, true
		}
	case tunnel.ProcessDown:
		if p.up && !p.down && !p.stopRequested {
			p.down, send = true, true
		}
	case tunnel.ProcessStopped:
		if !p.stopped {
			p.stopped, send = true, true
		}
	}
	p.mu.Unlock()

	if !send {
		p.log.Debug("suppressed tunnel process event", "event", ev.String())
		return
	}
	ev.Handle = p.id
	p.log.Info("tunnel process event", "event", ev.String())
	p.emit(ev)
	if kill && p.terminate != nil {
		p.terminate()
	}
}

// stopAsync terminates the process in the background.
func (p *process) stopAsync() {
	go func() {
		defer logging.Recover(p.log, "terminate tunnel process")
		ctx, cancel := context.WithTimeout(context.Background(), 2*p.cfg.StopTimeout)
		defer cancel()
		if err := p.stop(ctx); err != nil {
			p.log.Warn("failed to terminate tunnel process", "error", err)
		}
	}()
}

func (p *process) stopHandshakeLocked() {
	if p.handshake != nil {
		p.handshake.Stop()
		p.handshake = nil
	}
}

func (p *process) armHandshake(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handshake = time.AfterFunc(timeout, func() {
		p.deliver(tunnel.ProcessEvent{
			Kind:   tunnel.ProcessFailed,
			Reason: tunnel.Reason(tunnel.ReasonStartTunnelError),
		})
	})
}

// wait reaps the process and emits the final events.
func (p *process) wait(release func()) {
	defer logging.Recover(p.log, "wait tunnel process")
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.stopHandshakeLocked()
	if p.mgmt != nil {
		p.mgmt.Close()
	}
	p.mu.Unlock()
	close(p.done)
	release()

	if err != nil {
		p.log.Info("tunnel process exited", "error", err)
	} else {
		p.log.Info("tunnel process exited")
	}
	p.deliver(tunnel.ProcessEvent{Kind: tunnel.ProcessDown})
	p.deliver(tunnel.ProcessEvent{Kind: tunnel.ProcessStopped, Err: err})
}

// stop asks OpenVPN to exit over the management interface and kills it
// after the stop timeout.
func (p *process) stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopRequested = true
	conn := p.mgmt
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if conn != nil {
		if err := p.send("signal SIGTERM"); err != nil {
			p.log.Debug("graceful stop failed", "error", err)
		}
	}

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Warn("tunnel process did not exit in time, killing it", "timeout", p.cfg.StopTimeout)
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, errProcessDone) {
		p.log.Debug("kill tunnel process", "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.cfg.StopTimeout):
		return fmt.Errorf("tunnel process %d still running after kill: %w", p.cmd.Process.Pid, util.ErrTimeout)
	}
}

func (p *process) send(cmd string) error {
	p.mu.Lock()
	conn := p.mgmt
	p.mu.Unlock()
	if conn == nil {
		return errors.New("management interface not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write([]byte(cmd + "\n"))
	return err
}

// manage serves the management connection until it closes.
func (p *process) manage(conn net.Conn) {
	defer logging.Recover(p.log, "openvpn management")
	defer conn.Close()

	p.mu.Lock()
	p.mgmt = conn
	p.mu.Unlock()

	if err := p.send("state on"); err != nil {
		p.log.Debug("enable state notifications", "error", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		msg := parseManagementLine(line)
		switch msg.kind {
		case mgmtHold:
			p.sendLogged("hold release")
		case mgmtNeedAuth:
			p.sendLogged(`username "Auth" ` + quoteMgmt(p.params.Username))
			p.sendLogged(`password "Auth" ` + quoteMgmt(p.cfg.Password))
		case mgmtAuthFailed:
			p.deliver(tunnel.ProcessEvent{Kind: tunnel.ProcessFailed, Reason: tunnel.AuthFailed(msg.detail)})
		case mgmtFatal:
			p.log.Error("openvpn fatal error", "message", msg.detail)
			p.deliver(tunnel.ProcessEvent{Kind: tunnel.ProcessFailed, Reason: tunnel.Reason(tunnel.ReasonStartTunnelError)})
		case mgmtReconnecting:
			p.deliver(tunnel.ProcessEvent{Kind: tunnel.ProcessDown})
		case mgmtConnected:
			p.log.Debug("openvpn reports connected", "local_ip", msg.localIP, "remote_ip", msg.remote)
		}
	}
}

func (p *process) sendLogged(cmd string) {
	if err := p.send(cmd); err != nil {
		p.log.Warn("management command failed", "command", strings.Fields(cmd)[0], "error", err)
	}
}

// logWriter forwards OpenVPN output to the debug log line by line.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line != "" {
			w.logger.Debug(strings.TrimRight(line, "\r"), "source", "openvpn")
		}
	}
	return len(b), nil
}
