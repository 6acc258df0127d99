package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// DefaultName is the name the daemon is installed under.
const DefaultName = "tunnelguard-daemon"

// Config holds service installation configuration.
type Config struct {
	// Name is the service name, DefaultName when empty.
	Name        string
	Description string
	// BinaryPath is the daemon executable.
	BinaryPath string
	// ConfigPath is the daemon configuration file passed to `run -c`.
	ConfigPath string
	WorkingDir string
}

// Manager installs and removes the daemon as a system service.
type Manager struct {
	config Config

	// unitDir overrides the directory unit files are written to.
	unitDir string
	// command runs a service manager tool and returns its stdout.
	command func(name string, args ...string) ([]byte, error)
}

func runCommand(name string, args ...string) ([]byte, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// New resolves the paths in cfg and fills in defaults.
func New(cfg Config) (*Manager, error) {
	for _, p := range []*string{&cfg.BinaryPath, &cfg.ConfigPath} {
		if filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Description == "" {
		cfg.Description = "TunnelGuard VPN daemon"
	}
	return &Manager{config: cfg, command: runCommand}, nil
}

// Install installs the service on the current platform.
func (m *Manager) Install() error {
	if _, err := os.Stat(m.config.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.config.BinaryPath)
	}
	if _, err := os.Stat(m.config.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", m.config.ConfigPath)
	}

	switch runtime.GOOS {
	case "linux":
		return m.installSystemd()
	case "darwin":
		return m.installLaunchd()
	case "windows":
		return m.installWindows()
	}
	return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}

// Uninstall stops and removes the service.
func (m *Manager) Uninstall() error {
	switch runtime.GOOS {
	case "linux":
		return m.uninstallSystemd()
	case "darwin":
		return m.uninstallLaunchd()
	case "windows":
		return m.uninstallWindows()
	}
	return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}

// Status describes whether the service is installed and running.
func (m *Manager) Status() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return m.statusSystemd()
	case "darwin":
		return m.statusLaunchd()
	case "windows":
		return m.statusWindows()
	}
	return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}

// Platform returns the current platform name.
func Platform() string {
	return runtime.GOOS
}

func (m *Manager) render(name, text string) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, m.config); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// --- Linux (systemd) ---

// The daemon owns the firewall, so it starts before the network comes up
// and is never stopped by a plain network restart.
const systemdTemplate = `[Unit]
Description={{.Description}}
Before=network-pre.target
Wants=network-pre.target
StartLimitBurst=5
StartLimitIntervalSec=20

[Service]
Type=simple
ExecStart={{.BinaryPath}} run -c {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=always
RestartSec=1
TimeoutStopSec=35
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

func (m *Manager) dir(def string) string {
	if m.unitDir != "" {
		return m.unitDir
	}
	return def
}

func (m *Manager) systemdPath() string {
	return filepath.Join(m.dir("/etc/systemd/system"), m.config.Name+".service")
}

// writeUnit writes a rendered unit file. Unit files must be readable by
// the service manager.
func (m *Manager) writeUnit(path, kind, text string) error {
	data, err := m.render(kind, text)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: service definitions are world readable
		return fmt.Errorf("write %s: %w (the daemon must be installed as root)", path, err)
	}
	return nil
}

func (m *Manager) installSystemd() error {
	if err := m.writeUnit(m.systemdPath(), "systemd", systemdTemplate); err != nil {
		return err
	}
	if _, err := m.command("systemctl", "daemon-reload"); err != nil {
		return err
	}
	_, err := m.command("systemctl", "enable", "--now", m.config.Name)
	return err
}

// uninstallSystemd ignores stop and disable failures: the unit may already
// be stopped or half removed.
func (m *Manager) uninstallSystemd() error {
	_, _ = m.command("systemctl", "disable", "--now", m.config.Name)
	if err := os.Remove(m.systemdPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_, err := m.command("systemctl", "daemon-reload")
	return err
}

func (m *Manager) statusSystemd() (string, error) {
	if _, err := os.Stat(m.systemdPath()); errors.Is(err, os.ErrNotExist) {
		return "not installed", nil
	}
	// is-active exits non-zero for anything but "active" and still prints
	// the state.
	out, _ := m.command("systemctl", "is-active", m.config.Name)
	state := strings.TrimSpace(string(out))
	if state == "" {
		state = "unknown"
	}
	return "installed (" + state + ")", nil
}

// --- macOS (launchd) ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>run</string>
        <string>-c</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>UserName</key>
    <string>root</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
    <key>StandardErrorPath</key>
    <string>/var/log/{{.Name}}.log</string>
</dict>
</plist>
`

// launchdPath is always a system daemon: packet filter changes need root.
func (m *Manager) launchdPath() string {
	return filepath.Join(m.dir("/Library/LaunchDaemons"), m.config.Name+".plist")
}

func (m *Manager) installLaunchd() error {
	path := m.launchdPath()
	if err := m.writeUnit(path, "launchd", launchdTemplate); err != nil {
		return err
	}
	_, err := m.command("launchctl", "load", "-w", path)
	return err
}

func (m *Manager) uninstallLaunchd() error {
	path := m.launchdPath()
	_, _ = m.command("launchctl", "unload", "-w", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (m *Manager) statusLaunchd() (string, error) {
	if _, err := os.Stat(m.launchdPath()); errors.Is(err, os.ErrNotExist) {
		return "not installed", nil
	}
	if _, err := m.command("launchctl", "list", m.config.Name); err != nil {
		return "installed (not running)", nil
	}
	return "installed (running)", nil
}
