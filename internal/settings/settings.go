// Package settings holds the user settings of the daemon: relay selection,
// LAN access, auto-connect and tunnel options. Settings are persisted as
// YAML and every change is reported to registered listeners.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"reflect"
	"sync"

	"github.com/rennerdo30/tunnelguard/internal/config"
	"github.com/rennerdo30/tunnelguard/internal/logging"
)

// TunnelOptions are passed to every connection attempt.
type TunnelOptions struct {
	EnableIPv6 bool `yaml:"enable_ipv6" json:"enable_ipv6"`
	// OpenVPNMssfix caps the TCP MSS of tunnelled packets. Nil leaves the
	// OpenVPN default.
	OpenVPNMssfix *uint16 `yaml:"openvpn_mssfix,omitempty" json:"openvpn_mssfix,omitempty"`
}

func (o TunnelOptions) validate() error {
	if o.OpenVPNMssfix != nil && *o.OpenVPNMssfix == 0 {
		return errors.New("openvpn_mssfix must be positive")
	}
	return nil
}

// Settings is the persisted settings document.
type Settings struct {
	RelaySettings RelaySettings `yaml:"relay_settings" json:"relay_settings"`
	AllowLAN      bool          `yaml:"allow_lan" json:"allow_lan"`
	AutoConnect   bool          `yaml:"auto_connect" json:"auto_connect"`
	TunnelOptions TunnelOptions `yaml:"tunnel_options" json:"tunnel_options"`
}

// Default returns the settings of a fresh installation.
func Default() Settings {
	return Settings{RelaySettings: DefaultRelaySettings()}
}

func (s Settings) Validate() error {
	if err := s.RelaySettings.Validate(); err != nil {
		return err
	}
	return s.TunnelOptions.validate()
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.RelaySettings = s.RelaySettings.clone()
	if v := s.TunnelOptions.OpenVPNMssfix; v != nil {
		mss := *v
		s.TunnelOptions.OpenVPNMssfix = &mss
	}
	return s
}

// Store owns the settings file.
type Store struct {
	path string
	log  *slog.Logger

	mu        sync.RWMutex
	current   Settings
	listeners []func(Settings)
}

// Open loads the settings at path. A missing file yields the defaults; a
// file that cannot be parsed is moved aside and replaced by the defaults.
func Open(path string) (*Store, error) {
	s := &Store{path: path, log: logging.WithComponent("settings"), current: Default()}

	loaded, err := load(path)
	switch {
	case err == nil:
		s.current = loaded
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("no settings file, using defaults", "path", path)
	default:
		backup, berr := config.Backup(path)
		if berr != nil {
			return nil, fmt.Errorf("settings unreadable (%v) and could not be backed up: %w", err, berr)
		}
		s.log.Warn("settings file is invalid, continuing with defaults", "error", err, "backup", backup)
	}
	return s, nil
}

func load(path string) (Settings, error) {
	var st Settings
	if err := config.Load(path, &st); err != nil {
		return Settings{}, err
	}
	if st.RelaySettings.Normal == nil && st.RelaySettings.CustomTunnelEndpoint == nil {
		st.RelaySettings = DefaultRelaySettings()
	}
	return st, st.Validate()
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// OnChange registers fn to be called with the new settings after every
// persisted change. fn must not call back into the store.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// UpdateRelaySettings merges u into the relay settings.
func (s *Store) UpdateRelaySettings(u RelaySettingsUpdate) (bool, error) {
	return s.update(func(st *Settings) error {
		merged, err := st.RelaySettings.Merge(u)
		if err != nil {
			return err
		}
		st.RelaySettings = merged
		return nil
	})
}

func (s *Store) SetAllowLAN(v bool) (bool, error) {
	return s.update(func(st *Settings) error { st.AllowLAN = v; return nil })
}

func (s *Store) SetAutoConnect(v bool) (bool, error) {
	return s.update(func(st *Settings) error { st.AutoConnect = v; return nil })
}

func (s *Store) SetEnableIPv6(v bool) (bool, error) {
	return s.update(func(st *Settings) error { st.TunnelOptions.EnableIPv6 = v; return nil })
}

// SetOpenVPNMssfix sets or, with nil, clears the OpenVPN mssfix value.
func (s *Store) SetOpenVPNMssfix(v *uint16) (bool, error) {
	if v != nil && *v == 0 {
		return false, errors.New("openvpn_mssfix must be positive")
	}
	return s.update(func(st *Settings) error {
		st.TunnelOptions.OpenVPNMssfix = nil
		if v != nil {
			mss := *v
			st.TunnelOptions.OpenVPNMssfix = &mss
		}
		return nil
	})
}

// update applies fn to a copy, persists it if it differs and notifies the
// listeners. It reports whether the settings changed.
func (s *Store) update(fn func(*Settings) error) (bool, error) {
	s.mu.Lock()
	next := s.current.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if reflect.DeepEqual(next, s.current) {
		s.mu.Unlock()
		return false, nil
	}
	if err := config.Save(s.path, &next); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("unable to save settings: %w", err)
	}
	s.current = next
	listeners := append([]func(Settings){}, s.listeners...)
	s.mu.Unlock()

	s.log.Info("settings changed", "path", s.path)
	for _, fn := range listeners {
		fn(next.Clone())
	}
	return true, nil
}
