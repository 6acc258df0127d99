//go:build windows

package service

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

func (m *Manager) installWindows() error {
	scm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.CreateService(m.config.Name, m.config.BinaryPath, mgr.Config{
		DisplayName: "TunnelGuard",
		Description: m.config.Description,
		StartType:   mgr.StartAutomatic,
	}, "run", "-c", m.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer s.Close()

	// Restart quickly after a crash so the blocking rules are re-applied.
	recovery := []mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: time.Second},
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
	}
	if err := s.SetRecoveryActions(recovery, 24*60*60); err != nil {
		return fmt.Errorf("set recovery actions: %w", err)
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

func (m *Manager) uninstallWindows() error {
	scm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(m.config.Name)
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer s.Close()

	_, _ = s.Control(svc.Stop)
	if err := s.Delete(); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func (m *Manager) statusWindows() (string, error) {
	scm, err := mgr.Connect()
	if err != nil {
		return "", fmt.Errorf("connect to service manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(m.config.Name)
	if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return "not installed", nil
	}
	if err != nil {
		return "", fmt.Errorf("open service: %w", err)
	}
	defer s.Close()

	st, err := s.Query()
	if err != nil {
		return "installed", nil
	}
	switch st.State {
	case svc.Running:
		return "installed (running)", nil
	case svc.Stopped:
		return "installed (stopped)", nil
	}
	return "installed", nil
}
