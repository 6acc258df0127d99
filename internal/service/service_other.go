//go:build !windows

package service

import "github.com/rennerdo30/tunnelguard/internal/util"

func (m *Manager) installWindows() error          { return util.ErrUnsupported }
func (m *Manager) uninstallWindows() error        { return util.ErrUnsupported }
func (m *Manager) statusWindows() (string, error) { return "", util.ErrUnsupported }
