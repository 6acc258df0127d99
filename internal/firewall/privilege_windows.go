//go:build windows

package firewall

import "golang.org/x/sys/windows"

func checkPrivilege() error {
	if !windows.GetCurrentProcessToken().IsElevated() {
		return ErrInsufficientPrivilege
	}
	return nil
}
