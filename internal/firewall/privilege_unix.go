//go:build unix

package firewall

import "golang.org/x/sys/unix"

func checkPrivilege() error {
	if unix.Geteuid() != 0 {
		return ErrInsufficientPrivilege
	}
	return nil
}
