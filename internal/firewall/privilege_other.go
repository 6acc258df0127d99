//go:build !unix && !windows

package firewall

import "github.com/rennerdo30/tunnelguard/internal/util"

func checkPrivilege() error { return util.ErrUnsupported }
