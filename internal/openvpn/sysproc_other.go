//go:build !windows

package openvpn

import "os/exec"

func hideWindow(cmd *exec.Cmd) {}
