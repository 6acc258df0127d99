//go:build linux

package openvpn

import (
	"os"
	"strings"
)

func ipv6Available() bool {
	b, err := os.ReadFile("/proc/sys/net/ipv6/conf/all/disable_ipv6")
	if err != nil {
		// No ipv6 sysctl tree means the kernel has no IPv6 support.
		return false
	}
	return strings.TrimSpace(string(b)) == "0"
}
