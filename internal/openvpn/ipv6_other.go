//go:build !linux

package openvpn

func ipv6Available() bool { return true }
