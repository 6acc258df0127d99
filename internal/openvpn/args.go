package openvpn

import (
	"net"
	"strconv"
	"strings"

	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

const (
	envBridgeAddr   = "TUNNELGUARD_EVENT_ADDR"
	envBridgeSecret = "TUNNELGUARD_EVENT_SECRET"
)

type launch struct {
	params       tunnel.Parameters
	mgmtAddr     *net.TCPAddr
	bridgeAddr   string
	bridgeSecret string
}

// buildArgs returns the command line for one tunnel process. The process
// connects back to our management listener and reports hook events to the
// bridge.
func buildArgs(cfg Config, eventCommand string, l launch) []string {
	ep := l.params.Endpoint
	proto := "udp"
	if ep.Protocol == tunnel.TCP {
		proto = "tcp-client"
	}

	var args []string
	if cfg.ConfigFile != "" {
		args = append(args, "--config", cfg.ConfigFile)
	}
	if cfg.CAFile != "" {
		args = append(args, "--ca", cfg.CAFile)
	}
	args = append(args,
		"--client",
		"--nobind",
		"--dev", "tun",
		"--remote", ep.Address.Addr().String(), strconv.Itoa(int(ep.Address.Port())),
		"--proto", proto,
		"--management", l.mgmtAddr.IP.String(), strconv.Itoa(l.mgmtAddr.Port),
		"--management-client",
		"--management-hold",
		"--management-query-passwords",
		"--auth-user-pass",
		"--auth-retry", "none",
		"--script-security", "2",
		"--setenv", envBridgeAddr, l.bridgeAddr,
		"--setenv", envBridgeSecret, l.bridgeSecret,
		"--route-up", hookCommand(eventCommand, codeUp),
		"--route-pre-down", hookCommand(eventCommand, codeRoutePredown),
		"--verb", "3",
	)
	if !l.params.EnableIPv6 {
		args = append(args,
			"--pull-filter", "ignore", "route-ipv6",
			"--pull-filter", "ignore", "ifconfig-ipv6",
		)
	}
	if l.params.Mssfix > 0 {
		args = append(args, "--mssfix", strconv.Itoa(int(l.params.Mssfix)))
	}
	return append(args, cfg.ExtraArgs...)
}

func hookCommand(bin, code string) string {
	if strings.ContainsAny(bin, " \t") {
		bin = strconv.Quote(bin)
	}
	return bin + " tunnel-event " + code
}
