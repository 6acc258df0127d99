//go:build darwin

package firewall

import "log/slog"

func newPlatformController(rb ruleBuilder, r Runner, log *slog.Logger) Controller {
	return newPF(rb, r, log)
}
