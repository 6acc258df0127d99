//go:build windows

package firewall

import "log/slog"

func newPlatformController(rb ruleBuilder, r Runner, log *slog.Logger) Controller {
	return newNetsh(rb, r, log)
}
