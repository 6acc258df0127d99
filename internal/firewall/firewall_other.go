//go:build !linux && !darwin && !windows

package firewall

import "log/slog"

func newPlatformController(rb ruleBuilder, r Runner, log *slog.Logger) Controller {
	return unsupported{log: log}
}
