//go:build linux

package firewall

import "log/slog"

func newPlatformController(rb ruleBuilder, r Runner, log *slog.Logger) Controller {
	return newNetfilter(rb, r, log)
}
