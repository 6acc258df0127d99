// Package service runs the daemon in the foreground or under the platform
// service manager and installs it as a system service.
package service

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/logging"
)

// ShutdownTimeout bounds a graceful stop. The tunnel process stop and the
// firewall reset both happen inside it.
const ShutdownTimeout = 30 * time.Second

// Runner is a service that can be started and stopped.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Reloader is implemented by runners that can re-read their configuration.
type Reloader interface {
	ReloadConfig() error
}

// Run executes runner until it is asked to stop. On Windows it detects the
// service control manager; elsewhere it handles signals.
func Run(name string, runner Runner) error {
	return run(name, runner)
}

// serve starts runner and handles signals until a stop signal arrives.
// SIGHUP reloads runners that implement Reloader.
func serve(runner Runner, sigs <-chan os.Signal) error {
	log := logging.WithComponent("service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	for sig := range sigs {
		if sig == syscall.SIGHUP {
			reloader, ok := runner.(Reloader)
			if !ok {
				log.Info("SIGHUP received but the service does not support reload")
				continue
			}
			log.Info("received SIGHUP, reloading configuration")
			if err := reloader.ReloadConfig(); err != nil {
				log.Error("configuration reload failed", "error", err)
			}
			continue
		}
		log.Info("received shutdown signal", "signal", sig.String())
		break
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopCancel()
	return runner.Stop(stopCtx)
}
