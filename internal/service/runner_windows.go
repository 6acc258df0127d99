//go:build windows

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"

	"github.com/rennerdo30/tunnelguard/internal/logging"
)

func run(name string, runner Runner) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		logging.Warn("failed to detect the service control manager, assuming interactive", "error", err)
		isService = false
	}
	if isService {
		return svc.Run(name, &serviceHandler{runner: runner})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	return serve(runner, sigs)
}

type serviceHandler struct {
	runner Runner
}

func (h *serviceHandler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptParamChange
	log := logging.WithComponent("service")

	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.runner.Start(ctx); err != nil {
		log.Error("failed to start service", "error", err)
		return true, 1
	}

	s <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

loop:
	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			s <- c.CurrentStatus
		case svc.ParamChange:
			if reloader, ok := h.runner.(Reloader); ok {
				if err := reloader.ReloadConfig(); err != nil {
					log.Error("configuration reload failed", "error", err)
				}
			}
		case svc.Stop, svc.Shutdown:
			log.Info("service stopping")
			s <- svc.Status{State: svc.StopPending}
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			if err := h.runner.Stop(stopCtx); err != nil {
				log.Error("error stopping service", "error", err)
			}
			stopCancel()
			break loop
		default:
			log.Warn("unexpected service control request", "cmd", c.Cmd)
		}
	}

	return false, 0
}
