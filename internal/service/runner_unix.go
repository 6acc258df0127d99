//go:build !windows

package service

import (
	"os"
	"os/signal"
	"syscall"
)

func run(name string, runner Runner) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)
	return serve(runner, sigs)
}
