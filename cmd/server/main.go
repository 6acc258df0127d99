// Package main provides the tunnelguard-daemon entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clicmd "github.com/rennerdo30/tunnelguard/internal/cli/server"
	"github.com/rennerdo30/tunnelguard/internal/config"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/server"
	"github.com/rennerdo30/tunnelguard/internal/service"
	"github.com/rennerdo30/tunnelguard/internal/version"
)

const defaultConfigFile = "daemon.yaml"

func newRootCommand() *cobra.Command {
	var configFile string

	run := func(cmd *cobra.Command, args []string) error {
		return runDaemon(configFile)
	}

	root := &cobra.Command{
		Use:           "tunnelguard-daemon",
		Short:         "TunnelGuard VPN daemon",
		Long:          `tunnelguard-daemon keeps the firewall, the OpenVPN process and the tunnel state in step, and serves the control API used by the tunnelguard CLI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the daemon in the foreground or under the service manager",
			Args:  cobra.NoArgs,
			RunE:  run,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Full())
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := config.LoadDaemonConfig(configFile); err != nil {
					return fmt.Errorf("configuration invalid: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
				return nil
			},
		},
	)
	root.AddCommand(clicmd.NewCommands(&configFile)...)
	return root
}

func runDaemon(configFile string) error {
	cfg, err := config.LoadDaemonConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	srv, err := server.New(&cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.SetConfigPath(configFile)

	return service.Run(service.DefaultName, srv)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
