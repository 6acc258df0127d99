// Package server provides the maintenance commands of tunnelguard-daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/rennerdo30/tunnelguard/internal/config"
	"github.com/rennerdo30/tunnelguard/internal/openvpn"
	"github.com/rennerdo30/tunnelguard/internal/service"
)

// EventTimeout bounds one hook delivery. OpenVPN blocks on the hook.
const EventTimeout = 5 * time.Second

// NewCommands returns the maintenance subcommands. configFile points at the
// root command's --config value.
func NewCommands(configFile *string) []*cobra.Command {
	return []*cobra.Command{
		NewServiceCommand(configFile),
		NewConfigCommand(configFile),
		NewTunnelEventCommand(),
	}
}

// NewServiceCommand manages the system service registration.
func NewServiceCommand(configFile *string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove the daemon as a system service",
	}
	cmd.PersistentFlags().StringVar(&name, "name", service.DefaultName, "service name")

	manager := func() (*service.Manager, error) {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		return service.New(service.Config{Name: name, BinaryPath: bin, ConfigPath: *configFile})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Register and start the service (" + service.Platform() + ")",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager()
				if err != nil {
					return err
				}
				if err := m.Install(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s installed\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop and remove the service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager()
				if err != nil {
					return err
				}
				if err := m.Uninstall(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s removed\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the service is installed and running",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager()
				if err != nil {
					return err
				}
				status, err := m.Status()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), status)
				return nil
			},
		},
	)
	return cmd
}

// NewConfigCommand writes, shows and checks daemon configuration files.
func NewConfigCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the daemon configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFile
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			cfg := config.DefaultDaemonConfig()
			if err := config.Save(path, &cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	cmd.AddCommand(
		initCmd,
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration, secrets omitted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadDaemonConfig(*configFile)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "hash-token <token>",
			Short: "Print the bcrypt hash to use as api.token_hash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(hash))
				return nil
			},
		},
	)
	return cmd
}

// NewTunnelEventCommand is run by OpenVPN hooks. It forwards the event and
// the hook environment to the daemon; a non-zero exit makes OpenVPN abort
// the connection.
func NewTunnelEventCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "tunnel-event <code> [openvpn-args...]",
		Short:  "Report an OpenVPN hook event to the daemon",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), EventTimeout)
			defer cancel()
			return openvpn.PostEvent(ctx, args[0])
		},
	}
}
