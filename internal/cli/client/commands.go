// Package client provides the commands of the tunnelguard control CLI.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tunnelguard/internal/api/rpcclient"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
	"github.com/rennerdo30/tunnelguard/internal/util"
	"github.com/rennerdo30/tunnelguard/internal/version"
)

// DefaultAPI is the daemon's default RPC address.
const DefaultAPI = "http://127.0.0.1:7780"

type options struct {
	api     string
	token   string
	timeout time.Duration
	json    bool
}

func (o *options) client() *rpcclient.Client {
	return rpcclient.New(rpcclient.Config{BaseURL: o.api, Token: o.token, Timeout: o.timeout})
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// NewCommands creates the tunnelguard root command.
func NewCommands() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tunnelguard",
		Short:         "Control the TunnelGuard VPN daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.api, "api", envOr("TUNNELGUARD_API", DefaultAPI), "daemon RPC URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TUNNELGUARD_TOKEN"), "daemon RPC token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of text")

	root.AddCommand(
		newStatusCommand(opts),
		newConnectCommand(opts),
		newDisconnectCommand(opts),
		newWatchCommand(opts),
		newSettingsCommand(opts),
		newRelayCommand(opts),
		newBoolSettingCommand(opts, "lan", "Allow or block LAN traffic while secured",
			func(s settings.Settings) bool { return s.AllowLAN },
			func(c *rpcclient.Client) func(context.Context, bool) error { return c.SetAllowLAN }),
		newBoolSettingCommand(opts, "ipv6", "Enable or disable IPv6 in the tunnel",
			func(s settings.Settings) bool { return s.TunnelOptions.EnableIPv6 },
			func(c *rpcclient.Client) func(context.Context, bool) error { return c.SetEnableIPv6 }),
		newBoolSettingCommand(opts, "auto-connect", "Connect automatically when the daemon starts",
			func(s settings.Settings) bool { return s.AutoConnect },
			func(c *rpcclient.Client) func(context.Context, bool) error { return c.SetAutoConnect }),
		newMssfixCommand(opts),
		newAccountCommand(opts),
		newRPCCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// FormatState renders a tunnel state for humans.
func FormatState(s tunnel.State) string {
	switch s.Kind {
	case tunnel.StateConnected:
		if s.Metadata == nil {
			return "Connected"
		}
		md := s.Metadata
		out := "Connected to " + md.Endpoint.String()
		if md.Interface != "" {
			out += " on " + md.Interface
		}
		if md.IPv4.IsValid() {
			out += ", tunnel address " + md.IPv4.String()
		}
		return out
	case tunnel.StateConnecting:
		if s.Attempt == 0 {
			return "Connecting..."
		}
		return fmt.Sprintf("Connecting... (retry %d)", s.Attempt)
	case tunnel.StateDisconnecting:
		return "Disconnecting..."
	case tunnel.StateBlocked:
		if s.Reason == nil {
			return "Blocked"
		}
		return "Blocked: " + s.Reason.Message()
	case tunnel.StateDisconnected:
		return "Disconnected"
	}
	return string(s.Kind)
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().State(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), FormatState(st))
			return err
		},
	}
}

func newConnectCommand(opts *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Secure the connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := c.Connect(ctx); err != nil {
				if errors.Is(err, util.ErrNoAccount) {
					return errors.New("no account token is set, run `tunnelguard account set <token>` first")
				}
				return err
			}
			if !wait {
				return nil
			}
			return waitFor(ctx, cmd.OutOrStdout(), c, func(s tunnel.State) bool {
				return s.Kind == tunnel.StateConnected || s.Kind == tunnel.StateBlocked
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until connected or blocked")
	return cmd
}

func newDisconnectCommand(opts *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Tear the tunnel down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := c.Disconnect(ctx); err != nil {
				return err
			}
			if !wait {
				return nil
			}
			return waitFor(ctx, cmd.OutOrStdout(), c, func(s tunnel.State) bool {
				return s.Kind == tunnel.StateDisconnected
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until disconnected")
	return cmd
}

var errDone = errors.New("done")

// waitFor prints states until done reports true.
func waitFor(ctx context.Context, w io.Writer, c *rpcclient.Client, done func(tunnel.State) bool) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	err := c.SubscribeState(ctx, func(s tunnel.State) {
		fmt.Fprintln(w, FormatState(s))
		if done(s) {
			cancel(errDone)
		}
	})
	if errors.Is(context.Cause(ctx), errDone) {
		return nil
	}
	return err
}

// watchObserver reports daemon connection changes on stderr.
type watchObserver struct {
	w io.Writer
}

func (o watchObserver) OnOpen(topic string) {}

func (o watchObserver) OnClose(topic string, err error) {
	fmt.Fprintf(o.w, "lost connection to the daemon: %v, reconnecting\n", err)
}

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every tunnel state change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			c.AddObserver(watchObserver{w: cmd.ErrOrStderr()})
			out := cmd.OutOrStdout()
			err := c.SubscribeState(cmd.Context(), func(s tunnel.State) {
				if opts.json {
					_ = printJSON(out, s)
					return
				}
				fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), FormatState(s))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newSettingsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Show the daemon settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Settings(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printSettings(cmd.OutOrStdout(), st)
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printSettings(out io.Writer, st settings.Settings) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Relay\t%s\n", describeRelaySettings(st.RelaySettings))
	fmt.Fprintf(w, "LAN access\t%s\n", onOff(st.AllowLAN))
	fmt.Fprintf(w, "Auto-connect\t%s\n", onOff(st.AutoConnect))
	fmt.Fprintf(w, "IPv6\t%s\n", onOff(st.TunnelOptions.EnableIPv6))
	fmt.Fprintf(w, "OpenVPN mssfix\t%s\n", describeMssfix(st.TunnelOptions.OpenVPNMssfix))
	return w.Flush()
}

func describeMssfix(v *uint16) string {
	if v == nil {
		return "default"
	}
	return strconv.Itoa(int(*v))
}

func describeRelaySettings(rs settings.RelaySettings) string {
	if e := rs.CustomTunnelEndpoint; e != nil {
		return fmt.Sprintf("custom %s:%d/%s", e.Host, e.Port, e.Protocol)
	}
	if rs.Normal == nil {
		return "any"
	}
	n := rs.Normal
	return fmt.Sprintf("location %s, protocol %s, port %s", n.Location, n.Tunnel.Protocol, n.Tunnel.Port)
}

func newRelayCommand(opts *options) *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Change relay selection",
	}
	set := &cobra.Command{
		Use:   "set",
		Short: "Set a relay constraint or a custom endpoint",
	}

	update := func(cmd *cobra.Command, u settings.RelaySettingsUpdate) error {
		ctx, cancel := opts.context(cmd)
		defer cancel()
		return opts.client().UpdateRelaySettings(ctx, u)
	}

	// tunnel narrows the current tunnel constraints so that setting the port
	// keeps the protocol and the other way around.
	tunnelUpdate := func(cmd *cobra.Command, change func(*settings.TunnelConstraints)) error {
		ctx, cancel := opts.context(cmd)
		defer cancel()
		c := opts.client()
		st, err := c.Settings(ctx)
		if err != nil {
			return err
		}
		var tc settings.TunnelConstraints
		if st.RelaySettings.Normal != nil {
			tc = st.RelaySettings.Normal.Tunnel
		}
		change(&tc)
		return c.UpdateRelaySettings(ctx, settings.RelaySettingsUpdate{
			Normal: &settings.RelayConstraintsUpdate{Tunnel: &tc},
		})
	}

	set.AddCommand(
		&cobra.Command{
			Use:   "location <country> [city] [hostname] | any",
			Short: "Restrict relays to a location",
			Args:  cobra.RangeArgs(1, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				loc := settings.Any[settings.Location]()
				if args[0] != "any" {
					l := settings.Location{Country: args[0]}
					if len(args) > 1 {
						l.City = args[1]
					}
					if len(args) > 2 {
						l.Hostname = args[2]
					}
					loc = settings.Only(l)
				}
				return update(cmd, settings.RelaySettingsUpdate{
					Normal: &settings.RelayConstraintsUpdate{Location: &loc},
				})
			},
		},
		&cobra.Command{
			Use:   "protocol udp|tcp|any",
			Short: "Restrict the tunnel transport protocol",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				proto := settings.Any[tunnel.TransportProtocol]()
				if args[0] != "any" {
					p, err := tunnel.ParseTransportProtocol(args[0])
					if err != nil {
						return err
					}
					proto = settings.Only(p)
				}
				return tunnelUpdate(cmd, func(tc *settings.TunnelConstraints) { tc.Protocol = proto })
			},
		},
		&cobra.Command{
			Use:   "port <port>|any",
			Short: "Restrict the relay port",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				port := settings.Any[uint16]()
				if args[0] != "any" {
					p, err := parsePort(args[0])
					if err != nil {
						return err
					}
					port = settings.Only(p)
				}
				return tunnelUpdate(cmd, func(tc *settings.TunnelConstraints) { tc.Port = port })
			},
		},
		&cobra.Command{
			Use:   "custom <host> <port> [udp|tcp]",
			Short: "Connect to a custom OpenVPN endpoint instead of a relay",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				port, err := parsePort(args[1])
				if err != nil {
					return err
				}
				proto := tunnel.UDP
				if len(args) > 2 {
					if proto, err = tunnel.ParseTransportProtocol(args[2]); err != nil {
						return err
					}
				}
				return update(cmd, settings.RelaySettingsUpdate{
					CustomTunnelEndpoint: &settings.CustomTunnelEndpoint{Host: args[0], Port: port, Protocol: proto},
				})
			},
		},
	)

	list := &cobra.Command{
		Use:   "list",
		Short: "List the relays known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			locations, err := opts.client().RelayLocations(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), locations)
			}
			return printRelayList(cmd.OutOrStdout(), locations)
		},
	}

	relayCmd.AddCommand(set, list, &cobra.Command{
		Use:   "get",
		Short: "Show the relay settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Settings(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st.RelaySettings)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), describeRelaySettings(st.RelaySettings))
			return err
		},
	})
	return relayCmd
}

func printRelayList(out io.Writer, list relay.RelayList) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COUNTRY\tCITY\tHOSTNAME\tADDRESS\tPORTS\tSTATUS")
	for _, country := range list.Countries {
		for _, city := range country.Cities {
			for _, r := range city.Relays {
				status := "active"
				if !r.Active {
					status = "inactive"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					country.Code, city.Code, r.Hostname, r.IPv4, describePorts(r.OpenVPN), status)
			}
		}
	}
	return w.Flush()
}

func describePorts(p relay.Ports) string {
	var parts []string
	for _, proto := range []tunnel.TransportProtocol{tunnel.UDP, tunnel.TCP} {
		ports := p.For(proto)
		if len(ports) == 0 {
			continue
		}
		nums := make([]string, len(ports))
		for i, port := range ports {
			nums[i] = strconv.Itoa(int(port))
		}
		parts = append(parts, string(proto)+":"+strings.Join(nums, ","))
	}
	return strings.Join(parts, " ")
}

func newMssfixCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mssfix [<bytes>|default]",
		Short: "Show or set the OpenVPN mssfix value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()
			if len(args) == 0 {
				st, err := c.Settings(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), describeMssfix(st.TunnelOptions.OpenVPNMssfix))
				return err
			}
			if args[0] == "default" {
				return c.SetOpenVPNMssfix(ctx, nil)
			}
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil || v == 0 {
				return fmt.Errorf("invalid mssfix %q", args[0])
			}
			mss := uint16(v)
			return c.SetOpenVPNMssfix(ctx, &mss)
		},
	}
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(p), nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "allow", "enable":
		return true, nil
	case "off", "false", "no", "block", "disable":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// newBoolSettingCommand builds `<name> [on|off]`: without an argument it
// prints the current value.
func newBoolSettingCommand(opts *options, name, short string, get func(settings.Settings) bool,
	setter func(*rpcclient.Client) func(context.Context, bool) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [on|off]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()
			if len(args) == 0 {
				st, err := c.Settings(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), onOff(get(st)))
				return err
			}
			v, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return setter(c)(ctx, v)
		},
	}
}

func newAccountCommand(opts *options) *cobra.Command {
	account := &cobra.Command{
		Use:   "account",
		Short: "Manage the account token",
	}
	account.AddCommand(
		&cobra.Command{
			Use:   "set <token>",
			Short: "Log in with an account token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				return opts.client().SetAccount(ctx, args[0])
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Log out",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				return opts.client().SetAccount(ctx, "")
			},
		},
		&cobra.Command{
			Use:   "get <token>",
			Short: "Show the expiry of an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				data, err := opts.client().AccountData(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), data)
				}
				status := "active"
				if data.Expired(time.Now()) {
					status = "expired"
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Expiry: %s (%s)\n", data.Expiry.Local().Format(time.RFC1123), status)
				return err
			},
		},
	)
	return account
}

// newRPCCommand calls a method by name with camelCase JSON parameters and
// prints the camelCase result.
func newRPCCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rpc <method> [params-json]",
		Short: "Call a daemon RPC method directly",
		Long: `Call a daemon RPC method directly. Parameters and results use camelCase keys.

Example:
  tunnelguard rpc get_state
  tunnelguard rpc set_allow_lan '{"value": true}'
  tunnelguard rpc get_account_data '"1234567890"'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) > 1 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params: %w", err)
				}
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := opts.client().Call(ctx, args[0], params)
			if err != nil {
				return err
			}
			if result == nil {
				return nil
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tunnelguard %s\n", version.String())
			ctx, cancel := opts.context(cmd)
			defer cancel()
			info, err := opts.client().Version(ctx)
			if err != nil {
				fmt.Fprintf(out, "daemon: unavailable (%v)\n", err)
				return nil
			}
			_, err = fmt.Fprintf(out, "daemon %s (%s)\n", info.Version, info.Platform)
			return err
		},
	}
}
