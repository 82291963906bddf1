package cli

import (
	"fmt"
	"strconv"

	"job-dispatcher/internal/domain"

	"github.com/spf13/cobra"
)

func (c *cli) hostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage worker hosts",
	}

	var maxLoad float64
	register := &cobra.Command{
		Use:   "register <base-url>",
		Short: "Register a host or update its maximum load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := c.rt.Registry.RegisterHost(cmd.Context(), args[0], maxLoad)
			if err != nil {
				return err
			}
			return c.printHost(cmd, host)
		},
	}
	register.Flags().Float64Var(&maxLoad, "max-load", 1, "Maximum load the host accepts")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered hosts with their current load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			hosts, err := c.rt.Registry.ListHosts(ctx)
			if err != nil {
				return err
			}
			loads, err := c.rt.Store.RunningLoad(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				rows = append(rows, []string{
					h.BaseURL,
					fmt.Sprintf("%g/%g", loads[h.BaseURL], h.MaxLoad),
					strconv.FormatBool(h.Online),
					strconv.FormatBool(h.Maintenance),
					strconv.FormatBool(h.Active),
					formatTime(h.LastHeartbeat),
				})
			}
			return c.printer(cmd).table(hosts,
				[]string{"HOST", "LOAD", "ONLINE", "MAINTENANCE", "ACTIVE", "LAST HEARTBEAT"}, rows)
		},
	}

	get := &cobra.Command{
		Use:   "get <base-url>",
		Short: "Show a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := c.rt.Registry.GetHost(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printHost(cmd, host)
		},
	}

	maintenance := &cobra.Command{
		Use:   "maintenance <base-url> <on|off>",
		Short: "Switch maintenance mode of a host",
		Long: `Hosts in maintenance receive no new jobs. Jobs already running on the
host are not affected.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("maintenance must be on or off, got %q", args[1])
			}
			host, err := c.rt.Registry.SetMaintenance(cmd.Context(), args[0], on)
			if err != nil {
				return err
			}
			return c.printHost(cmd, host)
		},
	}

	enable := &cobra.Command{
		Use:   "enable <base-url>",
		Short: "Activate a host and all its services",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.rt.Registry.EnableHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.note(cmd, "host %s enabled", args[0])
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable <base-url>",
		Short: "Deactivate a host and all its services",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.rt.Registry.DisableHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.note(cmd, "host %s disabled", args[0])
			return nil
		},
	}

	heartbeat := &cobra.Command{
		Use:   "heartbeat <base-url>",
		Short: "Record a heartbeat for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := c.rt.Registry.Heartbeat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printHost(cmd, host)
		},
	}

	deregister := &cobra.Command{
		Use:   "deregister <base-url>",
		Short: "Remove a host and its services",
		Long:  `Deregistration is refused while jobs are running on the host.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.rt.Registry.DeregisterHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.note(cmd, "host %s deregistered", args[0])
			return nil
		},
	}

	cmd.AddCommand(register, list, get, maintenance, enable, disable, heartbeat, deregister)
	return cmd
}

func (c *cli) printHost(cmd *cobra.Command, h *domain.HostRegistration) error {
	return c.printer(cmd).fields(h, [][2]string{
		{"Host", h.BaseURL},
		{"Max load", formatFloat(h.MaxLoad)},
		{"Online", strconv.FormatBool(h.Online)},
		{"Maintenance", strconv.FormatBool(h.Maintenance)},
		{"Active", strconv.FormatBool(h.Active)},
		{"Last heartbeat", formatTime(h.LastHeartbeat)},
		{"Registered", formatTime(h.DateRegistered)},
	})
}
