package cli

import (
	"fmt"
	"strconv"

	"job-dispatcher/internal/domain"

	"github.com/spf13/cobra"
)

func (c *cli) serviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage services registered on hosts",
	}

	register := &cobra.Command{
		Use:   "register <host> <service-type>",
		Short: "Register a service on a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.rt.Registry.RegisterService(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.printService(cmd, svc)
		},
	}

	unregister := &cobra.Command{
		Use:   "unregister <host> <service-type>",
		Short: "Take a service offline",
		Long:  `Unregistering is refused while the service still runs jobs.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.rt.Registry.UnregisterService(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			c.note(cmd, "service %s on %s unregistered", args[1], args[0])
			return nil
		},
	}

	var filter domain.ServiceFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := c.rt.Registry.ListServices(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(services))
			for _, s := range services {
				rows = append(rows, []string{
					s.Host,
					s.ServiceType,
					string(s.State),
					strconv.FormatBool(s.Online),
					strconv.FormatBool(s.Active),
					formatTime(s.StateChanged),
				})
			}
			return c.printer(cmd).table(services,
				[]string{"HOST", "SERVICE TYPE", "STATE", "ONLINE", "ACTIVE", "STATE CHANGED"}, rows)
		},
	}
	list.Flags().StringVar(&filter.Host, "host", "", "Only services of this host")
	list.Flags().StringVar(&filter.ServiceType, "type", "", "Only services of this type")

	state := &cobra.Command{
		Use:   "state <host> <service-type> <NORMAL|WARNING|ERROR>",
		Short: "Force the health state of a service",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ok := domain.ParseServiceState(args[2])
			if !ok {
				return fmt.Errorf("unknown service state %q", args[2])
			}
			svc, err := c.rt.Registry.SetServiceState(cmd.Context(), args[0], args[1], st)
			if err != nil {
				return err
			}
			return c.printService(cmd, svc)
		},
	}

	sanitize := &cobra.Command{
		Use:   "sanitize <host> <service-type>",
		Short: "Return a degraded service to NORMAL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.rt.Registry.SanitizeService(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.printService(cmd, svc)
		},
	}

	cmd.AddCommand(register, unregister, list, state, sanitize)
	return cmd
}

func (c *cli) printService(cmd *cobra.Command, s *domain.ServiceRegistration) error {
	return c.printer(cmd).fields(s, [][2]string{
		{"Host", s.Host},
		{"Service type", s.ServiceType},
		{"State", string(s.State)},
		{"Online", strconv.FormatBool(s.Online)},
		{"Active", strconv.FormatBool(s.Active)},
		{"State changed", formatTime(s.StateChanged)},
		{"Warning trigger", orDash(s.WarningTrigger)},
		{"Error trigger", orDash(s.ErrorTrigger)},
	})
}
