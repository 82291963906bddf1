package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (c *cli) dispatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run or inspect the dispatcher",
	}

	once := &cobra.Command{
		Use:   "once",
		Short: "Run a single dispatch cycle",
		Long: `Run one dispatch cycle against the configured store, for example to drain
the queue by hand while no master is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := c.rt.Dispatcher().RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return c.printer(cmd).fields(result, [][2]string{
				{"Dispatched", strconv.Itoa(result.Dispatched)},
				{"Conflicts", strconv.Itoa(result.Conflicts)},
				{"No capacity", strconv.Itoa(result.NoCapacity)},
			})
		},
	}

	candidates := &cobra.Command{
		Use:   "candidates <service-type>",
		Short: "List the hosts currently eligible for a service type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loads, err := c.rt.Store.RunningLoad(ctx)
			if err != nil {
				return err
			}
			hosts, err := c.rt.Dispatcher().EligibleHosts(ctx, args[0], loads)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				rows = append(rows, []string{
					h.Host,
					formatFloat(h.Load),
					formatFloat(h.MaxLoad),
					fmt.Sprintf("%.0f%%", 100*h.Load/h.MaxLoad),
				})
			}
			return c.printer(cmd).table(hosts, []string{"HOST", "LOAD", "MAX LOAD", "USED"}, rows)
		},
	}

	cmd.AddCommand(once, candidates)
	return cmd
}
