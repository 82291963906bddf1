// Package cli implements dispatchctl, the administration CLI.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"job-dispatcher/internal/app"
	"job-dispatcher/internal/config"

	"github.com/spf13/cobra"
)

// Opener builds the runtime a command works on.
type Opener func(ctx context.Context, configFile string) (*app.Runtime, error)

// OpenFromConfig loads the configuration file and environment and connects
// to the configured store. Logs go to stderr.
func OpenFromConfig(ctx context.Context, configFile string) (*app.Runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return app.New(ctx, cfg, logger)
}

type cli struct {
	open       Opener
	configFile string
	jsonOut    bool
	yamlOut    bool
	rt         *app.Runtime
}

// NewRootCommand returns the dispatchctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Administer jobs, hosts and services of the job dispatcher",
		Long: `dispatchctl works directly on the configured store.

Configuration is read from config.yaml in ./configs or the working directory,
or from the file given with --config. Every key can be overridden from the
environment with the DISPATCH_ prefix, e.g. DISPATCH_STORE_DRIVER=sqlite.

Examples:
  # Register a host and the services it runs
  dispatchctl host register http://worker-1:9000 --max-load 4
  dispatchctl service register http://worker-1:9000 tools

  # Submit a job and watch it
  dispatchctl job submit --service-type tools --operation shell --arg 'echo hi' --load 1
  dispatchctl job list --status RUNNING --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.jsonOut && c.yamlOut {
				return errors.New("--json and --yaml are mutually exclusive")
			}
			rt, err := c.open(cmd.Context(), c.configFile)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			c.rt = rt
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.rt == nil {
				return nil
			}
			err := c.rt.Close()
			c.rt = nil
			return err
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Path to the configuration file")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Output as JSON")
	root.PersistentFlags().BoolVar(&c.yamlOut, "yaml", false, "Output as YAML")

	root.AddCommand(
		c.hostCommand(),
		c.serviceCommand(),
		c.jobCommand(),
		c.dispatchCommand(),
	)
	return root
}

func (c *cli) printer(cmd *cobra.Command) *printer {
	format := formatTable
	switch {
	case c.jsonOut:
		format = formatJSON
	case c.yamlOut:
		format = formatYAML
	}
	return &printer{out: cmd.OutOrStdout(), format: format}
}

func (c *cli) note(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
}
