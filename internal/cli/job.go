package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/usecase"

	"github.com/spf13/cobra"
)

func (c *cli) jobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit, inspect and control jobs",
	}
	cmd.AddCommand(
		c.jobSubmitCommand(),
		c.jobGetCommand(),
		c.jobListCommand(),
		c.jobChildrenCommand(),
		c.jobTreeCommand(),
		c.jobActionCommand("cancel", "Cancel a job", (*usecase.JobService).CancelJob),
		c.jobActionCommand("pause", "Pause a queued or running job", (*usecase.JobService).PauseJob),
		c.jobActionCommand("resume", "Queue a paused job again", (*usecase.JobService).ResumeJob),
		c.jobActionCommand("resubmit", "Queue a failed job again", (*usecase.JobService).Resubmit),
		c.jobActionCommand("start", "Mark a local job as running on its creator", (*usecase.JobService).StartLocally),
		c.jobDeleteCommand(),
		c.jobAttemptsCommand(),
		c.jobStatsCommand(),
		c.jobGCCommand(),
	)
	return cmd
}

func (c *cli) jobSubmitCommand() *cobra.Command {
	var (
		req   usecase.CreateJobRequest
		local bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job",
		Long: `Create a job. Dispatchable jobs are queued and picked up by the
dispatcher. Jobs created with --local stay INSTANTIATED until their creator
starts them with "job start".

Examples:
  dispatchctl job submit --service-type tools --operation shell --arg 'sleep 5' --load 1
  dispatchctl job submit --service-type web --operation http --arg GET --arg https://example.com
  dispatchctl job submit --local --service-type compose --operation merge \
      --creator-host http://worker-1:9000 --creator-service compose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Dispatchable = !local
			job, err := c.rt.Jobs.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.printJob(cmd, job)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Organization, "org", "default", "Organization owning the job")
	f.StringVar(&req.Creator, "creator", "dispatchctl", "User or component creating the job")
	f.StringVar(&req.ServiceType, "service-type", "", "Service type that processes the job")
	f.StringVar(&req.Operation, "operation", "", "Operation to run")
	f.StringArrayVar(&req.Arguments, "arg", nil, "Operation argument, repeatable")
	f.StringVar(&req.Payload, "payload", "", "Opaque job payload")
	f.Float64Var(&req.Load, "load", 1, "Capacity units the job consumes while running")
	f.StringVar(&req.ParentID, "parent", "", "Parent job id")
	f.BoolVar(&local, "local", false, "Run on the creator instead of dispatching")
	f.StringVar(&req.CreatorHost, "creator-host", "", "Host that created the job")
	f.StringVar(&req.CreatorService, "creator-service", "", "Service that created the job")
	_ = cmd.MarkFlagRequired("service-type")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func (c *cli) jobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.rt.Jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJob(cmd, job)
		},
	}
}

func (c *cli) jobListCommand() *cobra.Command {
	var statuses []string
	var serviceType, host string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long: `List jobs, oldest first.

Examples:
  dispatchctl job list --status QUEUED,RUNNING
  dispatchctl job list --host http://worker-1:9000 --status RUNNING
  dispatchctl job list --service-type tools --yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var jobs []*domain.Job
			switch {
			case host != "":
				jobs, err = c.rt.Jobs.FindByProcessor(ctx, host, parsed...)
				if err == nil && serviceType != "" {
					jobs = filterJobs(jobs, func(j *domain.Job) bool { return j.ServiceType == serviceType })
				}
			case serviceType != "":
				jobs, err = c.rt.Jobs.FindByServiceTypeAndStatus(ctx, serviceType, parsed...)
			default:
				jobs, err = c.rt.Jobs.FindByStatus(ctx, parsed...)
			}
			if err != nil {
				return err
			}
			return c.printJobs(cmd, jobs)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only jobs in these statuses")
	cmd.Flags().StringVar(&serviceType, "service-type", "", "Only jobs of this service type")
	cmd.Flags().StringVar(&host, "host", "", "Only jobs assigned to this host")
	return cmd
}

func (c *cli) jobChildrenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "children <job-id>",
		Short: "List the direct children of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := c.rt.Jobs.FindChildren(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJobs(cmd, jobs)
		},
	}
}

func (c *cli) jobTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <root-id>",
		Short: "Show every job of a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := c.rt.Jobs.FindRoot(ctx, args[0]); err != nil {
				return err
			}
			jobs, err := c.rt.Jobs.FindByRoot(ctx, args[0])
			if err != nil {
				return err
			}
			p := c.printer(cmd)
			if ok, err := p.structured(jobs); ok {
				return err
			}
			children := make(map[string][]*domain.Job)
			for _, j := range jobs {
				children[j.ParentID] = append(children[j.ParentID], j)
			}
			var rows [][]string
			var walk func(parent string, depth int)
			walk = func(parent string, depth int) {
				for _, j := range children[parent] {
					rows = append(rows, []string{
						strings.Repeat("  ", depth) + j.ID,
						string(j.Status),
						j.ServiceType,
						j.Operation,
						orDash(j.ProcessorHost),
					})
					walk(j.ID, depth+1)
				}
			}
			walk("", 0)
			return p.table(nil, []string{"ID", "STATUS", "SERVICE TYPE", "OPERATION", "HOST"}, rows)
		},
	}
}

type jobAction func(s *usecase.JobService, ctx context.Context, id string) (*domain.Job, error)

func (c *cli) jobActionCommand(use, short string, action jobAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := action(c.rt.Jobs, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJob(cmd, job)
		},
	}
}

func (c *cli) jobDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a terminal job and its attempts",
		Long:  `Delete a terminal job and every job below it. Refused while any descendant is unfinished.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.rt.Jobs.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.note(cmd, "job %s deleted", args[0])
			return nil
		},
	}
}

func (c *cli) jobAttemptsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <job-id>",
		Short: "Show the attempt history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, err := c.rt.Jobs.ListAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(attempts))
			for _, a := range attempts {
				rows = append(rows, []string{
					strconv.Itoa(a.Number),
					a.Host,
					a.ServiceType,
					string(a.Status),
					string(a.FailureReason),
					formatTime(a.DateStarted),
					formatTime(a.DateCompleted),
				})
			}
			return c.printer(cmd).table(attempts,
				[]string{"#", "HOST", "SERVICE TYPE", "STATUS", "REASON", "STARTED", "COMPLETED"}, rows)
		},
	}
}

type statsReport struct {
	Jobs       []domain.JobCount       `json:"jobs"`
	Operations []domain.OperationStats `json:"operations"`
}

func (c *cli) jobStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts and average queue and run times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			counts, err := c.rt.Jobs.CountByHostServiceStatus(ctx)
			if err != nil {
				return err
			}
			ops, err := c.rt.Jobs.OperationStats(ctx)
			if err != nil {
				return err
			}
			p := c.printer(cmd)
			if ok, err := p.structured(statsReport{Jobs: counts, Operations: ops}); ok {
				return err
			}
			rows := make([][]string, 0, len(counts))
			for _, jc := range counts {
				rows = append(rows, []string{orDash(jc.Host), jc.ServiceType, string(jc.Status), strconv.Itoa(jc.Count)})
			}
			if err := p.table(nil, []string{"HOST", "SERVICE TYPE", "STATUS", "COUNT"}, rows); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			rows = rows[:0]
			for _, op := range ops {
				rows = append(rows, []string{
					op.Operation,
					strconv.Itoa(op.Count),
					op.AvgQueueTime.Round(time.Millisecond).String(),
					op.AvgRunTime.Round(time.Millisecond).String(),
				})
			}
			return p.table(nil, []string{"OPERATION", "COUNT", "AVG QUEUE", "AVG RUN"}, rows)
		},
	}
}

func (c *cli) jobGCCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete old finished job trees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				olderThan = c.rt.Config.Maintenance.JobLifetime
			}
			removed, err := c.rt.Jobs.RemoveParentlessJobs(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			c.note(cmd, "removed %d jobs from trees finished more than %s ago", removed, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age of a tree (default maintenance.job_lifetime)")
	return cmd
}

func (c *cli) printJob(cmd *cobra.Command, j *domain.Job) error {
	return c.printer(cmd).fields(j, [][2]string{
		{"ID", j.ID},
		{"Status", string(j.Status)},
		{"Failure reason", string(j.FailureReason)},
		{"Organization", j.Organization},
		{"Creator", j.Creator},
		{"Service type", j.ServiceType},
		{"Operation", j.Operation},
		{"Arguments", strings.Join(j.Arguments, " ")},
		{"Dispatchable", strconv.FormatBool(j.Dispatchable)},
		{"Load", formatFloat(j.Load)},
		{"Processor", orDash(j.ProcessorHost)},
		{"Parent", orDash(j.ParentID)},
		{"Root", j.RootID},
		{"Created", formatTime(j.DateCreated)},
		{"Started", formatTime(j.DateStarted)},
		{"Completed", formatTime(j.DateCompleted)},
		{"Version", strconv.FormatInt(j.Version, 10)},
	})
}

func (c *cli) printJobs(cmd *cobra.Command, jobs []*domain.Job) error {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			string(j.Status),
			j.ServiceType,
			j.Operation,
			formatFloat(j.Load),
			orDash(j.ProcessorHost),
			formatTime(j.DateCreated),
		})
	}
	return c.printer(cmd).table(jobs,
		[]string{"ID", "STATUS", "SERVICE TYPE", "OPERATION", "LOAD", "HOST", "CREATED"}, rows)
}

func parseStatuses(values []string) ([]domain.Status, error) {
	out := make([]domain.Status, 0, len(values))
	for _, v := range values {
		st, ok := domain.ParseStatus(strings.ToUpper(strings.TrimSpace(v)))
		if !ok {
			return nil, fmt.Errorf("unknown status %q", v)
		}
		out = append(out, st)
	}
	return out, nil
}

func filterJobs(jobs []*domain.Job, keep func(*domain.Job) bool) []*domain.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}
