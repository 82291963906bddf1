// internal/infra/shell/shell_task_executor.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"job-dispatcher/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// shellTaskExecutor implements domain.TaskExecutor for shell commands. The
// first job argument is the command line, the remaining ones are passed to
// it as positional parameters.
type shellTaskExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewShellTaskExecutor creates a new shellTaskExecutor. A zero timeout lets
// commands run until the job is stopped.
func NewShellTaskExecutor(timeout time.Duration, logger *slog.Logger) domain.TaskExecutor {
	return &shellTaskExecutor{
		timeout: timeout,
		logger:  logger.With("executor_type", "shell"),
		tracer:  otel.Tracer("job-dispatcher-shell-executor"),
	}
}

// Execute runs the command and returns its standard output.
func (e *shellTaskExecutor) Execute(ctx context.Context, job *domain.Job) (string, error) {
	if len(job.Arguments) == 0 || strings.TrimSpace(job.Arguments[0]) == "" {
		return "", fmt.Errorf("%w: shell job %s has no command", domain.ErrInvalidInput, job.ID)
	}
	command := job.Arguments[0]

	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.command", command),
		))
	defer span.End()

	e.logger.Info("executing shell command", "command", command, "job_id", job.ID)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := append([]string{"-c", command, "job"}, job.Arguments[1:]...)
	cmd := exec.CommandContext(ctx, "bash", args...)
	cmd.WaitDelay = time.Second
	if job.Payload != "" {
		cmd.Stdin = strings.NewReader(job.Payload)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if errOutput := stderr.String(); errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
		e.logger.Debug("shell command wrote to stderr", "job_id", job.ID, "stderr", errOutput)
	}

	if err != nil {
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		if stderr.Len() > 0 {
			return output, fmt.Errorf("shell command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return output, fmt.Errorf("shell command failed: %w", err)
	}

	e.logger.Info("shell command executed successfully", "job_id", job.ID)
	return output, nil
}
