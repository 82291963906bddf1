package domain

import (
	"context"
	"errors"
)

// ErrInvalidInput marks executor failures caused by the job's own input. The
// worker reports them as DATA failures.
var ErrInvalidInput = errors.New("invalid job input")

// TaskExecutor runs a claimed job's operation on a worker and returns the
// payload to report back.
type TaskExecutor interface {
	Execute(ctx context.Context, job *Job) (payload string, err error)
}
