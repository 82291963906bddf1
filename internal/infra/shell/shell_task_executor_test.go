package shell

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(timeout time.Duration) domain.TaskExecutor {
	return NewShellTaskExecutor(timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestShellExecutor(t *testing.T) {
	e := newExecutor(5 * time.Second)

	out, err := e.Execute(context.Background(), &domain.Job{ID: "j1", Arguments: []string{`echo "hello $1"`, "world"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)

	out, err = e.Execute(context.Background(), &domain.Job{ID: "j2", Arguments: []string{"cat"}, Payload: "from stdin"})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", out)
}

func TestShellExecutorFailures(t *testing.T) {
	e := newExecutor(5 * time.Second)

	_, err := e.Execute(context.Background(), &domain.Job{ID: "j1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.Execute(context.Background(), &domain.Job{ID: "j2", Arguments: []string{"echo oops >&2; exit 3"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "oops")
}

func TestShellExecutorStopsOnCancel(t *testing.T) {
	e := newExecutor(0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, &domain.Job{ID: "j1", Arguments: []string{"sleep 10"}})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
