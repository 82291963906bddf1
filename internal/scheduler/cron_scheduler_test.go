package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	lock, err := locker.Lock(ctx, "job-gc")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "job-gc")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	other, err := locker.Lock(ctx, "heartbeat-sweep")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, lock.Unlock(ctx))
	require.NoError(t, lock.Unlock(ctx))

	again, err := locker.Lock(ctx, "job-gc")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestExclusiveTaskSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	var runs atomic.Int32

	w := &cronTaskWrapper{
		task: Task{
			Name:      "job-gc",
			Exclusive: true,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		},
		locker: locker,
		logger: discardLogger(),
		tracer: NewCronScheduler(locker, discardLogger()).tracer,
	}

	held, err := locker.Lock(ctx, "job-gc")
	require.NoError(t, err)
	w.Run()
	assert.Equal(t, int32(0), runs.Load())

	require.NoError(t, held.Unlock(ctx))
	w.Run()
	assert.Equal(t, int32(1), runs.Load())

	// The lock is released after the run.
	lock, err := locker.Lock(ctx, "job-gc")
	require.NoError(t, err)
	require.NoError(t, lock.Unlock(ctx))
}

func TestGateAndErrors(t *testing.T) {
	var runs atomic.Int32
	open := false
	w := &cronTaskWrapper{
		task: Task{
			Name: "dispatch",
			Gate: func() bool { return open },
			Run: func(context.Context) error {
				runs.Add(1)
				return errors.New("boom")
			},
		},
		logger: discardLogger(),
		tracer: NewCronScheduler(nil, discardLogger()).tracer,
	}
	w.Run()
	assert.Equal(t, int32(0), runs.Load())
	open = true
	w.Run()
	assert.Equal(t, int32(1), runs.Load())
}

func TestAddTaskValidatesSchedule(t *testing.T) {
	s := NewCronScheduler(nil, discardLogger())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddTask(Task{Name: "dispatch", Schedule: "@every 5s", Run: noop}))
	require.NoError(t, s.AddTask(Task{Name: "dispatch", Schedule: "@every 10s", Run: noop}))
	assert.Equal(t, []string{"dispatch"}, s.Tasks())

	assert.Error(t, s.AddTask(Task{Name: "bad", Schedule: "not a schedule", Run: noop}))
	assert.Error(t, s.AddTask(Task{Name: "locked", Schedule: "@every 5s", Exclusive: true, Run: noop}))

	s.RemoveTask("dispatch")
	assert.Empty(t, s.Tasks())
}

func TestSchedulerRunsTasks(t *testing.T) {
	s := NewCronScheduler(NewLocalLocker(), discardLogger())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.AddTask(Task{
		Name:      "tick",
		Schedule:  "@every 1s",
		Exclusive: true,
		Run: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
