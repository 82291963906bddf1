package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/infra/memory"

	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memory.Store
	clock    *fakeClock
	jobs     *JobService
	registry *RegistryService
	failover *Failover
}

func newFixture(retry RetryPolicy, failover FailoverConfig) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewStore()
	clock := newFakeClock()

	fo := NewFailover(st, st, failover, logger)
	fo.now = clock.Now
	jobs := NewJobService(st, fo, retry, logger)
	jobs.now = clock.Now
	registry := NewRegistryService(st, st, logger)
	registry.now = clock.Now

	return &fixture{store: st, clock: clock, jobs: jobs, registry: registry, failover: fo}
}

func encodeRequest(load float64) CreateJobRequest {
	return CreateJobRequest{
		Organization: "org",
		Creator:      "alice",
		ServiceType:  "encode",
		Operation:    "transcode",
		Arguments:    []string{"in.mp4"},
		Dispatchable: true,
		Load:         load,
	}
}

// claim does what the dispatcher does for a single job.
func (f *fixture) claim(t *testing.T, id, host string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, job.Claim(host, job.ServiceType, f.clock.Now()))
	require.NoError(t, f.store.Update(ctx, job))
	_, err = domain.StartAttempt(ctx, f.store, job)
	require.NoError(t, err)
	return job
}

func (f *fixture) registerHost(t *testing.T, host string, maxLoad float64, serviceTypes ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.registry.RegisterHost(ctx, host, maxLoad)
	require.NoError(t, err)
	for _, st := range serviceTypes {
		_, err := f.registry.RegisterService(ctx, host, st)
		require.NoError(t, err)
	}
}
