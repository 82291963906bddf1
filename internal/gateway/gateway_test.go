package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/infra/memory"
	"job-dispatcher/internal/master"
	"job-dispatcher/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type gatewayEnv struct {
	client     *Client
	dispatcher *master.Dispatcher
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	failover := usecase.NewFailover(store, store, usecase.FailoverConfig{}, logger)
	jobs := usecase.NewJobService(store, failover, usecase.RetryPolicy{}, logger)
	registry := usecase.NewRegistryService(store, store, logger)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewServer(jobs, registry, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &gatewayEnv{client: client, dispatcher: master.NewDispatcher(store, master.DispatcherConfig{}, logger)}
}

func TestGatewayJobRoundTrip(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	reg, err := env.client.RegisterWorker(ctx, "http://worker-1", 4, []string{"shell"})
	require.NoError(t, err)
	assert.Equal(t, "http://worker-1", reg.Host.BaseURL)
	require.Len(t, reg.Services, 1)
	assert.Equal(t, domain.ServiceStateNormal, reg.Services[0].State)

	job, err := env.client.CreateJob(ctx, &CreateJobRequest{
		Organization: "org",
		Creator:      "alice",
		ServiceType:  "shell",
		Operation:    "shell",
		Arguments:    []string{"echo hi"},
		Dispatchable: true,
		Load:         1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, job.Status)

	polled, err := env.client.PollJobs(ctx, "http://worker-1", nil)
	require.NoError(t, err)
	assert.Empty(t, polled)

	_, err = env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)

	polled, err = env.client.PollJobs(ctx, "http://worker-1", []string{"shell"})
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, job.ID, polled[0].ID)

	polled, err = env.client.PollJobs(ctx, "http://worker-1", []string{"other"})
	require.NoError(t, err)
	assert.Empty(t, polled)

	done, err := env.client.ReportSuccess(ctx, job.ID, "hi\n")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, done.Status)
	assert.Equal(t, "hi\n", done.Payload)

	got, err := env.client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, got.Status)
	assert.Equal(t, done.DateCompleted.UnixNano(), got.DateCompleted.UnixNano())

	require.NoError(t, env.client.Heartbeat(ctx, "http://worker-1"))
}

func TestGatewayErrorMapping(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	_, err := env.client.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.client.CreateJob(ctx, &CreateJobRequest{ServiceType: "shell"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.client.RegisterWorker(ctx, "http://worker-1", 0, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = env.client.Heartbeat(ctx, "http://unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job, err := env.client.CreateJob(ctx, &CreateJobRequest{
		Organization: "org",
		Creator:      "alice",
		ServiceType:  "shell",
		Operation:    "shell",
		Dispatchable: true,
	})
	require.NoError(t, err)

	_, err = env.client.ReportSuccess(ctx, job.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = env.client.ReportFailure(ctx, job.ID, domain.FailureReason("BOGUS"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	canceled, err := env.client.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)

	_, err = env.client.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestGatewayReportFailure(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	_, err := env.client.RegisterWorker(ctx, "http://worker-1", 4, []string{"shell"})
	require.NoError(t, err)
	job, err := env.client.CreateJob(ctx, &CreateJobRequest{
		Organization: "org",
		Creator:      "alice",
		ServiceType:  "shell",
		Operation:    "shell",
		Dispatchable: true,
		Load:         1,
	})
	require.NoError(t, err)
	_, err = env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)

	failed, err := env.client.ReportFailure(ctx, job.ID, domain.FailureReasonData)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.FailureReasonData, failed.FailureReason)
}
