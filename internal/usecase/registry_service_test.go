package usecase

import (
	"context"
	"testing"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterHost(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	_, err := f.registry.RegisterHost(ctx, " ", 5)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.registry.RegisterHost(ctx, "http://a", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	first, err := f.registry.RegisterHost(ctx, "http://a", 5)
	require.NoError(t, err)
	assert.True(t, first.Online)
	assert.True(t, first.Active)

	again, err := f.registry.RegisterHost(ctx, "http://a", 8)
	require.NoError(t, err)
	assert.Equal(t, 8.0, again.MaxLoad)
	assert.Equal(t, first.DateRegistered, again.DateRegistered)

	hosts, err := f.registry.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, 8.0, hosts[0].MaxLoad)
}

func TestRegisterService(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	_, err := f.registry.RegisterService(ctx, "http://a", "encode")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.registerHost(t, "http://a", 5, "encode")
	svc, err := f.registry.SetServiceState(ctx, "http://a", "encode", domain.ServiceStateWarning)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateWarning, svc.State)

	// Re-registering keeps the health state.
	svc, err = f.registry.RegisterService(ctx, "http://a", "encode")
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateWarning, svc.State)

	svc, err = f.registry.SanitizeService(ctx, "http://a", "encode")
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateNormal, svc.State)

	_, err = f.registry.SetServiceState(ctx, "http://a", "encode", domain.ServiceState("BROKEN"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUnregisterServiceWhileRunning(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()
	f.registerHost(t, "http://a", 5, "encode", "thumbnail")

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	f.claim(t, job.ID, "http://a")

	assert.ErrorIs(t, f.registry.UnregisterService(ctx, "http://a", "encode"), domain.ErrInvalidState)
	require.NoError(t, f.registry.UnregisterService(ctx, "http://a", "thumbnail"))

	svc, err := f.registry.GetService(ctx, "http://a", "thumbnail")
	require.NoError(t, err)
	assert.False(t, svc.Online)

	_, err = f.jobs.ReportSuccess(ctx, job.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.registry.UnregisterService(ctx, "http://a", "encode"))
}

func TestDeregisterHost(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()
	f.registerHost(t, "http://a", 5, "encode")

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	f.claim(t, job.ID, "http://a")

	assert.ErrorIs(t, f.registry.DeregisterHost(ctx, "http://a"), domain.ErrInvalidState)

	_, err = f.jobs.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.registry.DeregisterHost(ctx, "http://a"))

	_, err = f.registry.GetHost(ctx, "http://a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	services, err := f.registry.ListServices(ctx, domain.ServiceFilter{Host: "http://a"})
	require.NoError(t, err)
	assert.Empty(t, services)

	assert.ErrorIs(t, f.registry.DeregisterHost(ctx, "http://a"), domain.ErrNotFound)
}

func TestEnableDisableHost(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()
	f.registerHost(t, "http://a", 5, "encode", "thumbnail")

	require.NoError(t, f.registry.DisableHost(ctx, "http://a"))
	host, err := f.registry.GetHost(ctx, "http://a")
	require.NoError(t, err)
	assert.False(t, host.Active)
	services, err := f.registry.ListServices(ctx, domain.ServiceFilter{Host: "http://a"})
	require.NoError(t, err)
	require.Len(t, services, 2)
	for _, svc := range services {
		assert.False(t, svc.Active, svc.ServiceType)
	}

	require.NoError(t, f.registry.EnableHost(ctx, "http://a"))
	services, err = f.registry.ListServices(ctx, domain.ServiceFilter{Host: "http://a"})
	require.NoError(t, err)
	for _, svc := range services {
		assert.True(t, svc.Active, svc.ServiceType)
	}

	host, err = f.registry.SetMaintenance(ctx, "http://a", true)
	require.NoError(t, err)
	assert.True(t, host.Maintenance)
	assert.False(t, host.Available())
}

func TestMarkUnresponsiveHosts(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()
	f.registerHost(t, "http://a", 5)
	f.registerHost(t, "http://b", 5)

	f.clock.Advance(time.Minute)
	_, err := f.registry.Heartbeat(ctx, "http://b")
	require.NoError(t, err)

	changed, err := f.registry.MarkUnresponsiveHosts(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a"}, changed)

	a, err := f.registry.GetHost(ctx, "http://a")
	require.NoError(t, err)
	assert.False(t, a.Online)

	// Already offline hosts are not reported twice.
	changed, err = f.registry.MarkUnresponsiveHosts(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, changed)

	a, err = f.registry.Heartbeat(ctx, "http://a")
	require.NoError(t, err)
	assert.True(t, a.Online)
}

func TestPresenceHandlers(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()
	f.registerHost(t, "http://a", 5)

	require.NoError(t, f.registry.HostVanished(ctx, "http://a"))
	host, err := f.registry.GetHost(ctx, "http://a")
	require.NoError(t, err)
	assert.False(t, host.Online)

	require.NoError(t, f.registry.HostAppeared(ctx, "http://a"))
	host, err = f.registry.GetHost(ctx, "http://a")
	require.NoError(t, err)
	assert.True(t, host.Online)

	assert.NoError(t, f.registry.HostAppeared(ctx, "http://unknown"))
	assert.NoError(t, f.registry.HostVanished(ctx, "http://unknown"))
}
