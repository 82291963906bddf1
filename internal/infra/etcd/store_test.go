package etcd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// newTestClient connects to the cluster in ETCD_ENDPOINTS and returns a
// fresh prefix that is removed after the test.
func newTestClient(t *testing.T) (*clientv3.Client, string) {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	cli, err := NewClient(strings.Split(endpoints, ","), 5*time.Second)
	require.NoError(t, err)

	prefix := "/dispatch-test/" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = cli.Delete(context.Background(), prefix+"/", clientv3.WithPrefix())
		_ = cli.Close()
	})
	return cli, prefix
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyspace(t *testing.T) {
	k := newKeyspace("")
	assert.Equal(t, "/dispatch/jobs/abc", k.key("jobs", "abc"))
	assert.Equal(t, "/dispatch/jobs/", k.dir("jobs"))

	k = newKeyspace("custom/")
	assert.Equal(t, "/custom/hosts/http:%2F%2Fa", k.key("hosts", "http:%2F%2Fa"))

	host, ok := hostFromKey(PresenceKey("", "http://worker-1:8080"))
	require.True(t, ok)
	assert.Equal(t, "http://worker-1:8080", host)
}

func TestJobRepositoryCompareAndSwap(t *testing.T) {
	cli, prefix := newTestClient(t)
	ctx := context.Background()
	st := NewStore(cli, prefix, discardLogger())

	job := &domain.Job{
		ID: "j1", Organization: "org", Creator: "alice", ServiceType: "encoder", Operation: "encode",
		Status: domain.StatusQueued, Dispatchable: true, Load: 1, RootID: "j1",
		DateCreated: time.Now().UTC(),
	}
	require.NoError(t, st.Create(ctx, job))
	assert.ErrorIs(t, st.Create(ctx, job), domain.ErrInvalidState)

	first, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Version)
	second, err := st.Get(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, first.Claim("http://a", "encoder", time.Now()))
	require.NoError(t, st.Update(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	require.NoError(t, second.Claim("http://b", "encoder", time.Now()))
	assert.ErrorIs(t, st.Update(ctx, second), domain.ErrConcurrentModification)

	stored, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "http://a", stored.ProcessorHost)

	loads, err := st.RunningLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"http://a": 1}, loads)

	assert.ErrorIs(t, st.Delete(ctx, "j1", 0), domain.ErrConcurrentModification)
	require.NoError(t, st.Delete(ctx, "j1", 1))
	_, err = st.Get(ctx, "j1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryRepository(t *testing.T) {
	cli, prefix := newTestClient(t)
	ctx := context.Background()
	st := NewStore(cli, prefix, discardLogger())

	svc := &domain.ServiceRegistration{Host: "http://a:8080", ServiceType: "encoder", State: domain.ServiceStateNormal, Online: true, Active: true}
	assert.ErrorIs(t, st.SaveService(ctx, svc), domain.ErrNotFound)

	require.NoError(t, st.SaveHost(ctx, &domain.HostRegistration{BaseURL: "http://a:8080", MaxLoad: 2, Online: true, Active: true}))
	require.NoError(t, st.SaveService(ctx, svc))

	services, err := st.ListServices(ctx, domain.ServiceFilter{Host: "http://a:8080"})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "encoder", services[0].ServiceType)

	require.NoError(t, st.DeleteHost(ctx, "http://a:8080"))
	_, err = st.GetService(ctx, "http://a:8080", "encoder")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, st.DeleteHost(ctx, "http://a:8080"), domain.ErrNotFound)
}

func TestLockerIsExclusive(t *testing.T) {
	cli, prefix := newTestClient(t)
	ctx := context.Background()
	locker := NewEtcdLocker(cli, prefix)

	lock, err := locker.Lock(ctx, "job-gc")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "job-gc")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, lock.Unlock(ctx))
	again, err := locker.Lock(ctx, "job-gc")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}
