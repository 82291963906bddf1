package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func queued(id string) *domain.Job {
	return &domain.Job{
		ID: id, ServiceType: "encoder", Operation: "encode",
		Status: domain.StatusQueued, Dispatchable: true, Load: 1,
		RootID: id, DateCreated: t0,
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	require.NoError(t, st.Create(ctx, queued("j1")))

	hosts := []string{"http://a", "http://b", "http://c", "http://d"}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	start := make(chan struct{})
	for _, host := range hosts {
		job, err := st.Get(ctx, "j1")
		require.NoError(t, err)
		wg.Add(1)
		go func(host string, job *domain.Job) {
			defer wg.Done()
			<-start
			assert.NoError(t, job.Claim(host, "encoder", t0.Add(time.Second)))
			err := st.Update(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, host)
			case errors.Is(err, domain.ErrConcurrentModification):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(host, job)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, len(hosts)-1, conflicts)

	stored, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.Equal(t, winners[0], stored.ProcessorHost)
	assert.Equal(t, int64(1), stored.Version)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	job := queued("j1")
	job.Arguments = []string{"a"}
	require.NoError(t, st.Create(ctx, job))

	job.Arguments[0] = "mutated"
	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Arguments)

	got.Status = domain.StatusCanceled
	again, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status)
}

func TestServicesRequireHost(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	svc := &domain.ServiceRegistration{Host: "http://a", ServiceType: "encoder"}
	assert.ErrorIs(t, st.SaveService(ctx, svc), domain.ErrNotFound)

	require.NoError(t, st.SaveHost(ctx, &domain.HostRegistration{BaseURL: "http://a", MaxLoad: 1}))
	require.NoError(t, st.SaveService(ctx, svc))
	require.NoError(t, st.DeleteHost(ctx, "http://a"))

	services, err := st.ListServices(ctx, domain.ServiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, services)
}
