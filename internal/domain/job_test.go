package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(status Status, dispatchable bool) *Job {
	return &Job{
		ID:           "job-1",
		ServiceType:  "encoder",
		Operation:    "encode",
		Status:       status,
		Dispatchable: dispatchable,
		Load:         1,
		RootID:       "job-1",
		DateCreated:  t0,
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusInstantiated: {StatusQueued, StatusRunning, StatusCanceled},
		StatusQueued:       {StatusDispatching, StatusPaused, StatusCanceled},
		StatusDispatching:  {StatusRunning, StatusQueued, StatusCanceled},
		StatusRunning:      {StatusFinished, StatusFailed, StatusPaused, StatusCanceled},
		StatusFailed:       {StatusQueued, StatusFailedAfterMaxAttempts},
		StatusPaused:       {StatusQueued, StatusCanceled},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := HasStatus(to, allowed[from]) && len(allowed[from]) > 0
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestCanReachSkipsDispatching(t *testing.T) {
	assert.True(t, StatusQueued.CanReach(StatusRunning))
	assert.True(t, StatusQueued.CanReach(StatusQueued))
	assert.False(t, StatusQueued.CanReach(StatusFinished))
	assert.False(t, StatusFinished.CanReach(StatusQueued))
}

func TestIllegalTransitionsFail(t *testing.T) {
	tests := []struct {
		name         string
		from, to     Status
		dispatchable bool
	}{
		{"finished is final", StatusFinished, StatusRunning, true},
		{"canceled is final", StatusCanceled, StatusQueued, true},
		{"queued cannot finish", StatusQueued, StatusFinished, true},
		{"failed cannot be canceled", StatusFailed, StatusCanceled, true},
		{"non-dispatchable never queued", StatusInstantiated, StatusQueued, false},
		{"dispatchable never starts locally", StatusInstantiated, StatusRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob(tt.from, tt.dispatchable)
			err := job.TransitionTo(tt.to, t0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidState))
			assert.Equal(t, tt.from, job.Status)
		})
	}
}

func TestClaimAndCompletionAccounting(t *testing.T) {
	job := newJob(StatusQueued, true)

	require.NoError(t, job.Claim("http://a", "encoder", t0.Add(3*time.Second)))
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, "http://a", job.ProcessorHost)
	assert.Equal(t, "encoder", job.ProcessorService)
	assert.Equal(t, 3*time.Second, job.QueueTime)
	require.NoError(t, job.CheckInvariants())

	require.NoError(t, job.TransitionTo(StatusFinished, t0.Add(10*time.Second)))
	assert.Equal(t, 7*time.Second, job.RunTime)
	assert.Equal(t, FailureReasonNone, job.FailureReason)
	assert.False(t, job.DateCompleted.Before(job.DateStarted))
	assert.False(t, job.DateStarted.Before(job.DateCreated))
	require.NoError(t, job.CheckInvariants())
}

func TestClockSkewNeverProducesNegativeTimes(t *testing.T) {
	job := newJob(StatusQueued, true)
	require.NoError(t, job.Claim("http://a", "encoder", t0.Add(-time.Minute)))
	assert.Equal(t, time.Duration(0), job.QueueTime)
	assert.Equal(t, t0, job.DateStarted)

	require.NoError(t, job.TransitionTo(StatusFailed, t0.Add(-time.Hour)))
	assert.Equal(t, time.Duration(0), job.RunTime)
	assert.Equal(t, FailureReasonProcessing, job.FailureReason)
	assert.False(t, job.DateCompleted.Before(job.DateStarted))
}

func TestClaimRequiresQueuedDispatchable(t *testing.T) {
	assert.ErrorIs(t, newJob(StatusRunning, true).Claim("h", "s", t0), ErrInvalidState)
	assert.ErrorIs(t, newJob(StatusQueued, false).Claim("h", "s", t0), ErrInvalidState)
}

func TestStartLocally(t *testing.T) {
	job := newJob(StatusInstantiated, false)
	job.CreatorHost = "http://creator"
	job.CreatorService = "composer"

	require.NoError(t, job.StartLocally(t0.Add(time.Second)))
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, "http://creator", job.ProcessorHost)
	assert.Equal(t, "composer", job.ProcessorService)
	assert.False(t, job.CountsTowardLoad())
}

func TestRequeueClearsProcessor(t *testing.T) {
	job := newJob(StatusQueued, true)
	require.NoError(t, job.Claim("http://a", "encoder", t0.Add(time.Second)))
	job.FailureReason = FailureReasonData
	require.NoError(t, job.TransitionTo(StatusFailed, t0.Add(2*time.Second)))
	assert.Equal(t, FailureReasonData, job.FailureReason)

	require.NoError(t, job.TransitionTo(StatusQueued, t0.Add(3*time.Second)))
	assert.Empty(t, job.ProcessorHost)
	assert.True(t, job.DateStarted.IsZero())
	assert.True(t, job.DateCompleted.IsZero())
	assert.Equal(t, FailureReasonNone, job.FailureReason)
	require.NoError(t, job.CheckInvariants())
}

func TestCancelClearsProcessor(t *testing.T) {
	job := newJob(StatusQueued, true)
	require.NoError(t, job.Claim("http://a", "encoder", t0.Add(time.Second)))
	require.NoError(t, job.TransitionTo(StatusCanceled, t0.Add(2*time.Second)))
	assert.Empty(t, job.ProcessorHost)
	assert.Equal(t, t0.Add(2*time.Second), job.DateCompleted)
	require.NoError(t, job.CheckInvariants())
}

func TestCheckInvariants(t *testing.T) {
	job := newJob(StatusQueued, true)
	job.Load = -1
	assert.ErrorIs(t, job.CheckInvariants(), ErrValidation)

	job = newJob(StatusQueued, true)
	job.ProcessorHost = "http://a"
	assert.ErrorIs(t, job.CheckInvariants(), ErrInvalidState)

	job = newJob(StatusQueued, true)
	job.ParentID = job.ID
	assert.ErrorIs(t, job.CheckInvariants(), ErrValidation)
}

func TestCheckInvariantsDateOrder(t *testing.T) {
	finished := func() *Job {
		job := newJob(StatusQueued, true)
		require.NoError(t, job.Claim("http://a", "encoder", t0.Add(time.Second)))
		require.NoError(t, job.TransitionTo(StatusFinished, t0.Add(5*time.Second)))
		return job
	}

	tests := []struct {
		name   string
		modify func(j *Job)
	}{
		{"started before created", func(j *Job) { j.DateStarted = t0.Add(-time.Second) }},
		{"completed before started", func(j *Job) { j.DateCompleted = t0.Add(500 * time.Millisecond) }},
		{"completed before created", func(j *Job) {
			j.DateStarted = time.Time{}
			j.DateCompleted = t0.Add(-time.Hour)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := finished()
			require.NoError(t, job.CheckInvariants())
			tt.modify(job)
			assert.ErrorIs(t, job.CheckInvariants(), ErrValidation)
		})
	}
}

func TestCancelNeverCompletesBeforeStart(t *testing.T) {
	job := newJob(StatusQueued, true)
	require.NoError(t, job.Claim("http://a", "encoder", t0.Add(time.Minute)))
	require.NoError(t, job.TransitionTo(StatusCanceled, t0))
	assert.Equal(t, job.DateStarted, job.DateCompleted)
	require.NoError(t, job.CheckInvariants())
}

func TestSignature(t *testing.T) {
	a := newJob(StatusQueued, true)
	a.Arguments = []string{"x", "y"}
	b := a.Clone()
	b.ID = "other"
	assert.Equal(t, a.Signature(), b.Signature())

	b.Arguments = []string{"xy"}
	assert.NotEqual(t, a.Signature(), b.Signature())
}

func TestServiceSetState(t *testing.T) {
	svc := &ServiceRegistration{Host: "h", ServiceType: "s", State: ServiceStateNormal}
	svc.SetState(ServiceStateWarning, "sig", t0)
	assert.Equal(t, "sig", svc.WarningTrigger)
	assert.Equal(t, t0, svc.StateChanged)

	svc.SetState(ServiceStateError, "sig2", t0.Add(time.Second))
	assert.Equal(t, "sig", svc.WarningTrigger)
	assert.Equal(t, "sig2", svc.ErrorTrigger)

	svc.SetState(ServiceStateNormal, "", t0.Add(2*time.Second))
	assert.Empty(t, svc.WarningTrigger)
	assert.Empty(t, svc.ErrorTrigger)
}
