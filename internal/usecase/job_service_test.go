package usecase

import (
	"context"
	"testing"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateJobRequest)
	}{
		{"negative load", func(r *CreateJobRequest) { r.Load = -1 }},
		{"blank operation", func(r *CreateJobRequest) { r.Operation = "  " }},
		{"missing service type", func(r *CreateJobRequest) { r.ServiceType = "" }},
		{"missing creator", func(r *CreateJobRequest) { r.Creator = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := encodeRequest(1)
			tt.mutate(&req)
			_, err := f.jobs.CreateJob(ctx, req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	jobs, err := f.store.FindByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateJob(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, job.ID, job.RootID)
	assert.Equal(t, int64(0), job.Version)
	assert.False(t, job.DateCreated.IsZero())

	local := encodeRequest(0)
	local.Dispatchable = false
	local.CreatorHost = "http://creator"
	local.CreatorService = "compose"
	lj, err := f.jobs.CreateJob(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInstantiated, lj.Status)

	started, err := f.jobs.StartLocally(ctx, lj.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, started.Status)
	assert.Equal(t, "http://creator", started.ProcessorHost)

	attempts, err := f.jobs.ListAttempts(ctx, lj.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "compose", attempts[0].ServiceType)

	loads, err := f.store.RunningLoad(ctx)
	require.NoError(t, err)
	assert.Empty(t, loads)
}

func TestCreateJobWithUnknownParent(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	req := encodeRequest(1)
	req.ParentID = "missing"
	_, err := f.jobs.CreateJob(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChildrenAndRoot(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	p, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)

	child := encodeRequest(1)
	child.ParentID = p.ID
	c1, err := f.jobs.CreateJob(ctx, child)
	require.NoError(t, err)
	c2, err := f.jobs.CreateJob(ctx, child)
	require.NoError(t, err)

	grand := encodeRequest(1)
	grand.ParentID = c1.ID
	g, err := f.jobs.CreateJob(ctx, grand)
	require.NoError(t, err)
	assert.Equal(t, p.ID, g.RootID)

	children, err := f.jobs.FindChildren(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, c1.ID, children[0].ID)
	assert.Equal(t, c2.ID, children[1].ID)

	root, err := f.jobs.FindRoot(ctx, c1.RootID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, root.ID)

	_, err = f.jobs.FindRoot(ctx, c1.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tree, err := f.jobs.FindByRoot(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, tree, 4)
}

func TestUpdateJobChecksEdgesAndVersion(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)

	stale := job.Clone()
	finished := job.Clone()
	finished.Status = domain.StatusFinished
	finished.DateCompleted = time.Now()
	assert.ErrorIs(t, f.jobs.UpdateJob(ctx, finished), domain.ErrInvalidState)

	paused := job.Clone()
	require.NoError(t, paused.TransitionTo(domain.StatusPaused, f.clock.Now()))
	require.NoError(t, f.jobs.UpdateJob(ctx, paused))
	assert.Equal(t, int64(1), paused.Version)

	require.NoError(t, stale.TransitionTo(domain.StatusCanceled, f.clock.Now()))
	assert.ErrorIs(t, f.jobs.UpdateJob(ctx, stale), domain.ErrConcurrentModification)
}

func TestUpdateJobKeepsImmutableFields(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	root, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	req := encodeRequest(1)
	req.ParentID = root.ID
	child, err := f.jobs.CreateJob(ctx, req)
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(j *domain.Job)
	}{
		{"parent points at own child", func(j *domain.Job) { j.ParentID = child.ID }},
		{"root moved", func(j *domain.Job) { j.RootID = child.ID }},
		{"organization", func(j *domain.Job) { j.Organization = "other-org" }},
		{"creator", func(j *domain.Job) { j.Creator = "mallory" }},
		{"creator host", func(j *domain.Job) { j.CreatorHost = "http://elsewhere" }},
		{"dispatchable", func(j *domain.Job) { j.Dispatchable = false }},
		{"date created", func(j *domain.Job) { j.DateCreated = j.DateCreated.Add(-time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := f.jobs.GetJob(ctx, root.ID)
			require.NoError(t, err)
			tt.modify(job)
			assert.ErrorIs(t, f.jobs.UpdateJob(ctx, job), domain.ErrValidation)
		})
	}

	stored, err := f.jobs.FindRoot(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "org", stored.Organization)
	assert.Equal(t, "alice", stored.Creator)
	assert.Empty(t, stored.ParentID)
	assert.Equal(t, int64(0), stored.Version)
}

func TestUpdateJobKeepsCompletionDates(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	f.claim(t, job.ID, "http://a")
	_, err = f.jobs.ReportSuccess(ctx, job.ID, "")
	require.NoError(t, err)

	done, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	done.DateCompleted = done.DateCompleted.Add(-72 * time.Hour)
	assert.ErrorIs(t, f.jobs.UpdateJob(ctx, done), domain.ErrValidation)

	running, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	f.claim(t, running.ID, "http://a")
	started, err := f.jobs.GetJob(ctx, running.ID)
	require.NoError(t, err)
	started.DateStarted = started.DateCreated.Add(-time.Minute)
	assert.ErrorIs(t, f.jobs.UpdateJob(ctx, started), domain.ErrValidation)

	// Payload edits on a running job are still accepted.
	started, err = f.jobs.GetJob(ctx, running.ID)
	require.NoError(t, err)
	started.Payload = "progress"
	require.NoError(t, f.jobs.UpdateJob(ctx, started))
}

func TestReportSuccess(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	_, err = f.jobs.ReportSuccess(ctx, job.ID, "<result/>")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.claim(t, job.ID, "http://a")
	done, err := f.jobs.ReportSuccess(ctx, job.ID, "<result/>")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, done.Status)
	assert.Equal(t, "<result/>", done.Payload)
	assert.Equal(t, "http://a", done.ProcessorHost)
	assert.GreaterOrEqual(t, done.QueueTime, time.Duration(0))
	assert.GreaterOrEqual(t, done.RunTime, time.Duration(0))
	assert.False(t, done.DateCompleted.Before(done.DateStarted))
	assert.False(t, done.DateStarted.Before(done.DateCreated))

	attempts, err := f.jobs.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.StatusFinished, attempts[0].Status)
	assert.False(t, attempts[0].Open())
}

func TestCancelPauseResume(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)

	paused, err := f.jobs.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	resumed, err := f.jobs.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, resumed.Status)

	f.claim(t, job.ID, "http://a")
	paused, err = f.jobs.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, paused.ProcessorHost)
	attempts, err := f.jobs.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, attempts[0].Status)

	_, err = f.jobs.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	f.claim(t, job.ID, "http://b")

	canceled, err := f.jobs.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)
	assert.Empty(t, canceled.ProcessorHost)
	assert.False(t, canceled.DateCompleted.IsZero())

	_, err = f.jobs.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	attempts, err = f.jobs.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "http://b", attempts[1].Host)
	assert.Equal(t, domain.StatusCanceled, attempts[1].Status)
}

func TestResubmitHonoursMaxAttempts(t *testing.T) {
	f := newFixture(RetryPolicy{MaxAttempts: 2}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)

	_, err = f.jobs.Resubmit(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	for attempt := 1; attempt <= 2; attempt++ {
		f.claim(t, job.ID, "http://a")
		_, err = f.jobs.ReportFailure(ctx, job.ID, domain.FailureReasonProcessing)
		require.NoError(t, err)
		job, err = f.jobs.Resubmit(ctx, job.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.StatusFailedAfterMaxAttempts, job.Status)
	assert.False(t, job.DateCompleted.IsZero())

	attempts, err := f.jobs.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestAutomaticRetry(t *testing.T) {
	f := newFixture(RetryPolicy{MaxAttempts: 3, Automatic: true}, FailoverConfig{})
	ctx := context.Background()

	job, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)

	f.claim(t, job.ID, "http://a")
	requeued, err := f.jobs.ReportFailure(ctx, job.ID, domain.FailureReasonProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, requeued.Status)

	f.claim(t, job.ID, "http://a")
	failed, err := f.jobs.ReportFailure(ctx, job.ID, domain.FailureReasonData)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.FailureReasonData, failed.FailureReason)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	parent, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	req := encodeRequest(1)
	req.ParentID = parent.ID
	child, err := f.jobs.CreateJob(ctx, req)
	require.NoError(t, err)

	assert.ErrorIs(t, f.jobs.DeleteJob(ctx, parent.ID), domain.ErrInvalidState)

	_, err = f.jobs.CancelJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.jobs.DeleteJob(ctx, parent.ID), domain.ErrInvalidState, "child still queued")

	f.claim(t, child.ID, "http://a")
	_, err = f.jobs.ReportSuccess(ctx, child.ID, "")
	require.NoError(t, err)

	require.NoError(t, f.jobs.DeleteJob(ctx, child.ID))
	_, err = f.jobs.GetJob(ctx, child.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	children, err := f.jobs.FindChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
	finished, err := f.jobs.FindByStatus(ctx, domain.StatusFinished)
	require.NoError(t, err)
	assert.Empty(t, finished)
	attempts, err := f.store.ListAttempts(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	require.NoError(t, f.jobs.DeleteJob(ctx, parent.ID))
	assert.ErrorIs(t, f.jobs.DeleteJob(ctx, parent.ID), domain.ErrNotFound)
}

func TestDeleteJobChecksWholeSubtree(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	root, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	req := encodeRequest(1)
	req.ParentID = root.ID
	child, err := f.jobs.CreateJob(ctx, req)
	require.NoError(t, err)
	req.ParentID = child.ID
	grandchild, err := f.jobs.CreateJob(ctx, req)
	require.NoError(t, err)

	for _, id := range []string{root.ID, child.ID} {
		_, err := f.jobs.CancelJob(ctx, id)
		require.NoError(t, err)
	}
	f.claim(t, grandchild.ID, "http://a")

	assert.ErrorIs(t, f.jobs.DeleteJob(ctx, root.ID), domain.ErrInvalidState)
	tree, err := f.jobs.FindByRoot(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, tree, 3)

	_, err = f.jobs.ReportSuccess(ctx, grandchild.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.jobs.DeleteJob(ctx, root.ID))

	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		_, err := f.jobs.GetJob(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	attempts, err := f.store.ListAttempts(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRemoveParentlessJobs(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	old, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	req := encodeRequest(1)
	req.ParentID = old.ID
	oldChild, err := f.jobs.CreateJob(ctx, req)
	require.NoError(t, err)
	_, err = f.jobs.CancelJob(ctx, oldChild.ID)
	require.NoError(t, err)
	_, err = f.jobs.CancelJob(ctx, old.ID)
	require.NoError(t, err)

	busy, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	req.ParentID = busy.ID
	_, err = f.jobs.CreateJob(ctx, req)
	require.NoError(t, err)
	_, err = f.jobs.CancelJob(ctx, busy.ID)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)

	recent, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	_, err = f.jobs.CancelJob(ctx, recent.ID)
	require.NoError(t, err)

	removed, err := f.jobs.RemoveParentlessJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = f.jobs.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.jobs.GetJob(ctx, busy.ID)
	assert.NoError(t, err)
	_, err = f.jobs.GetJob(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestStatistics(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	ctx := context.Background()

	a, err := f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	_, err = f.jobs.CreateJob(ctx, encodeRequest(1))
	require.NoError(t, err)
	f.claim(t, a.ID, "http://a")
	_, err = f.jobs.ReportSuccess(ctx, a.ID, "")
	require.NoError(t, err)

	counts, err := f.jobs.CountByHostServiceStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.JobCount{
		{Host: "", ServiceType: "encode", Status: domain.StatusQueued, Count: 1},
		{Host: "http://a", ServiceType: "encode", Status: domain.StatusFinished, Count: 1},
	}, counts)

	stats, err := f.jobs.OperationStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "transcode", stats[0].Operation)
	assert.Equal(t, 1, stats[0].Count)
	assert.Positive(t, stats[0].AvgQueueTime)
}
