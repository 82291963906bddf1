package usecase

import (
	"context"
	"testing"

	"job-dispatcher/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runAndFail creates a job with the given input, runs it on host and fails it.
func (f *fixture) runAndFail(t *testing.T, host, input string, reason domain.FailureReason) *domain.Job {
	t.Helper()
	req := encodeRequest(1)
	req.Arguments = []string{input}
	job, err := f.jobs.CreateJob(context.Background(), req)
	require.NoError(t, err)
	f.claim(t, job.ID, host)
	failed, err := f.jobs.ReportFailure(context.Background(), job.ID, reason)
	require.NoError(t, err)
	return failed
}

func (f *fixture) state(t *testing.T, host string) *domain.ServiceRegistration {
	t.Helper()
	svc, err := f.registry.GetService(context.Background(), host, "encode")
	require.NoError(t, err)
	return svc
}

func TestFailoverWarnsOnProcessingFailure(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	f.registerHost(t, "http://a", 5, "encode")

	job := f.runAndFail(t, "http://a", "in.mp4", domain.FailureReasonProcessing)

	svc := f.state(t, "http://a")
	assert.Equal(t, domain.ServiceStateWarning, svc.State)
	assert.Equal(t, job.Signature(), svc.WarningTrigger)
}

func TestFailoverIgnoresDataFailures(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	f.registerHost(t, "http://a", 5, "encode")

	f.runAndFail(t, "http://a", "broken.mp4", domain.FailureReasonData)

	assert.Equal(t, domain.ServiceStateNormal, f.state(t, "http://a").State)
}

func TestFailoverResetsWarningOnSuccess(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	f.registerHost(t, "http://a", 5, "encode")
	f.runAndFail(t, "http://a", "in.mp4", domain.FailureReasonProcessing)
	require.Equal(t, domain.ServiceStateWarning, f.state(t, "http://a").State)

	job, err := f.jobs.CreateJob(context.Background(), encodeRequest(1))
	require.NoError(t, err)
	f.claim(t, job.ID, "http://a")
	_, err = f.jobs.ReportSuccess(context.Background(), job.ID, "")
	require.NoError(t, err)

	svc := f.state(t, "http://a")
	assert.Equal(t, domain.ServiceStateNormal, svc.State)
	assert.Empty(t, svc.WarningTrigger)
}

func TestFailoverBlamesTheJobWhenItFailsEverywhere(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	f.registerHost(t, "http://a", 5, "encode")
	f.registerHost(t, "http://b", 5, "encode")

	f.runAndFail(t, "http://a", "poison.mp4", domain.FailureReasonProcessing)
	require.Equal(t, domain.ServiceStateWarning, f.state(t, "http://a").State)

	// Same work fails on b: a is cleared and b is left alone.
	f.runAndFail(t, "http://b", "poison.mp4", domain.FailureReasonProcessing)
	assert.Equal(t, domain.ServiceStateNormal, f.state(t, "http://a").State)
	assert.Equal(t, domain.ServiceStateNormal, f.state(t, "http://b").State)

	// Different work still degrades the service it failed on.
	f.runAndFail(t, "http://b", "other.mp4", domain.FailureReasonProcessing)
	assert.Equal(t, domain.ServiceStateWarning, f.state(t, "http://b").State)
}

func TestFailoverEscalatesToError(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{ErrorStatesEnabled: true, MaxAttemptsBeforeError: 3})
	f.registerHost(t, "http://a", 5, "encode")

	f.runAndFail(t, "http://a", "first.mp4", domain.FailureReasonProcessing)
	require.Equal(t, domain.ServiceStateWarning, f.state(t, "http://a").State)

	// Failures are counted from the moment the service entered WARNING.
	f.runAndFail(t, "http://a", "second.mp4", domain.FailureReasonProcessing)
	f.runAndFail(t, "http://a", "third.mp4", domain.FailureReasonProcessing)
	assert.Equal(t, domain.ServiceStateWarning, f.state(t, "http://a").State)

	last := f.runAndFail(t, "http://a", "fourth.mp4", domain.FailureReasonProcessing)
	svc := f.state(t, "http://a")
	assert.Equal(t, domain.ServiceStateError, svc.State)
	assert.Equal(t, last.Signature(), svc.ErrorTrigger)

	// A service in ERROR receives no work, so failures elsewhere with the
	// same signature bring it back to WARNING.
	f.registerHost(t, "http://b", 5, "encode")
	f.runAndFail(t, "http://b", "fourth.mp4", domain.FailureReasonProcessing)
	assert.Equal(t, domain.ServiceStateWarning, f.state(t, "http://a").State)
}

func TestFailoverErrorStateDisabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  FailoverConfig
	}{
		{"disabled", FailoverConfig{MaxAttemptsBeforeError: 1}},
		{"excluded by pattern", FailoverConfig{ErrorStatesEnabled: true, MaxAttemptsBeforeError: 1, NoErrorStateServiceTypes: []string{"enc*"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(RetryPolicy{}, tt.cfg)
			f.registerHost(t, "http://a", 5, "encode")
			for _, input := range []string{"a", "b", "c"} {
				f.runAndFail(t, "http://a", input, domain.FailureReasonProcessing)
			}
			assert.Equal(t, domain.ServiceStateWarning, f.state(t, "http://a").State)
		})
	}
}

func TestFailoverIgnoresUnknownService(t *testing.T) {
	f := newFixture(RetryPolicy{}, FailoverConfig{})
	job := &domain.Job{ProcessorHost: "http://gone", ProcessorService: "encode", FailureReason: domain.FailureReasonProcessing}
	assert.NoError(t, f.failover.JobFailed(context.Background(), job))
	assert.NoError(t, f.failover.JobFinished(context.Background(), job))
}
