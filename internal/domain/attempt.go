package domain

import (
	"context"
	"time"
)

// JobAttempt records one execution attempt of a job on a (host, service).
type JobAttempt struct {
	JobID         string        `json:"job_id"`
	Number        int           `json:"number"`
	Host          string        `json:"host"`
	ServiceType   string        `json:"service_type"`
	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failure_reason"`
	DateStarted   time.Time     `json:"date_started"`
	DateCompleted time.Time     `json:"date_completed"`
}

// Open reports whether the attempt has not been completed yet.
func (a *JobAttempt) Open() bool {
	return a.DateCompleted.IsZero()
}

// AttemptRepository keeps the per-job attempt history.
type AttemptRepository interface {
	// SaveAttempt inserts or replaces the attempt keyed by (JobID, Number).
	SaveAttempt(ctx context.Context, attempt *JobAttempt) error
	// ListAttempts returns the attempts of a job ordered by Number.
	ListAttempts(ctx context.Context, jobID string) ([]*JobAttempt, error)
	// CountFailedAttempts counts attempts on (host, serviceType) that ended
	// FAILED for processing reasons and completed after since.
	CountFailedAttempts(ctx context.Context, host, serviceType string, since time.Time) (int, error)
	DeleteAttempts(ctx context.Context, jobID string) error
}

// StartAttempt records a new open attempt for a job that has just started
// running on its processor.
func StartAttempt(ctx context.Context, repo AttemptRepository, job *Job) (*JobAttempt, error) {
	attempts, err := repo.ListAttempts(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	number := 1
	if n := len(attempts); n > 0 {
		number = attempts[n-1].Number + 1
	}
	a := &JobAttempt{
		JobID:         job.ID,
		Number:        number,
		Host:          job.ProcessorHost,
		ServiceType:   job.ProcessorService,
		Status:        StatusRunning,
		FailureReason: FailureReasonNone,
		DateStarted:   job.DateStarted,
	}
	if err := repo.SaveAttempt(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// FinishAttempt closes the open attempt of a job with the given outcome. It
// does nothing when no attempt is open.
func FinishAttempt(ctx context.Context, repo AttemptRepository, jobID string, status Status, reason FailureReason, now time.Time) error {
	attempts, err := repo.ListAttempts(ctx, jobID)
	if err != nil {
		return err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if !a.Open() {
			continue
		}
		a.Status = status
		a.FailureReason = reason
		if now.Before(a.DateStarted) {
			now = a.DateStarted
		}
		a.DateCompleted = now
		return repo.SaveAttempt(ctx, a)
	}
	return nil
}
