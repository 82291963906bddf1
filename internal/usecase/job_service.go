package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy controls resubmission of failed jobs.
type RetryPolicy struct {
	// MaxAttempts caps the number of attempts a job may accumulate. A
	// resubmission past the cap moves the job to FAILED_AFTER_MAX_ATTEMPTS.
	// Zero disables the cap.
	MaxAttempts int
	// Automatic resubmits jobs that fail for processing reasons.
	Automatic bool
}

// CreateJobRequest carries the caller-supplied fields of a new job.
type CreateJobRequest struct {
	Organization   string   `json:"organization" validate:"notblank"`
	Creator        string   `json:"creator" validate:"notblank"`
	ServiceType    string   `json:"service_type" validate:"notblank"`
	Operation      string   `json:"operation" validate:"notblank"`
	Arguments      []string `json:"arguments,omitempty"`
	Payload        string   `json:"payload,omitempty"`
	Dispatchable   bool     `json:"dispatchable"`
	Load           float64  `json:"load" validate:"gte=0"`
	ParentID       string   `json:"parent_id,omitempty"`
	CreatorHost    string   `json:"creator_host,omitempty"`
	CreatorService string   `json:"creator_service,omitempty"`
}

// JobService implements the job lifecycle on top of a store.
type JobService struct {
	store    domain.Store
	failover *Failover
	retry    RetryPolicy
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewJobService creates a new JobService instance. failover may be nil.
func NewJobService(store domain.Store, failover *Failover, retry RetryPolicy, logger *slog.Logger) *JobService {
	return &JobService{
		store:    store,
		failover: failover,
		retry:    retry,
		validate: newValidator(),
		logger:   logger.With("component", "job-service"),
		tracer:   otel.Tracer("job-dispatcher-usecase"),
		now:      time.Now,
	}
}

func (s *JobService) clock() time.Time {
	return s.now().UTC()
}

// CreateJob validates the request and stores a new job. Dispatchable jobs
// are queued immediately; the others stay INSTANTIATED until their creator
// starts them.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateJob")
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	now := s.clock()
	job := &domain.Job{
		ID:             id.String(),
		Organization:   req.Organization,
		Creator:        req.Creator,
		ServiceType:    req.ServiceType,
		Operation:      req.Operation,
		Arguments:      req.Arguments,
		Payload:        req.Payload,
		Status:         domain.StatusInstantiated,
		FailureReason:  domain.FailureReasonNone,
		Dispatchable:   req.Dispatchable,
		Load:           req.Load,
		CreatorHost:    req.CreatorHost,
		CreatorService: req.CreatorService,
		RootID:         id.String(),
		DateCreated:    now,
		DateModified:   now,
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.service_type", job.ServiceType))

	if req.ParentID != "" {
		parent, err := s.store.Get(ctx, req.ParentID)
		if err != nil {
			return nil, err
		}
		job.ParentID = parent.ID
		job.RootID = parent.RootID
		if job.RootID == "" {
			job.RootID = parent.ID
		}
	}

	if job.Dispatchable {
		if err := job.TransitionTo(domain.StatusQueued, now); err != nil {
			return nil, err
		}
	}

	if job.CreatorHost != "" {
		if host, err := s.store.GetHost(ctx, job.CreatorHost); err == nil && host.Maintenance {
			s.logger.Warn("job created by host in maintenance", "job_id", job.ID, "host", job.CreatorHost)
		}
	}

	if err := s.store.Create(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save job to repository")
		return nil, err
	}
	metrics.JobsCreatedTotal.WithLabelValues(job.ServiceType).Inc()
	s.logger.Info("job created", "job_id", job.ID, "service_type", job.ServiceType, "status", job.Status)
	return job, nil
}

// UpdateJob writes a job read earlier by the caller. The status change
// against the stored job must be a legal edge and the write fails with
// ErrConcurrentModification if someone else wrote the job meanwhile.
func (s *JobService) UpdateJob(ctx context.Context, job *domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "service.UpdateJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	stored, err := s.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if fields := immutableChanges(stored, job); len(fields) > 0 {
		return domain.NewValidationError(fields...)
	}
	if !stored.Status.CanReach(job.Status) {
		return domain.InvalidTransitionError(job.ID, stored.Status, job.Status)
	}
	if err := job.CheckInvariants(); err != nil {
		return err
	}
	job.DateModified = s.clock()
	if err := s.store.Update(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update job")
		return err
	}
	return nil
}

// immutableChanges lists the fields of job that differ from stored but may
// not change after creation. The completion date is fixed once a job has
// reached a terminal status.
func immutableChanges(stored, job *domain.Job) []string {
	var fields []string
	check := func(name string, changed bool) {
		if changed {
			fields = append(fields, name+" is immutable")
		}
	}
	check("organization", stored.Organization != job.Organization)
	check("creator", stored.Creator != job.Creator)
	check("service_type", stored.ServiceType != job.ServiceType)
	check("dispatchable", stored.Dispatchable != job.Dispatchable)
	check("parent_id", stored.ParentID != job.ParentID)
	check("root_id", stored.RootID != job.RootID)
	check("creator_host", stored.CreatorHost != job.CreatorHost)
	check("creator_service", stored.CreatorService != job.CreatorService)
	check("date_created", !stored.DateCreated.Equal(job.DateCreated))
	if stored.Status.IsTerminal() && stored.Status == job.Status {
		check("date_completed", !stored.DateCompleted.Equal(job.DateCompleted))
	}
	return fields
}

// GetJob returns a job by id.
func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from repository")
	}
	return job, err
}

// mutate reads the job, applies fn and writes it back, re-reading on
// version conflicts a few times before giving up.
func (s *JobService) mutate(ctx context.Context, id string, fn func(job *domain.Job, now time.Time) error) (*domain.Job, error) {
	var result *domain.Job
	op := func() error {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		now := s.clock()
		if err := fn(job, now); err != nil {
			return backoff.Permanent(err)
		}
		job.DateModified = now
		if err := s.store.Update(ctx, job); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = job
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelJob cancels a job that has not completed. Cancelling a RUNNING job
// is advisory: the worker learns about it on its next poll.
func (s *JobService) CancelJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	var wasRunning bool
	job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		wasRunning = job.Status == domain.StatusRunning
		return job.TransitionTo(domain.StatusCanceled, now)
	})
	if err != nil {
		return nil, err
	}
	if wasRunning {
		if err := domain.FinishAttempt(ctx, s.store, job.ID, domain.StatusCanceled, domain.FailureReasonNone, job.DateCompleted); err != nil {
			s.logger.Warn("failed to close attempt", "job_id", job.ID, "error", err)
		}
	}
	metrics.JobsCompletedTotal.WithLabelValues(job.ServiceType, string(job.Status)).Inc()
	s.logger.Info("job canceled", "job_id", job.ID)
	return job, nil
}

// PauseJob parks a QUEUED or RUNNING dispatchable job.
func (s *JobService) PauseJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.PauseJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	var wasRunning bool
	job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if !job.Dispatchable {
			return domain.InvalidTransitionError(job.ID, job.Status, domain.StatusPaused)
		}
		wasRunning = job.Status == domain.StatusRunning
		return job.TransitionTo(domain.StatusPaused, now)
	})
	if err != nil {
		return nil, err
	}
	if wasRunning {
		if err := domain.FinishAttempt(ctx, s.store, job.ID, domain.StatusPaused, domain.FailureReasonNone, job.DateModified); err != nil {
			s.logger.Warn("failed to close attempt", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// ResumeJob requeues a paused job.
func (s *JobService) ResumeJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.ResumeJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	return s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		return job.TransitionTo(domain.StatusQueued, now)
	})
}

// Resubmit requeues a FAILED job, or retires it to FAILED_AFTER_MAX_ATTEMPTS
// once it has used up its attempts.
func (s *JobService) Resubmit(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.Resubmit")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if job.Status != domain.StatusFailed {
			return domain.InvalidTransitionError(job.ID, job.Status, domain.StatusQueued)
		}
		if s.retry.MaxAttempts > 0 && len(attempts) >= s.retry.MaxAttempts {
			return job.TransitionTo(domain.StatusFailedAfterMaxAttempts, now)
		}
		if !job.Dispatchable {
			return domain.InvalidTransitionError(job.ID, job.Status, domain.StatusQueued)
		}
		return job.TransitionTo(domain.StatusQueued, now)
	})
	if err != nil {
		return nil, err
	}
	if job.Status == domain.StatusFailedAfterMaxAttempts {
		metrics.JobsCompletedTotal.WithLabelValues(job.ServiceType, string(job.Status)).Inc()
		s.logger.Warn("job exhausted its attempts", "job_id", job.ID, "attempts", len(attempts))
	} else {
		s.logger.Info("job resubmitted", "job_id", job.ID, "attempts", len(attempts))
	}
	return job, nil
}

// StartLocally moves a non-dispatchable job straight to RUNNING on the
// service that created it.
func (s *JobService) StartLocally(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.StartLocally")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		return job.StartLocally(now)
	})
	if err != nil {
		return nil, err
	}
	if _, err := domain.StartAttempt(ctx, s.store, job); err != nil {
		s.logger.Warn("failed to record attempt", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// ReportSuccess completes a RUNNING job with its result payload.
func (s *JobService) ReportSuccess(ctx context.Context, id, payload string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReportSuccess")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if err := job.TransitionTo(domain.StatusFinished, now); err != nil {
			return err
		}
		job.Payload = payload
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to report success")
		return nil, err
	}
	s.completed(ctx, job)
	if s.failover != nil {
		if err := s.failover.JobFinished(ctx, job); err != nil {
			s.logger.Warn("failed to update service state", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// ReportFailure fails a RUNNING job. Processing failures degrade the service
// and, with automatic retries, requeue the job.
func (s *JobService) ReportFailure(ctx context.Context, id string, reason domain.FailureReason) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReportFailure")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id), attribute.String("job.failure_reason", string(reason)))

	if reason == "" || reason == domain.FailureReasonNone {
		reason = domain.FailureReasonProcessing
	}
	job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if job.Status != domain.StatusRunning {
			return domain.InvalidTransitionError(job.ID, job.Status, domain.StatusFailed)
		}
		job.FailureReason = reason
		return job.TransitionTo(domain.StatusFailed, now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to report failure")
		return nil, err
	}
	s.completed(ctx, job)
	if s.failover != nil {
		if err := s.failover.JobFailed(ctx, job); err != nil {
			s.logger.Warn("failed to update service state", "job_id", job.ID, "error", err)
		}
	}
	if s.retry.Automatic && reason == domain.FailureReasonProcessing && job.Dispatchable {
		return s.Resubmit(ctx, job.ID)
	}
	return job, nil
}

func (s *JobService) completed(ctx context.Context, job *domain.Job) {
	if err := domain.FinishAttempt(ctx, s.store, job.ID, job.Status, job.FailureReason, job.DateCompleted); err != nil {
		s.logger.Warn("failed to close attempt", "job_id", job.ID, "error", err)
	}
	metrics.JobsCompletedTotal.WithLabelValues(job.ServiceType, string(job.Status)).Inc()
	s.logger.Info("job completed",
		"job_id", job.ID,
		"status", job.Status,
		"host", job.ProcessorHost,
		"queue_time", job.QueueTime,
		"run_time", job.RunTime,
	)
}

// DeleteJob removes a terminal job together with its descendants and their
// attempt histories. Every descendant must be terminal as well, so no
// surviving job is left pointing at a deleted parent or root.
func (s *JobService) DeleteJob(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, job.Status)
	}
	subtree, err := s.descendants(ctx, job)
	if err != nil {
		return err
	}
	for _, d := range subtree {
		if !d.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s has unfinished descendant %s", domain.ErrInvalidState, id, d.ID)
		}
	}

	// Deepest first, the job itself last.
	subtree = append([]*domain.Job{job}, subtree...)
	for i := len(subtree) - 1; i >= 0; i-- {
		j := subtree[i]
		if err := s.store.Delete(ctx, j.ID, j.Version); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to delete job from repository")
			return err
		}
		if err := s.store.DeleteAttempts(ctx, j.ID); err != nil {
			s.logger.Warn("failed to delete attempts", "job_id", j.ID, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("jobs.removed", len(subtree)))
	return nil
}

// descendants returns every job below job, parents before their children.
func (s *JobService) descendants(ctx context.Context, job *domain.Job) ([]*domain.Job, error) {
	var out []*domain.Job
	frontier := []string{job.ID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := s.store.FindChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// RemoveParentlessJobs deletes terminal root jobs completed more than
// olderThan ago, along with their trees. Trees with an unfinished member are
// kept whole. It returns the number of deleted jobs.
func (s *JobService) RemoveParentlessJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := s.tracer.Start(ctx, "service.RemoveParentlessJobs")
	defer span.End()

	cutoff := s.clock().Add(-olderThan)
	candidates, err := s.store.FindByStatus(ctx, domain.TerminalStatuses()...)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, root := range candidates {
		if !root.IsRoot() || !root.DateCompleted.Before(cutoff) {
			continue
		}
		tree, err := s.store.FindByRoot(ctx, root.ID)
		if err != nil {
			return removed, err
		}
		if !treeFinished(root, tree) {
			continue
		}
		// Children first, so a partial failure never orphans a subtree.
		for i := len(tree) - 1; i >= 0; i-- {
			if err := s.store.Delete(ctx, tree[i].ID, tree[i].Version); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return removed, err
			}
			if err := s.store.DeleteAttempts(ctx, tree[i].ID); err != nil {
				s.logger.Warn("failed to delete attempts", "job_id", tree[i].ID, "error", err)
			}
			removed++
		}
	}
	span.SetAttributes(attribute.Int("jobs.removed", removed))
	if removed > 0 {
		s.logger.Info("removed parentless jobs", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func treeFinished(root *domain.Job, tree []*domain.Job) bool {
	if !root.Status.IsTerminal() {
		return false
	}
	for _, j := range tree {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *JobService) FindByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Job, error) {
	return s.store.FindByStatus(ctx, statuses...)
}

func (s *JobService) FindByServiceTypeAndStatus(ctx context.Context, serviceType string, statuses ...domain.Status) ([]*domain.Job, error) {
	return s.store.FindByServiceTypeAndStatus(ctx, serviceType, statuses...)
}

// FindByProcessor lists the jobs assigned to a host.
func (s *JobService) FindByProcessor(ctx context.Context, host string, statuses ...domain.Status) ([]*domain.Job, error) {
	return s.store.FindByProcessor(ctx, host, statuses...)
}

func (s *JobService) FindChildren(ctx context.Context, parentID string) ([]*domain.Job, error) {
	return s.store.FindChildren(ctx, parentID)
}

// FindRoot returns the root job of the tree rootID.
func (s *JobService) FindRoot(ctx context.Context, rootID string) (*domain.Job, error) {
	job, err := s.store.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if !job.IsRoot() {
		return nil, fmt.Errorf("%w: job %s is not a root", domain.ErrNotFound, rootID)
	}
	return job, nil
}

// FindByRoot returns every job of a tree, root included.
func (s *JobService) FindByRoot(ctx context.Context, rootID string) ([]*domain.Job, error) {
	return s.store.FindByRoot(ctx, rootID)
}

func (s *JobService) CountByHostServiceStatus(ctx context.Context) ([]domain.JobCount, error) {
	return s.store.CountByHostServiceStatus(ctx)
}

func (s *JobService) OperationStats(ctx context.Context) ([]domain.OperationStats, error) {
	return s.store.OperationStats(ctx)
}

// ListAttempts returns the attempt history of a job.
func (s *JobService) ListAttempts(ctx context.Context, id string) ([]*domain.JobAttempt, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, id)
}
