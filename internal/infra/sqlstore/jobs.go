package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"job-dispatcher/internal/domain"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var jobColumns = []string{
	"id", "organization", "creator", "service_type", "operation", "arguments", "payload",
	"status", "failure_reason", "dispatchable", "job_load",
	"creator_host", "creator_service", "processor_host", "processor_service",
	"parent_id", "root_id",
	"date_created", "date_started", "date_completed", "date_modified", "queue_time", "run_time",
	"version",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func jobValues(job *domain.Job) ([]interface{}, error) {
	args := job.Arguments
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments of job %s: %w", job.ID, err)
	}
	return []interface{}{
		job.ID, job.Organization, job.Creator, job.ServiceType, job.Operation, string(argsJSON), job.Payload,
		string(job.Status), string(job.FailureReason), job.Dispatchable, job.Load,
		job.CreatorHost, job.CreatorService, job.ProcessorHost, job.ProcessorService,
		job.ParentID, job.RootID,
		toNanos(job.DateCreated), toNanos(job.DateStarted), toNanos(job.DateCompleted), toNanos(job.DateModified),
		int64(job.QueueTime), int64(job.RunTime),
		job.Version,
	}, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var argsJSON, status, reason string
	var created, started, completed, modified, queueTime, runTime int64
	err := row.Scan(
		&job.ID, &job.Organization, &job.Creator, &job.ServiceType, &job.Operation, &argsJSON, &job.Payload,
		&status, &reason, &job.Dispatchable, &job.Load,
		&job.CreatorHost, &job.CreatorService, &job.ProcessorHost, &job.ProcessorService,
		&job.ParentID, &job.RootID,
		&created, &started, &completed, &modified, &queueTime, &runTime,
		&job.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &job.Arguments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments of job %s: %w", job.ID, err)
	}
	if len(job.Arguments) == 0 {
		job.Arguments = nil
	}
	job.Status = domain.Status(status)
	job.FailureReason = domain.FailureReason(reason)
	job.DateCreated = fromNanos(created)
	job.DateStarted = fromNanos(started)
	job.DateCompleted = fromNanos(completed)
	job.DateModified = fromNanos(modified)
	job.QueueTime = time.Duration(queueTime)
	job.RunTime = time.Duration(runTime)
	return &job, nil
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "repo.sql.CreateJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.service_type", job.ServiceType))

	values, err := jobValues(job)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert(jobsTable).Columns(jobColumns...).Values(values...).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert for job %s: %w", job.ID, err)
	}
	err = s.runWithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}, isTransient)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert job")
		if isDuplicate(err) {
			return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidState, job.ID)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// Update writes the job if the stored version still equals job.Version.
func (s *Store) Update(ctx context.Context, job *domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "repo.sql.UpdateJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Int64("job.version", job.Version))

	values, err := jobValues(job)
	if err != nil {
		return err
	}
	set := make(map[string]interface{}, len(jobColumns)-1)
	for i, col := range jobColumns {
		if col == "id" {
			continue
		}
		set[col] = values[i]
	}
	set["version"] = job.Version + 1

	query, args, err := sq.Update(jobsTable).
		SetMap(set).
		Where(sq.Eq{"id": job.ID, "version": job.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update for job %s: %w", job.ID, err)
	}

	var affected int64
	err = s.runWithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, isTransient)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update job")
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return s.casFailure(ctx, job.ID, job.Version)
	}
	job.Version++
	return nil
}

// casFailure tells a missing row apart from a stale version.
func (s *Store) casFailure(ctx context.Context, id string, version int64) error {
	stored, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s has version %d, not %d", domain.ErrConcurrentModification, id, stored.Version, version)
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "repo.sql.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	query, args, err := sq.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select for job %s: %w", id, err)
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// Delete removes the job if the stored version still equals version.
func (s *Store) Delete(ctx context.Context, id string, version int64) error {
	ctx, span := s.tracer.Start(ctx, "repo.sql.DeleteJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	query, args, err := sq.Delete(jobsTable).Where(sq.Eq{"id": id, "version": version}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete for job %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job")
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n == 0 {
		return s.casFailure(ctx, id, version)
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, b sq.SelectBuilder) ([]*domain.Job, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func selectJobs() sq.SelectBuilder {
	return sq.Select(jobColumns...).From(jobsTable).OrderBy("date_created", "id")
}

func statusValues(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *Store) FindDispatchableQueued(ctx context.Context, serviceType string, limit int) ([]*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "repo.sql.FindDispatchableQueued")
	defer span.End()
	span.SetAttributes(attribute.String("job.service_type", serviceType))

	b := selectJobs().Where(sq.Eq{
		"status":       string(domain.StatusQueued),
		"service_type": serviceType,
		"dispatchable": true,
	})
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	jobs, err := s.queryJobs(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query queue")
		return nil, err
	}
	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))
	return jobs, nil
}

func (s *Store) QueuedServiceTypes(ctx context.Context) ([]string, error) {
	query, args, err := sq.Select("service_type").Distinct().From(jobsTable).
		Where(sq.Eq{"status": string(domain.StatusQueued), "dispatchable": true}).
		OrderBy("service_type").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build service type query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued service types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan service type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *Store) FindByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Job, error) {
	b := selectJobs()
	if len(statuses) > 0 {
		b = b.Where(sq.Eq{"status": statusValues(statuses)})
	}
	return s.queryJobs(ctx, b)
}

func (s *Store) FindByServiceTypeAndStatus(ctx context.Context, serviceType string, statuses ...domain.Status) ([]*domain.Job, error) {
	b := selectJobs().Where(sq.Eq{"service_type": serviceType})
	if len(statuses) > 0 {
		b = b.Where(sq.Eq{"status": statusValues(statuses)})
	}
	return s.queryJobs(ctx, b)
}

func (s *Store) FindByProcessor(ctx context.Context, host string, statuses ...domain.Status) ([]*domain.Job, error) {
	b := selectJobs().Where(sq.Eq{"processor_host": host})
	if len(statuses) > 0 {
		b = b.Where(sq.Eq{"status": statusValues(statuses)})
	}
	return s.queryJobs(ctx, b)
}

func (s *Store) FindChildren(ctx context.Context, parentID string) ([]*domain.Job, error) {
	return s.queryJobs(ctx, selectJobs().Where(sq.Eq{"parent_id": parentID}))
}

func (s *Store) FindByRoot(ctx context.Context, rootID string) ([]*domain.Job, error) {
	return s.queryJobs(ctx, selectJobs().Where(sq.Eq{"root_id": rootID}))
}

func (s *Store) RunningLoad(ctx context.Context) (map[string]float64, error) {
	query, args, err := sq.Select("processor_host", "SUM(job_load)").From(jobsTable).
		Where(sq.Eq{"status": string(domain.StatusRunning), "dispatchable": true}).
		Where(sq.NotEq{"processor_host": ""}).
		GroupBy("processor_host").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build load query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query running load: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]float64)
	for rows.Next() {
		var (
			host string
			load float64
		)
		if err := rows.Scan(&host, &load); err != nil {
			return nil, fmt.Errorf("failed to scan running load: %w", err)
		}
		loads[host] = load
	}
	return loads, rows.Err()
}

func (s *Store) CountByHostServiceStatus(ctx context.Context) ([]domain.JobCount, error) {
	query, args, err := sq.Select("processor_host", "service_type", "status", "COUNT(*)").From(jobsTable).
		GroupBy("processor_host", "service_type", "status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	var counts []domain.JobCount
	for rows.Next() {
		var (
			c      domain.JobCount
			status string
		)
		if err := rows.Scan(&c.Host, &c.ServiceType, &status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		c.Status = domain.Status(status)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortJobCounts(counts)
	return counts, nil
}

func (s *Store) OperationStats(ctx context.Context) ([]domain.OperationStats, error) {
	query, args, err := sq.Select("operation", "COUNT(*)", "AVG(queue_time)", "AVG(run_time)").From(jobsTable).
		Where(sq.Eq{"status": statusValues(domain.TimedStatuses)}).
		GroupBy("operation").
		OrderBy("operation").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build operation stats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.OperationStats
	for rows.Next() {
		var (
			st         domain.OperationStats
			queue, run float64
		)
		if err := rows.Scan(&st.Operation, &st.Count, &queue, &run); err != nil {
			return nil, fmt.Errorf("failed to scan operation stats: %w", err)
		}
		st.AvgQueueTime = time.Duration(queue)
		st.AvgRunTime = time.Duration(run)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
