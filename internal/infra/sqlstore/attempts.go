package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"job-dispatcher/internal/domain"

	sq "github.com/Masterminds/squirrel"
)

var attemptColumns = []string{"job_id", "attempt_number", "host", "service_type", "status", "failure_reason", "date_started", "date_completed"}

// SaveAttempt inserts or replaces the attempt keyed by job and number.
func (s *Store) SaveAttempt(ctx context.Context, a *domain.JobAttempt) error {
	values := []interface{}{
		a.JobID, a.Number, a.Host, a.ServiceType, string(a.Status), string(a.FailureReason),
		toNanos(a.DateStarted), toNanos(a.DateCompleted),
	}
	err := s.runInTxWithRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		key := sq.Eq{"job_id": a.JobID, "attempt_number": a.Number}
		return upsert(ctx, tx, attemptsTable, key, attemptColumns, values)
	}, isUpsertRace)
	if err != nil {
		return fmt.Errorf("failed to save attempt %d of job %s: %w", a.Number, a.JobID, err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	query, args, err := sq.Select(attemptColumns...).From(attemptsTable).
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("attempt_number").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts of job %s: %w", jobID, err)
	}
	defer rows.Close()

	attempts := []*domain.JobAttempt{}
	for rows.Next() {
		var a domain.JobAttempt
		var status, reason string
		var started, completed int64
		if err := rows.Scan(&a.JobID, &a.Number, &a.Host, &a.ServiceType, &status, &reason, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Status = domain.Status(status)
		a.FailureReason = domain.FailureReason(reason)
		a.DateStarted = fromNanos(started)
		a.DateCompleted = fromNanos(completed)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *Store) CountFailedAttempts(ctx context.Context, host, serviceType string, since time.Time) (int, error) {
	query, args, err := sq.Select("COUNT(*)").From(attemptsTable).
		Where(sq.Eq{
			"host":         host,
			"service_type": serviceType,
			"status":       string(domain.StatusFailed),
		}).
		Where(sq.NotEq{"failure_reason": string(domain.FailureReasonData)}).
		Where(sq.GtOrEq{"date_completed": toNanos(since)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteAttempts(ctx context.Context, jobID string) error {
	query, args, err := sq.Delete(attemptsTable).Where(sq.Eq{"job_id": jobID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete attempts of job %s: %w", jobID, err)
	}
	return nil
}
