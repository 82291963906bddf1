// internal/infra/etcd/etcd_attempt_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"job-dispatcher/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const attemptsDir = "attempts"

type etcdAttemptRepository struct {
	client *clientv3.Client
	keys   keyspace
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdAttemptRepository creates a new repository for job attempts backed by etcd.
func NewEtcdAttemptRepository(client *clientv3.Client, prefix string, logger *slog.Logger) domain.AttemptRepository {
	return &etcdAttemptRepository{
		client: client,
		keys:   newKeyspace(prefix),
		logger: logger,
		tracer: otel.Tracer("job-dispatcher-etcd-attempt-repo"),
	}
}

// attemptKey is attempts/{jobID}/{number}. The number is zero padded so
// that key order equals attempt order.
func (r *etcdAttemptRepository) attemptKey(jobID string, number int) string {
	return r.keys.key(attemptsDir, url.PathEscape(jobID), fmt.Sprintf("%08d", number))
}

// SaveAttempt persists a single attempt record to etcd.
func (r *etcdAttemptRepository) SaveAttempt(ctx context.Context, attempt *domain.JobAttempt) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveAttempt")
	defer span.End()

	attemptJSON, err := json.Marshal(attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal attempt")
		return fmt.Errorf("failed to marshal attempt %d of job %s to JSON: %w", attempt.Number, attempt.JobID, err)
	}

	key := r.attemptKey(attempt.JobID, attempt.Number)
	span.SetAttributes(
		attribute.String("job.id", attempt.JobID),
		attribute.Int("attempt.number", attempt.Number),
		attribute.String("etcd.key", key),
	)

	if _, err = r.client.Put(ctx, key, string(attemptJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put attempt to etcd")
		return fmt.Errorf("failed to save attempt %d of job %s to etcd: %w", attempt.Number, attempt.JobID, err)
	}
	return nil
}

// ListAttempts retrieves the attempts of a job, oldest first.
func (r *etcdAttemptRepository) ListAttempts(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListAttempts")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	return r.scan(ctx, r.keys.dir(attemptsDir, url.PathEscape(jobID)), func(*domain.JobAttempt) bool { return true })
}

// CountFailedAttempts scans every attempt. The history is bounded by job
// garbage collection.
func (r *etcdAttemptRepository) CountFailedAttempts(ctx context.Context, host, serviceType string, since time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CountFailedAttempts")
	defer span.End()

	attempts, err := r.scan(ctx, r.keys.dir(attemptsDir), func(a *domain.JobAttempt) bool {
		return a.Host == host && a.ServiceType == serviceType &&
			a.Status == domain.StatusFailed && a.FailureReason != domain.FailureReasonData &&
			!a.DateCompleted.Before(since)
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("attempts.failed", len(attempts)))
	return len(attempts), nil
}

func (r *etcdAttemptRepository) DeleteAttempts(ctx context.Context, jobID string) error {
	if _, err := r.client.Delete(ctx, r.keys.dir(attemptsDir, url.PathEscape(jobID)), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("failed to delete attempts of job %s from etcd: %w", jobID, err)
	}
	return nil
}

func (r *etcdAttemptRepository) scan(ctx context.Context, prefix string, keep func(*domain.JobAttempt) bool) ([]*domain.JobAttempt, error) {
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts from etcd: %w", err)
	}

	attempts := make([]*domain.JobAttempt, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var attempt domain.JobAttempt
		if err := json.Unmarshal(kv.Value, &attempt); err != nil {
			r.logger.Warn("failed to unmarshal attempt from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if keep(&attempt) {
			attempts = append(attempts, &attempt)
		}
	}
	return attempts, nil
}
