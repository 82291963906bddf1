// internal/infra/etcd/etcd_job_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"

	"job-dispatcher/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const jobsDir = "jobs"

// etcdJobRepository stores one JSON document per job. The etcd key version
// is the source of truth for Job.Version: a key at etcd version v holds a
// job at version v-1.
type etcdJobRepository struct {
	client *clientv3.Client
	keys   keyspace
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdJobRepository creates a new repository for jobs backed by etcd.
func NewEtcdJobRepository(client *clientv3.Client, prefix string, logger *slog.Logger) domain.JobRepository {
	return &etcdJobRepository{
		client: client,
		keys:   newKeyspace(prefix),
		logger: logger,
		tracer: otel.Tracer("job-dispatcher-etcd-repo"),
	}
}

func (r *etcdJobRepository) jobKey(id string) string {
	return r.keys.key(jobsDir, url.PathEscape(id))
}

// Create stores a job that must not exist yet.
func (r *etcdJobRepository) Create(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CreateJob")
	defer span.End()

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	key := r.jobKey(job.ID)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("etcd.key", key),
	)

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(jobJSON))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job to etcd")
		return fmt.Errorf("failed to save job %s to etcd: %w", job.ID, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidState, job.ID)
	}
	return nil
}

// Update writes the job only if nobody else wrote it since it was read.
func (r *etcdJobRepository) Update(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.UpdateJob")
	defer span.End()

	next := job.Clone()
	next.Version = job.Version + 1
	jobJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	key := r.jobKey(job.ID)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("job.version", job.Version),
	)

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", job.Version+1)).
		Then(clientv3.OpPut(key, string(jobJSON))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update job in etcd")
		return fmt.Errorf("failed to update job %s in etcd: %w", job.ID, err)
	}
	if !resp.Succeeded {
		return casFailure(job.ID, job.Version, resp)
	}
	job.Version++
	return nil
}

// casFailure inspects the Else branch of a failed compare.
func casFailure(id string, version int64, resp *clientv3.TxnResponse) error {
	if len(resp.Responses) == 0 {
		return domain.ErrJobNotFound
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return domain.ErrJobNotFound
	}
	return fmt.Errorf("%w: job %s has version %d, not %d", domain.ErrConcurrentModification, id, kvs[0].Version-1, version)
}

// Delete removes a job at the given version.
func (r *etcdJobRepository) Delete(ctx context.Context, id string, version int64) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	key := r.jobKey(id)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", version+1)).
		Then(clientv3.OpDelete(key)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job from etcd")
		return fmt.Errorf("failed to delete job %s from etcd: %w", id, err)
	}
	if !resp.Succeeded {
		return casFailure(id, version, resp)
	}
	return nil
}

// Get retrieves a job from etcd.
func (r *etcdJobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	resp, err := r.client.Get(ctx, r.jobKey(id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from etcd")
		return nil, fmt.Errorf("failed to get job %s from etcd: %w", id, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, domain.ErrJobNotFound
	}

	var job domain.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s from JSON: %w", id, err)
	}
	job.Version = resp.Kvs[0].Version - 1
	return &job, nil
}

// list retrieves the jobs matching keep, ordered by creation.
func (r *etcdJobRepository) list(ctx context.Context, op string, keep func(*domain.Job) bool) ([]*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd."+op)
	defer span.End()

	resp, err := r.client.Get(ctx, r.keys.dir(jobsDir), clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from etcd")
		return nil, fmt.Errorf("failed to list jobs from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	jobs := make([]*domain.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var job domain.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			r.logger.Warn("failed to unmarshal job from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		job.Version = kv.Version - 1
		if keep(&job) {
			jobs = append(jobs, &job)
		}
	}
	domain.SortJobs(jobs)
	return jobs, nil
}

func (r *etcdJobRepository) FindDispatchableQueued(ctx context.Context, serviceType string, limit int) ([]*domain.Job, error) {
	jobs, err := r.list(ctx, "FindDispatchableQueued", func(j *domain.Job) bool {
		return j.Status == domain.StatusQueued && j.Dispatchable && j.ServiceType == serviceType
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *etcdJobRepository) QueuedServiceTypes(ctx context.Context) ([]string, error) {
	jobs, err := r.list(ctx, "QueuedServiceTypes", func(j *domain.Job) bool {
		return j.Status == domain.StatusQueued && j.Dispatchable
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var types []string
	for _, j := range jobs {
		if _, ok := seen[j.ServiceType]; !ok {
			seen[j.ServiceType] = struct{}{}
			types = append(types, j.ServiceType)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (r *etcdJobRepository) FindByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Job, error) {
	return r.list(ctx, "FindByStatus", func(j *domain.Job) bool {
		return domain.HasStatus(j.Status, statuses)
	})
}

func (r *etcdJobRepository) FindByServiceTypeAndStatus(ctx context.Context, serviceType string, statuses ...domain.Status) ([]*domain.Job, error) {
	return r.list(ctx, "FindByServiceTypeAndStatus", func(j *domain.Job) bool {
		return j.ServiceType == serviceType && domain.HasStatus(j.Status, statuses)
	})
}

func (r *etcdJobRepository) FindByProcessor(ctx context.Context, host string, statuses ...domain.Status) ([]*domain.Job, error) {
	return r.list(ctx, "FindByProcessor", func(j *domain.Job) bool {
		return j.ProcessorHost == host && domain.HasStatus(j.Status, statuses)
	})
}

func (r *etcdJobRepository) FindChildren(ctx context.Context, parentID string) ([]*domain.Job, error) {
	return r.list(ctx, "FindChildren", func(j *domain.Job) bool {
		return j.ParentID == parentID
	})
}

func (r *etcdJobRepository) FindByRoot(ctx context.Context, rootID string) ([]*domain.Job, error) {
	return r.list(ctx, "FindByRoot", func(j *domain.Job) bool {
		return j.RootID == rootID
	})
}

func (r *etcdJobRepository) RunningLoad(ctx context.Context) (map[string]float64, error) {
	jobs, err := r.list(ctx, "RunningLoad", func(j *domain.Job) bool {
		return j.Status == domain.StatusRunning
	})
	if err != nil {
		return nil, err
	}
	return domain.SumRunningLoad(jobs), nil
}

func (r *etcdJobRepository) CountByHostServiceStatus(ctx context.Context) ([]domain.JobCount, error) {
	jobs, err := r.list(ctx, "CountByHostServiceStatus", func(*domain.Job) bool { return true })
	if err != nil {
		return nil, err
	}
	return domain.CountJobs(jobs), nil
}

func (r *etcdJobRepository) OperationStats(ctx context.Context) ([]domain.OperationStats, error) {
	jobs, err := r.list(ctx, "OperationStats", func(j *domain.Job) bool {
		return domain.HasStatus(j.Status, domain.TimedStatuses)
	})
	if err != nil {
		return nil, err
	}
	return domain.AverageTimes(jobs), nil
}
