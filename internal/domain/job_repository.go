package domain

import "context"

// JobRepository is the durable, queryable collection of jobs.
//
// Update and Delete are compare-and-swap operations on Job.Version: they
// succeed only if the stored version equals the given one and otherwise
// return ErrConcurrentModification. A successful Update increments the
// version on the passed job.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string, version int64) error

	// FindDispatchableQueued returns QUEUED dispatchable jobs of serviceType
	// ordered by creation time. A limit <= 0 returns all of them.
	FindDispatchableQueued(ctx context.Context, serviceType string, limit int) ([]*Job, error)
	// QueuedServiceTypes lists the distinct service types with dispatchable QUEUED jobs.
	QueuedServiceTypes(ctx context.Context) ([]string, error)

	FindByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	FindByServiceTypeAndStatus(ctx context.Context, serviceType string, statuses ...Status) ([]*Job, error)
	FindByProcessor(ctx context.Context, host string, statuses ...Status) ([]*Job, error)
	FindChildren(ctx context.Context, parentID string) ([]*Job, error)
	FindByRoot(ctx context.Context, rootID string) ([]*Job, error)

	// RunningLoad sums the load of RUNNING dispatchable jobs per processor host.
	RunningLoad(ctx context.Context) (map[string]float64, error)
	CountByHostServiceStatus(ctx context.Context) ([]JobCount, error)
	OperationStats(ctx context.Context) ([]OperationStats, error)
}

// Store bundles the repositories a backend provides.
type Store interface {
	JobRepository
	RegistryRepository
	AttemptRepository
	Close() error
}
