package etcd

import (
	"log/slog"

	"job-dispatcher/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store combines the etcd repositories into a domain.Store. The client is
// owned by the caller and is not closed by Close.
type Store struct {
	domain.JobRepository
	domain.RegistryRepository
	domain.AttemptRepository
}

var _ domain.Store = (*Store)(nil)

// NewStore creates the repositories under prefix.
func NewStore(client *clientv3.Client, prefix string, logger *slog.Logger) *Store {
	logger = logger.With("component", "etcd-store")
	return &Store{
		JobRepository:      NewEtcdJobRepository(client, prefix, logger),
		RegistryRepository: NewEtcdRegistryRepository(client, prefix, logger),
		AttemptRepository:  NewEtcdAttemptRepository(client, prefix, logger),
	}
}

func (s *Store) Close() error {
	return nil
}
