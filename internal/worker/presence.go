// internal/worker/presence.go
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"job-dispatcher/internal/infra/etcd"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Presence keeps a lease-bound key in etcd for as long as the worker is
// alive. The master watches these keys and takes hosts offline when theirs
// disappears.
type Presence struct {
	client  *clientv3.Client
	prefix  string
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
}

// NewPresence creates a presence announcer under prefix.
func NewPresence(client *clientv3.Client, prefix string, logger *slog.Logger) *Presence {
	return &Presence{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "worker-presence"),
	}
}

// Register puts the presence key of baseURL with a lease of ttl seconds and
// keeps the lease alive until ctx is done or Deregister is called.
func (p *Presence) Register(ctx context.Context, baseURL string, ttl int64) error {
	p.key = etcd.PresenceKey(p.prefix, baseURL)

	leaseResp, err := p.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	p.leaseID = leaseResp.ID

	if _, err := p.client.Put(ctx, p.key, baseURL, clientv3.WithLease(p.leaseID)); err != nil {
		return fmt.Errorf("failed to put presence key: %w", err)
	}

	keepAliveCh, err := p.client.KeepAlive(ctx, p.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for {
			ka, ok := <-keepAliveCh
			if !ok {
				p.logger.Warn("keep-alive channel closed, presence may have expired", "key", p.key)
				return
			}
			p.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
	}()

	p.logger.Info("presence registered", "key", p.key)
	return nil
}

// Deregister revokes the lease, which deletes the presence key.
func (p *Presence) Deregister(ctx context.Context) error {
	if p.leaseID == 0 {
		return nil
	}
	p.logger.Info("deregistering presence", "key", p.key)
	if _, err := p.client.Revoke(ctx, p.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
