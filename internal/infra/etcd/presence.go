package etcd

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const presenceDir = "presence"

// PresenceKey is the lease-bound key a worker host keeps alive while running.
func PresenceKey(prefix, baseURL string) string {
	return newKeyspace(prefix).key(presenceDir, url.PathEscape(baseURL))
}

// PresenceHandler reacts to worker hosts appearing and disappearing.
type PresenceHandler interface {
	HostAppeared(ctx context.Context, baseURL string) error
	HostVanished(ctx context.Context, baseURL string) error
}

// PresenceWatcher tracks live worker hosts through their presence keys.
type PresenceWatcher struct {
	client  *clientv3.Client
	prefix  string
	handler PresenceHandler
	logger  *slog.Logger
	hosts   map[string]struct{}
	mu      sync.RWMutex
}

// NewPresenceWatcher creates a watcher. handler may be nil.
func NewPresenceWatcher(client *clientv3.Client, prefix string, handler PresenceHandler, logger *slog.Logger) *PresenceWatcher {
	return &PresenceWatcher{
		client:  client,
		prefix:  newKeyspace(prefix).dir(presenceDir),
		handler: handler,
		logger:  logger.With("component", "presence-watcher"),
		hosts:   make(map[string]struct{}),
	}
}

// Watch loads the current presence keys and then follows changes until ctx
// is done. It blocks.
func (w *PresenceWatcher) Watch(ctx context.Context) {
	w.logger.Info("starting to watch worker presence")

	rev, err := w.loadInitial(ctx)
	if err != nil {
		w.logger.Error("failed to perform initial presence load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range w.client.Watch(ctx, w.prefix, opts...) {
		if err := watchResp.Err(); err != nil {
			w.logger.Warn("presence watch error", "error", err)
			continue
		}
		for _, event := range watchResp.Events {
			host, ok := hostFromKey(string(event.Kv.Key))
			if !ok {
				continue
			}
			switch event.Type {
			case clientv3.EventTypePut:
				w.appeared(ctx, host)
			case clientv3.EventTypeDelete:
				w.vanished(ctx, host)
			}
		}
	}
	w.logger.Info("stopped watching worker presence")
}

func (w *PresenceWatcher) loadInitial(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := w.client.Get(ctx, w.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		if host, ok := hostFromKey(string(kv.Key)); ok {
			w.appeared(ctx, host)
		}
	}
	return resp.Header.Revision, nil
}

func (w *PresenceWatcher) appeared(ctx context.Context, host string) {
	w.mu.Lock()
	_, known := w.hosts[host]
	w.hosts[host] = struct{}{}
	w.mu.Unlock()

	if !known {
		w.logger.Info("worker host present", "host", host)
	}
	if w.handler != nil {
		if err := w.handler.HostAppeared(ctx, host); err != nil {
			w.logger.Warn("failed to handle appearing host", "host", host, "error", err)
		}
	}
}

func (w *PresenceWatcher) vanished(ctx context.Context, host string) {
	w.mu.Lock()
	delete(w.hosts, host)
	w.mu.Unlock()

	w.logger.Info("worker host gone", "host", host)
	if w.handler != nil {
		if err := w.handler.HostVanished(ctx, host); err != nil {
			w.logger.Warn("failed to handle vanished host", "host", host, "error", err)
		}
	}
}

// Hosts returns a sorted snapshot of the present hosts.
func (w *PresenceWatcher) Hosts() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	hosts := make([]string, 0, len(w.hosts))
	for h := range w.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

func hostFromKey(key string) (string, bool) {
	host, err := url.PathUnescape(path.Base(key))
	if err != nil || host == "" {
		return "", false
	}
	return host, true
}
