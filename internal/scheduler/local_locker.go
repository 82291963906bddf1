package scheduler

import (
	"context"
	"sync"

	"job-dispatcher/internal/domain"
)

// LocalLocker is an in-process domain.Locker for single-node setups.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Lock(_ context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = struct{}{}
	return &localLock{locker: l, name: name}, nil
}

type localLock struct {
	locker *LocalLocker
	name   string
	once   sync.Once
}

func (l *localLock) Unlock(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.name)
		l.locker.mu.Unlock()
	})
	return nil
}
