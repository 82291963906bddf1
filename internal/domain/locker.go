package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock is already held elsewhere.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is an acquired lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker serializes cluster-wide maintenance work. Lock must not block: if
// the lock is held it returns ErrLockNotAcquired.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}
