package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
)

// runInTx runs fn in a transaction. fn must use tx for all database calls and
// must not commit or roll back. A panic in fn rolls the transaction back.
func (s *Store) runInTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// runInTxWithRetry is like runInTx but repeats fn with exponential backoff
// while retryable reports true. fn must be idempotent.
func (s *Store) runInTxWithRetry(ctx context.Context, fn func(context.Context, *sql.Tx) error, retryable func(error) bool) error {
	return s.runWithRetry(ctx, func() error {
		return s.runInTx(ctx, fn)
	}, retryable)
}

func (s *Store) runWithRetry(ctx context.Context, fn func() error, retryable func(error) bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("retrying transient store error", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(b, ctx))
}

// isTransient reports lock contention errors that succeed on retry.
func isTransient(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		// 1205: lock wait timeout, 1213: deadlock
		return me.Number == 1205 || me.Number == 1213
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// isDuplicate reports a primary or unique key violation.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// isUpsertRace reports errors caused by two writers inserting the same key.
func isUpsertRace(err error) bool {
	return isTransient(err) || isDuplicate(err)
}
