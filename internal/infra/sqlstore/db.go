// Package sqlstore persists jobs and registrations in SQLite or MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"job-dispatcher/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

// Dialects understood by Open.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

const (
	jobsTable     = "dispatch_jobs"
	hostsTable    = "dispatch_hosts"
	servicesTable = "dispatch_services"
	attemptsTable = "dispatch_job_attempts"
)

// Store implements domain.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ domain.Store = (*Store)(nil)

// Open connects to the database and applies the schema. An empty SQLite DSN
// opens a private in-memory database.
func Open(ctx context.Context, dialect, dsn string, logger *slog.Logger) (*Store, error) {
	switch dialect {
	case DialectSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = ":memory:"
		}
	case DialectMySQL:
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("mysql dsn is required")
		}
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A :memory: database lives in a single connection, and file
		// databases only allow one writer anyway.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", dialect, err)
	}

	st := New(db, dialect, logger)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection. The schema is not touched.
func New(db *sql.DB, dialect string, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "sql-store", "dialect", dialect),
		tracer:  otel.Tracer("job-dispatcher-sql-store"),
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.dialect == DialectMySQL {
		stmts = mysqlSchema
	}
	return s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_jobs (
		id VARCHAR(64) PRIMARY KEY,
		organization VARCHAR(255) NOT NULL,
		creator VARCHAR(255) NOT NULL,
		service_type VARCHAR(255) NOT NULL,
		operation VARCHAR(255) NOT NULL,
		arguments TEXT NOT NULL,
		payload TEXT NOT NULL,
		status VARCHAR(32) NOT NULL,
		failure_reason VARCHAR(32) NOT NULL,
		dispatchable BOOLEAN NOT NULL,
		job_load DOUBLE NOT NULL,
		creator_host VARCHAR(255) NOT NULL,
		creator_service VARCHAR(255) NOT NULL,
		processor_host VARCHAR(255) NOT NULL,
		processor_service VARCHAR(255) NOT NULL,
		parent_id VARCHAR(64) NOT NULL,
		root_id VARCHAR(64) NOT NULL,
		date_created BIGINT NOT NULL,
		date_started BIGINT NOT NULL,
		date_completed BIGINT NOT NULL,
		date_modified BIGINT NOT NULL,
		queue_time BIGINT NOT NULL,
		run_time BIGINT NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_status_type ON dispatch_jobs (status, service_type, date_created)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_parent ON dispatch_jobs (parent_id)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_root ON dispatch_jobs (root_id)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_processor ON dispatch_jobs (processor_host, status)`,
	`CREATE TABLE IF NOT EXISTS dispatch_hosts (
		base_url VARCHAR(255) PRIMARY KEY,
		max_load DOUBLE NOT NULL,
		online BOOLEAN NOT NULL,
		maintenance BOOLEAN NOT NULL,
		active BOOLEAN NOT NULL,
		last_heartbeat BIGINT NOT NULL,
		date_registered BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_services (
		host VARCHAR(255) NOT NULL,
		service_type VARCHAR(255) NOT NULL,
		state VARCHAR(16) NOT NULL,
		online BOOLEAN NOT NULL,
		active BOOLEAN NOT NULL,
		state_changed BIGINT NOT NULL,
		warning_trigger VARCHAR(64) NOT NULL,
		error_trigger VARCHAR(64) NOT NULL,
		PRIMARY KEY (host, service_type)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_services_type ON dispatch_services (service_type)`,
	`CREATE TABLE IF NOT EXISTS dispatch_job_attempts (
		job_id VARCHAR(64) NOT NULL,
		attempt_number INTEGER NOT NULL,
		host VARCHAR(255) NOT NULL,
		service_type VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		failure_reason VARCHAR(32) NOT NULL,
		date_started BIGINT NOT NULL,
		date_completed BIGINT NOT NULL,
		PRIMARY KEY (job_id, attempt_number)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_attempts_service ON dispatch_job_attempts (host, service_type, status)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_jobs (
		id VARCHAR(64) PRIMARY KEY,
		organization VARCHAR(255) NOT NULL,
		creator VARCHAR(255) NOT NULL,
		service_type VARCHAR(255) NOT NULL,
		operation VARCHAR(255) NOT NULL,
		arguments MEDIUMTEXT NOT NULL,
		payload LONGTEXT NOT NULL,
		status VARCHAR(32) NOT NULL,
		failure_reason VARCHAR(32) NOT NULL,
		dispatchable BOOLEAN NOT NULL,
		job_load DOUBLE NOT NULL,
		creator_host VARCHAR(255) NOT NULL,
		creator_service VARCHAR(255) NOT NULL,
		processor_host VARCHAR(255) NOT NULL,
		processor_service VARCHAR(255) NOT NULL,
		parent_id VARCHAR(64) NOT NULL,
		root_id VARCHAR(64) NOT NULL,
		date_created BIGINT NOT NULL,
		date_started BIGINT NOT NULL,
		date_completed BIGINT NOT NULL,
		date_modified BIGINT NOT NULL,
		queue_time BIGINT NOT NULL,
		run_time BIGINT NOT NULL,
		version BIGINT NOT NULL,
		INDEX ix_jobs_status_type (status, service_type, date_created),
		INDEX ix_jobs_parent (parent_id),
		INDEX ix_jobs_root (root_id),
		INDEX ix_jobs_processor (processor_host, status)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS dispatch_hosts (
		base_url VARCHAR(255) PRIMARY KEY,
		max_load DOUBLE NOT NULL,
		online BOOLEAN NOT NULL,
		maintenance BOOLEAN NOT NULL,
		active BOOLEAN NOT NULL,
		last_heartbeat BIGINT NOT NULL,
		date_registered BIGINT NOT NULL
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS dispatch_services (
		host VARCHAR(255) NOT NULL,
		service_type VARCHAR(255) NOT NULL,
		state VARCHAR(16) NOT NULL,
		online BOOLEAN NOT NULL,
		active BOOLEAN NOT NULL,
		state_changed BIGINT NOT NULL,
		warning_trigger VARCHAR(64) NOT NULL,
		error_trigger VARCHAR(64) NOT NULL,
		PRIMARY KEY (host, service_type),
		INDEX ix_services_type (service_type)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS dispatch_job_attempts (
		job_id VARCHAR(64) NOT NULL,
		attempt_number INTEGER NOT NULL,
		host VARCHAR(255) NOT NULL,
		service_type VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		failure_reason VARCHAR(32) NOT NULL,
		date_started BIGINT NOT NULL,
		date_completed BIGINT NOT NULL,
		PRIMARY KEY (job_id, attempt_number),
		INDEX ix_attempts_service (host, service_type, status)
	) ENGINE=InnoDB`,
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
