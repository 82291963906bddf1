package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"job-dispatcher/internal/domain"

	sq "github.com/Masterminds/squirrel"
)

var hostColumns = []string{"base_url", "max_load", "online", "maintenance", "active", "last_heartbeat", "date_registered"}

var serviceColumns = []string{"host", "service_type", "state", "online", "active", "state_changed", "warning_trigger", "error_trigger"}

func scanHost(row rowScanner) (*domain.HostRegistration, error) {
	var h domain.HostRegistration
	var heartbeat, registered int64
	if err := row.Scan(&h.BaseURL, &h.MaxLoad, &h.Online, &h.Maintenance, &h.Active, &heartbeat, &registered); err != nil {
		return nil, err
	}
	h.LastHeartbeat = fromNanos(heartbeat)
	h.DateRegistered = fromNanos(registered)
	return &h, nil
}

func scanService(row rowScanner) (*domain.ServiceRegistration, error) {
	var svc domain.ServiceRegistration
	var state string
	var changed int64
	if err := row.Scan(&svc.Host, &svc.ServiceType, &state, &svc.Online, &svc.Active, &changed, &svc.WarningTrigger, &svc.ErrorTrigger); err != nil {
		return nil, err
	}
	svc.State = domain.ServiceState(state)
	svc.StateChanged = fromNanos(changed)
	return &svc, nil
}

// upsert updates the row matched by key or inserts it when none exists.
func upsert(ctx context.Context, tx *sql.Tx, table string, key sq.Eq, columns []string, values []interface{}) error {
	query, args, err := sq.Select("COUNT(*)").From(table).Where(key).ToSql()
	if err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		query, args, err = sq.Insert(table).Columns(columns...).Values(values...).ToSql()
	} else {
		set := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if _, isKey := key[col]; !isKey {
				set[col] = values[i]
			}
		}
		query, args, err = sq.Update(table).SetMap(set).Where(key).ToSql()
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// SaveHost upserts a host registration.
func (s *Store) SaveHost(ctx context.Context, host *domain.HostRegistration) error {
	values := []interface{}{
		host.BaseURL, host.MaxLoad, host.Online, host.Maintenance, host.Active,
		toNanos(host.LastHeartbeat), toNanos(host.DateRegistered),
	}
	err := s.runInTxWithRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return upsert(ctx, tx, hostsTable, sq.Eq{"base_url": host.BaseURL}, hostColumns, values)
	}, isUpsertRace)
	if err != nil {
		return fmt.Errorf("failed to save host %s: %w", host.BaseURL, err)
	}
	return nil
}

func (s *Store) GetHost(ctx context.Context, baseURL string) (*domain.HostRegistration, error) {
	query, args, err := sq.Select(hostColumns...).From(hostsTable).Where(sq.Eq{"base_url": baseURL}).ToSql()
	if err != nil {
		return nil, err
	}
	h, err := scanHost(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", baseURL, err)
	}
	return h, nil
}

func (s *Store) ListHosts(ctx context.Context) ([]*domain.HostRegistration, error) {
	query, args, err := sq.Select(hostColumns...).From(hostsTable).OrderBy("base_url").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*domain.HostRegistration
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// DeleteHost removes the host together with its services.
func (s *Store) DeleteHost(ctx context.Context, baseURL string) error {
	return s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query, args, err := sq.Delete(servicesTable).Where(sq.Eq{"host": baseURL}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete services of host %s: %w", baseURL, err)
		}
		query, args, err = sq.Delete(hostsTable).Where(sq.Eq{"base_url": baseURL}).ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete host %s: %w", baseURL, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return domain.ErrHostNotFound
		}
		return nil
	})
}

// SaveService upserts a service registration. The host must exist.
func (s *Store) SaveService(ctx context.Context, svc *domain.ServiceRegistration) error {
	values := []interface{}{
		svc.Host, svc.ServiceType, string(svc.State), svc.Online, svc.Active,
		toNanos(svc.StateChanged), svc.WarningTrigger, svc.ErrorTrigger,
	}
	err := s.runInTxWithRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query, args, err := sq.Select("COUNT(*)").From(hostsTable).Where(sq.Eq{"base_url": svc.Host}).ToSql()
		if err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrHostNotFound
		}
		key := sq.Eq{"host": svc.Host, "service_type": svc.ServiceType}
		return upsert(ctx, tx, servicesTable, key, serviceColumns, values)
	}, isUpsertRace)
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to save service %s@%s: %w", svc.ServiceType, svc.Host, err)
	}
	return nil
}

func (s *Store) GetService(ctx context.Context, host, serviceType string) (*domain.ServiceRegistration, error) {
	query, args, err := sq.Select(serviceColumns...).From(servicesTable).
		Where(sq.Eq{"host": host, "service_type": serviceType}).
		ToSql()
	if err != nil {
		return nil, err
	}
	svc, err := scanService(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service %s@%s: %w", serviceType, host, err)
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context, filter domain.ServiceFilter) ([]*domain.ServiceRegistration, error) {
	b := sq.Select(serviceColumns...).From(servicesTable).OrderBy("host", "service_type")
	if filter.Host != "" {
		b = b.Where(sq.Eq{"host": filter.Host})
	}
	if filter.ServiceType != "" {
		b = b.Where(sq.Eq{"service_type": filter.ServiceType})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*domain.ServiceRegistration
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}
