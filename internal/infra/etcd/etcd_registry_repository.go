package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"job-dispatcher/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	hostsDir    = "hosts"
	servicesDir = "services"
)

// etcdRegistryRepository keeps hosts under hosts/<host> and their services
// under services/<host>/<serviceType>. Base URLs are path-escaped.
type etcdRegistryRepository struct {
	client *clientv3.Client
	keys   keyspace
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdRegistryRepository creates a registry backed by etcd.
func NewEtcdRegistryRepository(client *clientv3.Client, prefix string, logger *slog.Logger) domain.RegistryRepository {
	return &etcdRegistryRepository{
		client: client,
		keys:   newKeyspace(prefix),
		logger: logger,
		tracer: otel.Tracer("job-dispatcher-etcd-registry"),
	}
}

func (r *etcdRegistryRepository) hostKey(baseURL string) string {
	return r.keys.key(hostsDir, url.PathEscape(baseURL))
}

func (r *etcdRegistryRepository) serviceKey(host, serviceType string) string {
	return r.keys.key(servicesDir, url.PathEscape(host), url.PathEscape(serviceType))
}

func (r *etcdRegistryRepository) SaveHost(ctx context.Context, host *domain.HostRegistration) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveHost")
	defer span.End()
	span.SetAttributes(attribute.String("host.base_url", host.BaseURL))

	hostJSON, err := json.Marshal(host)
	if err != nil {
		return fmt.Errorf("failed to marshal host to JSON: %w", err)
	}
	if _, err := r.client.Put(ctx, r.hostKey(host.BaseURL), string(hostJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put host to etcd")
		return fmt.Errorf("failed to save host %s to etcd: %w", host.BaseURL, err)
	}
	return nil
}

func (r *etcdRegistryRepository) GetHost(ctx context.Context, baseURL string) (*domain.HostRegistration, error) {
	resp, err := r.client.Get(ctx, r.hostKey(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s from etcd: %w", baseURL, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrHostNotFound
	}
	var host domain.HostRegistration
	if err := json.Unmarshal(resp.Kvs[0].Value, &host); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host %s from JSON: %w", baseURL, err)
	}
	return &host, nil
}

func (r *etcdRegistryRepository) ListHosts(ctx context.Context) ([]*domain.HostRegistration, error) {
	resp, err := r.client.Get(ctx, r.keys.dir(hostsDir), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts from etcd: %w", err)
	}
	hosts := make([]*domain.HostRegistration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var host domain.HostRegistration
		if err := json.Unmarshal(kv.Value, &host); err != nil {
			r.logger.Warn("failed to unmarshal host from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		hosts = append(hosts, &host)
	}
	return hosts, nil
}

// DeleteHost removes the host and every service key below it in one transaction.
func (r *etcdRegistryRepository) DeleteHost(ctx context.Context, baseURL string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteHost")
	defer span.End()
	span.SetAttributes(attribute.String("host.base_url", baseURL))

	hostKey := r.hostKey(baseURL)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(hostKey), ">", 0)).
		Then(
			clientv3.OpDelete(hostKey),
			clientv3.OpDelete(r.keys.dir(servicesDir, url.PathEscape(baseURL)), clientv3.WithPrefix()),
		).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete host from etcd")
		return fmt.Errorf("failed to delete host %s from etcd: %w", baseURL, err)
	}
	if !resp.Succeeded {
		return domain.ErrHostNotFound
	}
	return nil
}

// SaveService writes the service if its host is registered.
func (r *etcdRegistryRepository) SaveService(ctx context.Context, svc *domain.ServiceRegistration) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveService")
	defer span.End()
	span.SetAttributes(
		attribute.String("host.base_url", svc.Host),
		attribute.String("service.type", svc.ServiceType),
	)

	svcJSON, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("failed to marshal service to JSON: %w", err)
	}
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(r.hostKey(svc.Host)), ">", 0)).
		Then(clientv3.OpPut(r.serviceKey(svc.Host, svc.ServiceType), string(svcJSON))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put service to etcd")
		return fmt.Errorf("failed to save service %s@%s to etcd: %w", svc.ServiceType, svc.Host, err)
	}
	if !resp.Succeeded {
		return domain.ErrHostNotFound
	}
	return nil
}

func (r *etcdRegistryRepository) GetService(ctx context.Context, host, serviceType string) (*domain.ServiceRegistration, error) {
	resp, err := r.client.Get(ctx, r.serviceKey(host, serviceType))
	if err != nil {
		return nil, fmt.Errorf("failed to get service %s@%s from etcd: %w", serviceType, host, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrServiceNotFound
	}
	var svc domain.ServiceRegistration
	if err := json.Unmarshal(resp.Kvs[0].Value, &svc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service %s@%s from JSON: %w", serviceType, host, err)
	}
	return &svc, nil
}

func (r *etcdRegistryRepository) ListServices(ctx context.Context, filter domain.ServiceFilter) ([]*domain.ServiceRegistration, error) {
	prefix := r.keys.dir(servicesDir)
	if filter.Host != "" {
		prefix = r.keys.dir(servicesDir, url.PathEscape(filter.Host))
	}
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list services from etcd: %w", err)
	}
	services := make([]*domain.ServiceRegistration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var svc domain.ServiceRegistration
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			r.logger.Warn("failed to unmarshal service from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if filter.Matches(&svc) {
			services = append(services, &svc)
		}
	}
	return services, nil
}
