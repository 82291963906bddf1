package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type registerHostRequest struct {
	BaseURL string  `json:"base_url" validate:"notblank"`
	MaxLoad float64 `json:"max_load" validate:"gt=0"`
}

type registerServiceRequest struct {
	Host        string `json:"host" validate:"notblank"`
	ServiceType string `json:"service_type" validate:"notblank"`
}

// RegistryService manages host and service registrations.
type RegistryService struct {
	registry domain.RegistryRepository
	jobs     domain.JobRepository
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewRegistryService(registry domain.RegistryRepository, jobs domain.JobRepository, logger *slog.Logger) *RegistryService {
	return &RegistryService{
		registry: registry,
		jobs:     jobs,
		validate: newValidator(),
		logger:   logger.With("component", "registry-service"),
		tracer:   otel.Tracer("job-dispatcher-usecase"),
		now:      time.Now,
	}
}

func (s *RegistryService) clock() time.Time {
	return s.now().UTC()
}

// RegisterHost creates or refreshes a host. Re-registering updates the
// maximum load and brings the host back online.
func (s *RegistryService) RegisterHost(ctx context.Context, baseURL string, maxLoad float64) (*domain.HostRegistration, error) {
	ctx, span := s.tracer.Start(ctx, "service.RegisterHost")
	defer span.End()
	span.SetAttributes(attribute.String("host.base_url", baseURL))

	if err := s.validate.Struct(registerHostRequest{BaseURL: baseURL, MaxLoad: maxLoad}); err != nil {
		return nil, validationError(err)
	}

	now := s.clock()
	host, err := s.registry.GetHost(ctx, baseURL)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		host = &domain.HostRegistration{
			BaseURL:        baseURL,
			Active:         true,
			DateRegistered: now,
		}
	case err != nil:
		return nil, err
	}
	host.MaxLoad = maxLoad
	host.Online = true
	host.LastHeartbeat = now
	if err := s.registry.SaveHost(ctx, host); err != nil {
		return nil, err
	}
	s.logger.Info("host registered", "host", baseURL, "max_load", maxLoad)
	return host, nil
}

// RegisterService creates or refreshes a service on a registered host. The
// state of an existing registration is kept.
func (s *RegistryService) RegisterService(ctx context.Context, hostURL, serviceType string) (*domain.ServiceRegistration, error) {
	ctx, span := s.tracer.Start(ctx, "service.RegisterService")
	defer span.End()
	span.SetAttributes(attribute.String("host.base_url", hostURL), attribute.String("service.type", serviceType))

	if err := s.validate.Struct(registerServiceRequest{Host: hostURL, ServiceType: serviceType}); err != nil {
		return nil, validationError(err)
	}
	host, err := s.registry.GetHost(ctx, hostURL)
	if err != nil {
		return nil, err
	}

	svc, err := s.registry.GetService(ctx, hostURL, serviceType)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		svc = &domain.ServiceRegistration{
			Host:         hostURL,
			ServiceType:  serviceType,
			State:        domain.ServiceStateNormal,
			Active:       host.Active,
			StateChanged: s.clock(),
		}
	case err != nil:
		return nil, err
	}
	svc.Online = true
	if err := s.registry.SaveService(ctx, svc); err != nil {
		return nil, err
	}
	s.logger.Info("service registered", "host", hostURL, "service_type", serviceType)
	return svc, nil
}

// UnregisterService takes a service offline. It refuses while the service
// still runs jobs.
func (s *RegistryService) UnregisterService(ctx context.Context, hostURL, serviceType string) error {
	svc, err := s.registry.GetService(ctx, hostURL, serviceType)
	if err != nil {
		return err
	}
	running, err := s.jobs.FindByProcessor(ctx, hostURL, domain.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		if job.ProcessorService == serviceType {
			return fmt.Errorf("%w: service %s on %s still runs job %s", domain.ErrInvalidState, serviceType, hostURL, job.ID)
		}
	}
	svc.Online = false
	if err := s.registry.SaveService(ctx, svc); err != nil {
		return err
	}
	s.logger.Info("service unregistered", "host", hostURL, "service_type", serviceType)
	return nil
}

// SetMaintenance toggles maintenance mode. Hosts in maintenance receive no
// new work; their running jobs are unaffected.
func (s *RegistryService) SetMaintenance(ctx context.Context, hostURL string, maintenance bool) (*domain.HostRegistration, error) {
	host, err := s.registry.GetHost(ctx, hostURL)
	if err != nil {
		return nil, err
	}
	host.Maintenance = maintenance
	if err := s.registry.SaveHost(ctx, host); err != nil {
		return nil, err
	}
	s.logger.Info("host maintenance changed", "host", hostURL, "maintenance", maintenance)
	return host, nil
}

// SetServiceState forces a service into state.
func (s *RegistryService) SetServiceState(ctx context.Context, hostURL, serviceType string, state domain.ServiceState) (*domain.ServiceRegistration, error) {
	if _, ok := domain.ParseServiceState(string(state)); !ok {
		return nil, domain.NewValidationError(fmt.Sprintf("unknown service state %q", state))
	}
	svc, err := s.registry.GetService(ctx, hostURL, serviceType)
	if err != nil {
		return nil, err
	}
	if svc.State == state {
		return svc, nil
	}
	svc.SetState(state, "", s.clock())
	if err := s.registry.SaveService(ctx, svc); err != nil {
		return nil, err
	}
	metrics.ServiceStateChangesTotal.WithLabelValues(serviceType, string(state)).Inc()
	s.logger.Info("service state set", "host", hostURL, "service_type", serviceType, "state", state)
	return svc, nil
}

// SanitizeService returns a degraded service to NORMAL.
func (s *RegistryService) SanitizeService(ctx context.Context, hostURL, serviceType string) (*domain.ServiceRegistration, error) {
	return s.SetServiceState(ctx, hostURL, serviceType, domain.ServiceStateNormal)
}

// EnableHost activates a host and all its services.
func (s *RegistryService) EnableHost(ctx context.Context, hostURL string) error {
	return s.setActive(ctx, hostURL, true)
}

// DisableHost deactivates a host and all its services.
func (s *RegistryService) DisableHost(ctx context.Context, hostURL string) error {
	return s.setActive(ctx, hostURL, false)
}

func (s *RegistryService) setActive(ctx context.Context, hostURL string, active bool) error {
	host, err := s.registry.GetHost(ctx, hostURL)
	if err != nil {
		return err
	}
	host.Active = active
	if err := s.registry.SaveHost(ctx, host); err != nil {
		return err
	}
	services, err := s.registry.ListServices(ctx, domain.ServiceFilter{Host: hostURL})
	if err != nil {
		return err
	}
	for _, svc := range services {
		svc.Active = active
		if err := s.registry.SaveService(ctx, svc); err != nil {
			return err
		}
	}
	s.logger.Info("host activation changed", "host", hostURL, "active", active, "services", len(services))
	return nil
}

// Heartbeat records that a host is alive.
func (s *RegistryService) Heartbeat(ctx context.Context, hostURL string) (*domain.HostRegistration, error) {
	host, err := s.registry.GetHost(ctx, hostURL)
	if err != nil {
		return nil, err
	}
	wasOnline := host.Online
	host.Online = true
	host.LastHeartbeat = s.clock()
	if err := s.registry.SaveHost(ctx, host); err != nil {
		return nil, err
	}
	if !wasOnline {
		s.logger.Info("host back online", "host", hostURL)
	}
	return host, nil
}

// MarkUnresponsiveHosts takes hosts offline whose last heartbeat is older
// than timeout. It returns the hosts it changed.
func (s *RegistryService) MarkUnresponsiveHosts(ctx context.Context, timeout time.Duration) ([]string, error) {
	hosts, err := s.registry.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock().Add(-timeout)
	var changed []string
	for _, host := range hosts {
		last := host.LastHeartbeat
		if last.IsZero() {
			last = host.DateRegistered
		}
		if !host.Online || !last.Before(cutoff) {
			continue
		}
		host.Online = false
		if err := s.registry.SaveHost(ctx, host); err != nil {
			return changed, err
		}
		s.logger.Warn("host unresponsive, marked offline", "host", host.BaseURL, "last_heartbeat", last)
		changed = append(changed, host.BaseURL)
	}
	return changed, nil
}

// SetHostOffline marks a host offline without touching its heartbeat.
func (s *RegistryService) SetHostOffline(ctx context.Context, hostURL string) error {
	host, err := s.registry.GetHost(ctx, hostURL)
	if err != nil {
		return err
	}
	if !host.Online {
		return nil
	}
	host.Online = false
	return s.registry.SaveHost(ctx, host)
}

// HostAppeared heartbeats a host whose presence key showed up. Hosts that
// have not registered yet are ignored.
func (s *RegistryService) HostAppeared(ctx context.Context, hostURL string) error {
	_, err := s.Heartbeat(ctx, hostURL)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// HostVanished takes a host offline once its presence key is gone.
func (s *RegistryService) HostVanished(ctx context.Context, hostURL string) error {
	err := s.SetHostOffline(ctx, hostURL)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// DeregisterHost removes a host and its services. It refuses while jobs
// are running on the host.
func (s *RegistryService) DeregisterHost(ctx context.Context, hostURL string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeregisterHost")
	defer span.End()
	span.SetAttributes(attribute.String("host.base_url", hostURL))

	if _, err := s.registry.GetHost(ctx, hostURL); err != nil {
		return err
	}
	running, err := s.jobs.FindByProcessor(ctx, hostURL, domain.StatusRunning)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return fmt.Errorf("%w: host %s still runs %d jobs", domain.ErrInvalidState, hostURL, len(running))
	}
	if err := s.registry.DeleteHost(ctx, hostURL); err != nil {
		return err
	}
	s.logger.Info("host deregistered", "host", hostURL)
	return nil
}

func (s *RegistryService) GetHost(ctx context.Context, hostURL string) (*domain.HostRegistration, error) {
	return s.registry.GetHost(ctx, hostURL)
}

func (s *RegistryService) ListHosts(ctx context.Context) ([]*domain.HostRegistration, error) {
	return s.registry.ListHosts(ctx)
}

func (s *RegistryService) GetService(ctx context.Context, hostURL, serviceType string) (*domain.ServiceRegistration, error) {
	return s.registry.GetService(ctx, hostURL, serviceType)
}

func (s *RegistryService) ListServices(ctx context.Context, filter domain.ServiceFilter) ([]*domain.ServiceRegistration, error) {
	return s.registry.ListServices(ctx, filter)
}
