package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/metrics"

	"github.com/bmatcuk/doublestar/v4"
)

// FailoverConfig tunes how failing services are degraded.
type FailoverConfig struct {
	// ErrorStatesEnabled allows WARNING services to escalate to ERROR.
	ErrorStatesEnabled bool
	// MaxAttemptsBeforeError is the number of processing failures on a
	// WARNING service, counted since it entered WARNING, that moves it to ERROR.
	MaxAttemptsBeforeError int
	// NoErrorStateServiceTypes are glob patterns of service types that never
	// go to ERROR.
	NoErrorStateServiceTypes []string
}

// DefaultMaxAttemptsBeforeError is used when MaxAttemptsBeforeError is not set.
const DefaultMaxAttemptsBeforeError = 10

// Failover moves service registrations between NORMAL, WARNING and ERROR as
// jobs finish or fail on them.
type Failover struct {
	registry domain.RegistryRepository
	attempts domain.AttemptRepository
	cfg      FailoverConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewFailover(registry domain.RegistryRepository, attempts domain.AttemptRepository, cfg FailoverConfig, logger *slog.Logger) *Failover {
	if cfg.MaxAttemptsBeforeError <= 0 {
		cfg.MaxAttemptsBeforeError = DefaultMaxAttemptsBeforeError
	}
	return &Failover{
		registry: registry,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger.With("component", "failover"),
		now:      time.Now,
	}
}

// JobFinished resets a WARNING service that completed a job.
func (f *Failover) JobFinished(ctx context.Context, job *domain.Job) error {
	svc, err := f.processorService(ctx, job)
	if err != nil || svc == nil {
		return err
	}
	if svc.State != domain.ServiceStateWarning {
		return nil
	}
	return f.setState(ctx, svc, domain.ServiceStateNormal, "")
}

// JobFailed degrades the service a job failed on. Data failures are the
// input's fault and leave every service alone. If other services of the
// same type were degraded by a job with the same signature, the job itself
// is the culprit and those services are de-escalated instead.
func (f *Failover) JobFailed(ctx context.Context, job *domain.Job) error {
	if job.FailureReason == domain.FailureReasonData {
		return nil
	}
	svc, err := f.processorService(ctx, job)
	if err != nil || svc == nil {
		return err
	}
	signature := job.Signature()

	related, err := f.registry.ListServices(ctx, domain.ServiceFilter{ServiceType: svc.ServiceType})
	if err != nil {
		return err
	}
	deescalated := false
	for _, other := range related {
		if other.Host == svc.Host {
			continue
		}
		switch {
		case other.State == domain.ServiceStateError && other.ErrorTrigger == signature:
			if err := f.setState(ctx, other, domain.ServiceStateWarning, ""); err != nil {
				return err
			}
			deescalated = true
		case other.State == domain.ServiceStateWarning && other.WarningTrigger == signature:
			if err := f.setState(ctx, other, domain.ServiceStateNormal, ""); err != nil {
				return err
			}
			deescalated = true
		}
	}
	if deescalated {
		return nil
	}

	switch svc.State {
	case domain.ServiceStateNormal:
		return f.setState(ctx, svc, domain.ServiceStateWarning, signature)
	case domain.ServiceStateWarning:
		if !f.errorStateAllowed(svc.ServiceType) {
			return nil
		}
		failed, err := f.attempts.CountFailedAttempts(ctx, svc.Host, svc.ServiceType, svc.StateChanged)
		if err != nil {
			return err
		}
		if failed >= f.cfg.MaxAttemptsBeforeError {
			return f.setState(ctx, svc, domain.ServiceStateError, signature)
		}
	}
	return nil
}

func (f *Failover) errorStateAllowed(serviceType string) bool {
	if !f.cfg.ErrorStatesEnabled {
		return false
	}
	for _, pattern := range f.cfg.NoErrorStateServiceTypes {
		if ok, _ := doublestar.Match(pattern, serviceType); ok {
			return false
		}
	}
	return true
}

// processorService returns the registration the job ran on, or nil when it
// is gone.
func (f *Failover) processorService(ctx context.Context, job *domain.Job) (*domain.ServiceRegistration, error) {
	if job.ProcessorHost == "" {
		return nil, nil
	}
	svc, err := f.registry.GetService(ctx, job.ProcessorHost, job.ProcessorService)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return svc, err
}

func (f *Failover) setState(ctx context.Context, svc *domain.ServiceRegistration, state domain.ServiceState, trigger string) error {
	from := svc.State
	svc.SetState(state, trigger, f.now().UTC())
	if err := f.registry.SaveService(ctx, svc); err != nil {
		return err
	}
	metrics.ServiceStateChangesTotal.WithLabelValues(svc.ServiceType, string(state)).Inc()
	f.logger.Info("service state changed",
		"host", svc.Host,
		"service_type", svc.ServiceType,
		"from", from,
		"to", state,
		"trigger", trigger,
	)
	return nil
}
