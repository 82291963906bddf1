// internal/master/dispatcher.go
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DispatcherConfig tunes a dispatcher.
type DispatcherConfig struct {
	// BatchLimit caps the jobs read per service type and cycle. Zero reads
	// the whole queue.
	BatchLimit int
	// ClaimsPerSecond limits the claim rate. Zero means unlimited.
	ClaimsPerSecond float64
	// AllowWarningServices also sends work to services in WARNING state.
	AllowWarningServices bool
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Dispatched int `json:"dispatched"`
	Conflicts  int `json:"conflicts"`
	NoCapacity int `json:"no_capacity"`
}

// Candidate is an eligible host with its load as seen by the current cycle.
type Candidate struct {
	Host    string  `json:"host"`
	MaxLoad float64 `json:"max_load"`
	Load    float64 `json:"load"`
}

func (c *Candidate) ratio() float64 {
	return c.Load / c.MaxLoad
}

func (c *Candidate) fits(jobLoad float64) bool {
	return c.Load+jobLoad <= c.MaxLoad
}

// Dispatcher assigns queued jobs to the least loaded eligible hosts.
//
// A claim is a single versioned write from QUEUED to RUNNING. When several
// dispatchers race for the same job exactly one write wins; the others see
// ErrConcurrentModification and move on.
type Dispatcher struct {
	store   domain.Store
	cfg     DispatcherConfig
	limiter *rate.Limiter
	mu      sync.Mutex
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewDispatcher creates a new dispatcher over store.
func NewDispatcher(store domain.Store, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		tracer: otel.Tracer("job-dispatcher-dispatcher"),
		now:    time.Now,
	}
	if cfg.ClaimsPerSecond > 0 {
		burst := int(cfg.ClaimsPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), burst)
	}
	return d
}

// RunCycle performs one pass over every service type with queued work.
// Errors for one service type do not stop the others and are returned
// joined at the end.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatcher.Cycle")
	defer func() {
		span.End()
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	var result CycleResult
	types, err := d.store.QueuedServiceTypes(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list queued service types")
		return result, fmt.Errorf("failed to list queued service types: %w", err)
	}
	if len(types) == 0 {
		return result, nil
	}

	loads, err := d.store.RunningLoad(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compute host load")
		return result, fmt.Errorf("failed to compute host load: %w", err)
	}

	var errs []error
	for _, serviceType := range types {
		if err := d.dispatchType(ctx, serviceType, loads, &result); err != nil {
			d.logger.Error("dispatch failed for service type", "service_type", serviceType, "error", err)
			errs = append(errs, err)
		}
	}

	span.SetAttributes(
		attribute.Int("dispatch.dispatched", result.Dispatched),
		attribute.Int("dispatch.conflicts", result.Conflicts),
		attribute.Int("dispatch.no_capacity", result.NoCapacity),
	)
	if result.Dispatched > 0 || result.Conflicts > 0 {
		d.logger.Info("dispatch cycle finished",
			"dispatched", result.Dispatched,
			"conflicts", result.Conflicts,
			"no_capacity", result.NoCapacity,
			"duration", time.Since(start),
		)
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch cycle had errors")
		return result, err
	}
	return result, nil
}

// dispatchType drains the FIFO queue of one service type. loads is shared
// across service types and updated after each claim.
func (d *Dispatcher) dispatchType(ctx context.Context, serviceType string, loads map[string]float64, result *CycleResult) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.DispatchServiceType",
		trace.WithAttributes(attribute.String("job.service_type", serviceType)))
	defer span.End()

	queue, err := d.store.FindDispatchableQueued(ctx, serviceType, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("failed to read queue of %s: %w", serviceType, err)
	}
	if len(queue) == 0 {
		return nil
	}

	candidates, err := d.EligibleHosts(ctx, serviceType, loads)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("dispatch.queue", len(queue)), attribute.Int("dispatch.hosts", len(candidates)))

	smallest := suffixMinLoad(queue)
	for i, job := range queue {
		if !anyFits(candidates, smallest[i]) {
			remaining := len(queue) - i
			result.NoCapacity += remaining
			metrics.NoCapacityTotal.WithLabelValues(serviceType).Add(float64(remaining))
			d.logger.Debug("no spare capacity left", "service_type", serviceType, "queued", remaining)
			return nil
		}

		target := SelectHost(candidates, job.Load)
		if target == nil {
			result.NoCapacity++
			metrics.NoCapacityTotal.WithLabelValues(serviceType).Inc()
			continue
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		claimed, err := d.claim(ctx, job, target.Host, serviceType)
		if err != nil {
			return err
		}
		if !claimed {
			result.Conflicts++
			continue
		}
		target.Load += job.Load
		loads[target.Host] = target.Load
		result.Dispatched++
	}
	return nil
}

// claim moves job to RUNNING on host. It reports false when another writer
// changed the job since it was read.
func (d *Dispatcher) claim(ctx context.Context, job *domain.Job, host, serviceType string) (bool, error) {
	now := d.now().UTC()
	if err := job.Claim(host, serviceType, now); err != nil {
		return false, err
	}
	job.DateModified = now

	if err := d.store.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, domain.ErrNotFound) {
			metrics.ClaimConflictsTotal.WithLabelValues(serviceType).Inc()
			d.logger.Debug("claim lost", "job_id", job.ID, "host", host, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}

	if _, err := domain.StartAttempt(ctx, d.store, job); err != nil {
		d.logger.Warn("failed to record attempt", "job_id", job.ID, "error", err)
	}
	metrics.JobsDispatchedTotal.WithLabelValues(serviceType, host).Inc()
	d.logger.Info("job dispatched", "job_id", job.ID, "service_type", serviceType, "host", host, "load", job.Load)
	return true, nil
}

// EligibleHosts returns the hosts able to take work for serviceType: the
// host is online, active and not in maintenance, and its service is online,
// active and healthy.
func (d *Dispatcher) EligibleHosts(ctx context.Context, serviceType string, loads map[string]float64) ([]*Candidate, error) {
	services, err := d.store.ListServices(ctx, domain.ServiceFilter{ServiceType: serviceType})
	if err != nil {
		return nil, fmt.Errorf("failed to list services of %s: %w", serviceType, err)
	}

	var candidates []*Candidate
	for _, svc := range services {
		if !svc.Online || !svc.Active || !d.healthy(svc.State) {
			continue
		}
		host, err := d.store.GetHost(ctx, svc.Host)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !host.Available() || !host.Active || host.MaxLoad <= 0 {
			continue
		}
		candidates = append(candidates, &Candidate{
			Host:    host.BaseURL,
			MaxLoad: host.MaxLoad,
			Load:    loads[host.BaseURL],
		})
	}
	return candidates, nil
}

func (d *Dispatcher) healthy(state domain.ServiceState) bool {
	return state == domain.ServiceStateNormal ||
		(d.cfg.AllowWarningServices && state == domain.ServiceStateWarning)
}

// SelectHost picks the candidate with the lowest relative load that can
// still fit jobLoad. Ties go to the lower absolute load, then to the lower
// host id. It returns nil if no candidate fits.
func SelectHost(candidates []*Candidate, jobLoad float64) *Candidate {
	fitting := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.fits(jobLoad) {
			fitting = append(fitting, c)
		}
	}
	if len(fitting) == 0 {
		return nil
	}
	sort.Slice(fitting, func(i, k int) bool {
		a, b := fitting[i], fitting[k]
		if a.ratio() != b.ratio() {
			return a.ratio() < b.ratio()
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.Host < b.Host
	})
	return fitting[0]
}

// anyFits reports whether some candidate can still take a job of load.
func anyFits(candidates []*Candidate, load float64) bool {
	for _, c := range candidates {
		if c.fits(load) {
			return true
		}
	}
	return false
}

// suffixMinLoad returns, for every position of queue, the smallest load of
// the jobs from that position on.
func suffixMinLoad(queue []*domain.Job) []float64 {
	out := make([]float64, len(queue))
	for i := len(queue) - 1; i >= 0; i-- {
		out[i] = queue[i].Load
		if i+1 < len(queue) && out[i+1] < out[i] {
			out[i] = out[i+1]
		}
	}
	return out
}
