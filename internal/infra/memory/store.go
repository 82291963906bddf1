// Package memory keeps jobs and registrations in process memory. It backs
// single-node development setups and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"job-dispatcher/internal/domain"
)

// Store implements domain.Store with mutex-guarded maps. All values are
// copied on the way in and out.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	hosts    map[string]*domain.HostRegistration
	services map[serviceKey]*domain.ServiceRegistration
	attempts map[string][]*domain.JobAttempt
}

type serviceKey struct {
	host, serviceType string
}

var _ domain.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]*domain.Job),
		hosts:    make(map[string]*domain.HostRegistration),
		services: make(map[serviceKey]*domain.ServiceRegistration),
		attempts: make(map[string][]*domain.JobAttempt),
	}
}

// Close is a no-op.
func (st *Store) Close() error {
	return nil
}

// Create adds a new job.
func (st *Store) Create(_ context.Context, job *domain.Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidState, job.ID)
	}
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Update replaces the job if the stored version matches.
func (st *Store) Update(_ context.Context, job *domain.Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	stored, ok := st.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if stored.Version != job.Version {
		return fmt.Errorf("%w: job %s has version %d, not %d", domain.ErrConcurrentModification, job.ID, stored.Version, job.Version)
	}
	job.Version++
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job.
func (st *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	job, ok := st.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Delete removes the job if the stored version matches.
func (st *Store) Delete(_ context.Context, id string, version int64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	stored, ok := st.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if stored.Version != version {
		return fmt.Errorf("%w: job %s has version %d, not %d", domain.ErrConcurrentModification, id, stored.Version, version)
	}
	delete(st.jobs, id)
	return nil
}

func (st *Store) filter(match func(*domain.Job) bool) []*domain.Job {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*domain.Job
	for _, job := range st.jobs {
		if match(job) {
			out = append(out, job.Clone())
		}
	}
	domain.SortJobs(out)
	return out
}

func (st *Store) FindDispatchableQueued(_ context.Context, serviceType string, limit int) ([]*domain.Job, error) {
	jobs := st.filter(func(j *domain.Job) bool {
		return j.Status == domain.StatusQueued && j.Dispatchable && j.ServiceType == serviceType
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (st *Store) QueuedServiceTypes(_ context.Context) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, j := range st.jobs {
		if j.Status == domain.StatusQueued && j.Dispatchable {
			seen[j.ServiceType] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

func (st *Store) FindByStatus(_ context.Context, statuses ...domain.Status) ([]*domain.Job, error) {
	return st.filter(func(j *domain.Job) bool {
		return domain.HasStatus(j.Status, statuses)
	}), nil
}

func (st *Store) FindByServiceTypeAndStatus(_ context.Context, serviceType string, statuses ...domain.Status) ([]*domain.Job, error) {
	return st.filter(func(j *domain.Job) bool {
		return j.ServiceType == serviceType && domain.HasStatus(j.Status, statuses)
	}), nil
}

func (st *Store) FindByProcessor(_ context.Context, host string, statuses ...domain.Status) ([]*domain.Job, error) {
	return st.filter(func(j *domain.Job) bool {
		return j.ProcessorHost == host && domain.HasStatus(j.Status, statuses)
	}), nil
}

func (st *Store) FindChildren(_ context.Context, parentID string) ([]*domain.Job, error) {
	return st.filter(func(j *domain.Job) bool {
		return j.ParentID == parentID
	}), nil
}

func (st *Store) FindByRoot(_ context.Context, rootID string) ([]*domain.Job, error) {
	return st.filter(func(j *domain.Job) bool {
		return j.RootID == rootID
	}), nil
}

func (st *Store) RunningLoad(_ context.Context) (map[string]float64, error) {
	return domain.SumRunningLoad(st.filter(func(j *domain.Job) bool {
		return j.Status == domain.StatusRunning
	})), nil
}

func (st *Store) CountByHostServiceStatus(_ context.Context) ([]domain.JobCount, error) {
	return domain.CountJobs(st.filter(func(*domain.Job) bool { return true })), nil
}

func (st *Store) OperationStats(_ context.Context) ([]domain.OperationStats, error) {
	return domain.AverageTimes(st.filter(func(*domain.Job) bool { return true })), nil
}

// SaveHost upserts a host registration.
func (st *Store) SaveHost(_ context.Context, host *domain.HostRegistration) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	h := *host
	st.hosts[host.BaseURL] = &h
	return nil
}

func (st *Store) GetHost(_ context.Context, baseURL string) (*domain.HostRegistration, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	h, ok := st.hosts[baseURL]
	if !ok {
		return nil, domain.ErrHostNotFound
	}
	c := *h
	return &c, nil
}

func (st *Store) ListHosts(_ context.Context) ([]*domain.HostRegistration, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*domain.HostRegistration, 0, len(st.hosts))
	for _, h := range st.hosts {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BaseURL < out[k].BaseURL })
	return out, nil
}

func (st *Store) DeleteHost(_ context.Context, baseURL string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.hosts[baseURL]; !ok {
		return domain.ErrHostNotFound
	}
	delete(st.hosts, baseURL)
	for k := range st.services {
		if k.host == baseURL {
			delete(st.services, k)
		}
	}
	return nil
}

// SaveService upserts a service registration.
func (st *Store) SaveService(_ context.Context, svc *domain.ServiceRegistration) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.hosts[svc.Host]; !ok {
		return domain.ErrHostNotFound
	}
	s := *svc
	st.services[serviceKey{svc.Host, svc.ServiceType}] = &s
	return nil
}

func (st *Store) GetService(_ context.Context, host, serviceType string) (*domain.ServiceRegistration, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.services[serviceKey{host, serviceType}]
	if !ok {
		return nil, domain.ErrServiceNotFound
	}
	c := *s
	return &c, nil
}

func (st *Store) ListServices(_ context.Context, filter domain.ServiceFilter) ([]*domain.ServiceRegistration, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*domain.ServiceRegistration
	for _, s := range st.services {
		if filter.Matches(s) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Host != out[k].Host {
			return out[i].Host < out[k].Host
		}
		return out[i].ServiceType < out[k].ServiceType
	})
	return out, nil
}

// SaveAttempt inserts or replaces an attempt.
func (st *Store) SaveAttempt(_ context.Context, attempt *domain.JobAttempt) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	a := *attempt
	list := st.attempts[attempt.JobID]
	for i, existing := range list {
		if existing.Number == attempt.Number {
			list[i] = &a
			return nil
		}
	}
	list = append(list, &a)
	sort.Slice(list, func(i, k int) bool { return list[i].Number < list[k].Number })
	st.attempts[attempt.JobID] = list
	return nil
}

func (st *Store) ListAttempts(_ context.Context, jobID string) ([]*domain.JobAttempt, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	list := st.attempts[jobID]
	out := make([]*domain.JobAttempt, 0, len(list))
	for _, a := range list {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (st *Store) CountFailedAttempts(_ context.Context, host, serviceType string, since time.Time) (int, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, list := range st.attempts {
		for _, a := range list {
			if a.Host == host && a.ServiceType == serviceType &&
				a.Status == domain.StatusFailed && a.FailureReason != domain.FailureReasonData &&
				!a.DateCompleted.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

func (st *Store) DeleteAttempts(_ context.Context, jobID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.attempts, jobID)
	return nil
}
