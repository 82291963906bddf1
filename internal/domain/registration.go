package domain

import (
	"context"
	"time"
)

// ServiceState is the operational health of a service registration.
type ServiceState string

const (
	ServiceStateNormal  ServiceState = "NORMAL"
	ServiceStateWarning ServiceState = "WARNING"
	ServiceStateError   ServiceState = "ERROR"
)

// ParseServiceState returns the ServiceState named by s.
func ParseServiceState(s string) (ServiceState, bool) {
	switch ServiceState(s) {
	case ServiceStateNormal, ServiceStateWarning, ServiceStateError:
		return ServiceState(s), true
	}
	return "", false
}

// HostRegistration is a cluster node able to run services.
type HostRegistration struct {
	BaseURL        string    `json:"base_url"`
	MaxLoad        float64   `json:"max_load"`
	Online         bool      `json:"online"`
	Maintenance    bool      `json:"maintenance"`
	Active         bool      `json:"active"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	DateRegistered time.Time `json:"date_registered"`
}

// Available reports whether the host may receive new work.
func (h *HostRegistration) Available() bool {
	return h.Online && !h.Maintenance
}

// ServiceRegistration is a service type advertised by a host.
type ServiceRegistration struct {
	Host           string       `json:"host"`
	ServiceType    string       `json:"service_type"`
	State          ServiceState `json:"state"`
	Online         bool         `json:"online"`
	Active         bool         `json:"active"`
	StateChanged   time.Time    `json:"state_changed"`
	WarningTrigger string       `json:"warning_trigger,omitempty"`
	ErrorTrigger   string       `json:"error_trigger,omitempty"`
}

// SetState moves the service to state and records the triggering job signature.
func (s *ServiceRegistration) SetState(state ServiceState, trigger string, now time.Time) {
	if s.State == state {
		return
	}
	s.State = state
	s.StateChanged = now
	switch state {
	case ServiceStateNormal:
		s.WarningTrigger = ""
		s.ErrorTrigger = ""
	case ServiceStateWarning:
		if trigger != "" {
			s.WarningTrigger = trigger
		}
		s.ErrorTrigger = ""
	case ServiceStateError:
		s.ErrorTrigger = trigger
	}
}

// ServiceFilter narrows ListServices. Zero fields match everything.
type ServiceFilter struct {
	Host        string
	ServiceType string
}

// Matches reports whether s passes the filter.
func (f ServiceFilter) Matches(s *ServiceRegistration) bool {
	if f.Host != "" && s.Host != f.Host {
		return false
	}
	if f.ServiceType != "" && s.ServiceType != f.ServiceType {
		return false
	}
	return true
}

// RegistryRepository persists host and service registrations. Registry flags
// are administrative and use last-writer-wins semantics.
type RegistryRepository interface {
	SaveHost(ctx context.Context, host *HostRegistration) error
	GetHost(ctx context.Context, baseURL string) (*HostRegistration, error)
	ListHosts(ctx context.Context) ([]*HostRegistration, error)
	// DeleteHost removes the host and all its service registrations.
	DeleteHost(ctx context.Context, baseURL string) error

	SaveService(ctx context.Context, svc *ServiceRegistration) error
	GetService(ctx context.Context, host, serviceType string) (*ServiceRegistration, error)
	ListServices(ctx context.Context, filter ServiceFilter) ([]*ServiceRegistration, error)
}
