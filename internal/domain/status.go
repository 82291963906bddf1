package domain

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusInstantiated           Status = "INSTANTIATED"
	StatusQueued                 Status = "QUEUED"
	StatusDispatching            Status = "DISPATCHING"
	StatusRunning                Status = "RUNNING"
	StatusFinished               Status = "FINISHED"
	StatusFailed                 Status = "FAILED"
	StatusFailedAfterMaxAttempts Status = "FAILED_AFTER_MAX_ATTEMPTS"
	StatusCanceled               Status = "CANCELED"
	StatusPaused                 Status = "PAUSED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInstantiated,
	StatusQueued,
	StatusDispatching,
	StatusRunning,
	StatusFinished,
	StatusFailed,
	StatusFailedAfterMaxAttempts,
	StatusCanceled,
	StatusPaused,
}

// transitions is the complete edge set of the job state machine.
// DISPATCHING->QUEUED is the aborted claim. Claims commit straight from
// QUEUED to RUNNING (see CanReach), so no write ever persists that edge.
var transitions = map[Status][]Status{
	StatusInstantiated: {StatusQueued, StatusRunning, StatusCanceled},
	StatusQueued:       {StatusDispatching, StatusPaused, StatusCanceled},
	StatusDispatching:  {StatusRunning, StatusQueued, StatusCanceled},
	StatusRunning:      {StatusFinished, StatusFailed, StatusPaused, StatusCanceled},
	StatusFailed:       {StatusQueued, StatusFailedAfterMaxAttempts},
	StatusPaused:       {StatusQueued, StatusCanceled},
}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// CanTransitionTo reports whether next is a direct successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CanReach reports whether a single persisted write may move a job from s to
// next. The claim commits QUEUED->DISPATCHING->RUNNING in one write, so the
// intermediate DISPATCHING state is allowed to be skipped.
func (s Status) CanReach(next Status) bool {
	if s == next || s.CanTransitionTo(next) {
		return true
	}
	return s.CanTransitionTo(StatusDispatching) && StatusDispatching.CanTransitionTo(next)
}

// IsTerminal reports whether the job has completed, successfully or not.
// FAILED is terminal although it may be resubmitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusFailedAfterMaxAttempts, StatusCanceled:
		return true
	}
	return false
}

// HasProcessor reports whether a job in this status must carry processor fields.
func (s Status) HasProcessor() bool {
	switch s {
	case StatusRunning, StatusFinished, StatusFailed, StatusFailedAfterMaxAttempts:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses for which IsTerminal is true.
func TerminalStatuses() []Status {
	return []Status{StatusFinished, StatusFailed, StatusFailedAfterMaxAttempts, StatusCanceled}
}

// ActiveStatuses lists the non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusInstantiated, StatusQueued, StatusDispatching, StatusRunning, StatusPaused}
}

// FailureReason qualifies a failed job.
type FailureReason string

const (
	FailureReasonNone       FailureReason = "NONE"
	FailureReasonData       FailureReason = "DATA"
	FailureReasonProcessing FailureReason = "PROCESSING"
)

// ParseFailureReason returns the FailureReason named by s. Empty input maps to PROCESSING.
func ParseFailureReason(s string) (FailureReason, bool) {
	switch FailureReason(s) {
	case "", FailureReasonProcessing:
		return FailureReasonProcessing, true
	case FailureReasonData:
		return FailureReasonData, true
	case FailureReasonNone:
		return FailureReasonNone, true
	}
	return "", false
}
