package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Job is a unit of asynchronous, trackable work.
type Job struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	Creator      string `json:"creator"`
	// ServiceType routes the job to the services able to process it.
	ServiceType string   `json:"service_type"`
	Operation   string   `json:"operation"`
	Arguments   []string `json:"arguments,omitempty"`
	Payload     string   `json:"payload,omitempty"`

	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failure_reason"`
	Dispatchable  bool          `json:"dispatchable"`
	Load          float64       `json:"load"`

	CreatorHost      string `json:"creator_host,omitempty"`
	CreatorService   string `json:"creator_service,omitempty"`
	ProcessorHost    string `json:"processor_host,omitempty"`
	ProcessorService string `json:"processor_service,omitempty"`

	ParentID string `json:"parent_id,omitempty"`
	RootID   string `json:"root_id"`

	DateCreated   time.Time     `json:"date_created"`
	DateStarted   time.Time     `json:"date_started"`
	DateCompleted time.Time     `json:"date_completed"`
	DateModified  time.Time     `json:"date_modified"`
	QueueTime     time.Duration `json:"queue_time"`
	RunTime       time.Duration `json:"run_time"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Arguments != nil {
		c.Arguments = append([]string(nil), j.Arguments...)
	}
	return &c
}

// IsRoot reports whether the job heads its own tree.
func (j *Job) IsRoot() bool {
	return j.ParentID == ""
}

// CountsTowardLoad reports whether the job consumes capacity on its processor host.
func (j *Job) CountsTowardLoad() bool {
	return j.Dispatchable && j.Status == StatusRunning && j.ProcessorHost != ""
}

// Signature identifies jobs doing the same work on the same service type.
// Jobs with equal signatures are treated as one failure cause by failover.
func (j *Job) Signature() string {
	var b strings.Builder
	b.WriteString(j.ServiceType)
	b.WriteByte(0)
	b.WriteString(j.Operation)
	for _, arg := range j.Arguments {
		b.WriteByte(0)
		b.WriteString(arg)
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

// TransitionTo moves the job to next, applying the time accounting and
// processor bookkeeping attached to the target state.
func (j *Job) TransitionTo(next Status, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return InvalidTransitionError(j.ID, j.Status, next)
	}
	switch {
	case j.Status == StatusInstantiated && next == StatusQueued && !j.Dispatchable:
		return InvalidTransitionError(j.ID, j.Status, next)
	case j.Status == StatusInstantiated && next == StatusRunning && j.Dispatchable:
		return InvalidTransitionError(j.ID, j.Status, next)
	}

	switch next {
	case StatusRunning:
		if now.Before(j.DateCreated) {
			now = j.DateCreated
		}
		j.DateStarted = now
		j.QueueTime = nonNegative(now.Sub(j.DateCreated))
		j.FailureReason = FailureReasonNone
	case StatusFinished, StatusFailed:
		if j.DateStarted.IsZero() {
			j.DateStarted = j.DateCreated
		}
		if now.Before(j.DateStarted) {
			now = j.DateStarted
		}
		j.DateCompleted = now
		j.RunTime = nonNegative(j.DateCompleted.Sub(j.DateStarted))
		if next == StatusFinished {
			j.FailureReason = FailureReasonNone
		} else if j.FailureReason == "" || j.FailureReason == FailureReasonNone {
			j.FailureReason = FailureReasonProcessing
		}
	case StatusFailedAfterMaxAttempts:
		if j.DateCompleted.IsZero() {
			j.DateCompleted = now
		}
	case StatusCanceled:
		if now.Before(j.DateCreated) {
			now = j.DateCreated
		}
		if !j.DateStarted.IsZero() && now.Before(j.DateStarted) {
			now = j.DateStarted
		}
		j.DateCompleted = now
		j.clearProcessor()
		j.FailureReason = FailureReasonNone
	case StatusQueued, StatusPaused, StatusDispatching:
		j.clearProcessor()
		j.DateStarted = time.Time{}
		j.DateCompleted = time.Time{}
		j.QueueTime = 0
		j.RunTime = 0
		j.FailureReason = FailureReasonNone
	}
	j.Status = next
	return nil
}

// Claim performs the dispatch transition QUEUED -> DISPATCHING -> RUNNING on
// the in-memory job, assigning the processor.
func (j *Job) Claim(host, serviceType string, now time.Time) error {
	if j.Status != StatusQueued || !j.Dispatchable {
		return InvalidTransitionError(j.ID, j.Status, StatusDispatching)
	}
	if err := j.TransitionTo(StatusDispatching, now); err != nil {
		return err
	}
	if err := j.TransitionTo(StatusRunning, now); err != nil {
		return err
	}
	j.ProcessorHost = host
	j.ProcessorService = serviceType
	return nil
}

// StartLocally runs a non-dispatchable job on the service that created it.
func (j *Job) StartLocally(now time.Time) error {
	if err := j.TransitionTo(StatusRunning, now); err != nil {
		return err
	}
	j.ProcessorHost = j.CreatorHost
	j.ProcessorService = j.CreatorService
	return nil
}

// CheckInvariants verifies the structural rules every persisted job obeys.
func (j *Job) CheckInvariants() error {
	if j.Load < 0 {
		return NewValidationError("load must not be negative")
	}
	if j.Status.IsTerminal() && j.DateCompleted.IsZero() {
		return InvalidTransitionError(j.ID, j.Status, j.Status)
	}
	hasProcessor := j.ProcessorHost != "" || j.ProcessorService != ""
	if hasProcessor != j.Status.HasProcessor() {
		return InvalidTransitionError(j.ID, j.Status, j.Status)
	}
	if j.ParentID == j.ID && j.ID != "" {
		return NewValidationError("job cannot be its own parent")
	}
	if !j.DateStarted.IsZero() && j.DateStarted.Before(j.DateCreated) {
		return NewValidationError("date_started must not precede date_created")
	}
	if !j.DateCompleted.IsZero() {
		if j.DateCompleted.Before(j.DateCreated) {
			return NewValidationError("date_completed must not precede date_created")
		}
		if !j.DateStarted.IsZero() && j.DateCompleted.Before(j.DateStarted) {
			return NewValidationError("date_completed must not precede date_started")
		}
	}
	return nil
}

func (j *Job) clearProcessor() {
	j.ProcessorHost = ""
	j.ProcessorService = ""
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
