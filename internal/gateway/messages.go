package gateway

import "job-dispatcher/internal/domain"

// Field numbers follow proto/dispatcher/v1/worker_gateway.proto.

// RegisterWorkerRequest announces a worker host and the service types it runs.
type RegisterWorkerRequest struct {
	Host         string
	MaxLoad      float64
	ServiceTypes []string
}

func (r *RegisterWorkerRequest) appendWire(e *encoder) {
	e.string(1, r.Host)
	e.double(2, r.MaxLoad)
	e.strings(3, r.ServiceTypes)
}

func (r *RegisterWorkerRequest) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		r.Host = d.string(f)
	case 2:
		r.MaxLoad = d.double(f)
	case 3:
		r.ServiceTypes = append(r.ServiceTypes, d.string(f))
	}
}

type RegisterWorkerResponse struct {
	Host     *domain.HostRegistration
	Services []*domain.ServiceRegistration
}

func (r *RegisterWorkerResponse) appendWire(e *encoder) {
	if r.Host != nil {
		e.message(1, (*wireHost)(r.Host))
	}
	for _, svc := range r.Services {
		if svc != nil {
			e.message(2, (*wireService)(svc))
		}
	}
}

func (r *RegisterWorkerResponse) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		r.Host = new(domain.HostRegistration)
		d.message(f, (*wireHost)(r.Host))
	case 2:
		svc := new(domain.ServiceRegistration)
		d.message(f, (*wireService)(svc))
		r.Services = append(r.Services, svc)
	}
}

type HeartbeatRequest struct {
	Host string
}

func (r *HeartbeatRequest) appendWire(e *encoder) {
	e.string(1, r.Host)
}

func (r *HeartbeatRequest) readWire(d *decoder, f field) {
	if f.num == 1 {
		r.Host = d.string(f)
	}
}

type HeartbeatResponse struct {
	Host *domain.HostRegistration
}

func (r *HeartbeatResponse) appendWire(e *encoder) {
	if r.Host != nil {
		e.message(1, (*wireHost)(r.Host))
	}
}

func (r *HeartbeatResponse) readWire(d *decoder, f field) {
	if f.num == 1 {
		r.Host = new(domain.HostRegistration)
		d.message(f, (*wireHost)(r.Host))
	}
}

// CreateJobRequest mirrors usecase.CreateJobRequest on the wire.
type CreateJobRequest struct {
	Organization   string
	Creator        string
	ServiceType    string
	Operation      string
	Arguments      []string
	Payload        string
	Dispatchable   bool
	Load           float64
	ParentID       string
	CreatorHost    string
	CreatorService string
}

func (r *CreateJobRequest) appendWire(e *encoder) {
	e.string(1, r.Organization)
	e.string(2, r.Creator)
	e.string(3, r.ServiceType)
	e.string(4, r.Operation)
	e.strings(5, r.Arguments)
	e.string(6, r.Payload)
	e.bool(7, r.Dispatchable)
	e.double(8, r.Load)
	e.string(9, r.ParentID)
	e.string(10, r.CreatorHost)
	e.string(11, r.CreatorService)
}

func (r *CreateJobRequest) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		r.Organization = d.string(f)
	case 2:
		r.Creator = d.string(f)
	case 3:
		r.ServiceType = d.string(f)
	case 4:
		r.Operation = d.string(f)
	case 5:
		r.Arguments = append(r.Arguments, d.string(f))
	case 6:
		r.Payload = d.string(f)
	case 7:
		r.Dispatchable = d.bool(f)
	case 8:
		r.Load = d.double(f)
	case 9:
		r.ParentID = d.string(f)
	case 10:
		r.CreatorHost = d.string(f)
	case 11:
		r.CreatorService = d.string(f)
	}
}

// JobRequest addresses a single job.
type JobRequest struct {
	JobID string
}

func (r *JobRequest) appendWire(e *encoder) {
	e.string(1, r.JobID)
}

func (r *JobRequest) readWire(d *decoder, f field) {
	if f.num == 1 {
		r.JobID = d.string(f)
	}
}

type JobResponse struct {
	Job *domain.Job
}

func (r *JobResponse) appendWire(e *encoder) {
	if r.Job != nil {
		e.message(1, (*wireJob)(r.Job))
	}
}

func (r *JobResponse) readWire(d *decoder, f field) {
	if f.num == 1 {
		r.Job = new(domain.Job)
		d.message(f, (*wireJob)(r.Job))
	}
}

// PollJobsRequest asks for the RUNNING jobs assigned to Host. An empty
// ServiceTypes matches every service type.
type PollJobsRequest struct {
	Host         string
	ServiceTypes []string
}

func (r *PollJobsRequest) appendWire(e *encoder) {
	e.string(1, r.Host)
	e.strings(2, r.ServiceTypes)
}

func (r *PollJobsRequest) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		r.Host = d.string(f)
	case 2:
		r.ServiceTypes = append(r.ServiceTypes, d.string(f))
	}
}

type PollJobsResponse struct {
	Jobs []*domain.Job
}

func (r *PollJobsResponse) appendWire(e *encoder) {
	for _, job := range r.Jobs {
		if job != nil {
			e.message(1, (*wireJob)(job))
		}
	}
}

func (r *PollJobsResponse) readWire(d *decoder, f field) {
	if f.num == 1 {
		job := new(domain.Job)
		d.message(f, (*wireJob)(job))
		r.Jobs = append(r.Jobs, job)
	}
}

type ReportSuccessRequest struct {
	JobID   string
	Payload string
}

func (r *ReportSuccessRequest) appendWire(e *encoder) {
	e.string(1, r.JobID)
	e.string(2, r.Payload)
}

func (r *ReportSuccessRequest) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		r.JobID = d.string(f)
	case 2:
		r.Payload = d.string(f)
	}
}

type ReportFailureRequest struct {
	JobID  string
	Reason string
}

func (r *ReportFailureRequest) appendWire(e *encoder) {
	e.string(1, r.JobID)
	e.string(2, r.Reason)
}

func (r *ReportFailureRequest) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		r.JobID = d.string(f)
	case 2:
		r.Reason = d.string(f)
	}
}

// wireJob, wireHost and wireService give the domain records their
// message encoding.
type (
	wireJob     domain.Job
	wireHost    domain.HostRegistration
	wireService domain.ServiceRegistration
)

func (j *wireJob) appendWire(e *encoder) {
	e.string(1, j.ID)
	e.string(2, j.Organization)
	e.string(3, j.Creator)
	e.string(4, j.ServiceType)
	e.string(5, j.Operation)
	e.strings(6, j.Arguments)
	e.string(7, j.Payload)
	e.string(8, string(j.Status))
	e.string(9, string(j.FailureReason))
	e.bool(10, j.Dispatchable)
	e.double(11, j.Load)
	e.string(12, j.CreatorHost)
	e.string(13, j.CreatorService)
	e.string(14, j.ProcessorHost)
	e.string(15, j.ProcessorService)
	e.string(16, j.ParentID)
	e.string(17, j.RootID)
	e.time(18, j.DateCreated)
	e.time(19, j.DateStarted)
	e.time(20, j.DateCompleted)
	e.time(21, j.DateModified)
	e.duration(22, j.QueueTime)
	e.duration(23, j.RunTime)
	e.int64(24, j.Version)
}

func (j *wireJob) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		j.ID = d.string(f)
	case 2:
		j.Organization = d.string(f)
	case 3:
		j.Creator = d.string(f)
	case 4:
		j.ServiceType = d.string(f)
	case 5:
		j.Operation = d.string(f)
	case 6:
		j.Arguments = append(j.Arguments, d.string(f))
	case 7:
		j.Payload = d.string(f)
	case 8:
		j.Status = domain.Status(d.string(f))
	case 9:
		j.FailureReason = domain.FailureReason(d.string(f))
	case 10:
		j.Dispatchable = d.bool(f)
	case 11:
		j.Load = d.double(f)
	case 12:
		j.CreatorHost = d.string(f)
	case 13:
		j.CreatorService = d.string(f)
	case 14:
		j.ProcessorHost = d.string(f)
	case 15:
		j.ProcessorService = d.string(f)
	case 16:
		j.ParentID = d.string(f)
	case 17:
		j.RootID = d.string(f)
	case 18:
		j.DateCreated = d.time(f)
	case 19:
		j.DateStarted = d.time(f)
	case 20:
		j.DateCompleted = d.time(f)
	case 21:
		j.DateModified = d.time(f)
	case 22:
		j.QueueTime = d.duration(f)
	case 23:
		j.RunTime = d.duration(f)
	case 24:
		j.Version = d.int64(f)
	}
}

func (h *wireHost) appendWire(e *encoder) {
	e.string(1, h.BaseURL)
	e.double(2, h.MaxLoad)
	e.bool(3, h.Online)
	e.bool(4, h.Maintenance)
	e.bool(5, h.Active)
	e.time(6, h.LastHeartbeat)
	e.time(7, h.DateRegistered)
}

func (h *wireHost) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		h.BaseURL = d.string(f)
	case 2:
		h.MaxLoad = d.double(f)
	case 3:
		h.Online = d.bool(f)
	case 4:
		h.Maintenance = d.bool(f)
	case 5:
		h.Active = d.bool(f)
	case 6:
		h.LastHeartbeat = d.time(f)
	case 7:
		h.DateRegistered = d.time(f)
	}
}

func (s *wireService) appendWire(e *encoder) {
	e.string(1, s.Host)
	e.string(2, s.ServiceType)
	e.string(3, string(s.State))
	e.bool(4, s.Online)
	e.bool(5, s.Active)
	e.time(6, s.StateChanged)
	e.string(7, s.WarningTrigger)
	e.string(8, s.ErrorTrigger)
}

func (s *wireService) readWire(d *decoder, f field) {
	switch f.num {
	case 1:
		s.Host = d.string(f)
	case 2:
		s.ServiceType = d.string(f)
	case 3:
		s.State = domain.ServiceState(d.string(f))
	case 4:
		s.Online = d.bool(f)
	case 5:
		s.Active = d.bool(f)
	case 6:
		s.StateChanged = d.time(f)
	case 7:
		s.WarningTrigger = d.string(f)
	case 8:
		s.ErrorTrigger = d.string(f)
	}
}
