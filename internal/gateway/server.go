package gateway

import (
	"context"
	"errors"
	"log/slog"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/usecase"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements WorkerGatewayServer on top of the job and registry
// services.
type Server struct {
	jobs     *usecase.JobService
	registry *usecase.RegistryService
	logger   *slog.Logger
}

var _ WorkerGatewayServer = (*Server)(nil)

// NewServer creates a new gateway server.
func NewServer(jobs *usecase.JobService, registry *usecase.RegistryService, logger *slog.Logger) *Server {
	return &Server{
		jobs:     jobs,
		registry: registry,
		logger:   logger.With("component", "grpc-gateway"),
	}
}

// NewGRPCServer returns a grpc.Server with srv registered, tracing enabled
// and the gateway message codec installed.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()), grpc.ForceServerCodec(wireCodec{}))
	g := grpc.NewServer(opts...)
	RegisterWorkerGatewayServer(g, srv)
	return g
}

func (s *Server) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*RegisterWorkerResponse, error) {
	host, err := s.registry.RegisterHost(ctx, req.Host, req.MaxLoad)
	if err != nil {
		return nil, s.toStatus(err)
	}
	resp := &RegisterWorkerResponse{Host: host}
	for _, serviceType := range req.ServiceTypes {
		svc, err := s.registry.RegisterService(ctx, req.Host, serviceType)
		if err != nil {
			return nil, s.toStatus(err)
		}
		resp.Services = append(resp.Services, svc)
	}
	return resp, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	host, err := s.registry.Heartbeat(ctx, req.Host)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &HeartbeatResponse{Host: host}, nil
}

func (s *Server) CreateJob(ctx context.Context, req *CreateJobRequest) (*JobResponse, error) {
	job, err := s.jobs.CreateJob(ctx, usecase.CreateJobRequest(*req))
	return s.jobResponse(job, err)
}

func (s *Server) GetJob(ctx context.Context, req *JobRequest) (*JobResponse, error) {
	job, err := s.jobs.GetJob(ctx, req.JobID)
	return s.jobResponse(job, err)
}

// PollJobs lists the RUNNING jobs assigned to the host.
func (s *Server) PollJobs(ctx context.Context, req *PollJobsRequest) (*PollJobsResponse, error) {
	if req.Host == "" {
		return nil, s.toStatus(domain.NewValidationError("host must not be blank"))
	}
	jobs, err := s.jobs.FindByProcessor(ctx, req.Host, domain.StatusRunning)
	if err != nil {
		return nil, s.toStatus(err)
	}
	resp := &PollJobsResponse{Jobs: make([]*domain.Job, 0, len(jobs))}
	for _, job := range jobs {
		if len(req.ServiceTypes) > 0 && !contains(req.ServiceTypes, job.ProcessorService) {
			continue
		}
		resp.Jobs = append(resp.Jobs, job)
	}
	return resp, nil
}

func (s *Server) ReportSuccess(ctx context.Context, req *ReportSuccessRequest) (*JobResponse, error) {
	job, err := s.jobs.ReportSuccess(ctx, req.JobID, req.Payload)
	return s.jobResponse(job, err)
}

func (s *Server) ReportFailure(ctx context.Context, req *ReportFailureRequest) (*JobResponse, error) {
	reason, ok := domain.ParseFailureReason(req.Reason)
	if !ok {
		return nil, s.toStatus(domain.NewValidationError("unknown failure reason " + req.Reason))
	}
	job, err := s.jobs.ReportFailure(ctx, req.JobID, reason)
	return s.jobResponse(job, err)
}

func (s *Server) CancelJob(ctx context.Context, req *JobRequest) (*JobResponse, error) {
	job, err := s.jobs.CancelJob(ctx, req.JobID)
	return s.jobResponse(job, err)
}

func (s *Server) jobResponse(job *domain.Job, err error) (*JobResponse, error) {
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &JobResponse{Job: job}, nil
}

// toStatus maps domain errors to gRPC status codes.
func (s *Server) toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrConcurrentModification):
		code = codes.Aborted
	case errors.Is(err, domain.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		s.logger.Error("gateway call failed", "error", err)
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
