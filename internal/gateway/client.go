package gateway

import (
	"context"
	"fmt"

	"job-dispatcher/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client calls the worker gateway. Errors carrying a mapped status code are
// converted back to the matching domain sentinel.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the gateway at addr. Extra options are applied after the
// defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
	return fromStatus(err)
}

func (c *Client) RegisterWorker(ctx context.Context, host string, maxLoad float64, serviceTypes []string) (*RegisterWorkerResponse, error) {
	resp := new(RegisterWorkerResponse)
	err := c.invoke(ctx, methodRegisterWorker, &RegisterWorkerRequest{Host: host, MaxLoad: maxLoad, ServiceTypes: serviceTypes}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, host string) error {
	return c.invoke(ctx, methodHeartbeat, &HeartbeatRequest{Host: host}, new(HeartbeatResponse))
}

func (c *Client) CreateJob(ctx context.Context, req *CreateJobRequest) (*domain.Job, error) {
	return c.job(ctx, methodCreateJob, req)
}

func (c *Client) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return c.job(ctx, methodGetJob, &JobRequest{JobID: id})
}

// PollJobs returns the RUNNING jobs assigned to host.
func (c *Client) PollJobs(ctx context.Context, host string, serviceTypes []string) ([]*domain.Job, error) {
	resp := new(PollJobsResponse)
	if err := c.invoke(ctx, methodPollJobs, &PollJobsRequest{Host: host, ServiceTypes: serviceTypes}, resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) ReportSuccess(ctx context.Context, id, payload string) (*domain.Job, error) {
	return c.job(ctx, methodReportSuccess, &ReportSuccessRequest{JobID: id, Payload: payload})
}

func (c *Client) ReportFailure(ctx context.Context, id string, reason domain.FailureReason) (*domain.Job, error) {
	return c.job(ctx, methodReportFailure, &ReportFailureRequest{JobID: id, Reason: string(reason)})
}

func (c *Client) CancelJob(ctx context.Context, id string) (*domain.Job, error) {
	return c.job(ctx, methodCancelJob, &JobRequest{JobID: id})
}

func (c *Client) job(ctx context.Context, method string, req any) (*domain.Job, error) {
	resp := new(JobResponse)
	if err := c.invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// fromStatus turns a gRPC status back into a domain error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = domain.ErrValidation
	case codes.NotFound:
		sentinel = domain.ErrNotFound
	case codes.Aborted:
		sentinel = domain.ErrConcurrentModification
	case codes.FailedPrecondition:
		sentinel = domain.ErrInvalidState
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
