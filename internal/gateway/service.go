package gateway

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "dispatcher.v1.WorkerGateway"

// Method names of the WorkerGateway service.
const (
	methodRegisterWorker = "RegisterWorker"
	methodHeartbeat      = "Heartbeat"
	methodCreateJob      = "CreateJob"
	methodGetJob         = "GetJob"
	methodPollJobs       = "PollJobs"
	methodReportSuccess  = "ReportSuccess"
	methodReportFailure  = "ReportFailure"
	methodCancelJob      = "CancelJob"
)

// WorkerGatewayServer is the server API of the worker gateway.
type WorkerGatewayServer interface {
	RegisterWorker(context.Context, *RegisterWorkerRequest) (*RegisterWorkerResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	CreateJob(context.Context, *CreateJobRequest) (*JobResponse, error)
	GetJob(context.Context, *JobRequest) (*JobResponse, error)
	PollJobs(context.Context, *PollJobsRequest) (*PollJobsResponse, error)
	ReportSuccess(context.Context, *ReportSuccessRequest) (*JobResponse, error)
	ReportFailure(context.Context, *ReportFailureRequest) (*JobResponse, error)
	CancelJob(context.Context, *JobRequest) (*JobResponse, error)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// unary adapts a typed server method to a grpc.MethodHandler.
func unary[Req, Resp any](method string, call func(WorkerGatewayServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(WorkerGatewayServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var workerGatewayDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodRegisterWorker, Handler: unary(methodRegisterWorker, WorkerGatewayServer.RegisterWorker)},
		{MethodName: methodHeartbeat, Handler: unary(methodHeartbeat, WorkerGatewayServer.Heartbeat)},
		{MethodName: methodCreateJob, Handler: unary(methodCreateJob, WorkerGatewayServer.CreateJob)},
		{MethodName: methodGetJob, Handler: unary(methodGetJob, WorkerGatewayServer.GetJob)},
		{MethodName: methodPollJobs, Handler: unary(methodPollJobs, WorkerGatewayServer.PollJobs)},
		{MethodName: methodReportSuccess, Handler: unary(methodReportSuccess, WorkerGatewayServer.ReportSuccess)},
		{MethodName: methodReportFailure, Handler: unary(methodReportFailure, WorkerGatewayServer.ReportFailure)},
		{MethodName: methodCancelJob, Handler: unary(methodCancelJob, WorkerGatewayServer.CancelJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dispatcher/v1/worker_gateway.proto",
}

// RegisterWorkerGatewayServer registers srv on s.
func RegisterWorkerGatewayServer(s grpc.ServiceRegistrar, srv WorkerGatewayServer) {
	s.RegisterService(&workerGatewayDesc, srv)
}
