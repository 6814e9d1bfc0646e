// Package server exposes the job service over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose request
// and response messages are google.protobuf.Struct values, so no generated
// code is needed:
//
//	orchestrator.v1.JobService/Submit  {mode, ownerKey, contextKey, question} -> {taskId, state}
//	orchestrator.v1.JobService/Status  {taskId, waitMs}                       -> {taskId, state, result, error}
//	orchestrator.v1.JobService/Cancel  {taskId}                               -> {taskId, state, pending}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ai-orchestrator/internal/controller"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const (
	ServiceName = "orchestrator.v1.JobService"
	maxWait     = 30 * time.Second
)

// JobService is the controller surface served over gRPC.
type JobService interface {
	Submit(ctx context.Context, req controller.SubmitRequest) (types.JobID, error)
	Status(id types.JobID) (types.Job, error)
	Wait(ctx context.Context, id types.JobID) (types.Job, error)
	Cancel(ctx context.Context, id types.JobID) (controller.CancelResult, error)
}

// Server implements orchestrator.v1.JobService.
type Server struct {
	jobs   JobService
	logger *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(jobs JobService) *Server {
	return &Server{jobs: jobs, logger: slog.Default()}
}

// Register adds the service to s.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary("Submit", (*Server).Submit)},
		{MethodName: "Status", Handler: unary("Status", (*Server).Status)},
		{MethodName: "Cancel", Handler: unary("Cancel", (*Server).Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchestrator/v1/job_service.proto",
}

type method func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return m(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(s, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Submit handles job submission from clients.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.jobs.Submit(ctx, controller.SubmitRequest{
		Mode:       types.Mode(stringField(req, "mode")),
		Owner:      stringField(req, "ownerKey"),
		ContextKey: stringField(req, "contextKey"),
		Question:   stringField(req, "question"),
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"taskId": string(id),
		"state":  string(types.StateRunning),
	})
}

// Status returns a job snapshot, long-polling up to waitMs milliseconds.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := types.JobID(stringField(req, "taskId"))
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "taskId is required")
	}

	var (
		job types.Job
		err error
	)
	if waitMs := req.GetFields()["waitMs"].GetNumberValue(); waitMs > 0 {
		wait := min(time.Duration(waitMs)*time.Millisecond, maxWait)
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		job, err = s.jobs.Wait(waitCtx, id)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	} else {
		job, err = s.jobs.Status(id)
	}
	if err != nil {
		return nil, s.toStatus(err)
	}

	out := map[string]any{
		"taskId": string(job.ID),
		"state":  string(job.State),
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if job.State == types.StateCompleted && job.Result != nil {
		result, err := plain(job.Result)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode result: %v", err)
		}
		out["result"] = result
	}
	return structpb.NewStruct(out)
}

// Cancel requests cancellation and reports the state reached.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := types.JobID(stringField(req, "taskId"))
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "taskId is required")
	}
	res, err := s.jobs.Cancel(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"taskId":  string(id),
		"state":   string(res.State),
		"pending": res.Pending,
	})
}

func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, registry.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, controller.ErrInvalidMode), errors.Is(err, controller.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error("grpc request failed", "error", err)
	return status.Error(codes.Internal, err.Error())
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// plain converts v to the map/slice/float64 shapes structpb accepts.
func plain(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Serve listens on addr and serves until ctx is done.
func Serve(ctx context.Context, addr string, srv *Server, opts ...grpc.ServerOption) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, srv, opts...)
}

// ServeListener serves on an existing listener until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, srv *Server, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	Register(gs, srv)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		return <-errCh
	}
}
