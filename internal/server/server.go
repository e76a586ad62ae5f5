// ============================================================================
// queuectl Admin gRPC 服務
// ============================================================================
//
// Service: queuectl.v1.Admin
//
//   Enqueue      (Struct JobSpec)      → Struct Job
//   Status       (Empty)               → Struct Counts
//   ListByState  (StringValue state)   → ListValue ids
//   ShowJob      (StringValue id)      → Struct Job
//   DLQList      (Empty)               → ListValue ids
//   DLQRetry     (StringValue id)      → Struct Job
//
// 訊息使用 protobuf well-known types，不需要 protoc 產生程式碼；
// ServiceDesc 以手寫方式註冊。錯誤對應:
//   ErrInvalidJob / ErrUnknownState → InvalidArgument
//   ErrJobNotFound                  → NotFound
//   ErrNotInDLQ                     → FailedPrecondition
//   ErrDuplicateJob                 → AlreadyExists
//   lease.ErrLeaseLost              → Aborted
//
// queuectl.v1.Leases (leases.go) is registered only when a lease source is
// attached; it lets `worker start --remote` run pools away from the store.
//
// ============================================================================

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
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/internal/worker"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// AdminServiceName is the fully-qualified gRPC service name.
const AdminServiceName = "queuectl.v1.Admin"

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListByState(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	ShowJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	DLQList(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	DLQRetry(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// unaryMethod builds a MethodDesc the way generated code does.
func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// AdminServiceDesc describes queuectl.v1.Admin.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AdminServiceName, "Enqueue", AdminServer.Enqueue),
		unaryMethod(AdminServiceName, "Status", AdminServer.Status),
		unaryMethod(AdminServiceName, "ListByState", AdminServer.ListByState),
		unaryMethod(AdminServiceName, "ShowJob", AdminServer.ShowJob),
		unaryMethod(AdminServiceName, "DLQList", AdminServer.DLQList),
		unaryMethod(AdminServiceName, "DLQRetry", AdminServer.DLQRetry),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "queuectl/v1/admin",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// ============================================================================
// Server
// ============================================================================

// Server adapts a jobmanager.Service to the Admin gRPC API and, when a
// lease source is attached, serves remote workers.
type Server struct {
	svc    jobmanager.Service
	leases worker.JobSource
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLeaseSource also registers queuectl.v1.Leases backed by src.
func WithLeaseSource(src worker.JobSource) ServerOption {
	return func(s *Server) { s.leases = src }
}

var _ AdminServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(svc jobmanager.Service, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs a gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterAdminServer(gs, s)
	if s.leases != nil {
		RegisterLeaseServer(gs, &leaseServer{src: s.leases, logger: s.logger})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.logger.Info("Admin gRPC listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unknown {
		s.logger.Error("Admin call failed", "method", info.FullMethod, "error", err)
	} else {
		s.logger.Debug("Admin call", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	}
	return resp, err
}

// Enqueue handles job submission from clients.
func (s *Server) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	spec, err := jobmanager.ParseJobSpec(raw)
	if err != nil {
		return nil, toStatus(err)
	}
	job, err := s.svc.Enqueue(ctx, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// Status returns per-state counts.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	counts, err := s.svc.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(counts)
}

// ListByState returns ids in the requested state.
func (s *Server) ListByState(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	state, err := types.ParseState(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	ids, err := s.svc.ListByState(ctx, state)
	if err != nil {
		return nil, toStatus(err)
	}
	return idList(ids)
}

// ShowJob returns the full job record.
func (s *Server) ShowJob(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.svc.ShowJob(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// DLQList returns dead job ids.
func (s *Server) DLQList(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ids, err := s.svc.DLQList(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return idList(ids)
}

// DLQRetry resets a dead job.
func (s *Server) DLQRetry(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.svc.DLQRetry(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// ============================================================================
// Helpers
// ============================================================================

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, jobmanager.ErrInvalidJob), errors.Is(err, types.ErrUnknownState):
		code = codes.InvalidArgument
	case errors.Is(err, jobmanager.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, jobmanager.ErrNotInDLQ):
		code = codes.FailedPrecondition
	case errors.Is(err, jobmanager.ErrDuplicateJob):
		code = codes.AlreadyExists
	case errors.Is(err, lease.ErrLeaseLost):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// fromStruct decodes a Struct into v through JSON.
func fromStruct(st *structpb.Struct, v any) error {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idList(ids []string) (*structpb.ListValue, error) {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	lv, err := structpb.NewList(vals)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return lv, nil
}
