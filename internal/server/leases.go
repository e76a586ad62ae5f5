package server

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/queuectl/internal/worker"
)

// LeaseServer is the server API for worker.LeaseServiceName.
type LeaseServer interface {
	Claim(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ReclaimStale(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	Release(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// LeaseServiceDesc describes queuectl.v1.Leases.
var LeaseServiceDesc = grpc.ServiceDesc{
	ServiceName: worker.LeaseServiceName,
	HandlerType: (*LeaseServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(worker.LeaseServiceName, worker.MethodClaim, LeaseServer.Claim),
		unaryMethod(worker.LeaseServiceName, worker.MethodReclaimStale, LeaseServer.ReclaimStale),
		unaryMethod(worker.LeaseServiceName, worker.MethodRelease, LeaseServer.Release),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "queuectl/v1/leases",
}

// RegisterLeaseServer registers srv on s.
func RegisterLeaseServer(s grpc.ServiceRegistrar, srv LeaseServer) {
	s.RegisterService(&LeaseServiceDesc, srv)
}

// leaseServer exposes a local JobSource (normally lease.Manager).
type leaseServer struct {
	src    worker.JobSource
	logger *slog.Logger
}

func (l *leaseServer) Claim(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	workerID := in.GetValue()
	if workerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker id is required")
	}
	job, err := l.src.Claim(ctx, workerID)
	if err != nil {
		return nil, toStatus(err)
	}
	if job == nil {
		return &structpb.Struct{}, nil
	}
	st, err := worker.EncodeJob(job)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	l.logger.Debug("Remote claim", "jobID", job.ID, "worker", workerID)
	return st, nil
}

func (l *leaseServer) ReclaimStale(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	n, err := l.src.ReclaimStale(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

func (l *leaseServer) Release(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	workerID, job, err := worker.DecodeRelease(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := job.Validate(); err != nil {
		return nil, toStatus(err)
	}
	if err := l.src.Release(ctx, workerID, job); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}
