package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// LeaseServiceName is the gRPC service remote workers claim jobs through.
//
//	Claim        (StringValue worker_id)       → Struct job, empty when none
//	ReclaimStale (Empty)                       → Int64Value count
//	Release      (Struct {worker_id, job})     → Empty; Aborted when the lease is lost
const LeaseServiceName = "queuectl.v1.Leases"

// Lease service method names.
const (
	MethodClaim        = "Claim"
	MethodReclaimStale = "ReclaimStale"
	MethodRelease      = "Release"
)

// GrpcJobSource is a JobSource backed by a queue host's lease service, so a
// pool can run on a machine without direct store access.
type GrpcJobSource struct {
	cc             grpc.ClientConnInterface
	defaultTimeout time.Duration
	clock          types.Clock
}

var _ JobSource = (*GrpcJobSource)(nil)

// NewGrpcJobSource wraps an established connection. defaultTimeout should
// match the host's job timeout.
func NewGrpcJobSource(conn grpc.ClientConnInterface, defaultTimeout time.Duration) *GrpcJobSource {
	return &GrpcJobSource{cc: conn, defaultTimeout: defaultTimeout, clock: types.SystemClock}
}

func (s *GrpcJobSource) invoke(ctx context.Context, method string, in, out any) error {
	return s.cc.Invoke(ctx, "/"+LeaseServiceName+"/"+method, in, out)
}

// Claim asks the host for the next eligible job.
func (s *GrpcJobSource) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	out := new(structpb.Struct)
	if err := s.invoke(ctx, MethodClaim, wrapperspb.String(workerID), out); err != nil {
		return nil, fmt.Errorf("rpc claim failed: %w", err)
	}
	if len(out.GetFields()) == 0 {
		return nil, nil
	}
	job := new(types.Job)
	if err := DecodeJob(out, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ReclaimStale runs the stale-lease sweep on the host.
func (s *GrpcJobSource) ReclaimStale(ctx context.Context) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := s.invoke(ctx, MethodReclaimStale, &emptypb.Empty{}, out); err != nil {
		return 0, fmt.Errorf("rpc reclaim failed: %w", err)
	}
	return int(out.GetValue()), nil
}

// Release reports the resolved job. A lost lease comes back as
// lease.ErrLeaseLost.
func (s *GrpcJobSource) Release(ctx context.Context, workerID string, job *types.Job) error {
	in, err := EncodeRelease(workerID, job)
	if err != nil {
		return err
	}
	err = s.invoke(ctx, MethodRelease, in, &emptypb.Empty{})
	if status.Code(err) == codes.Aborted {
		return fmt.Errorf("%w: %s", lease.ErrLeaseLost, status.Convert(err).Message())
	}
	if err != nil {
		return fmt.Errorf("rpc release failed: %w", err)
	}
	return nil
}

// DefaultTimeout returns the configured job timeout.
func (s *GrpcJobSource) DefaultTimeout() time.Duration { return s.defaultTimeout }

// Now is the local clock; the host re-checks leases on its own clock.
func (s *GrpcJobSource) Now() time.Time { return s.clock() }

// ============================================================================
// 編碼
// ============================================================================

// EncodeJob converts a job into a Struct through its JSON form.
func EncodeJob(job *types.Job) (*structpb.Struct, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// DecodeJob is the inverse of EncodeJob.
func DecodeJob(st *structpb.Struct, job *types.Job) error {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	return nil
}

// EncodeRelease builds the Release request.
func EncodeRelease(workerID string, job *types.Job) (*structpb.Struct, error) {
	js, err := EncodeJob(job)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"worker_id": structpb.NewStringValue(workerID),
		"job":       structpb.NewStructValue(js),
	}}, nil
}

// DecodeRelease is the inverse of EncodeRelease.
func DecodeRelease(st *structpb.Struct) (string, *types.Job, error) {
	workerID := st.GetFields()["worker_id"].GetStringValue()
	js := st.GetFields()["job"].GetStructValue()
	if workerID == "" || js == nil {
		return "", nil, fmt.Errorf("release: worker_id and job are required")
	}
	job := new(types.Job)
	if err := DecodeJob(js, job); err != nil {
		return "", nil, err
	}
	return workerID, job, nil
}
