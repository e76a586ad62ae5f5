package server

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// AdminClient implements jobmanager.Service over gRPC.
type AdminClient struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

var _ jobmanager.Service = (*AdminClient)(nil)

// NewAdminClient wraps an existing connection.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// Dial connects to addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*AdminClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &AdminClient{cc: conn, conn: conn}, nil
}

// Conn returns the underlying connection, shared with worker.GrpcJobSource.
func (c *AdminClient) Conn() grpc.ClientConnInterface { return c.cc }

// Close closes a connection opened by Dial.
func (c *AdminClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.cc.Invoke(ctx, "/"+AdminServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Enqueue submits a job.
func (c *AdminClient) Enqueue(ctx context.Context, spec jobmanager.JobSpec) (*types.Job, error) {
	in, err := toStruct(spec)
	if err != nil {
		return nil, err
	}
	return c.jobCall(ctx, "Enqueue", in)
}

// Status returns per-state counts.
func (c *AdminClient) Status(ctx context.Context) (types.Counts, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return types.Counts{}, err
	}
	var counts types.Counts
	err := fromStruct(out, &counts)
	return counts, err
}

// ListByState lists ids in state.
func (c *AdminClient) ListByState(ctx context.Context, state types.JobState) ([]string, error) {
	return c.idsCall(ctx, "ListByState", wrapperspb.String(string(state)))
}

// ShowJob fetches one job.
func (c *AdminClient) ShowJob(ctx context.Context, id string) (*types.Job, error) {
	return c.jobCall(ctx, "ShowJob", wrapperspb.String(id))
}

// DLQList lists dead job ids.
func (c *AdminClient) DLQList(ctx context.Context) ([]string, error) {
	return c.idsCall(ctx, "DLQList", &emptypb.Empty{})
}

// DLQRetry resets a dead job.
func (c *AdminClient) DLQRetry(ctx context.Context, id string) (*types.Job, error) {
	return c.jobCall(ctx, "DLQRetry", wrapperspb.String(id))
}

func (c *AdminClient) jobCall(ctx context.Context, method string, in any) (*types.Job, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	job := new(types.Job)
	if err := fromStruct(out, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *AdminClient) idsCall(ctx context.Context, method string, in any) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		ids = append(ids, v.GetStringValue())
	}
	return ids, nil
}

// remoteError carries the server message while matching local sentinels
// with errors.Is.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.InvalidArgument:
		kind = jobmanager.ErrInvalidJob
		if strings.HasPrefix(st.Message(), types.ErrUnknownState.Error()) {
			kind = types.ErrUnknownState
		}
	case codes.NotFound:
		kind = jobmanager.ErrJobNotFound
	case codes.FailedPrecondition:
		kind = jobmanager.ErrNotInDLQ
	case codes.AlreadyExists:
		kind = jobmanager.ErrDuplicateJob
	case codes.Canceled:
		kind = context.Canceled
	case codes.DeadlineExceeded:
		kind = context.DeadlineExceeded
	default:
		return fmt.Errorf("remote: %w", err)
	}
	return &remoteError{msg: st.Message(), kind: kind}
}
