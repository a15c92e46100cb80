// ============================================================================
// GearGuard gRPC Transport
// ============================================================================
//
// Package: internal/transport
// File: grpc.go
// Purpose: BoardService over gRPC using protobuf well-known types only.
//
// Service: gearguard.board.v1.BoardService
//   ListRequests (google.protobuf.Empty)  → google.protobuf.ListValue
//   UpdateStatus (google.protobuf.Struct) → google.protobuf.Empty
//
// Records travel as Struct values with the same field names as the REST
// JSON payload, so both transports share one schema.
//
// Status codes:
//   server side  ErrNotFound → NotFound, ErrInvalidTransition → FailedPrecondition,
//                validation  → InvalidArgument, anything else → Internal
//   client side  NotFound / FailedPrecondition / InvalidArgument
//                → boarderr.ErrPersistenceRejected
//
// ============================================================================

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

const (
	BoardServiceName = "gearguard.board.v1.BoardService"

	listRequestsMethod = "/" + BoardServiceName + "/ListRequests"
	updateStatusMethod = "/" + BoardServiceName + "/UpdateStatus"
)

// ============================================================================
// Server side
// ============================================================================

// BoardServer is implemented by the backend that owns the requests.
type BoardServer interface {
	ListRequests(ctx context.Context) ([]types.MaintenanceRequest, error)
	UpdateStatus(ctx context.Context, id types.RequestID, status types.Status) error
}

// boardServiceDesc is the hand-written equivalent of a generated descriptor.
var boardServiceDesc = grpc.ServiceDesc{
	ServiceName: BoardServiceName,
	HandlerType: (*BoardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRequests", Handler: listRequestsHandler},
		{MethodName: "UpdateStatus", Handler: updateStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gearguard/board/v1/board.proto",
}

// RegisterBoardServer attaches srv to s.
func RegisterBoardServer(s grpc.ServiceRegistrar, srv BoardServer) {
	s.RegisterService(&boardServiceDesc, srv)
}

func listRequestsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, _ any) (any, error) {
		reqs, err := srv.(BoardServer).ListRequests(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		out, err := requestsToList(reqs)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return out, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listRequestsMethod}
	return interceptor(ctx, in, info, call)
}

func updateStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		id, st, err := decodeStatusUpdate(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := srv.(BoardServer).UpdateStatus(ctx, id, st); err != nil {
			return nil, toStatus(err)
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: updateStatusMethod}
	return interceptor(ctx, in, info, call)
}

func toStatus(err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, boarderr.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, boarderr.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &verrs):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Client side
// ============================================================================

// GRPCClient implements poller.Fetcher and worker.StatusPersister over gRPC.
type GRPCClient struct {
	conn     grpc.ClientConnInterface
	closer   func() error
	validate *validator.Validate
	log      *zap.Logger
}

// DialGRPC opens a plaintext connection to addr.
func DialGRPC(addr string, log *zap.Logger) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial board service %s: %w", addr, err)
	}
	c, err := NewGRPCClient(conn, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.closer = conn.Close
	return c, nil
}

// NewGRPCClient wraps an existing connection. Close is a no-op for it.
func NewGRPCClient(conn grpc.ClientConnInterface, log *zap.Logger) (*GRPCClient, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCClient{conn: conn, validate: v, log: log}, nil
}

// Close releases a connection opened by DialGRPC.
func (c *GRPCClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// FetchRequests implements poller.Fetcher.
func (c *GRPCClient) FetchRequests(ctx context.Context) ([]types.MaintenanceRequest, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, listRequestsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
	}
	reqs, err := listToRequests(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
	}
	if err := ValidateRequests(c.validate, reqs); err != nil {
		return nil, fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
	}
	c.log.Debug("fetched maintenance requests", zap.Int("count", len(reqs)))
	return reqs, nil
}

// PersistStatus implements worker.StatusPersister.
func (c *GRPCClient) PersistStatus(ctx context.Context, id types.RequestID, st types.Status) error {
	if err := c.validate.Struct(StatusUpdate{Status: st}); err != nil {
		return fmt.Errorf("%w: %w", boarderr.ErrPersistenceRejected, err)
	}
	in, err := structpb.NewStruct(map[string]any{
		"id":     float64(id),
		"status": string(st),
	})
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, updateStatusMethod, in, new(emptypb.Empty)); err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return fmt.Errorf("%w: request %d: %w", boarderr.ErrPersistenceRejected, id, boarderr.ErrNotFound)
		case codes.InvalidArgument, codes.FailedPrecondition:
			return fmt.Errorf("%w: request %d: %s", boarderr.ErrPersistenceRejected, id, status.Convert(err).Message())
		default:
			return fmt.Errorf("persist request %d: %w", id, err)
		}
	}
	return nil
}

// ============================================================================
// Struct conversion
// ============================================================================

func requestsToList(reqs []types.MaintenanceRequest) (*structpb.ListValue, error) {
	raw, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return structpb.NewList(items)
}

func listToRequests(l *structpb.ListValue) ([]types.MaintenanceRequest, error) {
	raw, err := l.MarshalJSON()
	if err != nil {
		return nil, err
	}
	reqs := make([]types.MaintenanceRequest, 0, len(l.GetValues()))
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("decode request list: %w", err)
	}
	return reqs, nil
}

func decodeStatusUpdate(s *structpb.Struct) (types.RequestID, types.Status, error) {
	fields := s.GetFields()
	idVal, ok := fields["id"]
	if !ok {
		return 0, "", errors.New("missing id")
	}
	num, ok := idVal.GetKind().(*structpb.Value_NumberValue)
	if !ok || num.NumberValue <= 0 || num.NumberValue != float64(int64(num.NumberValue)) {
		return 0, "", errors.New("id must be a positive integer")
	}
	stVal, ok := fields["status"]
	if !ok {
		return 0, "", errors.New("missing status")
	}
	return types.RequestID(int64(num.NumberValue)), types.Status(stVal.GetStringValue()), nil
}
