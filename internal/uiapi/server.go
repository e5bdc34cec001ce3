// Package uiapi exposes the coordinator to UI processes over gRPC: a
// read-only snapshot stream and write-only intent submission. Messages are
// protobuf Structs so the service needs no generated code.
package uiapi

import (
	"context"
	"errors"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/coordinator"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "callsession.v1.CallSession"

// Calls is the part of the coordinator the service drives.
type Calls interface {
	CurrentSnapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
	StartOutbound(ctx context.Context, handle string, video bool) (call.Snapshot, error)
	UserIntent(ctx context.Context, ev machine.Event) (call.Snapshot, error)
}

// CallSessionServer is the service contract.
type CallSessionServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartOutbound(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type Server struct {
	calls Calls
	log   *logrus.Entry
}

var _ CallSessionServer = (*Server)(nil)

func NewServer(calls Calls, log *logrus.Entry) *Server {
	return &Server{calls: calls, log: log}
}

// Register adds the service to gs.
func Register(gs *grpc.Server, srv CallSessionServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func (s *Server) Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return s.reply(s.calls.CurrentSnapshot(), nil)
}

// Watch streams the current snapshot and every newer one until the client
// goes away or the coordinator shuts down.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch, cancel := s.calls.Subscribe()
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "coordinator closed")
			}
			msg, err := encodeSnapshot(snap)
			if err != nil {
				return status.Errorf(codes.Internal, "encode snapshot: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in Intent
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode intent: %v", err)
	}
	ev, err := in.Event()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.log.WithField("intent", ev.String()).Debug("intent submitted")
	return s.reply(s.calls.UserIntent(ctx, ev))
}

func (s *Server) StartOutbound(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in Start
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode start: %v", err)
	}
	return s.reply(s.calls.StartOutbound(ctx, in.Handle, in.Video))
}

func (s *Server) reply(snap call.Snapshot, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, statusOf(err)
	}
	msg, encErr := encodeSnapshot(snap)
	if encErr != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", encErr)
	}
	return msg, nil
}

// statusOf maps coordinator errors onto gRPC codes.
func statusOf(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, call.ErrNoActiveCall), errors.Is(err, call.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, call.ErrTransactionRejected):
		code = codes.Aborted
	case errors.Is(err, call.ErrSDKFailure), errors.Is(err, call.ErrResourceFailure):
		code = codes.Unavailable
	case errors.Is(err, coordinator.ErrInvalidHandle):
		code = codes.InvalidArgument
	case errors.Is(err, coordinator.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallSessionServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Snapshot"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CallSessionServer).Snapshot(ctx, req.(*emptypb.Empty))
	})
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallSessionServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Submit"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CallSessionServer).Submit(ctx, req.(*structpb.Struct))
	})
}

func startHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallSessionServer).StartOutbound(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StartOutbound"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CallSessionServer).StartOutbound(ctx, req.(*structpb.Struct))
	})
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CallSessionServer).Watch(in, stream)
}

// ServiceDesc describes callsession.v1.CallSession.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CallSessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "StartOutbound", Handler: startHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "callsession/v1/callsession.proto",
}
