package uiapi

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client owns the gRPC connection to a callsession daemon.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to target in plaintext; the daemon is meant to listen
// on a local interface.
func NewClient(target string, extraOpts ...grpc.DialOption) (*Client, error) {
	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: true,
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, extraOpts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Snapshot(ctx context.Context) (call.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Snapshot", &emptypb.Empty{}, out); err != nil {
		return call.Snapshot{}, err
	}
	return decodeSnapshot(out)
}

func (c *Client) Submit(ctx context.Context, in Intent) (call.Snapshot, error) {
	return c.unary(ctx, "Submit", in)
}

func (c *Client) StartOutbound(ctx context.Context, handle string, video bool) (call.Snapshot, error) {
	return c.unary(ctx, "StartOutbound", Start{Handle: handle, Video: video})
}

func (c *Client) unary(ctx context.Context, method string, v any) (call.Snapshot, error) {
	req, err := toStruct(v)
	if err != nil {
		return call.Snapshot{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, out); err != nil {
		return call.Snapshot{}, err
	}
	return decodeSnapshot(out)
}

// Watch calls fn with every snapshot the daemon publishes until ctx ends,
// the stream fails or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(call.Snapshot) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		snap, err := decodeSnapshot(msg)
		if err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}
