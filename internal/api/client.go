package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket at path.
func Dial(path string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+path, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with req as the request fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// WatchEvents streams events in namespace ("" for all) to fn until ctx is
// done, the stream fails or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
