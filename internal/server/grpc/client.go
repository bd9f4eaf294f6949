package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the admin service over an established connection.
type Client struct {
	cc    grpc.ClientConnInterface
	token string
}

// NewClient wraps cc. token may be empty for Login.
func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, token: token}
}

// Call invokes the named method with req as the request struct.
func (c *Client) Call(ctx context.Context, name string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(name), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login calls MethodLogin and returns the access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	out, err := c.Call(ctx, MethodLogin, map[string]any{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	return out.GetFields()["access_token"].GetStringValue(), nil
}
