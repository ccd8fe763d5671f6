package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Client 遠端 broker 的控制端
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// Dial 建立到 addr 的連線（不加密）
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClient 使用既有連線
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, closer: func() error { return nil }}
}

func (c *Client) Close() error {
	return c.closer()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) Enqueue(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	in, err := toStruct(spec)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Enqueue", in, out); err != nil {
		return "", err
	}
	return types.JobID(out.GetFields()["id"].GetStringValue()), nil
}

func (c *Client) Snapshot(ctx context.Context) (types.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return types.Snapshot{}, err
	}
	var snap types.Snapshot
	if err := fromStruct(out, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (c *Client) Job(ctx context.Context, id types.JobID) (types.JobView, error) {
	in, err := structpb.NewStruct(map[string]any{"id": string(id)})
	if err != nil {
		return types.JobView{}, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Job", in, out); err != nil {
		return types.JobView{}, err
	}
	var view types.JobView
	if err := fromStruct(out, &view); err != nil {
		return types.JobView{}, fmt.Errorf("decode job: %w", err)
	}
	return view, nil
}

func (c *Client) StartExecution(ctx context.Context) error {
	return c.invoke(ctx, "Start", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) StopExecution(ctx context.Context) error {
	return c.invoke(ctx, "Stop", &emptypb.Empty{}, &emptypb.Empty{})
}
