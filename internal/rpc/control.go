// ============================================================================
// genbroker RPC - 遠端控制服務
// ============================================================================
//
// Package: internal/rpc
// 文件: control.go
// 功能: 以 gRPC 暴露 broker 的控制操作，供 CLI 遠端使用
//
// 服務: genbroker.v1.Control
//   Enqueue(Struct{JobSpec})  → Struct{id}
//   Status(Empty)             → Struct{Snapshot}
//   Job(Struct{id})           → Struct{JobView}
//   Start(Empty)              → Empty
//   Stop(Empty)               → Empty
//
// 訊息皆為 google.protobuf.Struct，欄位名稱與 HTTP API 的 JSON 相同
//
// 錯誤對應:
//   ErrInvalidJobSpec → InvalidArgument
//   ErrDuplicateJob   → AlreadyExists
//   ErrUnknownJob     → NotFound
//   broker 未啟動/已停止 → Unavailable
//
// ============================================================================

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

const ServiceName = "genbroker.v1.Control"

// Controller 是服務背後的 broker 操作，*broker.Broker 實作此介面
type Controller interface {
	Enqueue(ctx context.Context, spec types.JobSpec) (types.JobID, error)
	Snapshot(ctx context.Context) (types.Snapshot, error)
	Job(ctx context.Context, id types.JobID) (types.JobView, error)
	StartExecution(ctx context.Context) error
	StopExecution(ctx context.Context) error
}

// ControlServer 服務端介面
type ControlServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Job(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Start(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// Server 將 ControlServer 接到 Controller
type Server struct {
	ctl Controller
	log *slog.Logger
}

// NewServer 建立服務
func NewServer(ctl Controller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ctl: ctl, log: log}
}

// Register 在 gRPC server 上註冊服務
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var spec types.JobSpec
	if err := fromStruct(req, &spec); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode job spec: %v", err)
	}
	id, err := s.ctl.Enqueue(ctx, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]string{"id": string(id)})
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.ctl.Snapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(snap)
}

func (s *Server) Job(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	view, err := s.ctl.Job(ctx, types.JobID(id))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(view)
}

func (s *Server) Start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.ctl.StartExecution(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.ctl.StopExecution(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// LoggingInterceptor 記錄每次呼叫的方法、耗時與錯誤碼
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("RPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// ============================================================================
// 錯誤與訊息轉換
// ============================================================================

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, types.ErrInvalidJobSpec):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrDuplicateJob):
		code = codes.AlreadyExists
	case errors.Is(err, types.ErrUnknownJob):
		code = codes.NotFound
	case errors.Is(err, broker.ErrStopped), errors.Is(err, broker.ErrNotStarted):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// fromStatus 還原為本地的 sentinel error，讓呼叫端可以 errors.Is
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = types.ErrInvalidJobSpec
	case codes.AlreadyExists:
		sentinel = types.ErrDuplicateJob
	case codes.NotFound:
		sentinel = types.ErrUnknownJob
	case codes.Unavailable:
		sentinel = broker.ErrStopped
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ============================================================================
// 服務描述
// ============================================================================

// unary 產生一個 MethodDesc，行為與 protoc-gen-go-grpc 生成的 handler 相同
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enqueue", ControlServer.Enqueue),
		unary("Status", ControlServer.Status),
		unary("Job", ControlServer.Job),
		unary("Start", ControlServer.Start),
		unary("Stop", ControlServer.Stop),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "genbroker/v1/control.proto",
}
