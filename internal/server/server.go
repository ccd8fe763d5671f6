// ============================================================================
// genbroker Server - worker 端點與控制介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外暴露 broker
//
// 端點:
//   HTTP 監聽 (server.http_addr，預設 localhost:12345)
//   ├── GET  /ws                      worker WebSocket 連線
//   ├── POST /api/jobs                新增任務
//   ├── GET  /api/jobs/{id}           查詢單一任務
//   ├── GET  /api/status              整體狀態快照（供控制介面輪詢）
//   ├── POST /api/start               開始執行
//   ├── POST /api/stop                停止執行
//   ├── POST /api/passthrough/{op}    broker 不參與的附加操作
//   ├── GET  /healthz
//   └── GET  /metrics                 Prometheus 指標
//
//   TCP 監聽 (server.tcp_addr，選用)
//   └── 每行一則 JSON 訊息，協議與 WebSocket 相同
//
// 關閉流程:
//   ctx 取消 → 關閉所有 worker 連線 → HTTP Shutdown → 關閉 TCP listener
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/genbroker/internal/broker"
)

const (
	DefaultMaxMessageBytes = 50 << 20
	writeTimeout           = 10 * time.Second
	shutdownTimeout        = 5 * time.Second
)

// Config 伺服器配置
type Config struct {
	HTTPAddr        string
	TCPAddr         string
	MaxMessageBytes int64
	AllowedOrigins  []string
	Version         string
	OutputDir       string
}

// Server 把 broker 接到網路上
type Server struct {
	cfg         Config
	broker      *broker.Broker
	log         *slog.Logger
	gatherer    prometheus.Gatherer
	passthrough *Passthrough
	upgrader    websocket.Upgrader

	// 所有 worker 連線共用，Close 時取消
	ctx    context.Context
	cancel context.CancelFunc
}

// Option 設定 Server 的可選依賴
type Option func(*Server)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithGatherer 指定 /metrics 讀取的 registry；nil 表示不提供 /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New 建立 Server
func New(cfg Config, b *broker.Broker, opts ...Option) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		broker:   b,
		log:      slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// worker 由瀏覽器擴充功能從任意頁面連入
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.passthrough = NewPassthrough(s.cfg, b)
	return s
}

// Passthrough 附加操作的註冊表，可在啟動前加入自訂操作
func (s *Server) Passthrough() *Passthrough {
	return s.passthrough
}

// Run 啟動 HTTP（與選用的 TCP）監聽，直到 ctx 結束或監聽失敗
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var ln net.Listener
	if s.cfg.TCPAddr != "" {
		var err error
		ln, err = net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			s.shutdown(httpSrv, nil)
			return fmt.Errorf("tcp listen %s: %w", s.cfg.TCPAddr, err)
		}
		s.log.Info("TCP worker listener started", "addr", ln.Addr().String())
		go func() {
			if err := s.ServeTCP(ln); err != nil {
				errCh <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutting down server")
	case runErr = <-errCh:
	}
	s.shutdown(httpSrv, ln)
	return runErr
}

func (s *Server) shutdown(httpSrv *http.Server, ln net.Listener) {
	s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if ln != nil {
		_ = ln.Close()
	}
}

// Close 斷開所有 worker 連線
func (s *Server) Close() {
	s.cancel()
}
