package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/config"
	"github.com/ChuLiYu/genbroker/internal/logging"
	"github.com/ChuLiYu/genbroker/internal/messaging"
	"github.com/ChuLiYu/genbroker/internal/metrics"
	"github.com/ChuLiYu/genbroker/internal/rpc"
	"github.com/ChuLiYu/genbroker/internal/server"
	"github.com/ChuLiYu/genbroker/internal/storage"
)

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long:  "Start the broker with its WebSocket worker endpoint, control API, gRPC service and metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	return cmd
}

// runServe 組裝所有元件並執行到 ctx 結束
func runServe(ctx context.Context, cfg *config.Config) error {
	log, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []broker.Option{
		broker.WithLogger(log),
		broker.WithMetrics(metrics.NewCollector(reg)),
	}

	// Storage
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	opts = append(opts, broker.WithStore(store))

	// Events
	if cfg.Events.RabbitMQURL != "" {
		pub, err := messaging.NewRabbitMQPublisher(cfg.Events.RabbitMQURL, cfg.Events.Queue)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		events := messaging.NewAsync(pub, cfg.Events.Buffer, log)
		defer events.Close()
		opts = append(opts, broker.WithEvents(events))
		log.Info("Publishing job events", "queue", cfg.Events.Queue)
	}

	// Broker
	b := broker.New(cfg.ToBroker(), opts...)
	if err := b.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Stop()

	// gRPC
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		gs := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor(log)))
		rpc.Register(gs, rpc.NewServer(b, log))
		log.Info("gRPC server listening", "addr", lis.Addr().String())

		go func() {
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("gRPC server failed", "error", err)
			}
		}()
		defer gs.GracefulStop()
	}

	// HTTP / WebSocket / TCP
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	srv := server.New(cfg.ToServer(Version), b,
		server.WithLogger(log),
		server.WithGatherer(gatherer))

	log.Info("genbroker started", "version", Version, "http_addr", cfg.Server.HTTPAddr)
	err = srv.Run(ctx)
	log.Info("Received shutdown signal, stopping gracefully...")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
	if strings.EqualFold(cfg.Storage.Backend, "s3") {
		s3, err := storage.NewS3Store(ctx, cfg.ToS3())
		if err != nil {
			return nil, err
		}
		if cfg.Storage.S3.CreateBucket {
			if err := s3.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		log.Info("Saving artifacts to S3", "bucket", cfg.Storage.S3.Bucket, "prefix", cfg.Storage.S3.Prefix)
		return s3, nil
	}

	local, err := storage.NewLocalStore(cfg.Storage.OutputDir)
	if err != nil {
		return nil, err
	}
	log.Info("Saving artifacts locally", "dir", local.Root())
	return local, nil
}
