package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/genbroker/internal/logging"
	"github.com/ChuLiYu/genbroker/internal/worker"
)

type agentFlags struct {
	count       int
	url         string
	failureRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	chunkSize   int
	imageSize   int
}

func buildAgentCommand() *cobra.Command {
	var f agentFlags

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run simulated generation workers",
		Long: `Connect N simulated workers to a broker. Each worker speaks the full
WebSocket protocol: register, status updates, chunked or single-message
payloads and results. Useful for demos and load tests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if f.url == "" {
				f.url = wsURL(cfg.Server.HTTPAddr)
			}

			log, closeLog, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgents(ctx, f, log, cmd.OutOrStdout())
		},
	}

	def := worker.DefaultConfig("")
	cmd.Flags().IntVarP(&f.count, "count", "n", 1, "number of workers")
	cmd.Flags().StringVar(&f.url, "url", "", "broker WebSocket URL (default: ws://<server.http_addr>/ws)")
	cmd.Flags().Float64Var(&f.failureRate, "failure-rate", def.FailureRate, "probability that a job fails")
	cmd.Flags().DurationVar(&f.minDelay, "min-delay", def.MinDelay, "minimum simulated generation time")
	cmd.Flags().DurationVar(&f.maxDelay, "max-delay", def.MaxDelay, "maximum simulated generation time")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", def.ChunkSize, "send payloads larger than this many base64 characters in chunks")
	cmd.Flags().IntVar(&f.imageSize, "image-size", def.ImageSize, "edge length of generated PNGs")
	return cmd
}

func runAgents(ctx context.Context, f agentFlags, log *slog.Logger, out io.Writer) error {
	if f.count <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	cfg := worker.DefaultConfig(f.url)
	cfg.FailureRate = f.failureRate
	cfg.MinDelay = f.minDelay
	cfg.MaxDelay = f.maxDelay
	cfg.ChunkSize = f.chunkSize
	cfg.ImageSize = f.imageSize

	pool := worker.NewPool(cfg, 64, log)
	if err := pool.Start(ctx, f.count); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %d agents connecting to %s (Ctrl+C to stop)\n", f.count, f.url)

	for {
		select {
		case <-ctx.Done():
			pool.Stop()
			fmt.Fprintf(out, "\n✓ Agents stopped (%s)\n", pool.Stats())
			return nil
		case o := <-pool.Outcomes():
			mark := "✅"
			if !o.Success {
				mark = "❌"
			}
			fmt.Fprintf(out, "%s %s in %s\n", mark, o.JobID, o.Duration.Round(time.Millisecond))
		}
	}
}

func wsURL(httpAddr string) string {
	base := httpBase(httpAddr)
	base = "ws" + strings.TrimPrefix(base, "http")
	return base + "/ws"
}
