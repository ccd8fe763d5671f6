package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/metrics"
	"github.com/ChuLiYu/genbroker/internal/server"
	"github.com/ChuLiYu/genbroker/internal/storage"
	"github.com/ChuLiYu/genbroker/internal/worker"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// 單一行程示範：broker + HTTP/WebSocket + 模擬 worker
func main() {
	outDir := "demo-output"
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewLocalStore(outDir)
	if err != nil {
		log.Fatalf("Failed to open output dir: %v", err)
	}

	cfg := broker.DefaultConfig()
	cfg.TickInterval = 100 * time.Millisecond
	cfg.WorkerCooldown = 200 * time.Millisecond
	cfg.AutoStop = true

	b := broker.New(cfg,
		broker.WithLogger(quiet),
		broker.WithStore(store),
		broker.WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))
	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
	defer b.Stop()

	srv := server.New(server.Config{Version: "demo", OutputDir: store.Root()}, b, server.WithLogger(quiet))
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	go http.Serve(ln, srv.Router())
	wsURL := "ws://" + ln.Addr().String() + "/ws"
	fmt.Printf("✓ Broker listening on http://%s\n", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wcfg := worker.DefaultConfig(wsURL)
	wcfg.MinDelay = 200 * time.Millisecond
	wcfg.MaxDelay = 800 * time.Millisecond
	wcfg.ChunkSize = 4 << 10
	pool := worker.NewPool(wcfg, 16, quiet)
	if err := pool.Start(ctx, 3); err != nil {
		log.Fatalf("Failed to start agents: %v", err)
	}
	defer pool.Stop()
	go func() {
		for range pool.Outcomes() {
		}
	}()

	prompts := []struct {
		prompt string
		task   types.TaskType
	}{
		{"A lighthouse in fog at dawn", types.TaskCreateImage},
		{"A red fox in fresh snow", types.TaskCreateImage},
		{"Neon street market at night", types.TaskCreateImage},
		{"Paper boats drifting down a gutter", types.TaskTextToVideo},
		{"A tea kettle on a wood stove", types.TaskCreateImage},
		{"Time-lapse of clouds over mountains", types.TaskTextToVideo},
	}
	for _, p := range prompts {
		if _, err := b.Enqueue(ctx, types.JobSpec{Prompt: p.prompt, TaskType: p.task}); err != nil {
			log.Fatalf("Failed to enqueue: %v", err)
		}
	}
	fmt.Printf("✓ Enqueued %d jobs\n", len(prompts))

	if err := b.StartExecution(ctx); err != nil {
		log.Fatalf("Failed to start execution: %v", err)
	}
	fmt.Printf("\n⚡ Jobs are being processed by %d agents...\n\n", pool.Count())

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			return
		case <-ticker.C:
		}

		snap, err := b.Snapshot(ctx)
		if err != nil {
			log.Printf("snapshot: %v", err)
			return
		}
		fmt.Printf("📊 Status: Workers=%d Busy=%d Waiting=%d Processing=%d Completed=%d Failed=%d\n",
			snap.ClientCount, snap.BusyCount,
			snap.Count(types.StatusWaiting), snap.Count(types.StatusProcessing),
			snap.Count(types.StatusCompleted), snap.Count(types.StatusFailed))

		if done(snap) {
			fmt.Println("\n✓ All jobs finished:")
			for _, t := range snap.Tasks {
				where := t.SavedPath
				if where == "" {
					where = t.StatusDetail
				}
				fmt.Printf("  %-10s %-28s %s\n", t.Status, short(t.Prompt, 28), where)
			}
			return
		}
	}
}

func done(snap types.Snapshot) bool {
	for _, t := range snap.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return len(snap.Tasks) > 0
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
