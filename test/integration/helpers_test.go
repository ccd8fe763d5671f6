// ============================================================================
// genbroker 端到端測試
// ============================================================================
//
// Package: test/integration
// 功能: 在同一行程內啟動 broker + HTTP/WebSocket server + 模擬 worker，
//       只透過公開介面（WebSocket 協議與 broker API）驗證行為
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/metrics"
	"github.com/ChuLiYu/genbroker/internal/server"
	"github.com/ChuLiYu/genbroker/internal/storage"
	"github.com/ChuLiYu/genbroker/internal/worker"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type cluster struct {
	broker *broker.Broker
	wsURL  string
	outDir string
}

func newCluster(tb testing.TB, mutate func(*broker.Config)) *cluster {
	tb.Helper()
	outDir := tb.TempDir()
	store, err := storage.NewLocalStore(outDir)
	require.NoError(tb, err)

	cfg := broker.DefaultConfig()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.WorkerCooldown = 0
	if mutate != nil {
		mutate(&cfg)
	}

	b := broker.New(cfg,
		broker.WithLogger(discard),
		broker.WithStore(store),
		broker.WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))
	require.NoError(tb, b.Start())

	s := server.New(server.Config{OutputDir: outDir}, b, server.WithLogger(discard))
	ts := httptest.NewServer(s.Router())
	tb.Cleanup(func() {
		s.Close()
		ts.Close()
		b.Stop()
	})

	return &cluster{
		broker: b,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		outDir: outDir,
	}
}

func (c *cluster) agents(tb testing.TB, n int, mutate func(*worker.Config)) *worker.Pool {
	tb.Helper()
	cfg := worker.DefaultConfig(c.wsURL)
	cfg.MinDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	cfg.FailureRate = 0
	cfg.ImageSize = 8
	cfg.Seed = 7
	if mutate != nil {
		mutate(&cfg)
	}

	pool := worker.NewPool(cfg, 1024, discard)
	require.NoError(tb, pool.Start(context.Background(), n))
	tb.Cleanup(pool.Stop)
	return pool
}

func (c *cluster) enqueue(tb testing.TB, n int) []types.JobID {
	tb.Helper()
	ids := make([]types.JobID, 0, n)
	for i := 0; i < n; i++ {
		task := types.TaskCreateImage
		if i%5 == 4 {
			task = types.TaskTextToVideo
		}
		id, err := c.broker.Enqueue(context.Background(), types.JobSpec{
			Prompt:   fmt.Sprintf("prompt %d", i),
			TaskType: task,
		})
		require.NoError(tb, err)
		ids = append(ids, id)
	}
	return ids
}

// waitAllTerminal 等待所有任務進入終態
func (c *cluster) waitAllTerminal(tb testing.TB, timeout time.Duration) types.Snapshot {
	tb.Helper()
	var snap types.Snapshot
	require.Eventually(tb, func() bool {
		var err error
		snap, err = c.broker.Snapshot(context.Background())
		if err != nil || len(snap.Tasks) == 0 {
			return false
		}
		for _, task := range snap.Tasks {
			if !task.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, timeout, 20*time.Millisecond)
	return snap
}
