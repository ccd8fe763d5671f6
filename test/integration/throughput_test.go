package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/worker"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// TestSystemThroughput 8 個 agent、10% 模擬失敗率，所有任務都要進入終態且不遺失
func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	c := newCluster(t, func(cfg *broker.Config) { cfg.AutoStart = true })
	pool := c.agents(t, 8, func(cfg *worker.Config) { cfg.FailureRate = 0.1 })

	const total = 200
	start := time.Now()
	ids := c.enqueue(t, total)
	snap := c.waitAllTerminal(t, 30*time.Second)
	elapsed := time.Since(start)

	require.Len(t, snap.Tasks, total)
	for i, task := range snap.Tasks {
		assert.Equal(t, ids[i], task.ID, "snapshot keeps submission order")
		assert.Empty(t, task.AssignedWorker)
	}

	completed := snap.Count(types.StatusCompleted)
	failed := snap.Count(types.StatusFailed)
	t.Logf("完成: %d, 失敗: %d, 耗時: %s (%.1f jobs/s)",
		completed, failed, elapsed, float64(total)/elapsed.Seconds())

	assert.Equal(t, total, completed+failed, "no job lost")
	assert.GreaterOrEqual(t, completed, total*7/10)

	// agent 在送出 result 後才更新計數
	assert.Eventually(t, func() bool {
		stats := pool.Stats()
		return stats.Completed == int64(completed) && stats.Failed == int64(failed)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, snap.BusyCount)
}

func BenchmarkEnqueue(b *testing.B) {
	c := newCluster(b, nil)
	ctx := context.Background()
	spec := types.JobSpec{Prompt: "benchmark", TaskType: types.TaskCreateImage}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.broker.Enqueue(ctx, spec); err != nil {
			b.Fatal(err)
		}
	}
}
