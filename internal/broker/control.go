package broker

import (
	"context"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Enqueue 加入新任務；執行中時會立即嘗試分派
func (b *Broker) Enqueue(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	var id types.JobID
	var err error
	if e := b.do(ctx, func() {
		id, err = b.jobs.Enqueue(spec, b.now())
		if err != nil {
			return
		}
		b.metrics.RecordEnqueue()
		b.log.Info("Job enqueued",
			"job_id", id,
			"task_type", spec.TaskType,
			"waiting", len(b.jobs.WaitingIDs()))
		b.tryDispatchAll()
	}); e != nil {
		return "", e
	}
	return id, err
}

// StartExecution 開始分派等待中的任務
func (b *Broker) StartExecution(ctx context.Context) error {
	return b.do(ctx, func() {
		if b.registry.Count() == 0 {
			b.log.Warn("Execution started with no connected workers")
		}
		if len(b.jobs.WaitingIDs()) == 0 {
			b.log.Warn("Execution started with no waiting jobs")
		}
		b.running = true
		b.log.Info("Execution started")
		b.tryDispatchAll()
	})
}

// StopExecution 停止分派新任務；進行中的任務照常完成
func (b *Broker) StopExecution(ctx context.Context) error {
	return b.do(ctx, func() {
		b.running = false
		b.log.Info("Execution stopped", "processing", b.registry.BusyCount())
	})
}
