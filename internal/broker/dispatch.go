package broker

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/genbroker/internal/registry"
	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// tryDispatchAll 在執行中時，把等待最久的任務配給閒置最久且已冷卻的 worker，
// 直到沒有任務或沒有可用 worker 為止。
// 發送失敗的 worker 在這一輪中略過，任務留在佇列前端。
func (b *Broker) tryDispatchAll() {
	if !b.running {
		return
	}

	now := b.now()
	skipped := make(map[types.WorkerID]bool)
	for {
		job, ok := b.jobs.NextWaiting()
		if !ok {
			return
		}
		w := b.nextEligible(now, skipped)
		if w == nil {
			return
		}
		if err := b.assign(job, w, now); err != nil {
			skipped[w.ID] = true
			b.log.Warn("Dispatch failed, job stays queued",
				"job_id", job.ID,
				"worker_id", w.ID,
				"error", err)
		}
	}
}

func (b *Broker) nextEligible(now time.Time, skipped map[types.WorkerID]bool) *registry.Worker {
	for _, w := range b.registry.ListIdle() {
		if skipped[w.ID] {
			continue
		}
		if !w.LastTaskEnd.IsZero() && now.Sub(w.LastTaskEnd) < b.cfg.WorkerCooldown {
			continue
		}
		return w
	}
	return nil
}

// assign 原子地完成 Waiting→Processing 與 Idle→Busy，並送出任務；
// 任一步失敗都會回滾到分派前的狀態
func (b *Broker) assign(job types.Job, w *registry.Worker, now time.Time) error {
	b.chunks.Discard(job.ID)
	delete(b.results, job.ID)

	if err := b.jobs.Assign(job.ID, w.ID, now); err != nil {
		return err
	}
	if err := b.registry.MarkBusy(w.ID, job.ID); err != nil {
		b.rollback(job.ID, "")
		return err
	}

	task := &protocol.Task{
		JobID:           string(job.ID),
		Prompt:          job.Prompt,
		TaskType:        string(job.TaskType),
		AspectRatio:     job.AspectRatio,
		Resolution:      job.Resolution,
		ReferenceImages: job.ReferenceImages,
	}
	if err := w.Conn.Send(task); err != nil {
		b.rollback(job.ID, w.ID)
		return fmt.Errorf("send task: %w", err)
	}

	assigned, _ := b.jobs.Get(job.ID)
	b.metrics.RecordDispatch()
	b.emit(types.EventDispatched, assigned, "")
	b.log.Info("Job dispatched",
		"job_id", job.ID,
		"worker_id", w.ID,
		"page", w.PageNumber,
		"task_type", job.TaskType,
		"attempt", assigned.Attempts)
	return nil
}

func (b *Broker) rollback(jobID types.JobID, workerID types.WorkerID) {
	if workerID != "" {
		if err := b.registry.Release(workerID); err != nil {
			b.log.Error("Failed to release worker", "worker_id", workerID, "error", err)
		}
	}
	if err := b.jobs.Unassign(jobID); err != nil {
		b.log.Error("Failed to unassign job", "job_id", jobID, "error", err)
	}
}

// checkTimeouts 將超過時限的 processing 任務標記為超時並釋放 worker
func (b *Broker) checkTimeouts() {
	now := b.now()
	for _, job := range b.jobs.ProcessingJobs() {
		limit := b.timeoutFor(job.TaskType)
		if limit <= 0 || now.Sub(job.StartTime) < limit {
			continue
		}

		detail := fmt.Sprintf("%v after %s", types.ErrGenerationTimeout, limit)
		if p, ok := b.chunks.InProgress(job.ID); ok {
			detail = fmt.Sprintf("%v after %s: %v, received %d/%d chunks",
				types.ErrGenerationTimeout, limit, types.ErrIncompleteTransfer, p.Received, p.Total)
		}
		b.log.Warn("Job timed out",
			"job_id", job.ID,
			"worker_id", job.AssignedWorker,
			"elapsed", now.Sub(job.StartTime))
		b.finish(job.ID, types.StatusTimedOut, detail)
	}
}

// finish 將任務轉入終止狀態，清理分塊並讓 worker 回到閒置
func (b *Broker) finish(jobID types.JobID, to types.JobStatus, detail string) {
	job, ok := b.jobs.Get(jobID)
	if !ok {
		return
	}
	now := b.now()
	if err := b.jobs.Transition(jobID, to, detail, now); err != nil {
		b.log.Error("Failed to finish job", "job_id", jobID, "status", to, "error", err)
		return
	}

	b.chunks.Discard(jobID)
	delete(b.results, jobID)
	if w, ok := b.registry.Get(job.AssignedWorker); ok && w.CurrentJob == jobID {
		if err := b.registry.MarkIdle(w.ID); err != nil {
			b.log.Error("Failed to mark worker idle", "worker_id", w.ID, "error", err)
		}
	}

	finished, _ := b.jobs.Get(jobID)
	finished.AssignedWorker = job.AssignedWorker
	switch to {
	case types.StatusCompleted:
		b.metrics.RecordCompleted(now.Sub(job.StartTime).Seconds())
		b.emit(types.EventCompleted, finished, detail)
		b.log.Info("Job completed", "job_id", jobID, "saved_path", finished.SavedPath)
	case types.StatusFailed:
		b.metrics.RecordFailed()
		b.emit(types.EventFailed, finished, detail)
		b.log.Warn("Job failed", "job_id", jobID, "detail", detail)
	case types.StatusTimedOut:
		b.metrics.RecordTimedOut()
		b.emit(types.EventTimedOut, finished, detail)
	}

	b.maybeAutoStop()
}

func (b *Broker) maybeAutoStop() {
	if b.cfg.AutoStop && b.running && b.jobs.Unfinished() == 0 {
		b.running = false
		b.log.Info("All jobs finished, execution stopped")
	}
}

func (b *Broker) emit(t types.JobEventType, job types.Job, detail string) {
	b.events.Emit(types.JobEvent{
		Type:      t,
		JobID:     job.ID,
		WorkerID:  job.AssignedWorker,
		TaskType:  job.TaskType,
		Status:    job.Status,
		Detail:    detail,
		SavedPath: job.SavedPath,
		Attempts:  job.Attempts,
		At:        b.now(),
	})
}
