package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/genbroker/internal/chunk"
	"github.com/ChuLiYu/genbroker/internal/registry"
	"github.com/ChuLiYu/genbroker/internal/storage"
	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// ============================================================================
// 來自 worker 連線的操作，全部在 loop 中執行
// ============================================================================

// register 註冊連線並回覆 register_success，之後才嘗試分派，
// 確保 worker 先收到自己的 ID 再收到任務
func (b *Broker) register(ctx context.Context, conn registry.Conn, pageURL string) (types.WorkerID, error) {
	var id types.WorkerID
	var err error
	if e := b.do(ctx, func() {
		id, err = b.registry.Register(conn, pageURL)
		if err != nil {
			return
		}
		if sendErr := conn.Send(&protocol.RegisterSuccess{WorkerID: string(id)}); sendErr != nil {
			_, _, _ = b.registry.Unregister(id)
			id, err = "", fmt.Errorf("send register_success: %w", sendErr)
			return
		}
		w, _ := b.registry.Get(id)
		b.log.Info("Worker registered",
			"worker_id", id,
			"page", w.PageNumber,
			"page_url", pageURL,
			"clients", b.registry.Count())
		b.tryDispatchAll()
	}); e != nil {
		return "", e
	}
	return id, err
}

// unregister 移除 worker；進行中的任務重新排到佇列前端，
// 超過嘗試上限則標記失敗
func (b *Broker) unregister(ctx context.Context, id types.WorkerID) error {
	var err error
	if e := b.do(ctx, func() {
		var jobID types.JobID
		var busy bool
		jobID, busy, err = b.registry.Unregister(id)
		if err != nil {
			return
		}
		b.log.Info("Worker disconnected", "worker_id", id, "clients", b.registry.Count())
		if busy {
			b.recoverJob(jobID, id)
		}
		b.tryDispatchAll()
	}); e != nil {
		return e
	}
	return err
}

func (b *Broker) recoverJob(jobID types.JobID, workerID types.WorkerID) {
	job, ok := b.jobs.Get(jobID)
	if !ok || job.Status != types.StatusProcessing {
		return
	}
	b.chunks.Discard(jobID)
	delete(b.results, jobID)

	if b.cfg.MaxAttempts > 0 && job.Attempts >= b.cfg.MaxAttempts {
		b.finish(jobID, types.StatusFailed,
			fmt.Sprintf("worker disconnected, retry limit reached after %d attempts", job.Attempts))
		return
	}

	if err := b.jobs.Requeue(jobID, "worker disconnected, requeued", b.now()); err != nil {
		b.log.Error("Failed to requeue job", "job_id", jobID, "error", err)
		return
	}
	requeued, _ := b.jobs.Get(jobID)
	requeued.AssignedWorker = workerID
	b.metrics.RecordRequeue()
	b.emit(types.EventRequeued, requeued, "worker disconnected")
	b.log.Warn("Job requeued after worker disconnect",
		"job_id", jobID,
		"worker_id", workerID,
		"attempts", job.Attempts)
}

// ownedJob 取得 worker 目前負責的處理中任務；jobID 為空時使用 worker 的當前任務
func (b *Broker) ownedJob(workerID types.WorkerID, jobID types.JobID) (types.Job, bool) {
	w, ok := b.registry.Get(workerID)
	if !ok || w.State != registry.StateBusy {
		return types.Job{}, false
	}
	if jobID == "" {
		jobID = w.CurrentJob
	}
	if w.CurrentJob != jobID {
		return types.Job{}, false
	}
	job, ok := b.jobs.Get(jobID)
	if !ok || job.Status != types.StatusProcessing || job.AssignedWorker != workerID {
		return types.Job{}, false
	}
	return job, true
}

// handleStatus 更新進度文字；含失敗字串時任務失敗
func (b *Broker) handleStatus(ctx context.Context, workerID types.WorkerID, jobID types.JobID, message string) error {
	return b.do(ctx, func() {
		job, ok := b.ownedJob(workerID, jobID)
		if !ok {
			b.log.Debug("Status for job not owned by worker ignored",
				"worker_id", workerID,
				"job_id", jobID)
			return
		}
		if b.isFailureText(message) {
			b.finish(job.ID, types.StatusFailed, failureDetail(message))
			b.tryDispatchAll()
			return
		}
		if err := b.jobs.Transition(job.ID, types.StatusProcessing, message, b.now()); err != nil {
			b.log.Error("Failed to update status", "job_id", job.ID, "error", err)
		}
	})
}

// handleChunk 收下一個分塊；若結果已齊全則回傳待持久化的 completion
func (b *Broker) handleChunk(ctx context.Context, workerID types.WorkerID, jobID types.JobID, index, total int, data string) (*completion, error) {
	var comp *completion
	err := b.do(ctx, func() {
		job, ok := b.ownedJob(workerID, jobID)
		if !ok {
			b.log.Debug("Chunk for job not owned by worker ignored",
				"worker_id", workerID,
				"job_id", jobID,
				"index", index)
			return
		}
		b.metrics.RecordChunk()

		payload, complete, err := b.chunks.Add(job.ID, index, total, []byte(data))
		if err != nil {
			if !errors.Is(err, chunk.ErrTotalMismatch) {
				b.log.Warn("Chunk rejected", "job_id", job.ID, "index", index, "total", total, "error", err)
				return
			}
			b.log.Warn("Chunk total changed mid-transfer", "job_id", job.ID, "error", err)
		}
		if !complete {
			return
		}

		pr := b.pending(job.ID)
		pr.payload = payload
		pr.hasPayload = true
		b.log.Debug("Result data assembled", "job_id", job.ID, "bytes", len(payload))
		if pr.resultSeen {
			comp = b.takeCompletion(job, pr)
		}
	})
	return comp, err
}

// handleResult 處理 result 訊息；
// 分塊尚未齊全時先記下，等最後一塊到達再完成
func (b *Broker) handleResult(ctx context.Context, workerID types.WorkerID, jobID types.JobID, errText string) (*completion, error) {
	var comp *completion
	err := b.do(ctx, func() {
		job, ok := b.ownedJob(workerID, jobID)
		if !ok {
			b.log.Debug("Result for job not owned by worker ignored",
				"worker_id", workerID,
				"job_id", jobID)
			return
		}

		if errText != "" {
			b.finish(job.ID, types.StatusFailed, failureDetail(errText))
			b.tryDispatchAll()
			return
		}

		pr := b.results[job.ID]
		switch {
		case pr != nil && pr.finalizing:
			b.log.Debug("Duplicate result while saving ignored", "job_id", job.ID)
		case pr != nil && pr.hasPayload:
			comp = b.takeCompletion(job, pr)
		default:
			if p, inProgress := b.chunks.InProgress(job.ID); inProgress {
				b.pending(job.ID).resultSeen = true
				detail := fmt.Sprintf("result received, waiting for data %d/%d", p.Received, p.Total)
				if err := b.jobs.Transition(job.ID, types.StatusProcessing, detail, b.now()); err != nil {
					b.log.Error("Failed to update status", "job_id", job.ID, "error", err)
				}
				return
			}
			// 沒有任何資料，任務以無產物完成
			pr = b.pending(job.ID)
			comp = b.takeCompletion(job, pr)
		}
	})
	return comp, err
}

func (b *Broker) pending(jobID types.JobID) *pendingResult {
	pr, ok := b.results[jobID]
	if !ok {
		pr = &pendingResult{}
		b.results[jobID] = pr
	}
	return pr
}

func (b *Broker) takeCompletion(job types.Job, pr *pendingResult) *completion {
	pr.finalizing = true
	comp := &completion{
		JobID:     job.ID,
		WorkerID:  job.AssignedWorker,
		TaskType:  job.TaskType,
		OutputDir: job.OutputDir,
		FileExt:   job.FileExt,
		Payload:   pr.payload,
	}
	pr.payload = nil
	if comp.Payload != nil {
		if err := b.jobs.Transition(job.ID, types.StatusProcessing, "saving result", b.now()); err != nil {
			b.log.Error("Failed to update status", "job_id", job.ID, "error", err)
		}
	}
	return comp
}

// finalize 持久化結束後完成任務；任務若已不屬於該 worker（例如已超時）則忽略
func (b *Broker) finalize(ctx context.Context, comp *completion, saved storage.Saved, saveErr error) error {
	return b.do(ctx, func() {
		if _, ok := b.ownedJob(comp.WorkerID, comp.JobID); !ok {
			b.log.Info("Finished result for job no longer in progress discarded",
				"job_id", comp.JobID,
				"worker_id", comp.WorkerID,
				"saved_path", saved.Path)
			return
		}

		if saveErr != nil {
			b.finish(comp.JobID, types.StatusFailed, fmt.Sprintf("save failed: %v", saveErr))
			b.tryDispatchAll()
			return
		}

		detail := "completed without output"
		if saved.Path != "" {
			if err := b.jobs.RecordArtifact(comp.JobID, saved.Path, saved.Dir); err != nil {
				b.log.Error("Failed to record artifact", "job_id", comp.JobID, "error", err)
			}
			detail = "completed"
		}
		b.finish(comp.JobID, types.StatusCompleted, detail)
		b.tryDispatchAll()
	})
}

// failureDetail 以 ErrGenerationFailure 開頭標示 worker 回報的失敗
func failureDetail(text string) string {
	prefix := types.ErrGenerationFailure.Error()
	if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
		return text
	}
	return fmt.Sprintf("%v: %s", types.ErrGenerationFailure, text)
}
