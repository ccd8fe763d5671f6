// ============================================================================
// genbroker 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理生成任務的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源
//   2. order - 任務加入順序，供控制介面依序顯示
//   3. waiting - 等待中任務的 FIFO 佇列；重新排隊的任務插到最前面
//
// 任務狀態轉換 (State Machine):
//   Waiting (等待中)
//      ↓ Assign()
//   Processing (處理中) ──Transition(Processing)──→ 更新進度訊息
//      ├─ Transition(Completed)  → Completed
//      ├─ Transition(Failed)     → Failed
//      ├─ Transition(TimedOut)   → TimedOut
//      ├─ Requeue()              → Waiting（佇列最前端，worker 斷線）
//      └─ Unassign()             → Waiting（分派回滾，撤銷本次嘗試）
//
//   Completed / Failed / TimedOut 為終止狀態，之後任何變更都回傳
//   ErrInvalidTransition。
//
// 並發安全:
//   不加鎖。JobManager 只由 broker 的單一 goroutine 存取。
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// DefaultHistoryLimit 每個任務保留的進度訊息數
const DefaultHistoryLimit = 50

// JobManager 代表任務管理器
type JobManager struct {
	jobs    map[types.JobID]*types.Job
	order   []types.JobID // 加入順序
	waiting []types.JobID // 等待佇列，index 0 最先分派
	counts  map[types.JobStatus]int

	historyLimit int
	newID        func() types.JobID
}

// NewJobManager 建立新的任務管理器實例
//
// 使用範例：
//
//	jm := NewJobManager()
//	id, err := jm.Enqueue(types.JobSpec{Prompt: "a red fox", TaskType: types.TaskCreateImage}, time.Now())
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:         make(map[types.JobID]*types.Job),
		counts:       make(map[types.JobStatus]int),
		historyLimit: DefaultHistoryLimit,
		newID:        func() types.JobID { return types.JobID("job-" + uuid.NewString()) },
	}
}

// Enqueue 驗證並加入新任務，設定為等待狀態
//
// 錯誤處理：
//   - ErrInvalidJobSpec: 提示詞為空、任務類型未知、參考圖數量不符
//   - ErrInvalidJobSpec + ErrDuplicateJob: 呼叫端提供的 ID 已存在
func (jm *JobManager) Enqueue(spec types.JobSpec, now time.Time) (types.JobID, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		id = jm.newID()
	} else if _, exists := jm.jobs[id]; exists {
		return "", fmt.Errorf("%w: %w: %s", types.ErrInvalidJobSpec, types.ErrDuplicateJob, id)
	}

	aspect := strings.TrimSpace(spec.AspectRatio)
	if aspect == "" {
		aspect = types.DefaultAspectRatio
	}
	resolution := strings.TrimSpace(spec.Resolution)
	if resolution == "" {
		resolution = spec.TaskType.DefaultResolution()
	}

	job := &types.Job{
		ID:              id,
		Prompt:          strings.TrimSpace(spec.Prompt),
		TaskType:        spec.TaskType,
		AspectRatio:     aspect,
		Resolution:      resolution,
		ReferenceImages: append([]string(nil), spec.ReferenceImages...),
		Status:          types.StatusWaiting,
		StatusDetail:    "waiting",
		CreatedAt:       now,
		OutputDir:       spec.OutputDir,
		FileExt:         spec.TaskType.FileExt(),
	}

	jm.jobs[id] = job
	jm.order = append(jm.order, id)
	jm.waiting = append(jm.waiting, id)
	jm.counts[types.StatusWaiting]++
	return id, nil
}

// NextWaiting 回傳最早的等待中任務，不移出佇列
func (jm *JobManager) NextWaiting() (types.Job, bool) {
	if len(jm.waiting) == 0 {
		return types.Job{}, false
	}
	return *jm.jobs[jm.waiting[0]], true
}

// Assign Waiting → Processing
func (jm *JobManager) Assign(id types.JobID, worker types.WorkerID, now time.Time) error {
	job, err := jm.lookup(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusWaiting {
		return fmt.Errorf("%w: job %s is %s, want %s", types.ErrInvalidTransition, id, job.Status, types.StatusWaiting)
	}

	jm.removeWaiting(id)
	jm.setStatus(job, types.StatusProcessing)
	job.AssignedWorker = worker
	job.Attempts++
	job.StartTime = now
	job.EndTime = time.Time{}
	jm.record(job, "dispatched", now)
	return nil
}

// Unassign 撤銷一次分派（發送 task 失敗時），任務回到原本的佇列位置
func (jm *JobManager) Unassign(id types.JobID) error {
	job, err := jm.processing(id)
	if err != nil {
		return err
	}

	jm.setStatus(job, types.StatusWaiting)
	job.AssignedWorker = ""
	job.Attempts--
	job.StartTime = time.Time{}
	job.StatusDetail = "waiting"
	jm.waiting = append([]types.JobID{id}, jm.waiting...)
	return nil
}

// Requeue Processing → Waiting，放到等待佇列最前端
func (jm *JobManager) Requeue(id types.JobID, detail string, now time.Time) error {
	job, err := jm.processing(id)
	if err != nil {
		return err
	}

	jm.setStatus(job, types.StatusWaiting)
	job.AssignedWorker = ""
	job.StartTime = time.Time{}
	jm.record(job, detail, now)
	jm.waiting = append([]types.JobID{id}, jm.waiting...)
	return nil
}

// Transition 處理中任務的狀態變更
//
// 允許的轉換：
//   - Processing → Processing: 只更新 statusDetail
//   - Processing → Completed / Failed / TimedOut
//
// 其他轉換（包含任何終止狀態之後的變更）回傳 ErrInvalidTransition。
func (jm *JobManager) Transition(id types.JobID, to types.JobStatus, detail string, now time.Time) error {
	job, err := jm.processing(id)
	if err != nil {
		return err
	}

	switch to {
	case types.StatusProcessing:
		jm.record(job, detail, now)
	case types.StatusCompleted, types.StatusFailed, types.StatusTimedOut:
		jm.setStatus(job, to)
		job.AssignedWorker = ""
		job.EndTime = now
		jm.record(job, detail, now)
	default:
		return fmt.Errorf("%w: job %s cannot move from %s to %s", types.ErrInvalidTransition, id, job.Status, to)
	}
	return nil
}

// RecordArtifact 記錄持久化後的產物位置，必須在 Completed 之前呼叫
func (jm *JobManager) RecordArtifact(id types.JobID, savedPath, outputDir string) error {
	job, err := jm.processing(id)
	if err != nil {
		return err
	}
	job.SavedPath = savedPath
	if outputDir != "" {
		job.OutputDir = outputDir
	}
	return nil
}

// Get 取得任務副本
func (jm *JobManager) Get(id types.JobID) (types.Job, bool) {
	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// All 依加入順序回傳所有任務副本
func (jm *JobManager) All() []types.Job {
	out := make([]types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, *jm.jobs[id])
	}
	return out
}

// WaitingIDs 等待佇列目前的順序
func (jm *JobManager) WaitingIDs() []types.JobID {
	return append([]types.JobID(nil), jm.waiting...)
}

// ProcessingJobs 所有處理中的任務副本，依加入順序
func (jm *JobManager) ProcessingJobs() []types.Job {
	var out []types.Job
	for _, id := range jm.order {
		if job := jm.jobs[id]; job.Status == types.StatusProcessing {
			out = append(out, *job)
		}
	}
	return out
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[string]int {
	return map[string]int{
		"waiting":    jm.counts[types.StatusWaiting],
		"processing": jm.counts[types.StatusProcessing],
		"completed":  jm.counts[types.StatusCompleted],
		"failed":     jm.counts[types.StatusFailed],
		"timed_out":  jm.counts[types.StatusTimedOut],
	}
}

// Unfinished 等待中與處理中的任務總數
func (jm *JobManager) Unfinished() int {
	return jm.counts[types.StatusWaiting] + jm.counts[types.StatusProcessing]
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (jm *JobManager) lookup(id types.JobID) (*types.Job, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownJob, id)
	}
	return job, nil
}

func (jm *JobManager) processing(id types.JobID) (*types.Job, error) {
	job, err := jm.lookup(id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusProcessing {
		return nil, fmt.Errorf("%w: job %s is %s, want %s", types.ErrInvalidTransition, id, job.Status, types.StatusProcessing)
	}
	return job, nil
}

func (jm *JobManager) setStatus(job *types.Job, to types.JobStatus) {
	jm.counts[job.Status]--
	jm.counts[to]++
	job.Status = to
}

// record 更新 statusDetail 並附加到歷史紀錄
func (jm *JobManager) record(job *types.Job, detail string, now time.Time) {
	if detail == "" {
		return
	}
	job.StatusDetail = detail
	job.StatusHistory = append(job.StatusHistory, types.StatusEntry{At: now, Message: detail})
	if over := len(job.StatusHistory) - jm.historyLimit; jm.historyLimit > 0 && over > 0 {
		job.StatusHistory = job.StatusHistory[over:]
	}
}

func (jm *JobManager) removeWaiting(id types.JobID) {
	for i, wid := range jm.waiting {
		if wid == id {
			jm.waiting = append(jm.waiting[:i], jm.waiting[i+1:]...)
			return
		}
	}
}
