// ============================================================================
// genbroker 連線註冊表 - 追蹤已連線的生成 worker
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理 worker 的註冊、忙碌/閒置狀態與閒置順序
//
// 狀態轉換:
//   Register()  → Idle
//   Idle  → Busy : MarkBusy(jobID)
//   Busy  → Idle : MarkIdle() 任務結束，排到閒置佇列尾端並開始冷卻
//   Busy  → Idle : Release()  分派回滾，放回閒置佇列前端，不冷卻
//   Unregister() → 移除；若忙碌則回傳進行中的任務
//
// 並發安全:
//   不加鎖。Registry 只由 broker 的單一 goroutine 存取。
//
// ============================================================================

package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Conn 是 worker 連線的發送端；實作必須可比較（通常為指標）
type Conn interface {
	Send(msg protocol.Message) error
}

// WorkerState worker 狀態
type WorkerState string

const (
	StateIdle WorkerState = "idle"
	StateBusy WorkerState = "busy"
)

// Worker 一個已註冊的連線
type Worker struct {
	ID           types.WorkerID
	PageURL      string
	PageNumber   int // 依註冊順序遞增，供顯示用
	Conn         Conn
	State        WorkerState
	CurrentJob   types.JobID // 僅在 Busy 時有值
	RegisteredAt time.Time
	IdleSince    time.Time
	LastTaskEnd  time.Time
}

// Registry 連線註冊表
type Registry struct {
	workers map[types.WorkerID]*Worker
	byConn  map[Conn]types.WorkerID
	idle    []types.WorkerID // 依成為閒置的先後排序
	busy    int
	pageSeq int
	now     func() time.Time
	newID   func() types.WorkerID
}

// New 建立空的註冊表
func New() *Registry {
	return &Registry{
		workers: make(map[types.WorkerID]*Worker),
		byConn:  make(map[Conn]types.WorkerID),
		now:     time.Now,
		newID:   func() types.WorkerID { return types.WorkerID(uuid.NewString()) },
	}
}

// Register 註冊新連線，回傳新的 worker ID（閒置狀態）
func (r *Registry) Register(conn Conn, pageURL string) (types.WorkerID, error) {
	if id, exists := r.byConn[conn]; exists {
		return "", fmt.Errorf("%w: worker %s", types.ErrDuplicateRegistration, id)
	}

	id := r.newID()
	for _, taken := r.workers[id]; taken; _, taken = r.workers[id] {
		id = r.newID()
	}

	now := r.now()
	r.pageSeq++
	r.workers[id] = &Worker{
		ID:           id,
		PageURL:      pageURL,
		PageNumber:   r.pageSeq,
		Conn:         conn,
		State:        StateIdle,
		RegisteredAt: now,
		IdleSince:    now,
	}
	r.byConn[conn] = id
	r.idle = append(r.idle, id)
	return id, nil
}

// Unregister 移除 worker；若它正忙碌，回傳其任務 ID
func (r *Registry) Unregister(id types.WorkerID) (types.JobID, bool, error) {
	w, ok := r.workers[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", types.ErrUnknownWorker, id)
	}

	delete(r.workers, id)
	delete(r.byConn, w.Conn)

	if w.State == StateBusy {
		r.busy--
		return w.CurrentJob, true, nil
	}
	r.removeIdle(id)
	return "", false, nil
}

// MarkBusy Idle → Busy
func (r *Registry) MarkBusy(id types.WorkerID, jobID types.JobID) error {
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownWorker, id)
	}
	if w.State != StateIdle {
		return fmt.Errorf("%w: worker %s is %s", types.ErrInvalidTransition, id, w.State)
	}

	w.State = StateBusy
	w.CurrentJob = jobID
	r.busy++
	r.removeIdle(id)
	return nil
}

// MarkIdle Busy → Idle，任務正常結束時使用
func (r *Registry) MarkIdle(id types.WorkerID) error {
	w, err := r.leaveBusy(id)
	if err != nil {
		return err
	}
	now := r.now()
	w.LastTaskEnd = now
	w.IdleSince = now
	r.idle = append(r.idle, id)
	return nil
}

// Release Busy → Idle，分派失敗回滾時使用，保留原本的閒置順位
func (r *Registry) Release(id types.WorkerID) error {
	w, err := r.leaveBusy(id)
	if err != nil {
		return err
	}
	w.IdleSince = r.now()
	r.idle = append([]types.WorkerID{id}, r.idle...)
	return nil
}

func (r *Registry) leaveBusy(id types.WorkerID) (*Worker, error) {
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownWorker, id)
	}
	if w.State != StateBusy {
		return nil, fmt.Errorf("%w: worker %s is %s", types.ErrInvalidTransition, id, w.State)
	}
	w.State = StateIdle
	w.CurrentJob = ""
	r.busy--
	return w, nil
}

func (r *Registry) removeIdle(id types.WorkerID) {
	for i, wid := range r.idle {
		if wid == id {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			return
		}
	}
}

// Get 取得 worker
func (r *Registry) Get(id types.WorkerID) (*Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// ListIdle 依閒置先後回傳閒置 worker（最久閒置者在前）
func (r *Registry) ListIdle() []*Worker {
	out := make([]*Worker, 0, len(r.idle))
	for _, id := range r.idle {
		out = append(out, r.workers[id])
	}
	return out
}

// Count 已註冊的 worker 數
func (r *Registry) Count() int {
	return len(r.workers)
}

// BusyCount 忙碌中的 worker 數
func (r *Registry) BusyCount() int {
	return r.busy
}

// SetClock 替換時間來源，供 broker 與測試使用同一個時鐘
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
