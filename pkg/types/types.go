// Package types 定義了 genbroker 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// WorkerID 連線 worker 的唯一識別碼，註冊時產生，不會重複使用
type WorkerID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusWaiting    JobStatus = "waiting"    // 等待中：已加入佇列，尚未分派
	StatusProcessing JobStatus = "processing" // 處理中：已分派給 worker
	StatusCompleted  JobStatus = "completed"  // 已完成：產物已交付
	StatusFailed     JobStatus = "failed"     // 失敗：worker 回報錯誤或超過重試次數
	StatusTimedOut   JobStatus = "timed_out"  // 超時：逾時未收到最終訊息
)

// IsTerminal 終止狀態之後任務不再變動
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// TaskType 生成任務類型，值即為線路上傳送的字串
type TaskType string

const (
	TaskCreateImage        TaskType = "Create Image"
	TaskTextToVideo        TaskType = "Text to Video"
	TaskFramesToVideo      TaskType = "Frames to Video"
	TaskIngredientsToVideo TaskType = "Ingredients to Video"
)

// TaskTypes 所有合法的任務類型
var TaskTypes = []TaskType{TaskCreateImage, TaskTextToVideo, TaskFramesToVideo, TaskIngredientsToVideo}

// IsVideo 影片類任務
func (t TaskType) IsVideo() bool {
	return strings.Contains(string(t), "Video")
}

// Valid 是否為已知類型
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// FileExt 產物副檔名
func (t TaskType) FileExt() string {
	if t.IsVideo() {
		return ".mp4"
	}
	return ".png"
}

// DefaultResolution 未指定解析度時使用的預設值
func (t TaskType) DefaultResolution() string {
	if t.IsVideo() {
		return "1080p"
	}
	return "4K"
}

// ReferenceImageLimits 回傳該類型允許的參考圖數量範圍 [min, max]
func (t TaskType) ReferenceImageLimits() (int, int) {
	switch t {
	case TaskFramesToVideo:
		return 1, 2
	case TaskIngredientsToVideo:
		return 0, 3
	case TaskTextToVideo:
		return 0, 0
	default:
		return 0, 8
	}
}

// DefaultAspectRatio 未指定比例時使用
const DefaultAspectRatio = "16:9"

// JobSpec 提交任務時的輸入
type JobSpec struct {
	ID              JobID    `json:"id,omitempty" yaml:"id,omitempty"`
	Prompt          string   `json:"prompt" yaml:"prompt"`
	TaskType        TaskType `json:"task_type" yaml:"task_type"`
	AspectRatio     string   `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
	Resolution      string   `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty" yaml:"reference_images,omitempty"`
	OutputDir       string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// Validate 檢查提示詞、任務類型與參考圖數量
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidJobSpec)
	}
	if !s.TaskType.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidJobSpec, s.TaskType)
	}
	lo, hi := s.TaskType.ReferenceImageLimits()
	n := len(s.ReferenceImages)
	if n < lo || n > hi {
		if lo == hi {
			return fmt.Errorf("%w: %s takes no reference images, got %d", ErrInvalidJobSpec, s.TaskType, n)
		}
		return fmt.Errorf("%w: %s takes %d-%d reference images, got %d", ErrInvalidJobSpec, s.TaskType, lo, hi, n)
	}
	return nil
}

// StatusEntry 一則進度訊息
type StatusEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Job 任務結構，由 Job Store 擁有
type Job struct {
	// 識別與輸入
	ID              JobID
	Prompt          string
	TaskType        TaskType
	AspectRatio     string
	Resolution      string
	ReferenceImages []string

	// 狀態追蹤
	Status        JobStatus
	StatusDetail  string
	StatusHistory []StatusEntry
	Attempts      int // 已分派次數

	// 時間
	CreatedAt time.Time
	StartTime time.Time // 最近一次分派時間
	EndTime   time.Time

	// 產物
	SavedPath string
	OutputDir string
	FileExt   string

	// 執行資訊，僅在 Processing 時有值
	AssignedWorker WorkerID
}

// JobView 控制介面看到的任務資料
type JobView struct {
	ID             JobID         `json:"id"`
	Prompt         string        `json:"prompt"`
	Status         JobStatus     `json:"status"`
	StatusDetail   string        `json:"status_detail"`
	StatusHistory  []StatusEntry `json:"status_history,omitempty"`
	TaskType       TaskType      `json:"task_type"`
	AspectRatio    string        `json:"aspect_ratio"`
	Resolution     string        `json:"resolution"`
	ReferenceCount int           `json:"reference_count"`
	SavedPath      string        `json:"saved_path,omitempty"`
	OutputDir      string        `json:"output_dir,omitempty"`
	FileExt        string        `json:"file_ext"`
	Attempts       int           `json:"attempts"`
	AssignedWorker WorkerID      `json:"assigned_worker,omitempty"`
	StartTime      *time.Time    `json:"start_time,omitempty"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
}

// View 轉換為控制介面資料，複製所有切片
func (j Job) View() JobView {
	v := JobView{
		ID:             j.ID,
		Prompt:         j.Prompt,
		Status:         j.Status,
		StatusDetail:   j.StatusDetail,
		TaskType:       j.TaskType,
		AspectRatio:    j.AspectRatio,
		Resolution:     j.Resolution,
		ReferenceCount: len(j.ReferenceImages),
		SavedPath:      j.SavedPath,
		OutputDir:      j.OutputDir,
		FileExt:        j.FileExt,
		Attempts:       j.Attempts,
		AssignedWorker: j.AssignedWorker,
	}
	if len(j.StatusHistory) > 0 {
		v.StatusHistory = append([]StatusEntry(nil), j.StatusHistory...)
	}
	if !j.StartTime.IsZero() {
		t := j.StartTime
		v.StartTime = &t
	}
	if !j.EndTime.IsZero() {
		t := j.EndTime
		v.EndTime = &t
	}
	return v
}

// Snapshot 控制介面輪詢時取得的整體狀態
type Snapshot struct {
	ClientCount int       `json:"client_count"`
	BusyCount   int       `json:"busy_count"`
	IsRunning   bool      `json:"is_running"`
	Tasks       []JobView `json:"tasks"`
}

// Count 回傳指定狀態的任務數
func (s Snapshot) Count(status JobStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// JobEventType 任務事件類型
type JobEventType string

const (
	EventDispatched JobEventType = "dispatched"
	EventRequeued   JobEventType = "requeued"
	EventCompleted  JobEventType = "completed"
	EventFailed     JobEventType = "failed"
	EventTimedOut   JobEventType = "timed_out"
)

// JobEvent 對外發布的任務事件
type JobEvent struct {
	Type      JobEventType `json:"type"`
	JobID     JobID        `json:"job_id"`
	WorkerID  WorkerID     `json:"worker_id,omitempty"`
	TaskType  TaskType     `json:"task_type"`
	Status    JobStatus    `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	SavedPath string       `json:"saved_path,omitempty"`
	Attempts  int          `json:"attempts"`
	At        time.Time    `json:"at"`
}
