// ============================================================================
// genbroker Broker - 任務分派核心
// ============================================================================
//
// Package: internal/broker
// 文件: broker.go
// 功能: 協調 worker 連線、任務佇列與分塊重組，是整個系統的"大腦"
//
// 架構設計:
//   Broker 擁有以下組件，且只在單一 loop goroutine 中存取它們：
//   - registry.Registry: 已連線 worker 與忙碌/閒置狀態
//   - jobmanager.JobManager: 任務狀態機（waiting/processing/終止狀態）
//   - chunk.Reassembler: 每個任務的分塊緩衝
//
//   所有外部呼叫（連線訊息、控制介面）都以 closure 形式送進 ops channel，
//   由 loop 依序執行，呼叫端等待執行完成後才返回。因此：
//   - 同一時刻只有一個操作在修改狀態，不需要鎖
//   - 分派（任務 Waiting→Processing 與 worker Idle→Busy）天然是原子的
//   - 每條連線的訊息處理順序與收到順序一致
//
// 核心循環:
//   loop() - 執行 ops；每個 tick 做超時檢查並重新嘗試分派
//            （worker 冷卻結束後需要 tick 才會再被選中）
//
// 不在 loop 中做的事:
//   - 網路寫入：每條連線有自己的 outbox 與寫入 goroutine
//   - 產物持久化：由連線 goroutine 完成後再提交 finalize 操作
//   - 事件發布：交給 EventSink（非阻塞）
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/genbroker/internal/chunk"
	"github.com/ChuLiYu/genbroker/internal/jobmanager"
	"github.com/ChuLiYu/genbroker/internal/metrics"
	"github.com/ChuLiYu/genbroker/internal/registry"
	"github.com/ChuLiYu/genbroker/internal/storage"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

var (
	ErrNotStarted     = errors.New("broker not started")
	ErrStopped        = errors.New("broker stopped")
	ErrAlreadyStarted = errors.New("broker already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Broker 配置
type Config struct {
	ImageTimeout   time.Duration // 圖片任務超時時間
	VideoTimeout   time.Duration // 影片任務超時時間
	MaxAttempts    int           // 斷線重新排隊的最大嘗試次數，0 表示不限
	WorkerCooldown time.Duration // worker 完成任務後的冷卻時間
	TickInterval   time.Duration // 超時檢查與補分派的間隔
	AutoStart      bool          // 啟動後立即開始執行
	AutoStop       bool          // 沒有未完成任務時自動停止執行
	FailureMarkers []string      // status 訊息中代表生成失敗的字串（不分大小寫）
	OutboxSize     int           // 每條連線待寫出的訊息數上限
	MaxChunks      int           // 單一任務 total_chunks 上限，0 表示 chunk.DefaultMaxTotal
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		ImageTimeout:   10 * time.Minute,
		VideoTimeout:   10 * time.Minute,
		MaxAttempts:    3,
		WorkerCooldown: 3 * time.Second,
		TickInterval:   time.Second,
		FailureMarkers: []string{"generation failed", "生成失败"},
		OutboxSize:     64,
	}
}

// EventSink 接收任務事件，實作不得阻塞
type EventSink interface {
	Emit(ev types.JobEvent)
}

type noopSink struct{}

func (noopSink) Emit(types.JobEvent) {}

// Option 設定 Broker 的可選依賴
type Option func(*Broker)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithMetrics 指定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithStore 指定產物儲存
func WithStore(s storage.Store) Option {
	return func(b *Broker) { b.store = s }
}

// WithEvents 指定事件輸出
func WithEvents(s EventSink) Option {
	return func(b *Broker) { b.events = s }
}

// WithClock 指定時間來源
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// pendingResult 任務結果的收集狀態
type pendingResult struct {
	payload    []byte
	hasPayload bool // 分塊已組裝完成
	resultSeen bool // 已收到 result，但分塊尚未齊全
	finalizing bool // 已交給持久化，等待 finalize
}

// completion 一個準備完成的任務，交由連線 goroutine 持久化
type completion struct {
	JobID     types.JobID
	WorkerID  types.WorkerID
	TaskType  types.TaskType
	OutputDir string
	FileExt   string
	Payload   []byte // base64 文字；nil 表示沒有產物
}

// Broker 任務分派核心
type Broker struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
	store   storage.Store
	events  EventSink
	now     func() time.Time

	// 以下狀態只在 loop goroutine 中存取
	registry *registry.Registry
	jobs     *jobmanager.JobManager
	chunks   *chunk.Reassembler
	results  map[types.JobID]*pendingResult
	running  bool

	ops     chan func()
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	mu      sync.Mutex // 保護 started / stopped
	started bool
	stopped bool
}

// ============================================================================
// 生命週期
// ============================================================================

// New 建立 Broker；需要呼叫 Start 後才會處理操作
func New(cfg Config, opts ...Option) *Broker {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}

	b := &Broker{
		cfg:      cfg,
		log:      slog.Default(),
		events:   noopSink{},
		now:      time.Now,
		registry: registry.New(),
		jobs:     jobmanager.NewJobManager(),
		chunks:   chunk.New(cfg.MaxChunks),
		results:  make(map[types.JobID]*pendingResult),
		ops:      make(chan func()),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.NewCollector(nil)
	}
	b.registry.SetClock(b.now)
	return b
}

// Start 啟動 loop goroutine
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true
	b.running = b.cfg.AutoStart

	b.loopWg.Add(1)
	go b.loop()

	b.log.Info("Broker started",
		"image_timeout", b.cfg.ImageTimeout,
		"video_timeout", b.cfg.VideoTimeout,
		"max_attempts", b.cfg.MaxAttempts,
		"running", b.cfg.AutoStart)
	return nil
}

// Stop 停止 loop；可重複呼叫
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	close(b.stopCh)
	if started {
		b.loopWg.Wait()
	}
	b.log.Info("Broker stopped")
}

func (b *Broker) loop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case op := <-b.ops:
			op()
			b.updateGauges()
		case <-ticker.C:
			b.tick()
			b.updateGauges()
		}
	}
}

// do 將 fn 送進 loop 執行並等待完成
func (b *Broker) do(ctx context.Context, fn func()) error {
	b.mu.Lock()
	started, stopped := b.started, b.stopped
	b.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case b.ops <- op:
	case <-b.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// loop 收下後會同步執行完畢
	<-done
	return nil
}

func (b *Broker) tick() {
	b.checkTimeouts()
	b.tryDispatchAll()
}

func (b *Broker) updateGauges() {
	b.metrics.UpdateWorkerStats(b.registry.Count(), b.registry.BusyCount())
	stats := b.jobs.Stats()
	b.metrics.UpdateQueueStats(stats["waiting"], stats["processing"])
}

func (b *Broker) timeoutFor(t types.TaskType) time.Duration {
	if t.IsVideo() {
		return b.cfg.VideoTimeout
	}
	return b.cfg.ImageTimeout
}

func (b *Broker) isFailureText(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range b.cfg.FailureMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
