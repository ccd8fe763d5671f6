// ============================================================================
// genbroker Agent Pool - 多個模擬 worker
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Agent goroutine 的生命週期，斷線後自動重連
//
// 架構組件:
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │  ── WebSocket ──→ broker /ws
//   │  │Agent 1 │ │
//   │  │Agent 2 │ │  ── WebSocket ──→ broker /ws
//   │  │Agent 3 │ │
//   │  └────────┘ │
//   └──────┬──────┘
//          └── outcomes channel ──→ Outcomes()
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(ctx, n) - 啟動 n 個 Agent，各自連線 broker
//   3. Outcomes() - 讀取每個任務的執行結果
//   4. Stop() - 取消所有 Agent，等待退出後關閉 outcomes
//
// 重連:
//   Agent.Run 結束後（broker 重啟、網路中斷），等待 ReconnectDelay 後重新連線，
//   直到 Pool 停止。每次重連都是新的註冊，broker 會分配新的 worker id。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolAlreadyStarted 表示 Pool 已啟動
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
)

// DefaultReconnectDelay 斷線後重連的等待時間
const DefaultReconnectDelay = 2 * time.Second

// Pool 代表 Agent 池
type Pool struct {
	cfg            Config
	log            *slog.Logger
	reconnectDelay time.Duration

	agents   []*Agent
	outcomes chan Outcome
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 agents / started / stopped
}

// NewPool 建立 Pool；bufferSize 為 outcomes 通道的緩衝大小
func NewPool(cfg Config, bufferSize int, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:            cfg,
		log:            log,
		reconnectDelay: DefaultReconnectDelay,
		outcomes:       make(chan Outcome, bufferSize),
	}
}

// SetReconnectDelay 調整重連等待時間，需在 Start 之前呼叫
func (p *Pool) SetReconnectDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnectDelay = d
}

// Start 啟動 n 個 Agent
func (p *Pool) Start(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < n; i++ {
		cfg := p.cfg
		if cfg.Seed != 0 {
			cfg.Seed += int64(i)
		}
		agent := NewAgent(cfg, p.log.With("agent", i), p.outcomes)
		p.agents = append(p.agents, agent)

		p.wg.Add(1)
		go func(idx int, a *Agent) {
			defer p.wg.Done()
			p.runAgent(ctx, idx, a)
		}(i, agent)
	}

	p.started = true
	p.log.Info("Agent pool started", "agents", n, "url", p.cfg.URL)
	return nil
}

// runAgent 持續執行 agent，斷線後重連
func (p *Pool) runAgent(ctx context.Context, idx int, a *Agent) {
	for {
		err := a.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("Agent disconnected, reconnecting",
			"agent", idx, "error", err, "delay", p.reconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.reconnectDelay):
		}
	}
}

// Outcomes 每個任務的執行結果；Stop 後關閉
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Stop 取消所有 Agent 並等待退出；可重複呼叫
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	close(p.outcomes)

	s := p.Stats()
	p.log.Info("Agent pool stopped", "completed", s.Completed, "failed", s.Failed)
}

// Count 目前的 Agent 數量
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Stats 所有 Agent 的累計統計
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	agents := append([]*Agent(nil), p.agents...)
	p.mu.Unlock()

	var total Stats
	for _, a := range agents {
		s := a.Stats()
		total.Completed += s.Completed
		total.Failed += s.Failed
	}
	return total
}

// String 方便日誌輸出
func (s Stats) String() string {
	return fmt.Sprintf("completed=%d failed=%d", s.Completed, s.Failed)
}
