// ============================================================================
// genbroker Agent - 模擬的生成 worker
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 以 WebSocket 連線 broker，模擬瀏覽器自動化 agent 的完整協議
//
// 執行流程:
//   1. 連線並送出 register
//   2. 收到 register_success 後等待 task
//   3. 每個 task:
//      ├─ status: 已接收任務
//      ├─ 隨機延遲 MinDelay~MaxDelay（模擬生成）
//      ├─ 依 FailureRate 決定失敗 → result{error}
//      └─ 成功 → image_data 或多個 image_chunk → result
//   4. ctx 取消或連線中斷時結束
//
// 產物:
//   圖片任務產生真正的 PNG（依 prompt 決定顏色）
//   影片任務產生帶 ftyp 標頭的假 MP4 位元組
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// ErrNotRegistered broker 在註冊前就關閉了連線
var ErrNotRegistered = errors.New("connection closed before registration")

// Agent 一條模擬 worker 連線
type Agent struct {
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
	id  types.WorkerID

	completed atomic.Int64
	failed    atomic.Int64
	outcomes  chan<- Outcome
}

// NewAgent 建立 agent；outcomes 可為 nil
func NewAgent(cfg Config, log *slog.Logger, outcomes chan<- Outcome) *Agent {
	if log == nil {
		log = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 64
	}
	return &Agent{
		cfg:      cfg,
		log:      log,
		rng:      rand.New(rand.NewSource(seed)),
		outcomes: outcomes,
	}
}

// ID broker 分配的 worker id，註冊前為空
func (a *Agent) ID() types.WorkerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Stats 已完成與失敗的任務數
func (a *Agent) Stats() Stats {
	return Stats{Completed: a.completed.Load(), Failed: a.failed.Load()}
}

// Run 連線並處理任務，直到 ctx 取消或連線中斷
func (a *Agent) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := a.send(conn, &protocol.Register{PageURL: a.cfg.PageURL}); err != nil {
		return err
	}

	registered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !registered {
				return fmt.Errorf("%w: %v", ErrNotRegistered, err)
			}
			return err
		}

		switch msg := protocol.Parse(data).(type) {
		case *protocol.RegisterSuccess:
			registered = true
			a.mu.Lock()
			a.id = types.WorkerID(msg.WorkerID)
			a.mu.Unlock()
			a.log = a.log.With("worker_id", msg.WorkerID)
			a.log.Info("Agent registered")
		case *protocol.Task:
			if err := a.execute(ctx, conn, msg); err != nil {
				return err
			}
		default:
			a.log.Debug("Ignoring message", "type", msg.MessageType())
		}
	}
}

// execute 模擬一次生成
func (a *Agent) execute(ctx context.Context, conn *websocket.Conn, task *protocol.Task) error {
	start := time.Now()
	log := a.log.With("job_id", task.JobID)
	log.Info("Task received", "task_type", task.TaskType)

	if err := a.send(conn, &protocol.Status{JobID: task.JobID, Message: "Task received, submitting prompt"}); err != nil {
		return err
	}

	delay, fail := a.roll()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	outcome := Outcome{JobID: types.JobID(task.JobID), Duration: time.Since(start)}
	if fail {
		a.failed.Add(1)
		a.report(outcome)
		log.Info("Simulated generation failure")
		return a.send(conn, &protocol.Result{JobID: task.JobID, Error: "generation failed (simulated)"})
	}

	if err := a.send(conn, &protocol.Status{JobID: task.JobID, Message: "Generation finished, downloading"}); err != nil {
		return err
	}

	data, err := a.render(types.TaskType(task.TaskType), task.Prompt)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	parts := splitChunks(encoded, a.cfg.ChunkSize)
	if len(parts) == 1 {
		err = a.send(conn, &protocol.ImageData{JobID: task.JobID, Data: encoded})
	} else {
		outcome.Chunks = len(parts)
		for i, part := range parts {
			err = a.send(conn, &protocol.ImageChunk{
				JobID:       task.JobID,
				ChunkIndex:  i,
				TotalChunks: len(parts),
				Data:        part,
			})
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		return err
	}
	if err := a.send(conn, &protocol.Result{JobID: task.JobID}); err != nil {
		return err
	}

	a.completed.Add(1)
	outcome.Success = true
	outcome.Duration = time.Since(start)
	a.report(outcome)
	log.Info("Task delivered", "bytes", len(data), "chunks", outcome.Chunks, "duration", outcome.Duration)
	return nil
}

func (a *Agent) roll() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delay := a.cfg.MinDelay
	if span := a.cfg.MaxDelay - a.cfg.MinDelay; span > 0 {
		delay += time.Duration(a.rng.Int63n(int64(span)))
	}
	return delay, a.rng.Float64() < a.cfg.FailureRate
}

func (a *Agent) report(o Outcome) {
	if a.outcomes == nil {
		return
	}
	select {
	case a.outcomes <- o:
	default:
	}
}

func (a *Agent) send(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// render 產生假的產物
func (a *Agent) render(t types.TaskType, prompt string) ([]byte, error) {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	sum := h.Sum32()

	if t.IsVideo() {
		// 最小的 ftyp box 加上依 prompt 填充的內容
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 0x18})
		buf.WriteString("ftypisom")
		buf.Write([]byte{0, 0, 2, 0})
		buf.WriteString("isommp41")
		for i := 0; i < 1024; i++ {
			buf.WriteByte(byte(sum >> (8 * (i % 4))))
		}
		return buf.Bytes(), nil
	}

	size := a.cfg.ImageSize
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	base := color.RGBA{R: byte(sum), G: byte(sum >> 8), B: byte(sum >> 16), A: 0xff}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{
				R: base.R + byte(x),
				G: base.G + byte(y),
				B: base.B,
				A: 0xff,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// splitChunks 將 base64 字串切成最多 size 字元的片段
func splitChunks(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	parts := make([]string, 0, (len(s)+size-1)/size)
	for len(s) > size {
		parts = append(parts, s[:size])
		s = s[size:]
	}
	return append(parts, s)
}
