package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/genbroker/internal/storage"
	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

var (
	ErrOutboxFull = errors.New("connection outbox full")
	ErrConnClosed = errors.New("connection closed")
)

// Transport 一條 worker 連線的底層傳輸（WebSocket 或 TCP 行協議）。
// ReadMessage 只會由 ServeConn 的 goroutine 呼叫，WriteMessage 只會由寫入 goroutine 呼叫。
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// outbox 每條連線的發送佇列；Send 不阻塞，由 writeLoop 依序寫出
type outbox struct {
	t      Transport
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newOutbox(t Transport, size int) *outbox {
	return &outbox{
		t:      t,
		out:    make(chan []byte, size),
		closed: make(chan struct{}),
	}
}

// Send 實作 registry.Conn
func (o *outbox) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-o.closed:
		return ErrConnClosed
	default:
	}
	select {
	case o.out <- data:
		return nil
	case <-o.closed:
		return ErrConnClosed
	default:
		return ErrOutboxFull
	}
}

func (o *outbox) writeLoop(log *slog.Logger) {
	for {
		select {
		case <-o.closed:
			return
		case data := <-o.out:
			if err := o.t.WriteMessage(data); err != nil {
				log.Warn("Write to worker failed", "error", err)
				o.close()
				return
			}
		}
	}
}

// close 關閉傳輸層，讓阻塞中的 ReadMessage 返回
func (o *outbox) close() {
	o.once.Do(func() {
		close(o.closed)
		_ = o.t.Close()
	})
}

// ============================================================================
// 連線處理
// ============================================================================

// ServeConn 處理一條 worker 連線直到它關閉或 ctx 結束。
// 返回前會註銷 worker，使其進行中的任務重新排隊。
func (b *Broker) ServeConn(ctx context.Context, t Transport) error {
	o := newOutbox(t, b.cfg.OutboxSize)
	s := &session{
		b:   b,
		out: o,
		log: b.log.With("remote", t.RemoteAddr()),
	}

	go o.writeLoop(s.log)
	defer o.close()
	stop := context.AfterFunc(ctx, o.close)
	defer stop()

	defer func() {
		if s.workerID == "" {
			return
		}
		// 連線的 ctx 可能已取消，註銷仍需完成
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := b.unregister(uctx, s.workerID); err != nil && !errors.Is(err, ErrStopped) {
			s.log.Error("Failed to unregister worker", "error", err)
		}
	}()

	for {
		data, err := t.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handle(ctx, protocol.Parse(data)); err != nil {
			return err
		}
	}
}

type session struct {
	b        *Broker
	out      *outbox
	workerID types.WorkerID
	log      *slog.Logger
}

// handle 處理一則訊息；只有 broker 停止或 ctx 結束時回傳錯誤
func (s *session) handle(ctx context.Context, msg protocol.Message) error {
	b := s.b
	if ign, ok := msg.(*protocol.Ignored); ok {
		b.metrics.RecordIgnored()
		s.log.Warn("Ignoring message", "kind", ign.Kind, "reason", ign.Reason)
		return nil
	}
	b.metrics.RecordMessage(string(msg.MessageType()))

	if reg, ok := msg.(*protocol.Register); ok {
		return s.register(ctx, reg)
	}
	if s.workerID == "" {
		b.metrics.RecordIgnored()
		s.log.Warn("Message before register ignored", "type", msg.MessageType())
		return nil
	}

	var comp *completion
	var err error
	switch m := msg.(type) {
	case *protocol.Status:
		err = b.handleStatus(ctx, s.workerID, types.JobID(m.JobID), m.Message)
	case *protocol.ImageChunk:
		comp, err = b.handleChunk(ctx, s.workerID, types.JobID(m.JobID), m.ChunkIndex, m.TotalChunks, m.Data)
	case *protocol.ImageData:
		comp, err = b.handleChunk(ctx, s.workerID, types.JobID(m.JobID), 0, 1, m.Data)
	case *protocol.Result:
		comp, err = b.handleResult(ctx, s.workerID, types.JobID(m.JobID), m.Error)
	default:
		b.metrics.RecordIgnored()
		s.log.Warn("Unexpected message from worker ignored", "type", msg.MessageType())
	}
	if err != nil {
		return err
	}
	if comp != nil {
		return s.complete(ctx, comp)
	}
	return nil
}

func (s *session) register(ctx context.Context, reg *protocol.Register) error {
	id, err := s.b.register(ctx, s.out, reg.PageURL)
	if errors.Is(err, types.ErrDuplicateRegistration) {
		s.log.Warn("Duplicate register ignored", "worker_id", s.workerID)
		return nil
	}
	if err != nil {
		return err
	}
	s.workerID = id
	s.log = s.log.With("worker_id", id)
	return nil
}

// complete 在連線 goroutine 中解碼並持久化產物，再交回 loop 完成任務
func (s *session) complete(ctx context.Context, comp *completion) error {
	var saved storage.Saved
	var saveErr error
	if comp.Payload != nil && s.b.store != nil {
		data, err := decodePayload(comp.Payload)
		if err != nil {
			saveErr = fmt.Errorf("decode result: %w", err)
		} else {
			saved, saveErr = s.b.store.Save(ctx, storage.Artifact{
				JobID:     comp.JobID,
				TaskType:  comp.TaskType,
				OutputDir: comp.OutputDir,
				FileExt:   comp.FileExt,
				Data:      data,
			})
		}
	}
	if saveErr != nil {
		s.log.Error("Failed to save result", "job_id", comp.JobID, "error", saveErr)
	} else if saved.Path != "" {
		s.log.Info("Result saved", "job_id", comp.JobID, "path", saved.Path)
	}
	return s.b.finalize(ctx, comp, saved, saveErr)
}

// decodePayload 解碼 base64 資料，接受 data URL 前綴
func decodePayload(payload []byte) ([]byte, error) {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "data:") {
		if i := strings.Index(text, ","); i >= 0 {
			text = text[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	return data, nil
}
