package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// pipeTransport 以 channel 模擬一條連線：in 是 worker 送來的訊息，out 是 broker 寫出的訊息
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) RemoteAddr() string { return "pipe" }

func (p *pipeTransport) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	p.in <- data
}

func (p *pipeTransport) recv(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-p.out:
		return protocol.Parse(data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message from broker")
		return nil
	}
}

func serve(ctx context.Context, t *testing.T, f *fixture) (*pipeTransport, <-chan error) {
	t.Helper()
	p := newPipe()
	errCh := make(chan error, 1)
	go func() { errCh <- f.b.ServeConn(ctx, p) }()
	return p, errCh
}

func TestServeConnFullExchange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p, errCh := serve(ctx, t, f)

	p.send(t, map[string]any{"type": "register", "page_url": "https://labs.example/p1"})
	ack, ok := p.recv(t).(*protocol.RegisterSuccess)
	require.True(t, ok)
	require.NotEmpty(t, ack.WorkerID)

	id, err := f.b.Enqueue(ctx, types.JobSpec{Prompt: "lighthouse", TaskType: types.TaskCreateImage})
	require.NoError(t, err)
	task, ok := p.recv(t).(*protocol.Task)
	require.True(t, ok)
	assert.Equal(t, string(id), task.JobID)
	assert.Equal(t, "lighthouse", task.Prompt)

	p.send(t, map[string]any{"type": "status", "task_id": task.JobID, "message": "generating"})
	p.send(t, map[string]any{"type": "image_chunk", "task_id": task.JobID, "chunk_index": 0, "total_chunks": 2, "data": "data:image/png;base64,aGVs"})
	p.send(t, map[string]any{"type": "image_chunk", "task_id": task.JobID, "chunk_index": 1, "total_chunks": 2, "data": "bG8="})
	p.send(t, map[string]any{"type": "result", "task_id": task.JobID, "error": nil})

	require.Eventually(t, func() bool {
		view, err := f.b.Job(ctx, id)
		return err == nil && view.Status == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	data, ok := f.store.get(id)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, p.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return")
	}

	snap, err := f.b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.ClientCount, "worker unregistered on close")
}

func TestServeConnImageDataAndMessagesBeforeRegister(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p, _ := serve(ctx, t, f)

	// 註冊前的訊息與格式錯誤的訊息都被忽略
	p.send(t, map[string]any{"type": "status", "message": "hi"})
	p.in <- []byte("{not json")
	p.send(t, map[string]any{"type": "bogus"})

	p.send(t, map[string]any{"type": "register"})
	_, ok := p.recv(t).(*protocol.RegisterSuccess)
	require.True(t, ok)

	id, err := f.b.Enqueue(ctx, types.JobSpec{Prompt: "moon", TaskType: types.TaskCreateImage})
	require.NoError(t, err)
	task, ok := p.recv(t).(*protocol.Task)
	require.True(t, ok)

	p.send(t, map[string]any{"type": "image_data", "task_id": task.JobID, "data": "aGk="})
	p.send(t, map[string]any{"type": "result", "task_id": task.JobID})

	require.Eventually(t, func() bool {
		view, err := f.b.Job(ctx, id)
		return err == nil && view.Status == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	data, _ := f.store.get(id)
	assert.Equal(t, "hi", string(data))
}

func TestServeConnDisconnectRequeues(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p, errCh := serve(ctx, t, f)

	p.send(t, map[string]any{"type": "register"})
	p.recv(t)
	id, err := f.b.Enqueue(context.Background(), types.JobSpec{Prompt: "ship", TaskType: types.TaskCreateImage})
	require.NoError(t, err)
	p.recv(t)

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after cancel")
	}

	view, err := f.b.Job(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, view.Status)
	assert.Equal(t, 1, view.Attempts)
}

type slowTransport struct {
	*pipeTransport
}

func (s slowTransport) WriteMessage([]byte) error {
	<-s.closed
	return io.ErrClosedPipe
}

func TestOutboxFullDoesNotBlock(t *testing.T) {
	tr := slowTransport{newPipe()}
	o := newOutbox(tr, 1)
	go o.writeLoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer o.close()

	// writeLoop 取走第一則後阻塞，第二則填滿緩衝
	require.NoError(t, o.Send(&protocol.RegisterSuccess{WorkerID: "w1"}))
	require.Eventually(t, func() bool { return len(o.out) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Send(&protocol.RegisterSuccess{WorkerID: "w1"}))

	err := o.Send(&protocol.RegisterSuccess{WorkerID: "w1"})
	assert.True(t, errors.Is(err, ErrOutboxFull))

	o.close()
	assert.ErrorIs(t, o.Send(&protocol.RegisterSuccess{WorkerID: "w1"}), ErrConnClosed)
}
