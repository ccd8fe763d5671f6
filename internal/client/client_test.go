package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/metrics"
	"github.com/ChuLiYu/genbroker/internal/server"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

func setup(t *testing.T) (*Client, *broker.Broker) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	cfg := broker.DefaultConfig()
	cfg.TickInterval = time.Hour
	b := broker.New(cfg, broker.WithLogger(log), broker.WithMetrics(metrics.NewCollector(reg)))
	require.NoError(t, b.Start())

	s := server.New(server.Config{Version: "1.2.3"}, b, server.WithLogger(log), server.WithGatherer(reg))
	ts := httptest.NewServer(s.Router())

	c := New(ts.URL)
	t.Cleanup(func() {
		c.Close()
		s.Close()
		ts.Close()
		b.Stop()
	})
	return c, b
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, types.JobSpec{Prompt: "Mountains at dusk", TaskType: types.TaskCreateImage, Resolution: "2K"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := c.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Mountains at dusk", view.Prompt)
	assert.Equal(t, "2K", view.Resolution)
	assert.Equal(t, types.StatusWaiting, view.Status)

	require.NoError(t, c.StartExecution(ctx))
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsRunning)
	assert.Len(t, snap.Tasks, 1)

	require.NoError(t, c.StopExecution(ctx))
	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.IsRunning)
}

func TestClientErrors(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, types.JobSpec{TaskType: types.TaskCreateImage})
	assert.ErrorIs(t, err, types.ErrInvalidJobSpec)

	_, err = c.Enqueue(ctx, types.JobSpec{ID: "x", Prompt: "p", TaskType: types.TaskCreateImage})
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, types.JobSpec{ID: "x", Prompt: "p", TaskType: types.TaskCreateImage})
	assert.ErrorIs(t, err, types.ErrDuplicateJob)

	_, err = c.Job(ctx, "ghost")
	assert.ErrorIs(t, err, types.ErrUnknownJob)

	_, err = c.Passthrough(ctx, "ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	b.Stop()
	_, err = c.Snapshot(ctx)
	assert.ErrorIs(t, err, broker.ErrStopped)
}

func TestClientPassthrough(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	raw, err := c.Passthrough(ctx, "version", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.2.3"}`, string(raw))

	body, err := json.Marshal(map[string]any{
		"jobs": []map[string]string{{"prompt": "a kite", "task_type": "create_image"}},
	})
	require.NoError(t, err)
	raw, err = c.Passthrough(ctx, "import_jobs", body)
	require.NoError(t, err)

	var res server.ImportResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 1, res.Count)
	assert.Empty(t, res.Errors)
}
