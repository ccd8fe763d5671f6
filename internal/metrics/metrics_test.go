package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector.jobsEnqueued, "jobsEnqueued counter should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.messagesReceived, "messagesReceived vec should be initialized")

	// 同一個 registry 重複註冊會 panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNewCollectorNilRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil)
		NewCollector(nil)
	}, "nil registerer gets a private registry each time")
}

func TestCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	tests := []struct {
		name   string
		record func()
		metric prometheus.Counter
		times  int
	}{
		{"enqueue", c.RecordEnqueue, c.jobsEnqueued, 5},
		{"dispatch", c.RecordDispatch, c.jobsDispatched, 3},
		{"failed", c.RecordFailed, c.jobsFailed, 2},
		{"timed out", c.RecordTimedOut, c.jobsTimedOut, 1},
		{"requeue", c.RecordRequeue, c.jobsRequeued, 4},
		{"ignored", c.RecordIgnored, c.messagesIgnored, 2},
		{"chunk", c.RecordChunk, c.chunksReceived, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.times; i++ {
				tt.record()
			}
			assert.Equal(t, float64(tt.times), testutil.ToFloat64(tt.metric))
		})
	}
}

func TestRecordCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	for _, latency := range []float64{3, 42, 610} {
		c.RecordCompleted(latency)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(c.jobsCompleted))

	count, err := testutil.GatherAndCount(reg, "genbroker_job_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordMessage(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordMessage("status")
	c.RecordMessage("status")
	c.RecordMessage("result")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.messagesReceived.WithLabelValues("status")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.messagesReceived.WithLabelValues("result")))
}

func TestUpdateStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	testCases := []struct {
		name                string
		connected, busy     int
		waiting, processing int
	}{
		{"zero values", 0, 0, 0, 0},
		{"busy pool", 4, 4, 10, 4},
		{"draining", 2, 1, 0, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c.UpdateWorkerStats(tc.connected, tc.busy)
			c.UpdateQueueStats(tc.waiting, tc.processing)

			assert.Equal(t, float64(tc.connected), testutil.ToFloat64(c.workersConnected))
			assert.Equal(t, float64(tc.busy), testutil.ToFloat64(c.workersBusy))
			assert.Equal(t, float64(tc.waiting), testutil.ToFloat64(c.jobsWaiting))
			assert.Equal(t, float64(tc.processing), testutil.ToFloat64(c.jobsProcessing))
		})
	}

	expected := `
# HELP genbroker_workers_busy Workers currently processing a job
# TYPE genbroker_workers_busy gauge
genbroker_workers_busy 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "genbroker_workers_busy"))
}
