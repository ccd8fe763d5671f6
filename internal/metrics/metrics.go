// ============================================================================
// genbroker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 broker 運行指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - genbroker_jobs_enqueued_total: 入隊任務總數
//      - genbroker_jobs_dispatched_total: 已分派任務總數
//      - genbroker_jobs_completed_total: 已完成任務總數
//      - genbroker_jobs_failed_total: 失敗任務總數
//      - genbroker_jobs_timed_out_total: 超時任務總數
//      - genbroker_jobs_requeued_total: worker 斷線後重新排隊次數
//
//   2. 協議指標 (Counter):
//      - genbroker_messages_received_total{type}: 各類訊息數
//      - genbroker_messages_ignored_total: 格式錯誤或未知訊息數
//      - genbroker_chunks_received_total: 收到的分塊數
//
//   3. 性能指標 (Histogram):
//      - genbroker_job_latency_seconds: 分派到完成的時間
//        生成任務以分鐘計，桶分佈從 5 秒到 20 分鐘
//
//   4. 狀態指標 (Gauge):
//      - genbroker_workers_connected / genbroker_workers_busy
//      - genbroker_jobs_waiting / genbroker_jobs_processing
//
// Prometheus 查詢示例:
//
//   # 95 分位生成時間
//   histogram_quantile(0.95, rate(genbroker_job_latency_seconds_bucket[10m]))
//
//   # worker 利用率
//   genbroker_workers_busy / genbroker_workers_connected
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "genbroker"

// LatencyBuckets 生成任務延遲桶（秒）
var LatencyBuckets = []float64{5, 15, 30, 60, 120, 180, 300, 450, 600, 900, 1200}

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsTimedOut   prometheus.Counter
	jobsRequeued   prometheus.Counter

	// 協議指標
	messagesReceived *prometheus.CounterVec
	messagesIgnored  prometheus.Counter
	chunksReceived   prometheus.Counter

	// 效能指標
	jobLatency prometheus.Histogram

	// 狀態指標
	workersConnected prometheus.Gauge
	workersBusy      prometheus.Gauge
	jobsWaiting      prometheus.Gauge
	jobsProcessing   prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用獨立的 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	c := &Collector{
		jobsEnqueued:   counter("jobs_enqueued_total", "Total number of jobs enqueued"),
		jobsDispatched: counter("jobs_dispatched_total", "Total number of jobs dispatched to workers"),
		jobsCompleted:  counter("jobs_completed_total", "Total number of jobs completed successfully"),
		jobsFailed:     counter("jobs_failed_total", "Total number of jobs that failed"),
		jobsTimedOut:   counter("jobs_timed_out_total", "Total number of jobs that timed out"),
		jobsRequeued:   counter("jobs_requeued_total", "Total number of jobs requeued after a worker disconnected"),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Worker messages received by type",
		}, []string{"type"}),
		messagesIgnored: counter("messages_ignored_total", "Malformed or unknown worker messages"),
		chunksReceived:  counter("chunks_received_total", "Payload chunks received from workers"),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from dispatch to completion in seconds",
			Buckets:   LatencyBuckets,
		}),
		workersConnected: gauge("workers_connected", "Currently registered workers"),
		workersBusy:      gauge("workers_busy", "Workers currently processing a job"),
		jobsWaiting:      gauge("jobs_waiting", "Jobs waiting for a worker"),
		jobsProcessing:   gauge("jobs_processing", "Jobs currently being processed"),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsTimedOut,
		c.jobsRequeued,
		c.messagesReceived,
		c.messagesIgnored,
		c.chunksReceived,
		c.jobLatency,
		c.workersConnected,
		c.workersBusy,
		c.jobsWaiting,
		c.jobsProcessing,
	)

	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed() {
	c.jobsFailed.Inc()
}

// RecordTimedOut 記錄任務超時
func (c *Collector) RecordTimedOut() {
	c.jobsTimedOut.Inc()
}

// RecordRequeue 記錄任務重新排隊
func (c *Collector) RecordRequeue() {
	c.jobsRequeued.Inc()
}

// RecordMessage 記錄收到的 worker 訊息
func (c *Collector) RecordMessage(msgType string) {
	c.messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordIgnored 記錄被忽略的訊息
func (c *Collector) RecordIgnored() {
	c.messagesIgnored.Inc()
}

// RecordChunk 記錄收到分塊
func (c *Collector) RecordChunk() {
	c.chunksReceived.Inc()
}

// UpdateWorkerStats 更新 worker 狀態
func (c *Collector) UpdateWorkerStats(connected, busy int) {
	c.workersConnected.Set(float64(connected))
	c.workersBusy.Set(float64(busy))
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(waiting, processing int) {
	c.jobsWaiting.Set(float64(waiting))
	c.jobsProcessing.Set(float64(processing))
}
