// ============================================================================
// queuectl Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集任務生命週期指標，由 dashboard 的 /metrics 端點暴露
//
// 指標分類:
//   1. Counter - 累計值：
//      - queuectl_jobs_enqueued_total
//      - queuectl_jobs_claimed_total
//      - queuectl_jobs_completed_total
//      - queuectl_jobs_retried_total      失敗後排入重試
//      - queuectl_jobs_dead_total         進入 DLQ
//      - queuectl_jobs_reclaimed_total    stale lease 回收
//      - queuectl_dlq_retries_total       操作者手動重試
//      - queuectl_store_errors_total      基礎設施錯誤（依操作分類）
//   2. Histogram：
//      - queuectl_job_execution_seconds   子程序執行時間（依結果分類）
//   3. Gauge：
//      - queuectl_jobs{state=...}         各狀態任務數
//
// 所有方法對 nil *Collector 安全，方便不需要指標的呼叫端。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/queuectl/pkg/types"
)

const namespace = "queuectl"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued  prometheus.Counter
	jobsClaimed   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsDead      prometheus.Counter
	jobsReclaimed prometheus.Counter
	dlqRetries    prometheus.Counter
	storeErrors   *prometheus.CounterVec

	// 效能指標
	execDuration *prometheus.HistogramVec

	// 狀態指標
	jobsByState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the collectors and registers them with reg.
// A nil reg means a fresh private registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	c := &Collector{
		jobsEnqueued:  counter("jobs_enqueued_total", "Total number of jobs enqueued"),
		jobsClaimed:   counter("jobs_claimed_total", "Total number of jobs claimed by workers"),
		jobsCompleted: counter("jobs_completed_total", "Total number of jobs completed successfully"),
		jobsRetried:   counter("jobs_retried_total", "Total number of failed executions scheduled for retry"),
		jobsDead:      counter("jobs_dead_total", "Total number of jobs moved to the dead letter queue"),
		jobsReclaimed: counter("jobs_reclaimed_total", "Total number of stale leases reverted to pending"),
		dlqRetries:    counter("dlq_retries_total", "Total number of dead jobs reset by an operator"),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store operations that failed, by operation",
		}, []string{"op"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_seconds",
			Help:      "Subprocess execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsClaimed, c.jobsCompleted, c.jobsRetried,
		c.jobsDead, c.jobsReclaimed, c.dlqRetries, c.storeErrors,
		c.execDuration, c.jobsByState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

// RecordClaim 記錄任務被認領
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
}

// RecordOutcome records the classifier's decision for one execution.
func (c *Collector) RecordOutcome(state types.JobState, seconds float64) {
	if c == nil {
		return
	}
	outcome := "failure"
	switch state {
	case types.StateCompleted:
		c.jobsCompleted.Inc()
		outcome = "success"
	case types.StateFailed:
		c.jobsRetried.Inc()
	case types.StateDead:
		c.jobsDead.Inc()
	}
	c.execDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordReclaimed 記錄回收的 stale lease 數量
func (c *Collector) RecordReclaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsReclaimed.Add(float64(n))
}

// RecordDLQRetry 記錄 DLQ 手動重試
func (c *Collector) RecordDLQRetry() {
	if c == nil {
		return
	}
	c.dlqRetries.Inc()
}

// RecordStoreError counts a failed store operation.
func (c *Collector) RecordStoreError(op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(op).Inc()
}

// UpdateQueueStats 更新各狀態任務數
func (c *Collector) UpdateQueueStats(counts types.Counts) {
	if c == nil {
		return
	}
	for _, st := range types.AllStates {
		c.jobsByState.WithLabelValues(string(st)).Set(float64(counts.Get(st)))
	}
}

// Handler serves the registry this collector was registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
