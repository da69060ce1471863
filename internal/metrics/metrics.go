// Package metrics 定义 outbox 投影的 Prometheus 指标契约。指标名与 label 取值固定，启动即预热。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
)

// 幂等空操作原因
const (
	NoopNotFound         = "not_found"
	NoopReadModelMissing = "read_model_missing"
	NoopSuperseded       = "superseded"
)

// bulk 请求结果
const (
	BulkSuccess = "success"
	BulkPartial = "partial"
	BulkFailed  = "failed"
)

// bulk 单项结果
const (
	ItemSuccess = "success"
	ItemFailure = "failure"
)

// bulk 单项失败分类
const (
	ClassTooMany = "429"
	Class4xx     = "4xx"
	Class5xx     = "5xx"
	ClassUnknown = "unknown"
	ClassOther   = "other"
	ClassRequest = "request"
)

var (
	bulkResults      = []string{BulkSuccess, BulkPartial, BulkFailed}
	bulkItemOps      = []string{"index", "delete"}
	bulkItemResults  = []string{ItemSuccess, ItemFailure}
	bulkItemClasses  = []string{ClassTooMany, Class4xx, Class5xx, ClassUnknown, ClassOther, ClassRequest}
	noopReasons      = []string{NoopNotFound, NoopReadModelMissing, NoopSuperseded}
	defaultDurations = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
)

// Metrics 指标集合，使用独立 Registry，避免测试之间互相污染
type Metrics struct {
	Registry *prometheus.Registry

	Processed        *prometheus.CounterVec
	Failed           *prometheus.CounterVec
	RetryScheduled   *prometheus.CounterVec
	TerminalFailed   *prometheus.CounterVec
	IdempotentNoop   *prometheus.CounterVec
	OwnerMismatch    prometheus.Counter
	BulkRequests     *prometheus.CounterVec
	BulkItems        *prometheus.CounterVec
	BulkItemFailures *prometheus.CounterVec
	BulkDuration     prometheus.Histogram

	Claimed   prometheus.Counter
	Reclaimed prometheus.Counter
	Sanitized prometheus.Counter
	Released  prometheus.Counter

	Lag         prometheus.Gauge
	Inflight    prometheus.Gauge
	Stuck       prometheus.Gauge
	OldestAge   prometheus.Gauge
	LastSuccess prometheus.Gauge
	Ready       prometheus.Gauge

	RebuildDuration *prometheus.GaugeVec
	RebuildFinished *prometheus.GaugeVec
	RebuildSuccess  *prometheus.GaugeVec
}

// New 创建并注册全部指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_processed_total", Help: "Outbox events applied to the index and marked done.",
		}, []string{"op"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failed_total", Help: "Failed outbox apply attempts.",
		}, []string{"op", "reason"}),
		RetryScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_retry_scheduled_total", Help: "Outbox events re-queued with backoff.",
		}, []string{"op", "reason"}),
		TerminalFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_terminal_failed_total", Help: "Outbox events moved to failed.",
		}, []string{"op", "reason"}),
		IdempotentNoop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_idempotent_noop_total", Help: "Outbox events that had no effect on the index.",
		}, []string{"op", "reason"}),
		OwnerMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_owner_mismatch_skips_total", Help: "Rows skipped because this worker no longer owns them.",
		}),
		BulkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_es_bulk_requests_total", Help: "Bulk requests by outcome.",
		}, []string{"result"}),
		BulkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_es_bulk_items_total", Help: "Bulk items by action and outcome.",
		}, []string{"op", "result"}),
		BulkItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_es_bulk_item_failures_total", Help: "Failed bulk items by status class.",
		}, []string{"op", "failure_class"}),
		BulkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "outbox_es_bulk_request_duration_seconds", Help: "Bulk request latency.", Buckets: defaultDurations,
		}),
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_claimed_total", Help: "Rows claimed by this worker.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_reclaimed_total", Help: "Stuck processing rows returned to pending.",
		}),
		Sanitized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_sanitized_total", Help: "Terminal rows repaired by sanitize.",
		}),
		Released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_released_total", Help: "Claimed rows released back to pending on shutdown or deferral.",
		}),
		Lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_lag_events", Help: "Rows not yet processed (pending or processing).",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_inflight_events", Help: "Events currently being applied by this worker.",
		}),
		Stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_stuck_processing_events", Help: "Processing rows past lease or max processing time.",
		}),
		OldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_oldest_age_seconds", Help: "Age of the oldest unprocessed row.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_last_success_timestamp_seconds", Help: "Unix time of the last successful apply.",
		}),
		Ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_worker_ready", Help: "1 when the worker is READY, 0 when DRAINING.",
		}),
		RebuildDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_projection_last_rebuild_duration_seconds", Help: "Duration of the last projection rebuild.",
		}, []string{"projection"}),
		RebuildFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_projection_last_rebuild_finished_timestamp_seconds", Help: "Finish time of the last projection rebuild.",
		}, []string{"projection"}),
		RebuildSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_projection_last_rebuild_success", Help: "1 if the last projection rebuild succeeded.",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.Processed, m.Failed, m.RetryScheduled, m.TerminalFailed, m.IdempotentNoop, m.OwnerMismatch,
		m.BulkRequests, m.BulkItems, m.BulkItemFailures, m.BulkDuration,
		m.Claimed, m.Reclaimed, m.Sanitized, m.Released,
		m.Lag, m.Inflight, m.Stuck, m.OldestAge, m.LastSuccess, m.Ready,
		m.RebuildDuration, m.RebuildFinished, m.RebuildSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.prewarm()
	return m
}

// prewarm 为所有枚举 label 组合创建零值序列，数据缺失即可被观测
func (m *Metrics) prewarm() {
	for _, op := range model.Ops {
		o := string(op)
		m.Processed.WithLabelValues(o)
		for _, r := range fault.FailureReasons() {
			m.Failed.WithLabelValues(o, r.String())
			m.RetryScheduled.WithLabelValues(o, r.String())
			m.TerminalFailed.WithLabelValues(o, r.String())
		}
		for _, r := range noopReasons {
			m.IdempotentNoop.WithLabelValues(o, r)
		}
	}
	for _, r := range bulkResults {
		m.BulkRequests.WithLabelValues(r)
	}
	for _, op := range bulkItemOps {
		for _, r := range bulkItemResults {
			m.BulkItems.WithLabelValues(op, r)
		}
		for _, c := range bulkItemClasses {
			m.BulkItemFailures.WithLabelValues(op, c)
		}
	}
}

// Handler /metrics 文本暴露
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// FailureClass bulk 单项失败分类
func FailureClass(r fault.Reason) string {
	switch r {
	case fault.ReasonES429:
		return ClassTooMany
	case fault.ReasonES4xx:
		return Class4xx
	case fault.ReasonES5xx:
		return Class5xx
	case fault.ReasonESUnknown:
		return ClassUnknown
	case fault.ReasonESOther:
		return ClassOther
	default:
		return ClassRequest
	}
}
