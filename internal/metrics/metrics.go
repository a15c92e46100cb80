// ============================================================================
// GearGuard Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
//
// 指標分類:
//
//   1. 輪詢 (Counter / Histogram):
//      - board_polls_total{result="ok|failed"}: 輪詢次數
//      - board_poll_ticks_skipped_total: 因前一次抓取未完成而跳過的 tick
//      - board_poll_responses_discarded_total: 看板卸載後才到達的回應
//      - board_fetch_duration_seconds: 抓取耗時
//
//   2. 合併 (Counter / Histogram):
//      - board_reconcile_duration_seconds
//      - board_reconcile_records_total{outcome="replaced|shielded|removed|deferred"}
//
//   3. 樂觀變更 (Counter):
//      - board_proposals_total{result="accepted|rejected"}
//      - board_mutations_confirmed_total
//      - board_mutations_rolled_back_total
//
//   4. 狀態 (Gauge):
//      - board_pending_mutations
//      - board_requests{column="..."}
//
// Prometheus 查詢示例:
//
//   # 抓取失敗率（過期資料指標）
//   rate(board_polls_total{result="failed"}[5m]) / rate(board_polls_total[5m])
//
//   # 被伺服器拒絕的樂觀變更
//   rate(board_mutations_rolled_back_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/gearguard-board/internal/requeststore"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 輪詢
	polls          *prometheus.CounterVec
	skippedTicks   prometheus.Counter
	discarded      prometheus.Counter
	fetchLatency   prometheus.Histogram
	reconcileTime  prometheus.Histogram
	reconciledRecs *prometheus.CounterVec

	// 樂觀變更
	proposals  *prometheus.CounterVec
	confirmed  prometheus.Counter
	rolledBack prometheus.Counter

	// 狀態
	pending  prometheus.Gauge
	requests *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector 建立並註冊所有指標
//
// reg 為 nil 時使用一個新的 Registry，方便測試與多個看板實例共存。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_polls_total",
			Help: "Total number of request-collection polls by result",
		}, []string{"result"}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_poll_ticks_skipped_total",
			Help: "Ticks skipped because a fetch was still in flight",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_poll_responses_discarded_total",
			Help: "Fetch responses discarded because the board was unmounted",
		}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "board_fetch_duration_seconds",
			Help:    "Request-collection fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "board_reconcile_duration_seconds",
			Help:    "Time spent merging a snapshot into the store",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		reconciledRecs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_reconcile_records_total",
			Help: "Records processed during reconciliation by outcome",
		}, []string{"outcome"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_proposals_total",
			Help: "Drag proposals by result",
		}, []string{"result"}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_mutations_confirmed_total",
			Help: "Optimistic mutations confirmed by the server",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_mutations_rolled_back_total",
			Help: "Optimistic mutations rolled back after the server rejected them",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "board_pending_mutations",
			Help: "Current number of unconfirmed optimistic mutations",
		}),
		requests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "board_requests",
			Help: "Current number of requests per board column",
		}, []string{"column"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.polls,
		c.skippedTicks,
		c.discarded,
		c.fetchLatency,
		c.reconcileTime,
		c.reconciledRecs,
		c.proposals,
		c.confirmed,
		c.rolledBack,
		c.pending,
		c.requests,
	)

	return c
}

// RecordPoll 記錄一次抓取
func (c *Collector) RecordPoll(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.polls.WithLabelValues(result).Inc()
	c.fetchLatency.Observe(d.Seconds())
}

// RecordSkippedTick 記錄被跳過的 tick
func (c *Collector) RecordSkippedTick() {
	c.skippedTicks.Inc()
}

// RecordDiscarded 記錄被丟棄的回應
func (c *Collector) RecordDiscarded() {
	c.discarded.Inc()
}

// RecordReconcile 記錄一次合併結果
func (c *Collector) RecordReconcile(res requeststore.ReconcileResult, d time.Duration) {
	c.reconcileTime.Observe(d.Seconds())
	c.reconciledRecs.WithLabelValues("replaced").Add(float64(res.Replaced))
	c.reconciledRecs.WithLabelValues("shielded").Add(float64(res.Shielded))
	c.reconciledRecs.WithLabelValues("removed").Add(float64(res.Removed))
	c.reconciledRecs.WithLabelValues("deferred").Add(float64(res.Deferred))
	c.confirmed.Add(float64(len(res.Confirmed)))
}

// RecordProposal 記錄一次拖放提案
func (c *Collector) RecordProposal(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.proposals.WithLabelValues(result).Inc()
}

// RecordConfirmed 記錄伺服器確認
func (c *Collector) RecordConfirmed() {
	c.confirmed.Inc()
}

// RecordRollback 記錄還原
func (c *Collector) RecordRollback() {
	c.rolledBack.Inc()
}

// UpdateBoardStats 以 Store.Stats() 的結果更新 gauge
func (c *Collector) UpdateBoardStats(stats map[string]int) {
	c.pending.Set(float64(stats["pending"]))
	for _, col := range statemachine.Columns() {
		c.requests.WithLabelValues(string(col)).Set(float64(stats[string(col)]))
	}
}

// Gatherer 回傳底層 registry
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// Handler 回傳 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
