// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 購読リクエストの結果ラベル。
const (
	OutcomeCreated           = "created"
	OutcomeReactivated       = "reactivated"
	OutcomeAlreadyPending    = "already_pending"
	OutcomeAlreadySubscribed = "already_subscribed"
	OutcomeInvalid           = "invalid"
	OutcomeRateLimited       = "rate_limited"
	OutcomeHoneypot          = "honeypot"
	OutcomeDuplicateEmail    = "duplicate_email"
	OutcomeError             = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、HTTPミドルウェア、パージワーカーから利用する。
type MetricsCollector interface {
	RecordSubscribe(outcome string)
	RecordConfirm(success bool)
	RecordUnsubscribe(success bool)
	RecordRateLimited(scope string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	subscribe      *prometheus.CounterVec
	confirm        *prometheus.CounterVec
	unsubscribe    *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	purged         prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		subscribe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_subscribe_total",
			Help: "購読リクエストの結果別の合計数",
		}, []string{"outcome"}),
		confirm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_confirm_total",
			Help: "購読確認リクエストの結果別の合計数",
		}, []string{"result"}),
		unsubscribe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_unsubscribe_total",
			Help: "購読解除リクエストの結果別の合計数",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"scope"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsletter_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_pending_purged_total",
			Help: "パージされた未確認購読者の合計数",
		}),
	}

	reg.MustRegister(
		c.subscribe,
		c.confirm,
		c.unsubscribe,
		c.rateLimited,
		c.httpStatus,
		c.requestLatency,
		c.purged,
	)

	return c
}

// RecordSubscribe は購読リクエストの結果を記録する。
func (c *Collector) RecordSubscribe(outcome string) {
	c.subscribe.WithLabelValues(outcome).Inc()
}

// RecordConfirm は購読確認の成否を記録する。
func (c *Collector) RecordConfirm(success bool) {
	c.confirm.WithLabelValues(resultLabel(success)).Inc()
}

// RecordUnsubscribe は購読解除の成否を記録する。
func (c *Collector) RecordUnsubscribe(success bool) {
	c.unsubscribe.WithLabelValues(resultLabel(success)).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。scopeは "subscribe" または "general"。
func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordPurged はパージ件数を加算する。
func (c *Collector) RecordPurged(count int64) {
	c.purged.Add(float64(count))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
