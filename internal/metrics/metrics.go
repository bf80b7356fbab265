// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 配送ディスパッチャ、受信処理、アクターディレクトリ、ワーカーから利用する。
type MetricsCollector interface {
	// RecordDelivery は配送1件の結果を記録する（delivered, queued, failed, dead）。
	RecordDelivery(outcome string)
	// RecordDeliveryStatus は配送先inboxが返したHTTPステータスコードを記録する。
	RecordDeliveryStatus(statusCode int)
	// RecordDeliveryLatency は配送1件の所要時間を記録する。
	RecordDeliveryLatency(duration time.Duration)
	// RecordInboxActivity は受信アクティビティの種類と処理結果を記録する。
	RecordInboxActivity(activityType string, outcome string)
	// RecordSignatureFailure は署名検証失敗を理由別に記録する。
	RecordSignatureFailure(reason string)
	// RecordRemoteFetch はリモートアクター・WebFingerの取得結果を記録する（success, failure, blocked）。
	RecordRemoteFetch(outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries       *prometheus.CounterVec
	deliveryStatus   *prometheus.CounterVec
	deliveryLatency  prometheus.Histogram
	inboxActivities  *prometheus.CounterVec
	signatureFailure *prometheus.CounterVec
	remoteFetch      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedcal_deliveries_total",
			Help: "配送結果別のアクティビティ配送数",
		}, []string{"outcome"}),
		deliveryStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedcal_delivery_http_status_total",
			Help: "配送先inboxのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedcal_delivery_latency_seconds",
			Help:    "アクティビティ配送のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		inboxActivities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedcal_inbox_activities_total",
			Help: "種類・処理結果別の受信アクティビティ数",
		}, []string{"type", "outcome"}),
		signatureFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedcal_signature_failures_total",
			Help: "理由別のHTTP署名検証失敗数",
		}, []string{"reason"}),
		remoteFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedcal_remote_fetch_total",
			Help: "結果別のリモートアクター取得数",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.deliveries,
		c.deliveryStatus,
		c.deliveryLatency,
		c.inboxActivities,
		c.signatureFailure,
		c.remoteFetch,
	)

	return c
}

// RecordDelivery は配送結果を記録する。
func (c *Collector) RecordDelivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

// RecordDeliveryStatus は配送先のHTTPステータスコードを記録する。
func (c *Collector) RecordDeliveryStatus(statusCode int) {
	c.deliveryStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordDeliveryLatency は配送のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordInboxActivity は受信アクティビティを記録する。
func (c *Collector) RecordInboxActivity(activityType string, outcome string) {
	c.inboxActivities.WithLabelValues(activityType, outcome).Inc()
}

// RecordSignatureFailure は署名検証失敗を記録する。
func (c *Collector) RecordSignatureFailure(reason string) {
	c.signatureFailure.WithLabelValues(reason).Inc()
}

// RecordRemoteFetch はリモート取得結果を記録する。
func (c *Collector) RecordRemoteFetch(outcome string) {
	c.remoteFetch.WithLabelValues(outcome).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成やテストで使用する。
type Nop struct{}

func (Nop) RecordDelivery(string)               {}
func (Nop) RecordDeliveryStatus(int)            {}
func (Nop) RecordDeliveryLatency(time.Duration) {}
func (Nop) RecordInboxActivity(string, string)  {}
func (Nop) RecordSignatureFailure(string)       {}
func (Nop) RecordRemoteFetch(string)            {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
