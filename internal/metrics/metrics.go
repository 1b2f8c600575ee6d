// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 照合（ユーザー登録確認）の結果ラベル
const (
	ReconcileExists       = "exists"
	ReconcileCreated      = "created"
	ReconcileLookupFailed = "lookup_failed"
	ReconcileCreateFailed = "create_failed"
)

// 変換の結果ラベル
const (
	ConversionSuccess     = "success"
	ConversionFailed      = "failed"
	ConversionNoOp        = "noop"
	ConversionUnsupported = "unsupported"
	ConversionInProgress  = "in_progress"
	ConversionRateLimited = "rate_limited"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやサービス層から利用する。
type MetricsCollector interface {
	RecordSignIn(success bool)
	RecordReconciliation(outcome string)
	RecordConversion(outcome string)
	RecordConversionLatency(duration time.Duration)
	RecordGuardRedirect()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIns           *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
	conversions       *prometheus.CounterVec
	conversionLatency prometheus.Histogram
	guardRedirects    prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgconv_signin_total",
			Help: "サインイン（コード交換）の結果別の合計数",
		}, []string{"result"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgconv_user_reconciliation_total",
			Help: "バックエンドユーザー照合の結果別の合計数",
		}, []string{"outcome"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgconv_conversion_total",
			Help: "画像変換リクエストの結果別の合計数",
		}, []string{"outcome"}),
		conversionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imgconv_conversion_latency_seconds",
			Help:    "バックエンド変換呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		guardRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgconv_guard_redirect_total",
			Help: "保護パスからログインへリダイレクトした回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgconv_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.signIns,
		c.reconciliations,
		c.conversions,
		c.conversionLatency,
		c.guardRedirects,
		c.httpStatus,
	)

	return c
}

// RecordSignIn はサインインの結果を記録する。
func (c *Collector) RecordSignIn(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.signIns.WithLabelValues(result).Inc()
}

// RecordReconciliation はユーザー照合の結果を記録する。
func (c *Collector) RecordReconciliation(outcome string) {
	c.reconciliations.WithLabelValues(outcome).Inc()
}

// RecordConversion は変換の結果を記録する。
func (c *Collector) RecordConversion(outcome string) {
	c.conversions.WithLabelValues(outcome).Inc()
}

// RecordConversionLatency は変換のレイテンシを記録する。
func (c *Collector) RecordConversionLatency(duration time.Duration) {
	c.conversionLatency.Observe(duration.Seconds())
}

// RecordGuardRedirect はルートガードによるリダイレクトを記録する。
func (c *Collector) RecordGuardRedirect() {
	c.guardRedirects.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時とテストで使う。
type Nop struct{}

func (Nop) RecordSignIn(bool)                     {}
func (Nop) RecordReconciliation(string)           {}
func (Nop) RecordConversion(string)               {}
func (Nop) RecordConversionLatency(time.Duration) {}
func (Nop) RecordGuardRedirect()                  {}
func (Nop) RecordHTTPStatus(int)                  {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
