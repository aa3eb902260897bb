// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// 起動時のセッション復元結果のラベル値
const (
	BootstrapAuthenticated   = "authenticated"
	BootstrapUnauthenticated = "unauthenticated"
	BootstrapOffline         = "offline_fallback"
	BootstrapExpired         = "expired"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理やAPIクライアントから利用する。
type MetricsCollector interface {
	RecordLoginAttempt(provider string)
	RecordLoginOutcome(provider, outcome string)
	RecordBootstrap(result string)
	RecordCallback(delivered bool)
	ObserveRequest(endpoint string, statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginAttempts  *prometheus.CounterVec
	loginOutcomes  *prometheus.CounterVec
	bootstraps     *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshare_login_attempts_total",
			Help: "プロバイダー別のログイン試行数",
		}, []string{"provider"}),
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshare_login_outcomes_total",
			Help: "プロバイダー・結果別のログイン数",
		}, []string{"provider", "outcome"}),
		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshare_bootstrap_total",
			Help: "起動時のセッション復元結果",
		}, []string{"result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshare_callbacks_total",
			Help: "受信したOAuthコールバック数",
		}, []string{"delivered"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshare_backend_http_status_total",
			Help: "バックエンドのHTTPステータスコード別レスポンス数",
		}, []string{"endpoint", "status_code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatshare_backend_request_seconds",
			Help:    "バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.loginAttempts,
		c.loginOutcomes,
		c.bootstraps,
		c.callbacks,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLoginAttempt はログイン試行を記録する。
func (c *Collector) RecordLoginAttempt(provider string) {
	c.loginAttempts.WithLabelValues(provider).Inc()
}

// RecordLoginOutcome はログイン結果を記録する。
func (c *Collector) RecordLoginOutcome(provider, outcome string) {
	c.loginOutcomes.WithLabelValues(provider, outcome).Inc()
}

// RecordBootstrap は起動時のセッション復元結果を記録する。
func (c *Collector) RecordBootstrap(result string) {
	c.bootstraps.WithLabelValues(result).Inc()
}

// RecordCallback はコールバックの受信を記録する。
func (c *Collector) RecordCallback(delivered bool) {
	c.callbacks.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

// ObserveRequest はバックエンド呼び出しのステータスとレイテンシを記録する。
// ステータス0は通信エラーを表す。
func (c *Collector) ObserveRequest(endpoint string, statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.requestLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLoginAttempt(string)                 {}
func (Nop) RecordLoginOutcome(string, string)         {}
func (Nop) RecordBootstrap(string)                    {}
func (Nop) RecordCallback(bool)                       {}
func (Nop) ObserveRequest(string, int, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
