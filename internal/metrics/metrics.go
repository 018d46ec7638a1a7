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
// サービス層とミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(success bool, reason string)
	RecordUserDeletion(outcome string, reassigned int64)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginSuccess       prometheus.Counter
	loginFail          *prometheus.CounterVec
	userDeletions      *prometheus.CounterVec
	productsReassigned prometheus.Counter
	httpStatus         *prometheus.CounterVec
	requestLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clothman_login_success_total",
			Help: "ログイン成功の合計数",
		}),
		loginFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clothman_login_fail_total",
			Help: "ログイン失敗の合計数（理由別）",
		}, []string{"reason"}),
		userDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clothman_user_deletions_total",
			Help: "ユーザー削除要求の結果別の合計数",
		}, []string{"outcome"}),
		productsReassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clothman_products_reassigned_total",
			Help: "ユーザー削除に伴い作成者を付け替えた商品の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clothman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clothman_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.loginSuccess,
		c.loginFail,
		c.userDeletions,
		c.productsReassigned,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン結果を記録する。失敗時はreasonをラベルに付ける。
func (c *Collector) RecordLogin(success bool, reason string) {
	if success {
		c.loginSuccess.Inc()
		return
	}
	c.loginFail.WithLabelValues(reason).Inc()
}

// RecordUserDeletion はユーザー削除の結果と付け替えた商品数を記録する。
func (c *Collector) RecordUserDeletion(outcome string, reassigned int64) {
	c.userDeletions.WithLabelValues(outcome).Inc()
	if reassigned > 0 {
		c.productsReassigned.Add(float64(reassigned))
	}
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
