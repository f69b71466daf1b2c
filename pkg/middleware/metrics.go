package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestDurationBuckets はリクエスト処理時間ヒストグラムのバケット（秒）。
var RequestDurationBuckets = []float64{0.1, 0.3, 0.5, 1, 1.5, 2, 5}

// Metrics はサービスごとのPrometheusレジストリとHTTPメトリクスを保持する。
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

// NewMetrics はserviceラベルを定数として持つメトリクス一式を生成する。
func NewMetrics(service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, reg))

	return &Metrics{
		registry: reg,
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTPリクエストの処理時間（秒）",
				Buckets: RequestDurationBuckets,
			},
			[]string{"method", "route", "status"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTPリクエストの総数",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Registerer は追加のメトリクスを登録するためのレジストラを返す。
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Middleware はリクエストの処理時間と件数を記録するGinミドルウェアを返す。
// routeラベルにはマッチしたルートパターンを使用し、未マッチの場合は"unmatched"とする。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
	}
}

// Handler はPrometheusテキスト形式でメトリクスを公開するハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
