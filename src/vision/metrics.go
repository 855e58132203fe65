package vision

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 识别服务的 Prometheus 指标，nil 时所有方法为空操作
type Metrics struct {
	scanOutcomes     *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	aiDuration       *prometheus.HistogramVec
	aiFailures       *prometheus.CounterVec
	panicRecoveries  prometheus.Counter
	floodRejects     prometheus.Counter

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
}

// NewMetrics 在 reg 上注册全部指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scanOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nutriscan_scan_outcomes_total",
			Help: "Authenticated scan requests by audit status",
		}, []string{"status"}),
		rateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nutriscan_rate_limit_denials_total",
			Help: "Scans denied by the daily quota, by dimension",
		}, []string{"reason"}),
		aiDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nutriscan_ai_request_duration_seconds",
			Help:    "Latency of vision provider calls",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 10, 15, 20},
		}, []string{"provider"}),
		aiFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nutriscan_ai_failures_total",
			Help: "Failed vision provider calls",
		}, []string{"provider"}),
		panicRecoveries: f.NewCounter(prometheus.CounterOpts{
			Name: "nutriscan_panic_recoveries_total",
			Help: "Panics recovered while processing a scan",
		}),
		floodRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "nutriscan_flood_rejects_total",
			Help: "Requests rejected by the process-wide request rate guard",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nutriscan_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nutriscan_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "nutriscan_http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		}),
	}
}

// RegisterAuditCounters 导出审计记录器的丢弃和失败计数
func RegisterAuditCounters(reg prometheus.Registerer, dropped, failed func() uint64) {
	f := promauto.With(reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "nutriscan_audit_dropped_total",
		Help: "Audit entries dropped because the queue was full or closed",
	}, func() float64 { return float64(dropped()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "nutriscan_audit_failed_total",
		Help: "Audit entries that could not be written",
	}, func() float64 { return float64(failed()) })
}

func (m *Metrics) outcome(status string) {
	if m == nil {
		return
	}
	m.scanOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) rateLimited(reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeAI(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.aiDuration.WithLabelValues(provider).Observe(d.Seconds())
	if err != nil {
		m.aiFailures.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) panicRecovered() {
	if m == nil {
		return
	}
	m.panicRecoveries.Inc()
}

func (m *Metrics) floodRejected() {
	if m == nil {
		return
	}
	m.floodRejects.Inc()
}

// Middleware 记录请求数、延迟和并发数；path 使用路由模板避免标签膨胀
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
