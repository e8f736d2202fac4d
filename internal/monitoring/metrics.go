package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 入站邮件指标
	WebhookDeliveries   *prometheus.CounterVec
	TransactionsTotal   *prometheus.CounterVec
	AttachmentsTotal    *prometheus.CounterVec
	AttachmentSize      prometheus.Histogram
	EmailProcessingTime *prometheus.HistogramVec

	// 抽取与匹配指标
	ExtractionsTotal   *prometheus.CounterVec
	ExtractionDuration *prometheus.HistogramVec
	MatchesTotal       *prometheus.CounterVec
	ReviewsTotal       *prometheus.CounterVec

	// 系统指标
	SystemUptime     prometheus.Gauge
	MemoryUsage      prometheus.Gauge
	WebsocketClients prometheus.Gauge
	ExtractionQueue  prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	registry  prometheus.Gatherer
	startTime time.Time
}

// NewMetrics 在默认注册表上创建监控指标
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry 在指定注册表上创建监控指标，测试中使用独立注册表
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerinbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerinbox_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerinbox_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_webhook_deliveries_total",
				Help: "Inbound webhook deliveries by outcome",
			},
			[]string{"outcome"},
		),

		TransactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_transactions_total",
				Help: "Email processing transactions entering a status",
			},
			[]string{"status", "source"},
		),

		AttachmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_attachments_total",
				Help: "PDF attachments processed by outcome",
			},
			[]string{"outcome"},
		),

		AttachmentSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "brokerinbox_attachment_size_bytes",
				Help:    "Stored attachment size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
			},
		),

		EmailProcessingTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerinbox_email_processing_seconds",
				Help:    "End-to-end ingestion time per message",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"source"},
		),

		ExtractionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_extractions_total",
				Help: "Document extraction calls by outcome",
			},
			[]string{"outcome"},
		),

		ExtractionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerinbox_extraction_duration_seconds",
				Help:    "Document extraction latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"outcome"},
		),

		MatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_matches_total",
				Help: "Client/policy match results by tier",
			},
			[]string{"match_type"},
		),

		ReviewsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_reviews_total",
				Help: "Review decisions by outcome and suggestion accuracy",
			},
			[]string{"decision", "suggestion_correct"},
		),

		SystemUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "brokerinbox_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),

		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "brokerinbox_memory_alloc_bytes",
				Help: "Allocated heap bytes",
			},
		),

		WebsocketClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "brokerinbox_websocket_clients",
				Help: "Connected reviewer websocket clients",
			},
		),

		ExtractionQueue: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "brokerinbox_extraction_queue_length",
				Help: "Extraction tasks waiting for a worker",
			},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "brokerinbox_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerinbox_rate_limit_blocks_total",
				Help: "Requests rejected by the per-tenant rate guard",
			},
			[]string{"limit_type"},
		),

		registry:  gatherer,
		startTime: time.Now(),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordWebhookDelivery 记录一次 webhook 投递结果
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordTransaction 记录交易进入某个状态
func (m *Metrics) RecordTransaction(status, source string) {
	m.TransactionsTotal.WithLabelValues(status, source).Inc()
}

// RecordAttachment 记录附件处理结果，stored 时同时记录大小
func (m *Metrics) RecordAttachment(outcome string, size int64) {
	m.AttachmentsTotal.WithLabelValues(outcome).Inc()
	if outcome == "stored" {
		m.AttachmentSize.Observe(float64(size))
	}
}

// RecordEmailProcessingTime 记录邮件处理时间
func (m *Metrics) RecordEmailProcessingTime(source string, duration time.Duration) {
	m.EmailProcessingTime.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordExtraction 记录抽取调用结果与耗时
func (m *Metrics) RecordExtraction(outcome string, duration time.Duration) {
	m.ExtractionsTotal.WithLabelValues(outcome).Inc()
	m.ExtractionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordMatch 记录匹配层级
func (m *Metrics) RecordMatch(matchType string) {
	m.MatchesTotal.WithLabelValues(matchType).Inc()
}

// RecordReview 记录审核结论
func (m *Metrics) RecordReview(decision string, suggestionCorrect bool) {
	correct := "false"
	if suggestionCorrect {
		correct = "true"
	}
	m.ReviewsTotal.WithLabelValues(decision, correct).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// SetWebsocketClients 更新在线 websocket 连接数
func (m *Metrics) SetWebsocketClients(n int) {
	m.WebsocketClients.Set(float64(n))
}

// SetExtractionQueue 更新抽取队列长度
func (m *Metrics) SetExtractionQueue(n int) {
	m.ExtractionQueue.Set(float64(n))
}

// UpdateSystemMetrics 更新运行时间与内存
func (m *Metrics) UpdateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryUsage.Set(float64(ms.Alloc))
	m.SystemUptime.Set(time.Since(m.startTime).Seconds())
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
