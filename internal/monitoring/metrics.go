package monitoring

import (
	"net/http"
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

	// 信封指标
	EnvelopesEnqueued  *prometheus.CounterVec
	EnvelopesFetched   prometheus.Counter
	EnvelopesAcked     prometheus.Counter
	EnvelopesPurged    prometheus.Counter
	EnvelopeSize       prometheus.Histogram
	QuotaRejections    *prometheus.CounterVec
	PayloadRejections  prometheus.Counter
	MailboxUsedBytes   *prometheus.GaugeVec

	// 回收任务指标
	ReaperRuns       *prometheus.CounterVec
	ReaperDeleted    *prometheus.CounterVec
	ReaperBytesFreed *prometheus.CounterVec
	ReaperDuration   prometheus.Histogram

	// 对账任务指标
	ReconcilerRuns      *prometheus.CounterVec
	ReconcilerScanned   prometheus.Counter
	ReconcilerRepaired  prometheus.Counter
	ReconcilerFailed    prometheus.Counter
	ReconcilerDrift     prometheus.Gauge
	ReconcilerDuration  prometheus.Histogram

	// 限流与滥用指标
	RateLimitHits   *prometheus.CounterVec
	RateLimitBlocks *prometheus.CounterVec
	AbuseBlocks     *prometheus.CounterVec

	// 系统指标
	SystemUptime        prometheus.Gauge
	DatabaseConnections prometheus.Gauge
	RedisConnections    prometheus.Gauge
	WebsocketClients    prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletrelay_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletrelay_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		// 信封指标
		EnvelopesEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_envelopes_enqueued_total",
				Help: "Total number of envelopes accepted",
			},
			[]string{"tier"},
		),

		EnvelopesFetched: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_envelopes_fetched_total",
				Help: "Total number of envelopes delivered to recipients",
			},
		),

		EnvelopesAcked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_envelopes_acked_total",
				Help: "Total number of envelopes acknowledged and deleted",
			},
		),

		EnvelopesPurged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_envelopes_purged_total",
				Help: "Total number of envelopes removed by mailbox purge",
			},
		),

		EnvelopeSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "walletrelay_envelope_size_bytes",
				Help:    "Size of accepted envelope ciphertexts in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 4, 10),
			},
		),

		QuotaRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_quota_rejections_total",
				Help: "Total number of envelopes rejected by quota check",
			},
			[]string{"tier"},
		),

		PayloadRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_payload_rejections_total",
				Help: "Total number of envelopes rejected by the global size cap",
			},
		),

		MailboxUsedBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walletrelay_mailbox_used_bytes",
				Help: "Bytes retained per tier, refreshed by the reaper",
			},
			[]string{"tier"},
		),

		// 回收任务指标
		ReaperRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_reaper_runs_total",
				Help: "Total number of reaper passes by result",
			},
			[]string{"result"},
		),

		ReaperDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_reaper_deleted_total",
				Help: "Total number of expired envelopes deleted by the reaper",
			},
			[]string{"tier"},
		),

		ReaperBytesFreed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_reaper_bytes_freed_total",
				Help: "Total bytes freed by the reaper",
			},
			[]string{"tier"},
		),

		ReaperDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "walletrelay_reaper_duration_seconds",
				Help:    "Reaper pass duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// 对账任务指标
		ReconcilerRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_reconciler_runs_total",
				Help: "Total number of reconciliation passes by result",
			},
			[]string{"result"},
		),

		ReconcilerScanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_reconciler_scanned_total",
				Help: "Total number of envelopes scanned by the reconciler",
			},
		),

		ReconcilerRepaired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_reconciler_repaired_total",
				Help: "Total number of envelopes re-appended to the history store",
			},
		),

		ReconcilerFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_reconciler_repair_failed_total",
				Help: "Total number of failed history repair attempts",
			},
		),

		ReconcilerDrift: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletrelay_reconciler_drift",
				Help: "Unrepaired relay/history drift observed by the last pass",
			},
		),

		ReconcilerDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "walletrelay_reconciler_duration_seconds",
				Help:    "Reconciliation pass duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// 限流与滥用指标
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_rate_limit_hits_total",
				Help: "Total number of requests rejected by rate limiting",
			},
			[]string{"route", "scope"},
		),

		RateLimitBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_rate_limit_blocked_total",
				Help: "Total number of requests rejected by an active abuse block",
			},
			[]string{"route", "scope"},
		),

		AbuseBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_abuse_blocks_total",
				Help: "Total number of abuse blocks applied",
			},
			[]string{"scope"},
		),

		// 系统指标
		SystemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletrelay_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		DatabaseConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletrelay_database_connections",
				Help: "Number of database connections",
			},
		),

		RedisConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletrelay_redis_connections",
				Help: "Number of Redis connections",
			},
		),

		WebsocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletrelay_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		// 错误指标
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrelay_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrelay_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordEnqueue 记录信封入队
func (m *Metrics) RecordEnqueue(tier string, size int64) {
	m.EnvelopesEnqueued.WithLabelValues(tier).Inc()
	m.EnvelopeSize.Observe(float64(size))
}

// RecordQuotaRejection 记录配额拒绝
func (m *Metrics) RecordQuotaRejection(tier string) {
	m.QuotaRejections.WithLabelValues(tier).Inc()
}

// RecordFetched 记录投递给收件人的信封数
func (m *Metrics) RecordFetched(count int) {
	m.EnvelopesFetched.Add(float64(count))
}

// RecordAcked 记录确认删除的信封数
func (m *Metrics) RecordAcked(count int64) {
	m.EnvelopesAcked.Add(float64(count))
}

// RecordPurged 记录清空邮箱删除的信封数
func (m *Metrics) RecordPurged(count int) {
	m.EnvelopesPurged.Add(float64(count))
}

// RecordReaperPass 记录一次回收任务的结果
func (m *Metrics) RecordReaperPass(result string, duration time.Duration) {
	m.ReaperRuns.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.ReaperDuration.Observe(duration.Seconds())
	}
}

// RecordReaperTier 记录回收任务按档位的删除量
func (m *Metrics) RecordReaperTier(tier string, deleted int64, bytesFreed int64) {
	m.ReaperDeleted.WithLabelValues(tier).Add(float64(deleted))
	m.ReaperBytesFreed.WithLabelValues(tier).Add(float64(bytesFreed))
}

// RecordReconcilerPass 记录一次对账任务的结果
func (m *Metrics) RecordReconcilerPass(result string, duration time.Duration) {
	m.ReconcilerRuns.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.ReconcilerDuration.Observe(duration.Seconds())
	}
}

// RecordRateLimitHit 记录限流命中
func (m *Metrics) RecordRateLimitHit(route, scope string) {
	m.RateLimitHits.WithLabelValues(route, scope).Inc()
}

// RecordRateLimitBlock 记录封禁拦截
func (m *Metrics) RecordRateLimitBlock(route, scope string) {
	m.RateLimitBlocks.WithLabelValues(route, scope).Inc()
}

// RecordAbuseBlock 记录滥用封禁生效
func (m *Metrics) RecordAbuseBlock(scope string) {
	m.AbuseBlocks.WithLabelValues(scope).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
