package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
//
// 所有 Record/Update 方法对 nil 接收者安全，未配置监控的组件可以直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 队列指标
	jobsEnqueued     prometheus.Counter
	jobsDeduplicated prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsRetried      prometheus.Counter
	jobsDead         prometheus.Counter
	jobsRateDeferred prometheus.Counter
	jobsStalled      prometheus.Counter
	locksLost        prometheus.Counter
	queueDepth       *prometheus.GaugeVec

	// 订单指标
	transitions     *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	// 外部依赖
	providerLatency *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec
	publishErrors   prometheus.Counter

	// 系统指标
	wsConnections prometheus.Gauge
	httpRequests  *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "oe",
		Subsystem: "pipeline",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Monitor{
		registry: reg,

		jobsEnqueued:     counter("jobs_enqueued_total", "入队任务总数"),
		jobsDeduplicated: counter("jobs_deduplicated_total", "重复入队被忽略的次数"),
		jobsCompleted:    counter("jobs_completed_total", "成功完成的任务数"),
		jobsRetried:      counter("jobs_retried_total", "退避重试的任务数"),
		jobsDead:         counter("jobs_dead_total", "重试耗尽进入死信的任务数"),
		jobsRateDeferred: counter("jobs_rate_deferred_total", "因限流被推迟的投递次数"),
		jobsStalled:      counter("jobs_stalled_total", "租约过期被放回等待队列的任务数"),
		locksLost:        counter("job_locks_lost_total", "处理中丢失租约的次数"),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "queue_depth",
			Help:      "各状态任务数",
		}, []string{"state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_transitions_total",
			Help:      "订单状态转换次数",
		}, []string{"status"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempt_duration_seconds",
			Help:      "单次处理耗时（秒）",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"result"}),

		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_latency_seconds",
			Help:      "报价/执行调用延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "source"}),
		providerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_errors_total",
			Help:      "报价/执行调用失败次数",
		}, []string{"op"}),
		publishErrors: counter("publish_errors_total", "通知发布失败次数"),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_connections",
			Help:      "当前WebSocket连接数",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP请求总数",
		}, []string{"route", "code"}),
	}

	return m
}

// 队列相关方法
func (m *Monitor) RecordJobEnqueued(added bool) {
	if m == nil {
		return
	}
	if added {
		m.jobsEnqueued.Inc()
	} else {
		m.jobsDeduplicated.Inc()
	}
}

func (m *Monitor) RecordJobCompleted() {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc()
}

func (m *Monitor) RecordJobRetried() {
	if m == nil {
		return
	}
	m.jobsRetried.Inc()
}

func (m *Monitor) RecordJobDead() {
	if m == nil {
		return
	}
	m.jobsDead.Inc()
}

func (m *Monitor) RecordRateDeferred() {
	if m == nil {
		return
	}
	m.jobsRateDeferred.Inc()
}

func (m *Monitor) RecordJobsStalled(n int) {
	if m == nil {
		return
	}
	m.jobsStalled.Add(float64(n))
}

func (m *Monitor) RecordLockLost() {
	if m == nil {
		return
	}
	m.locksLost.Inc()
}

func (m *Monitor) UpdateQueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(float64(n))
}

// 订单相关方法
func (m *Monitor) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordAttempt(result string, seconds float64) {
	if m == nil {
		return
	}
	m.attemptDuration.WithLabelValues(result).Observe(seconds)
}

// 外部依赖相关方法
func (m *Monitor) RecordProviderLatency(op, source string, seconds float64) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(op, source).Observe(seconds)
}

func (m *Monitor) RecordProviderError(op string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(op).Inc()
}

func (m *Monitor) RecordPublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// 系统相关方法
func (m *Monitor) RecordWSConnection(delta int) {
	if m == nil {
		return
	}
	m.wsConnections.Add(float64(delta))
}

func (m *Monitor) RecordHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
