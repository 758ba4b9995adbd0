package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 券商 API 指标
	apiCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradevault_broker_api_call_total",
			Help: "Total number of broker API calls",
		},
		[]string{"broker", "endpoint", "status"},
	)

	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradevault_broker_api_call_duration_seconds",
			Help:    "Broker API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"broker", "endpoint"},
	)

	apiRateLimitHit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradevault_broker_rate_limit_hit_total",
			Help: "Total number of broker rate limit hits",
		},
		[]string{"broker"},
	)

	// 连接指标
	connectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradevault_broker_connected",
			Help: "Broker connection status (0=disconnected, 1=connected)",
		},
		[]string{"connection", "broker"},
	)

	authRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradevault_broker_auth_refresh_total",
			Help: "Total number of OAuth token refreshes",
		},
		[]string{"broker", "status"},
	)

	// 同步指标
	syncRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradevault_sync_run_total",
			Help: "Total number of sync runs",
		},
		[]string{"connection", "broker", "status"}, // status: success, partial, skipped
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradevault_sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"connection", "broker"},
	)

	tradesImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradevault_trades_imported_total",
			Help: "Total number of trades imported from brokers",
		},
		[]string{"connection", "broker"},
	)

	positionsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradevault_positions_tracked",
			Help: "Number of open positions in the latest snapshot",
		},
		[]string{"connection", "broker"},
	)

	balancesTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradevault_balances_tracked",
			Help: "Number of non-zero balances in the latest snapshot",
		},
		[]string{"connection", "broker"},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradevault_lock_acquire_total",
			Help: "Total number of sync lock acquisitions",
		},
		[]string{"key", "status"}, // status: success, conflict, error
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradevault_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradevault_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradevault_process_cpu_percent",
			Help: "Process CPU usage percentage",
		},
	)

	processMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradevault_process_memory_mb",
			Help: "Process resident memory in megabytes",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordAPICall 记录券商 API 调用
func (pm *PrometheusMetrics) RecordAPICall(broker, endpoint, status string, duration time.Duration) {
	apiCallTotal.WithLabelValues(broker, endpoint, status).Inc()
	apiCallDuration.WithLabelValues(broker, endpoint).Observe(duration.Seconds())
}

// RecordRateLimitHit 记录券商限流
func (pm *PrometheusMetrics) RecordRateLimitHit(broker string) {
	apiRateLimitHit.WithLabelValues(broker).Inc()
}

// SetConnectionStatus 设置连接状态
func (pm *PrometheusMetrics) SetConnectionStatus(connection, broker string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	connectionStatus.WithLabelValues(connection, broker).Set(value)
}

// RecordAuthRefresh 记录 OAuth 令牌刷新
func (pm *PrometheusMetrics) RecordAuthRefresh(broker, status string) {
	authRefreshTotal.WithLabelValues(broker, status).Inc()
}

// RecordSyncRun 记录一次同步执行
func (pm *PrometheusMetrics) RecordSyncRun(connection, broker, status string, duration time.Duration) {
	syncRunTotal.WithLabelValues(connection, broker, status).Inc()
	syncDuration.WithLabelValues(connection, broker).Observe(duration.Seconds())
}

// RecordSyncSkipped 记录被锁挡掉的同步
func (pm *PrometheusMetrics) RecordSyncSkipped(connection, broker string) {
	syncRunTotal.WithLabelValues(connection, broker, "skipped").Inc()
}

// RecordTradesImported 记录导入的成交数
func (pm *PrometheusMetrics) RecordTradesImported(connection, broker string, count int) {
	if count > 0 {
		tradesImported.WithLabelValues(connection, broker).Add(float64(count))
	}
}

// SetPositionsTracked 设置最新快照的持仓数
func (pm *PrometheusMetrics) SetPositionsTracked(connection, broker string, count int) {
	positionsTracked.WithLabelValues(connection, broker).Set(float64(count))
}

// SetBalancesTracked 设置最新快照的余额条目数
func (pm *PrometheusMetrics) SetBalancesTracked(connection, broker string, count int) {
	balancesTracked.WithLabelValues(connection, broker).Set(float64(count))
}

// RecordLockAcquire 记录锁获取结果
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// SetProcessCPUPercent 设置进程 CPU 占用率
func (pm *PrometheusMetrics) SetProcessCPUPercent(percent float64) {
	processCPUPercent.Set(percent)
}

// SetProcessMemoryMB 设置进程常驻内存
func (pm *PrometheusMetrics) SetProcessMemoryMB(mb float64) {
	processMemoryMB.Set(mb)
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
