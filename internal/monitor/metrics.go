package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 指标收集器
type Metrics struct {
	dataflowConnected       prometheus.Gauge
	dataflowReconnects      prometheus.Gauge
	heartbeatLatencySecs    prometheus.Gauge
	messagesReceived        prometheus.Gauge
	messagesSent            prometheus.Gauge
	transportErrors         prometheus.Gauge
	outboundQueueSize       prometheus.Gauge
	subscriptionsCount      prometheus.Gauge
	natsConnected           prometheus.Gauge
	feedUpdates             *prometheus.CounterVec
	feedParseErrors         *prometheus.CounterVec
	updatesRelayed          *prometheus.CounterVec
	relayDedupedTotal       prometheus.Counter
	relayErrors             *prometheus.CounterVec
	snapshotQueueSize       prometheus.Gauge
	snapshotQueueFullTotal  prometheus.Counter
	batchWriteSize          prometheus.Histogram
	batchWriteDurationSecs  prometheus.Histogram
	batchDedupCacheHitTotal prometheus.Counter
}

// NewMetrics 创建指标收集器
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		dataflowConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "Data feed connection status (1=connected, 0=disconnected)",
			},
		),
		dataflowReconnects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts",
				Help:      "Consecutive reconnect attempts of the current outage, 0 when healthy",
			},
		),
		heartbeatLatencySecs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heartbeat_latency_seconds",
				Help:      "Latest heartbeat round trip latency",
			},
		),
		messagesReceived: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "messages_received",
				Help:      "Total inbound messages of the manager lifetime",
			},
		),
		messagesSent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "messages_sent",
				Help:      "Total outbound messages of the manager lifetime",
			},
		),
		transportErrors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transport_errors",
				Help:      "Total transport and parse errors of the manager lifetime",
			},
		),
		outboundQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbound_queue_size",
				Help:      "Envelopes queued while the connection is unavailable",
			},
		),
		subscriptionsCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions",
				Help:      "Current number of channel subscriptions",
			},
		),
		natsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nats_connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),
		feedUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_updates_total",
				Help:      "Total typed feed updates decoded per channel",
			},
			[]string{"channel"},
		),
		feedParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_parse_errors_total",
				Help:      "Total feed payloads dropped as undecodable per channel",
			},
			[]string{"channel"},
		),
		updatesRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updates_relayed_total",
				Help:      "Total market updates published to NATS per channel",
			},
			[]string{"channel"},
		),
		relayDedupedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_deduplicated_total",
				Help:      "Total duplicate updates suppressed before publishing",
			},
		),
		relayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_errors_total",
				Help:      "Total relay publish errors",
			},
			[]string{"type"},
		),
		snapshotQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_queue_size",
				Help:      "Market snapshots waiting for batch write",
			},
		),
		snapshotQueueFullTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_queue_full_total",
				Help:      "Total snapshots dropped because the write queue was full",
			},
		),
		batchWriteSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_write_size",
				Help:      "批量写入大小分布",
				Buckets:   []float64{1, 10, 25, 50, 100, 200, 500},
			},
		),
		batchWriteDurationSecs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_write_duration_seconds",
				Help:      "批量写入耗时分布（秒）",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		batchDedupCacheHitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_dedup_cache_hit_total",
				Help:      "Total number of batch deduplication cache hits",
			},
		),
	}

	prometheus.MustRegister(
		m.dataflowConnected,
		m.dataflowReconnects,
		m.heartbeatLatencySecs,
		m.messagesReceived,
		m.messagesSent,
		m.transportErrors,
		m.outboundQueueSize,
		m.subscriptionsCount,
		m.natsConnected,
		m.feedUpdates,
		m.feedParseErrors,
		m.updatesRelayed,
		m.relayDedupedTotal,
		m.relayErrors,
		m.snapshotQueueSize,
		m.snapshotQueueFullTotal,
		m.batchWriteSize,
		m.batchWriteDurationSecs,
		m.batchDedupCacheHitTotal,
	)

	return m
}

// SetDataflowConnected 设置数据通道连接状态
func (m *Metrics) SetDataflowConnected(connected bool) {
	if connected {
		m.dataflowConnected.Set(1)
	} else {
		m.dataflowConnected.Set(0)
	}
}

// SetReconnectAttempts 设置当前重连次数
func (m *Metrics) SetReconnectAttempts(count int) {
	m.dataflowReconnects.Set(float64(count))
}

// SetHeartbeatLatency 设置心跳往返延迟（秒）
func (m *Metrics) SetHeartbeatLatency(seconds float64) {
	m.heartbeatLatencySecs.Set(seconds)
}

// SetMessagesReceived 设置入站消息总数
func (m *Metrics) SetMessagesReceived(count int64) {
	m.messagesReceived.Set(float64(count))
}

// SetMessagesSent 设置出站消息总数
func (m *Metrics) SetMessagesSent(count int64) {
	m.messagesSent.Set(float64(count))
}

// SetTransportErrors 设置错误总数
func (m *Metrics) SetTransportErrors(count int64) {
	m.transportErrors.Set(float64(count))
}

// SetOutboundQueueSize 设置离线队列长度
func (m *Metrics) SetOutboundQueueSize(size int) {
	m.outboundQueueSize.Set(float64(size))
}

// SetSubscriptionsCount 设置订阅数量
func (m *Metrics) SetSubscriptionsCount(count int) {
	m.subscriptionsCount.Set(float64(count))
}

// SetNATSConnected 设置NATS连接状态
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
}

// IncFeedUpdate 增加已解码的行情更新计数
func (m *Metrics) IncFeedUpdate(channel string) {
	m.feedUpdates.WithLabelValues(channel).Inc()
}

// IncFeedParseError 增加无法解码的行情负载计数
func (m *Metrics) IncFeedParseError(channel string) {
	m.feedParseErrors.WithLabelValues(channel).Inc()
}

// IncUpdateRelayed 增加转发到 NATS 的更新计数
func (m *Metrics) IncUpdateRelayed(channel string) {
	m.updatesRelayed.WithLabelValues(channel).Inc()
}

// IncRelayDeduped 增加去重抑制的更新计数
func (m *Metrics) IncRelayDeduped() {
	m.relayDedupedTotal.Inc()
}

// IncRelayErrors 增加转发错误计数
func (m *Metrics) IncRelayErrors(errType string) {
	m.relayErrors.WithLabelValues(errType).Inc()
}

// SetSnapshotQueueSize 设置待落库快照数量
func (m *Metrics) SetSnapshotQueueSize(size int) {
	m.snapshotQueueSize.Set(float64(size))
}

// IncSnapshotQueueFull 增加快照队列满事件计数
func (m *Metrics) IncSnapshotQueueFull() {
	m.snapshotQueueFullTotal.Inc()
}

// ObserveBatchWriteSize 观察批量写入大小
func (m *Metrics) ObserveBatchWriteSize(size int) {
	m.batchWriteSize.Observe(float64(size))
}

// ObserveBatchWriteDuration 观察批量写入耗时
func (m *Metrics) ObserveBatchWriteDuration(duration float64) {
	m.batchWriteDurationSecs.Observe(duration)
}

// IncBatchDedupCacheHit 增加批量写入去重缓存命中计数
func (m *Metrics) IncBatchDedupCacheHit() {
	m.batchDedupCacheHitTotal.Inc()
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics 获取全局指标收集器
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics("bradley_dataflow")
	})
	return globalMetrics
}

// InitMetrics 初始化指标收集器（供main使用）
func InitMetrics() {
	GetMetrics()
}
