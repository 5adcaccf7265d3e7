package monitor

// 便捷函数供外部调用，无需访问 Metrics 实例

// SetNATSConnected 设置NATS连接状态
func SetNATSConnected(connected bool) {
	GetMetrics().SetNATSConnected(connected)
}

// IncFeedUpdate 增加已解码的行情更新计数
func IncFeedUpdate(channel string) {
	GetMetrics().IncFeedUpdate(channel)
}

// IncFeedParseError 增加无法解码的行情负载计数
func IncFeedParseError(channel string) {
	GetMetrics().IncFeedParseError(channel)
}

// IncUpdateRelayed 增加转发到 NATS 的更新计数
func IncUpdateRelayed(channel string) {
	GetMetrics().IncUpdateRelayed(channel)
}

// IncRelayDeduped 增加去重抑制的更新计数
func IncRelayDeduped() {
	GetMetrics().IncRelayDeduped()
}

// IncRelayErrors 增加转发错误计数
func IncRelayErrors(errType string) {
	GetMetrics().IncRelayErrors(errType)
}

// SetSnapshotQueueSize 设置待落库快照数量
func SetSnapshotQueueSize(size int) {
	GetMetrics().SetSnapshotQueueSize(size)
}

// IncSnapshotQueueFull 增加快照队列满事件计数
func IncSnapshotQueueFull() {
	GetMetrics().IncSnapshotQueueFull()
}

// ObserveBatchWriteSize 观察批量写入大小
func ObserveBatchWriteSize(size int) {
	GetMetrics().ObserveBatchWriteSize(size)
}

// ObserveBatchWriteDuration 观察批量写入耗时
func ObserveBatchWriteDuration(duration float64) {
	GetMetrics().ObserveBatchWriteDuration(duration)
}

// IncBatchDedupCacheHit 增加批量写入去重缓存命中计数
func IncBatchDedupCacheHit() {
	GetMetrics().IncBatchDedupCacheHit()
}
