package dataflow

import "time"

// Metrics 连接指标快照，由 Manager 独占维护
// Manager.Metrics() 返回副本，调用方无法篡改内部状态
type Metrics struct {
	Latency           time.Duration // 最近一次心跳往返延迟
	ReconnectAttempts int           // 当前重连次数，成功建连后归零
	MessagesReceived  int64         // 单调递增
	MessagesSent      int64         // 单调递增
	ConnectionUptime  time.Duration // 当前会话持续时间
	LastHeartbeat     time.Time     // 最近一次入站流量时间
	ErrorCount        int64         // 单调递增
	QueueSize         int           // 离线队列当前长度
}
