package dataflow

// Status 连接状态，同一时刻只有一个值生效
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// StatusListener 状态变更监听器
type StatusListener func(status Status)
