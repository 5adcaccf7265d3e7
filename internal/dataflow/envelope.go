package dataflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 控制消息类型，其余 type 值视为业务数据按频道路由
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"
)

// 消息来源
const (
	SourceClient = "client"
	SourceServer = "server"
)

// Envelope 线路层消息单元，所有流量（包括控制消息）都使用该结构
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // 毫秒时间戳
	Source    string          `json:"source"`    // client / server
}

// channelPayload subscribe/unsubscribe 控制消息的负载
type channelPayload struct {
	Channel string `json:"channel"`
}

// NewEnvelope 创建客户端信封，payload 会被序列化后原样携带
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		Source:    SourceClient,
	}, nil
}

// newControlEnvelope 创建频道控制信封
func newControlEnvelope(msgType, channel string) *Envelope {
	env, _ := NewEnvelope(msgType, channelPayload{Channel: channel})
	return env
}

// newHeartbeatEnvelope 创建心跳信封，时间戳由对端回显后用于计算延迟
func newHeartbeatEnvelope() *Envelope {
	env, _ := NewEnvelope(TypeHeartbeat, struct{}{})
	return env
}

// ParseEnvelope 解析入站消息
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Encode 序列化信封
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
