package nats

import (
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/didier3529/bradley-dataflow/internal/monitor"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// Publisher NATS 发布器
type Publisher struct {
	*nats.Conn
	mu     sync.RWMutex
	closed bool
}

// NewPublisher 创建 NATS 发布器
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		Conn: conn,
	}

	// 更新指标
	monitor.SetNATSConnected(true)

	return p, nil
}

// PublishMarketUpdate 按频道主题发布行情更新
func (p *Publisher) PublishMarketUpdate(update *MarketUpdate) error {
	data, err := update.Marshal()
	if err != nil {
		return err
	}

	return p.Publish(update.Subject(), data)
}

// IsConnected 检查发布器是否已连接，空接收者视为未连接
func (p *Publisher) IsConnected() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.Conn != nil && !p.Conn.IsClosed()
}

// Close 关闭连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	// 更新指标
	monitor.SetNATSConnected(false)

	if p.Conn != nil {
		p.Conn.Close()
	}

	logger.Info().Msg("nats publisher closed")
	return nil
}
