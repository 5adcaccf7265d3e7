package dataflow

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 底层双工连接，Manager 实例独占持有
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 建立底层连接；为 nil 时视为运行环境不提供传输，Connect 直接跳过
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsDialer 基于 gorilla/websocket 的默认拨号器
type wsDialer struct {
	handshakeTimeout time.Duration
}

// NewWebsocketDialer 创建 WebSocket 拨号器
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &wsDialer{handshakeTimeout: handshakeTimeout}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial error: %w", err)
	}
	return conn, nil
}

// isNormalClose 对端以正常关闭码结束会话
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// isUnexpectedClose 非正常关闭码的断开
func isUnexpectedClose(err error) bool {
	if _, ok := err.(*websocket.CloseError); ok {
		return !isNormalClose(err)
	}
	return false
}
