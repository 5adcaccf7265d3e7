package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/didier3529/bradley-dataflow/pkg/goplus"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// 退避上限
const maxBackoffDelay = 30 * time.Second

var ErrDestroyed = errors.New("dataflow: manager destroyed")

// Config Manager 构造配置
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration // 退避基数，默认 3s
	MaxReconnectAttempts int           // 连续失败次数上限，默认 10
	HeartbeatInterval    time.Duration // 心跳间隔，默认 30s
	MessageTimeout       time.Duration // 建连超时，默认 10s
	EnableLogging        bool
	EnableMetrics        bool // 只控制指标导出，内部快照始终维护
	Dialer               Dialer
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		MessageTimeout:       10 * time.Second,
		EnableLogging:        true,
		EnableMetrics:        true,
		Dialer:               NewWebsocketDialer(10 * time.Second),
	}
}

type statusEntry struct {
	id int64
	fn StatusListener
}

// Manager 在易断开的物理连接之上维护一条逻辑上始终可用的数据通道：
// 对调用方隐藏重连、退避与重订阅，按频道名提供发布/订阅语义，并跟踪健康指标。
// 底层连接由 Manager 实例独占，其他代码不得直接操作。
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex // 保护以下全部可变状态
	writeMu sync.Mutex // 串行化底层写入

	status      Status
	conn        Conn
	session     uint64 // 会话代数，隔离过期会话的回调
	manualClose bool
	destroyed   bool

	registry *registry
	queue    *outboundQueue

	listeners   []statusEntry
	listenerSeq int64
	notifyMu    sync.Mutex // 保证状态通知的顺序

	reconnectTimer    *time.Timer
	reconnectAttempts int
	heartbeatStop     chan struct{}

	// 指标
	latency          time.Duration
	messagesSent     int64
	messagesReceived int64
	errorCount       int64
	lastHeartbeat    time.Time
	connectedAt      time.Time
}

// NewManager 创建连接管理器，零值字段回退到默认配置
func NewManager(cfg Config) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 10 * time.Second
	}

	log := zerolog.Nop()
	if cfg.EnableLogging {
		log = logger.L().With().Str("component", "dataflow").Logger()
	}

	return &Manager{
		cfg:      cfg,
		log:      log,
		status:   StatusDisconnected,
		registry: newRegistry(),
		queue:    newOutboundQueue(),
	}
}

// Connect 建立会话，已连接时幂等返回
// 只有发起方会收到建连失败的错误；后台重连失败仅通过状态监听器观察
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.conn != nil && m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.Dialer == nil {
		// 运行环境不提供传输，跳过而非报错
		m.mu.Unlock()
		m.log.Info().Msg("no transport available, connect skipped")
		return nil
	}
	if m.status == StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	m.manualClose = false
	m.cancelReconnectTimerLocked()
	changed := m.setStatusLocked(StatusConnecting)
	dialer := m.cfg.Dialer
	m.mu.Unlock()

	if changed {
		m.notifyStatus(StatusConnecting)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.MessageTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, m.cfg.URL)
	if err != nil {
		m.countError()
		m.log.Warn().Err(err).Str("url", m.cfg.URL).Msg("connection failed")
		m.scheduleReconnect()
		return fmt.Errorf("connect %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	if m.destroyed || m.manualClose {
		// 等待建连期间被主动关闭
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.session++
	sid := m.session
	m.reconnectAttempts = 0
	m.connectedAt = time.Now()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.setStatusLocked(StatusConnected)
	pending := m.queue.drain()
	subs := m.registry.snapshot()
	m.mu.Unlock()

	m.notifyStatus(StatusConnected)
	m.log.Info().Str("url", m.cfg.URL).Int("queued", len(pending)).
		Int("subscriptions", len(subs)).Msg("connected")

	// 先按入队顺序冲刷离线队列，再补发全部有效订阅
	for _, env := range pending {
		m.transmit(env)
	}
	for _, sub := range subs {
		m.transmit(newControlEnvelope(TypeSubscribe, sub.Channel))
	}

	goplus.Go(func() { m.readLoop(conn, sid) })
	goplus.Go(func() { m.heartbeatLoop(stop) })

	return nil
}

// Disconnect 主动断开：取消重连定时器、停止心跳、以正常关闭码关闭会话
// 该路径永不触发自动重连
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.cancelReconnectTimerLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	changed := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		m.writeMu.Unlock()
		_ = conn.Close()
	}

	if changed {
		m.notifyStatus(StatusDisconnected)
	}
	m.log.Info().Msg("disconnected")
}

// Subscribe 注册频道订阅，返回订阅 id 和取消函数
// 已连接时立即发出 subscribe 控制消息，否则等下次建连时统一补发
func (m *Manager) Subscribe(channel string, cb Callback) (string, func()) {
	sub := m.registry.add(channel, cb)

	if m.isConnected() {
		m.transmit(newControlEnvelope(TypeSubscribe, channel))
	}

	m.log.Debug().Str("channel", channel).Str("id", sub.ID).Msg("subscribed")
	return sub.ID, func() { m.Unsubscribe(sub.ID) }
}

// Unsubscribe 按 id 取消订阅，已连接时发出 unsubscribe 控制消息
func (m *Manager) Unsubscribe(id string) {
	sub, ok := m.registry.remove(id)
	if !ok {
		return
	}

	if m.isConnected() {
		m.transmit(newControlEnvelope(TypeUnsubscribe, sub.Channel))
	}

	m.log.Debug().Str("channel", sub.Channel).Str("id", id).Msg("unsubscribed")
}

// Send 连接可用时立即发送，否则入队等待下次会话冲刷
// 发送属于尽力而为，失败只记录和计数，永不向调用方上抛
func (m *Manager) Send(env *Envelope) {
	if env == nil {
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	env.Source = SourceClient

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	if m.status != StatusConnected || m.conn == nil {
		m.queue.push(env)
		qlen := m.queue.len()
		m.mu.Unlock()
		m.log.Debug().Str("type", env.Type).Int("queue_size", qlen).
			Msg("connection unavailable, message queued")
		return
	}
	m.mu.Unlock()

	m.transmit(env)
}

// Status 返回当前状态快照
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected 是否有活动会话
func (m *Manager) IsConnected() bool {
	return m.isConnected()
}

// Metrics 返回指标副本
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uptime time.Duration
	if m.status == StatusConnected && !m.connectedAt.IsZero() {
		uptime = time.Since(m.connectedAt)
	}

	return Metrics{
		Latency:           m.latency,
		ReconnectAttempts: m.reconnectAttempts,
		MessagesReceived:  m.messagesReceived,
		MessagesSent:      m.messagesSent,
		ConnectionUptime:  uptime,
		LastHeartbeat:     m.lastHeartbeat,
		ErrorCount:        m.errorCount,
		QueueSize:         m.queue.len(),
	}
}

// SubscriptionCount 当前订阅数
func (m *Manager) SubscriptionCount() int {
	return m.registry.len()
}

// OnStatusChange 注册状态监听器，返回移除函数
// 监听器按注册顺序调用，单个监听器 panic 不影响其余监听器
func (m *Manager) OnStatusChange(fn StatusListener) func() {
	m.mu.Lock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners = append(m.listeners, statusEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
	}
}

// Destroy 终止实例：断开连接并清空订阅、监听器与离线队列，之后不可复用
func (m *Manager) Destroy() {
	m.Disconnect()

	m.mu.Lock()
	m.destroyed = true
	m.listeners = nil
	m.mu.Unlock()

	m.registry.clear()
	m.queue.clear()
	m.log.Info().Msg("manager destroyed")
}

// ---- 内部实现 ----

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected && m.conn != nil && !m.destroyed
}

// setStatusLocked 变更状态，值未变化时不触发通知
func (m *Manager) setStatusLocked(status Status) bool {
	if m.status == status {
		return false
	}
	m.status = status
	return true
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	changed := m.setStatusLocked(status)
	m.mu.Unlock()
	if changed {
		m.notifyStatus(status)
	}
}

func (m *Manager) notifyStatus(status Status) {
	m.mu.Lock()
	entries := make([]statusEntry, len(m.listeners))
	copy(entries, m.listeners)
	m.mu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Msg("status listener panicked")
				}
			}()
			e.fn(status)
		}()
	}
}

func (m *Manager) countError() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

func (m *Manager) cancelReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// backoffDelay 第 attempt 次重连前的退避时间 = min(base * 2^(attempt-1), 30s)
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	if delay > maxBackoffDelay {
		return maxBackoffDelay
	}
	return delay
}

// scheduleReconnect 指数退避调度下一次重连
// 连续失败次数达到上限后停在 error 状态，等待调用方手动 Connect
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.destroyed || m.manualClose || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	if attempt >= m.cfg.MaxReconnectAttempts {
		changed := m.setStatusLocked(StatusError)
		m.mu.Unlock()
		if changed {
			m.notifyStatus(StatusError)
		}
		m.log.Error().Int("attempts", attempt).Msg("reconnect attempts exhausted")
		return
	}

	delay := backoffDelay(m.cfg.ReconnectInterval, attempt)
	changed := m.setStatusLocked(StatusReconnecting)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		// 失败时 Connect 内部会继续调度下一次退避
		_ = m.Connect(context.Background())
	})
	m.mu.Unlock()

	if changed {
		m.notifyStatus(StatusReconnecting)
	}
	m.log.Warn().Int("attempt", attempt).Dur("delay", delay).
		Msg("reconnecting with exponential backoff")
}

// transmit 将信封写入底层连接，失败只记录和计数
func (m *Manager) transmit(env *Envelope) {
	data, err := env.Encode()
	if err != nil {
		m.countError()
		m.log.Error().Err(err).Str("type", env.Type).Msg("encode envelope failed")
		return
	}

	m.writeMu.Lock()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.writeMu.Unlock()
		return
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()

	if err != nil {
		m.countError()
		m.log.Error().Err(err).Str("type", env.Type).Msg("send message failed")
		return
	}

	m.mu.Lock()
	m.messagesSent++
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn Conn, sid uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, sid, err)
			return
		}
		m.handleInbound(data)
	}
}

func (m *Manager) handleReadError(conn Conn, sid uint64, err error) {
	m.mu.Lock()
	if m.session != sid || m.conn == nil {
		// 过期会话的尾部错误
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	manual := m.manualClose || m.destroyed
	m.mu.Unlock()

	conn.Close()

	if manual {
		return
	}

	switch {
	case isNormalClose(err):
		// 对端正常关闭，不自动重连
		m.log.Info().Msg("connection closed normally by peer")
		m.setStatus(StatusDisconnected)
	case isUnexpectedClose(err):
		m.log.Warn().Err(err).Msg("connection closed unexpectedly")
		m.scheduleReconnect()
	default:
		// 运行时传输错误
		m.countError()
		m.log.Error().Err(err).Msg("transport error")
		m.setStatus(StatusError)
		m.scheduleReconnect()
	}
}

func (m *Manager) handleInbound(data []byte) {
	now := time.Now()
	m.mu.Lock()
	m.messagesReceived++
	m.lastHeartbeat = now
	m.mu.Unlock()

	env, err := ParseEnvelope(data)
	if err != nil {
		m.countError()
		m.log.Warn().Err(err).Msg("malformed inbound payload dropped")
		return
	}

	if env.Type == TypeHeartbeat {
		// 延迟 = 当前时间 - 对端回显的发送时间戳；心跳不路由给订阅者
		m.mu.Lock()
		m.latency = now.Sub(time.UnixMilli(env.Timestamp))
		m.mu.Unlock()
		return
	}

	m.route(env)
}

// route 同步路由：频道名为消息类型子串的全部有效订阅依次收到负载
func (m *Manager) route(env *Envelope) {
	for _, sub := range m.registry.matches(env.Type) {
		if !sub.IsActive() {
			continue
		}
		m.invoke(sub, env.Payload)
	}
}

// invoke 单个回调 panic 不阻断对其余订阅的投递
func (m *Manager) invoke(sub *Subscription, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("id", sub.ID).Str("channel", sub.Channel).
				Interface("panic", r).Msg("subscriber callback panicked")
		}
	}()
	sub.Callback(payload)
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.transmit(newHeartbeatEnvelope())
		}
	}
}
