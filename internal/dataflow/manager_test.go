package dataflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 内存版双工连接，测试侧可注入消息和断开错误
type fakeConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writes    []fakeWrite
	readErr   error
	writeErr  error
}

type fakeWrite struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return 0, nil, err
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, fakeWrite{messageType: messageType, data: cp})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// dropWith 模拟服务端以指定错误断开
func (c *fakeConn) dropWith(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.Close()
}

// push 注入一条服务端消息
func (c *fakeConn) push(t *testing.T, env *Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) pushRaw(data []byte) {
	c.inbound <- data
}

// sentEnvelopes 解析所有已写出的文本帧
func (c *fakeConn) sentEnvelopes(t *testing.T) []*Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Envelope, 0, len(c.writes))
	for _, w := range c.writes {
		if w.messageType != websocket.TextMessage {
			continue
		}
		env, err := ParseEnvelope(w.data)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// fakeDialer 可编程拨号器，failures 控制前 N 次拨号失败
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	conns    []*fakeConn
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func serverEnvelope(msgType string, payload string) *Envelope {
	return &Envelope{
		ID:        "srv-1",
		Type:      msgType,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UnixMilli(),
		Source:    SourceServer,
	}
}

func testConfig(d Dialer) Config {
	return Config{
		URL:                  "wss://data.test/ws",
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    time.Hour, // 大多数测试不关心心跳
		MessageTimeout:       200 * time.Millisecond,
		EnableLogging:        false,
		EnableMetrics:        true,
		Dialer:               d,
	}
}

func filterByType(envs []*Envelope, msgType string) []*Envelope {
	out := make([]*Envelope, 0, len(envs))
	for _, e := range envs {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

// ---- 重订阅 ----

func TestResubscribeAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	// 离线订阅，建连后统一补发
	m.Subscribe("price", func([]byte) {})
	m.Subscribe("nft", func([]byte) {})

	require.NoError(t, m.Connect(context.Background()))

	first := d.conn(0)
	subs := filterByType(first.sentEnvelopes(t), TypeSubscribe)
	require.Len(t, subs, 2)

	// 非正常关闭触发重连
	first.dropWith(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	require.Eventually(t, func() bool {
		return m.Status() == StatusConnected && d.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	second := d.conn(1)
	require.NotNil(t, second)

	// 每个仍然有效的订阅恰好补发一条 subscribe，无重复
	assert.Eventually(t, func() bool {
		return len(filterByType(second.sentEnvelopes(t), TypeSubscribe)) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	resubs := filterByType(second.sentEnvelopes(t), TypeSubscribe)
	assert.Len(t, resubs, 2)

	channels := map[string]int{}
	for _, e := range resubs {
		var p channelPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		channels[p.Channel]++
	}
	assert.Equal(t, map[string]int{"price": 1, "nft": 1}, channels)
}

func TestUnsubscribedChannelNotResubscribed(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	m.Subscribe("price", func([]byte) {})
	_, cancel := m.Subscribe("nft", func([]byte) {})
	cancel()

	require.NoError(t, m.Connect(context.Background()))

	subs := filterByType(d.conn(0).sentEnvelopes(t), TypeSubscribe)
	require.Len(t, subs, 1)

	var p channelPayload
	require.NoError(t, json.Unmarshal(subs[0].Payload, &p))
	assert.Equal(t, "price", p.Channel)
}

// ---- 离线队列 ----

func TestQueueFlushOrderBeforeResubscribe(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	m.Subscribe("price", func([]byte) {})

	for i := 1; i <= 5; i++ {
		env, err := NewEnvelope("command", map[string]int{"seq": i})
		require.NoError(t, err)
		m.Send(env)
	}
	assert.Equal(t, 5, m.Metrics().QueueSize)

	require.NoError(t, m.Connect(context.Background()))

	sent := d.conn(0).sentEnvelopes(t)
	require.Len(t, sent, 6)

	// 队列按入队顺序先冲刷，订阅补发在其后
	for i := 0; i < 5; i++ {
		assert.Equal(t, "command", sent[i].Type)
		seq := struct {
			Seq int `json:"seq"`
		}{}
		require.NoError(t, json.Unmarshal(sent[i].Payload, &seq))
		assert.Equal(t, i+1, seq.Seq)
	}
	assert.Equal(t, TypeSubscribe, sent[5].Type)
	assert.Equal(t, 0, m.Metrics().QueueSize)
}

// ---- 幂等建连与状态抑制 ----

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var notifications []Status
	var mu sync.Mutex
	m.OnStatusChange(func(s Status) {
		mu.Lock()
		notifications = append(notifications, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 1, d.dialCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, notifications)
}

func TestStatusChangeSuppression(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	count := 0
	m.OnStatusChange(func(Status) { count++ })

	m.setStatus(StatusConnecting)
	m.setStatus(StatusConnecting)
	m.setStatus(StatusConnecting)

	assert.Equal(t, 1, count)
}

// ---- 退避 ----

func TestBackoffDelay(t *testing.T) {
	base := 3 * time.Second
	assert.Equal(t, 3*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 6*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 12*time.Second, backoffDelay(base, 3))
	assert.Equal(t, 24*time.Second, backoffDelay(base, 4))
	assert.Equal(t, 30*time.Second, backoffDelay(base, 5)) // 48s 被封顶
	assert.Equal(t, 30*time.Second, backoffDelay(base, 20))
}

func TestExhaustedRetries(t *testing.T) {
	d := &fakeDialer{failures: 100}
	cfg := testConfig(d)
	cfg.MaxReconnectAttempts = 2
	m := NewManager(cfg)
	defer m.Destroy()

	err := m.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return m.Status() == StatusError
	}, 2*time.Second, 5*time.Millisecond)

	// 连续两次建连失败后停在 error，不再调度第三次
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, d.dialCount())

	// error 状态仍然接受手动 Connect
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StatusConnected, m.Status())
}

func TestDropAndRecover(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var statuses []Status
	var mu sync.Mutex
	m.OnStatusChange(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	d.conn(0).dropWith(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	require.Eventually(t, func() bool {
		return m.Status() == StatusConnected && d.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Metrics().ReconnectAttempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, StatusReconnecting)
}

// ---- 主动断开 ----

func TestCleanDisconnectNoReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var statuses []Status
	var mu sync.Mutex
	m.OnStatusChange(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, statuses)
	mu.Unlock()

	// 等足几个退避周期，确认没有自动重连
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StatusDisconnected, m.Status())

	// 断开时发送了正常关闭帧
	conn := d.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	found := false
	for _, w := range conn.writes {
		if w.messageType == websocket.CloseMessage {
			found = true
		}
	}
	assert.True(t, found, "expected close frame on disconnect")
}

// ---- 路由 ----

func TestRoutingSubstringMatch(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var priceGot, nftGot [][]byte
	var mu sync.Mutex
	m.Subscribe("price", func(p []byte) {
		mu.Lock()
		priceGot = append(priceGot, p)
		mu.Unlock()
	})
	m.Subscribe("nft", func(p []byte) {
		mu.Lock()
		nftGot = append(nftGot, p)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	payload := `{"symbol":"BTC","price":64250.5}`
	d.conn(0).push(t, serverEnvelope("price.update", payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(priceGot) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, payload, string(priceGot[0]))
	assert.Empty(t, nftGot)
}

func TestCallbackPanicIsolation(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var delivered bool
	var mu sync.Mutex
	m.Subscribe("price", func([]byte) { panic("boom") })
	m.Subscribe("price", func([]byte) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	d.conn(0).push(t, serverEnvelope("price.update", `{}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var count int
	var mu sync.Mutex
	id, _ := m.Subscribe("price", func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	conn := d.conn(0)
	conn.push(t, serverEnvelope("price.update", `{}`))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	m.Unsubscribe(id)

	// 发出了 unsubscribe 控制消息
	unsubs := filterByType(conn.sentEnvelopes(t), TypeUnsubscribe)
	require.Len(t, unsubs, 1)

	conn.push(t, serverEnvelope("price.update", `{}`))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

// ---- 心跳与指标 ----

func TestHeartbeatLatency(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewManager(cfg)
	defer m.Destroy()

	var routed bool
	var mu sync.Mutex
	m.Subscribe("heart", func([]byte) {
		mu.Lock()
		routed = true
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	conn := d.conn(0)

	var hb *Envelope
	require.Eventually(t, func() bool {
		beats := filterByType(conn.sentEnvelopes(t), TypeHeartbeat)
		if len(beats) == 0 {
			return false
		}
		hb = beats[0]
		return true
	}, time.Second, 5*time.Millisecond)

	// 回显心跳：时间戳保持不变，latency = now - 回显时间戳
	echo := *hb
	echo.Source = SourceServer
	conn.push(t, &echo)

	require.Eventually(t, func() bool {
		return m.Metrics().Latency > 0
	}, time.Second, 5*time.Millisecond)

	// 心跳只用于延迟计算，不路由给订阅者（即使频道名是其子串）
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, routed)
	assert.False(t, m.Metrics().LastHeartbeat.IsZero())
}

func TestMalformedInboundDropped(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var count int
	var mu sync.Mutex
	m.Subscribe("price", func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	conn := d.conn(0)

	conn.pushRaw([]byte(`{not json`))
	conn.push(t, serverEnvelope("price.update", `{}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.ErrorCount)
	assert.Equal(t, int64(2), metrics.MessagesReceived)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestSendCountsAndNeverPropagates(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	conn := d.conn(0)

	env, err := NewEnvelope("command", map[string]string{"op": "refresh"})
	require.NoError(t, err)
	m.Send(env)
	assert.Equal(t, SourceClient, env.Source)

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	env2, err := NewEnvelope("command", map[string]string{"op": "refresh"})
	require.NoError(t, err)
	m.Send(env2) // 不 panic、不报错

	metrics := m.Metrics()
	assert.GreaterOrEqual(t, metrics.ErrorCount, int64(1))
	assert.GreaterOrEqual(t, metrics.MessagesSent, int64(1))
}

// ---- 监听器 ----

func TestStatusListenerPanicIsolation(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	var got []Status
	var mu sync.Mutex
	m.OnStatusChange(func(Status) { panic("bad listener") })
	m.OnStatusChange(func(s Status) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, got)
}

func TestStatusListenerRemoval(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	count := 0
	remove := m.OnStatusChange(func(Status) { count++ })
	remove()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 0, count)
}

// ---- 环境保护与销毁 ----

func TestConnectWithoutTransport(t *testing.T) {
	cfg := testConfig(nil)
	m := NewManager(cfg)
	defer m.Destroy()

	assert.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestDestroyTerminal(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))

	m.Subscribe("price", func([]byte) {})
	env, _ := NewEnvelope("command", struct{}{})
	m.Send(env)

	require.NoError(t, m.Connect(context.Background()))
	m.Destroy()

	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 0, m.SubscriptionCount())
	assert.Equal(t, 0, m.Metrics().QueueSize)
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDestroyed)
}

func TestProviderLifecycle(t *testing.T) {
	d := &fakeDialer{}
	p := NewProvider(testConfig(d))

	m1 := p.Init()
	m2 := p.Init()
	assert.Same(t, m1, m2)
	assert.Same(t, m1, p.Manager())

	p.Dispose()
	assert.Nil(t, p.Manager())
	assert.ErrorIs(t, m1.Connect(context.Background()), ErrDestroyed)

	m3 := p.Init()
	assert.NotSame(t, m1, m3)
	m3.Destroy()
}

// ---- 并发冒烟 ----

func TestConcurrentSubscribeSend(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d))
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, _ := m.Subscribe(fmt.Sprintf("chan%d", n), func([]byte) {})
				env, _ := NewEnvelope("command", map[string]int{"n": n, "j": j})
				m.Send(env)
				m.Unsubscribe(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, m.SubscriptionCount())
	assert.Equal(t, StatusConnected, m.Status())
}
