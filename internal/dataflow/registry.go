package dataflow

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Callback 订阅回调，收到匹配频道的消息负载时被调用
type Callback func(payload []byte)

// Subscription 单个频道订阅
type Subscription struct {
	ID       string
	Channel  string
	Callback Callback

	// 取消订阅时先置 false 再移除，保证路由迭代期间的安全
	active atomic.Bool
}

// IsActive 订阅是否仍然有效
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// registry 订阅注册表，与传输状态无关；迭代按插入顺序
type registry struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	order []string
}

func newRegistry() *registry {
	return &registry{
		subs: make(map[string]*Subscription),
	}
}

// add 创建订阅，id = 频道 + 毫秒时间戳 + 随机后缀
func (r *registry) add(channel string, cb Callback) *Subscription {
	sub := &Subscription{
		ID:       fmt.Sprintf("%s_%d_%s", channel, time.Now().UnixMilli(), uuid.NewString()[:8]),
		Channel:  channel,
		Callback: cb,
	}
	sub.active.Store(true)

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.order = append(r.order, sub.ID)
	r.mu.Unlock()

	return sub
}

// remove 标记失效并移除，返回被移除的订阅
func (r *registry) remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}

	sub.active.Store(false)
	delete(r.subs, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return sub, true
}

// snapshot 按插入顺序返回所有仍然有效的订阅
func (r *registry) snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.order))
	for _, id := range r.order {
		if sub, ok := r.subs[id]; ok && sub.IsActive() {
			out = append(out, sub)
		}
	}
	return out
}

// matches 返回频道名包含于消息类型的全部有效订阅
// 注意：子串匹配是刻意保留的行为，频道名互为子串时可能产生多余投递
func (r *registry) matches(msgType string) []*Subscription {
	subs := r.snapshot()
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if strings.Contains(msgType, sub.Channel) {
			out = append(out, sub)
		}
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// clear 失效并清空所有订阅
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		sub.active.Store(false)
	}
	r.subs = make(map[string]*Subscription)
	r.order = nil
}
