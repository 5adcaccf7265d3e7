package dataflow

import (
	"sync"

	"github.com/eapache/queue"
)

// outboundQueue 离线期间暂存待发送信封的 FIFO 队列
// 会话建立后按入队顺序先于重订阅消息发出
type outboundQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{
		q: queue.New(),
	}
}

func (oq *outboundQueue) push(env *Envelope) {
	oq.mu.Lock()
	oq.q.Add(env)
	oq.mu.Unlock()
}

// drain 按入队顺序取出全部信封并清空队列
func (oq *outboundQueue) drain() []*Envelope {
	oq.mu.Lock()
	defer oq.mu.Unlock()

	out := make([]*Envelope, 0, oq.q.Length())
	for oq.q.Length() > 0 {
		out = append(out, oq.q.Remove().(*Envelope))
	}
	return out
}

func (oq *outboundQueue) len() int {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	return oq.q.Length()
}

func (oq *outboundQueue) clear() {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	for oq.q.Length() > 0 {
		oq.q.Remove()
	}
}
