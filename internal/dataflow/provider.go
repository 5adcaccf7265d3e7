package dataflow

import "sync"

// Provider 由组合根持有的生命周期对象
// 用显式的 Init/Dispose 取代隐藏的包级单例，避免跨测试的状态耦合
type Provider struct {
	cfg Config
	mu  sync.Mutex
	mgr *Manager
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Init 创建并返回 Manager，重复调用返回同一实例
func (p *Provider) Init() *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mgr == nil {
		p.mgr = NewManager(p.cfg)
	}
	return p.mgr
}

// Manager 返回当前实例，未初始化时为 nil
func (p *Provider) Manager() *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mgr
}

// Dispose 销毁当前实例，之后可重新 Init
func (p *Provider) Dispose() {
	p.mu.Lock()
	mgr := p.mgr
	p.mgr = nil
	p.mu.Unlock()

	if mgr != nil {
		mgr.Destroy()
	}
}
