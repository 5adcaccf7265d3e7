package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/didier3529/bradley-dataflow/internal/dataflow"
	"github.com/didier3529/bradley-dataflow/pkg/goplus"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// ManagerRef 数据通道管理器引用接口
type ManagerRef interface {
	IsConnected() bool
	Status() dataflow.Status
	SubscriptionCount() int
	Metrics() dataflow.Metrics
}

// PublisherRef NATS发布器引用接口
type PublisherRef interface {
	IsConnected() bool
}

// HealthServer HTTP 健康检查和指标服务器
type HealthServer struct {
	addr         string
	manager      ManagerRef
	publisher    PublisherRef
	server       *http.Server
	mu           sync.RWMutex
	healthy      bool
	healthySince time.Time
	startTime    time.Time
}

// NewHealthServer 创建健康检查服务器
func NewHealthServer(addr string, manager ManagerRef, publisher PublisherRef) *HealthServer {
	return &HealthServer{
		addr:         addr,
		manager:      manager,
		publisher:    publisher,
		healthy:      true,
		healthySince: time.Now(),
		startTime:    time.Now(),
	}
}

// Start 启动HTTP服务器
func (h *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", h.healthHandler)
	mux.HandleFunc("/health/ready", h.readyHandler)
	mux.HandleFunc("/health/live", h.liveHandler)

	// Prometheus指标端点
	mux.Handle("/metrics", promhttp.Handler())

	// 服务状态端点
	mux.HandleFunc("/status", h.statusHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", h.addr).Msg("health server starting")

	goplus.Go(func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	})

	return nil
}

// Stop 停止服务器
func (h *HealthServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.healthy = false
	h.mu.Unlock()

	return h.server.Shutdown(ctx)
}

// healthHandler 健康检查处理器
func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// readyHandler 就绪检查处理器
func (h *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isReady() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// liveHandler 存活检查处理器
func (h *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusHandler 服务状态处理器
func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// isReady 检查服务是否就绪
func (h *HealthServer) isReady() bool {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()

	if !healthy {
		return false
	}

	// 数据通道断开时不接收流量
	if h.manager != nil && !h.manager.IsConnected() {
		return false
	}

	return true
}

// getHealthStatus 获取健康状态
func (h *HealthServer) getHealthStatus() HealthStatus {
	h.mu.RLock()
	healthy := h.healthy
	healthySince := h.healthySince
	h.mu.RUnlock()

	flow := DataflowStatus{Status: string(dataflow.StatusDisconnected)}
	if h.manager != nil {
		status := h.manager.Status()
		snap := h.manager.Metrics()
		flow = DataflowStatus{
			Status:        string(status),
			Connected:     status == dataflow.StatusConnected,
			Reconnecting:  status == dataflow.StatusReconnecting,
			Subscriptions: h.manager.SubscriptionCount(),
			QueueSize:     snap.QueueSize,
			LatencyMs:     snap.Latency.Milliseconds(),
		}
	}

	natsConnected := false
	if h.publisher != nil {
		natsConnected = h.publisher.IsConnected()
	}

	return HealthStatus{
		Healthy:      healthy,
		HealthySince: healthySince.Format(time.RFC3339),
		Uptime:       time.Since(h.startTime).String(),
		Dataflow:     flow,
		NATS: NATSStatus{
			Connected: natsConnected,
		},
	}
}

// HealthStatus 健康状态结构
type HealthStatus struct {
	Healthy      bool           `json:"healthy"`
	HealthySince string         `json:"healthy_since"`
	Uptime       string         `json:"uptime"`
	Dataflow     DataflowStatus `json:"dataflow"`
	NATS         NATSStatus     `json:"nats"`
}

// DataflowStatus 数据通道状态
type DataflowStatus struct {
	Status        string `json:"status"`
	Connected     bool   `json:"connected"`
	Reconnecting  bool   `json:"reconnecting"`
	Subscriptions int    `json:"subscriptions"`
	QueueSize     int    `json:"queue_size"`
	LatencyMs     int64  `json:"latency_ms"`
}

// NATSStatus NATS连接状态
type NATSStatus struct {
	Connected bool `json:"connected"`
}

// StartMetricsPoller 周期性把管理器的指标快照同步到 Prometheus
func StartMetricsPoller(ctx context.Context, ref ManagerRef, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	goplus.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := ref.Metrics()
				m := GetMetrics()
				m.SetDataflowConnected(ref.IsConnected())
				m.SetReconnectAttempts(snap.ReconnectAttempts)
				m.SetHeartbeatLatency(snap.Latency.Seconds())
				m.SetMessagesReceived(snap.MessagesReceived)
				m.SetMessagesSent(snap.MessagesSent)
				m.SetTransportErrors(snap.ErrorCount)
				m.SetOutboundQueueSize(snap.QueueSize)
				m.SetSubscriptionsCount(ref.SubscriptionCount())
			}
		}
	})
}
