package relay

import (
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"github.com/didier3529/bradley-dataflow/internal/feed"
	"github.com/didier3529/bradley-dataflow/internal/monitor"
	"github.com/didier3529/bradley-dataflow/internal/nats"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// Broker 行情更新的发布端，生产实现为 nats.Publisher
type Broker interface {
	PublishMarketUpdate(update *nats.MarketUpdate) error
}

// Relay 把解码后的行情更新转发到消息总线
// 发布在协程池中异步执行，重复更新在 TTL 窗口内被抑制
type Relay struct {
	broker Broker
	pool   *ants.Pool
	dedup  *gocache.Cache
	ttl    time.Duration
}

// Config Relay 构造配置
type Config struct {
	PoolSize int           // 协程池大小，默认 100
	DedupTTL time.Duration // 去重窗口，默认 5s
}

// New 创建转发器
func New(broker Broker, cfg Config) (*Relay, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 100
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Second
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create relay pool: %w", err)
	}

	return &Relay{
		broker: broker,
		pool:   pool,
		dedup:  gocache.New(cfg.DedupTTL, cfg.DedupTTL*2), // 清理间隔 = 2×TTL
		ttl:    cfg.DedupTTL,
	}, nil
}

// Consume 实现 feed.Sink，在路由回调中快速返回
func (r *Relay) Consume(update *feed.Update) {
	key := dedupKey(update)
	if _, seen := r.dedup.Get(key); seen {
		monitor.IncRelayDeduped()
		return
	}
	r.dedup.Set(key, time.Now(), gocache.DefaultExpiration)

	err := r.pool.Submit(func() { r.publish(update) })
	if err != nil {
		monitor.IncRelayErrors("pool")
		logger.Warn().Err(err).Str("channel", update.Channel).Msg("relay pool submit failed")
	}
}

func (r *Relay) publish(update *feed.Update) {
	err := r.broker.PublishMarketUpdate(&nats.MarketUpdate{
		Channel:   update.Channel,
		Type:      update.Channel + ".update",
		Payload:   update.Payload,
		Timestamp: update.Timestamp,
	})
	if err != nil {
		monitor.IncRelayErrors("publish")
		logger.Error().Err(err).Str("channel", update.Channel).Msg("publish market update failed")
		return
	}

	monitor.IncUpdateRelayed(update.Channel)
}

// Stats 获取统计信息
func (r *Relay) Stats() map[string]any {
	return map[string]any{
		"pool_running": r.pool.Running(),
		"pool_free":    r.pool.Free(),
		"dedup_count":  r.dedup.ItemCount(),
		"ttl_seconds":  r.ttl.Seconds(),
	}
}

// Close 释放协程池
func (r *Relay) Close() {
	r.pool.Release()
}

// dedupKey 去重键: 频道 + 负载中的业务标识 + 数值指纹
// 上游未携带标识字段时退化为频道 + 原始负载哈希
func dedupKey(update *feed.Update) string {
	id := gjson.GetBytes(update.Payload, "symbol").String()
	if id == "" {
		id = gjson.GetBytes(update.Payload, "collection").String()
	}
	if id == "" {
		id = gjson.GetBytes(update.Payload, "address").String()
	}
	if id == "" {
		return fmt.Sprintf("%s-%s", update.Channel, update.Payload)
	}

	// 同一标识但数值变化的更新不算重复
	value := gjson.GetBytes(update.Payload, "price").Raw
	if value == "" {
		value = gjson.GetBytes(update.Payload, "floorPrice").Raw
	}
	if value == "" {
		value = gjson.GetBytes(update.Payload, "totalUsd").Raw
	}
	if value == "" {
		value = gjson.GetBytes(update.Payload, "score").Raw
	}
	return fmt.Sprintf("%s-%s-%s", update.Channel, id, value)
}
