package store

import (
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/didier3529/bradley-dataflow/internal/feed"
	"github.com/didier3529/bradley-dataflow/internal/monitor"
	"github.com/didier3529/bradley-dataflow/pkg/concurrent"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// ErrQueueFull 队列满错误
var ErrQueueFull = errors.New("snapshot queue full")

// ErrShutdownTimeout 关闭超时错误
var ErrShutdownTimeout = errors.New("shutdown timeout")

// WriterConfig 批量写入配置
type WriterConfig struct {
	BatchSize     int           // 批量大小（默认 100）
	FlushInterval time.Duration // 刷新间隔（默认 2s）
	MaxQueueSize  int           // 最大队列大小（默认 10000）
}

// Writer 快照批量写入器
// 缓冲中同一业务键互相覆盖，只有最新快照落库，降低 IO 压力
type Writer struct {
	db        *gorm.DB
	config    WriterConfig
	queue     chan *MarketSnapshot
	buffers   concurrent.Map[string, *MarketSnapshot]
	flushTick *time.Ticker
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWriter 创建批量写入器
func NewWriter(db *gorm.DB, config WriterConfig) *Writer {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}

	return &Writer{
		db:      db,
		config:  config,
		queue:   make(chan *MarketSnapshot, config.MaxQueueSize),
		buffers: concurrent.Map[string, *MarketSnapshot]{},
		done:    make(chan struct{}),
	}
}

// Start 启动批量写入器
func (w *Writer) Start() {
	w.flushTick = time.NewTicker(w.config.FlushInterval)

	// 启动接收协程
	w.wg.Add(1)
	go w.receiveLoop()

	// 启动刷新协程
	w.wg.Add(1)
	go w.flushLoop()
}

// Consume 实现 feed.Sink，队列满时丢弃并计数
func (w *Writer) Consume(update *feed.Update) {
	snap := snapshotFrom(update)
	if snap == nil {
		return
	}

	if err := w.Add(snap); err != nil {
		monitor.IncSnapshotQueueFull()
		logger.Warn().Str("channel", update.Channel).Msg("snapshot queue full, update dropped")
	}
}

// Add 添加写入项
func (w *Writer) Add(snap *MarketSnapshot) error {
	select {
	case w.queue <- snap:
		monitor.SetSnapshotQueueSize(len(w.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Writer) receiveLoop() {
	defer w.wg.Done()
	for {
		select {
		case snap := <-w.queue:
			w.buffer(snap)

			// 检查是否达到批量大小
			if w.buffers.Len() >= int64(w.config.BatchSize) {
				w.flush()
			}
		case <-w.done:
			// 处理队列中剩余的数据
			for len(w.queue) > 0 {
				w.buffer(<-w.queue)
			}
			return
		}
	}
}

func (w *Writer) buffer(snap *MarketSnapshot) {
	key := snap.DedupKey()
	if _, exists := w.buffers.Load(key); exists {
		monitor.IncBatchDedupCacheHit()
	}
	w.buffers.Store(key, snap) // 直接覆盖，只留最新值
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.flushTick.C:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

// flush 把缓冲中的快照批量 upsert 到数据库
func (w *Writer) flush() {
	var snaps []*MarketSnapshot
	var keys []string

	w.buffers.Range(func(key string, snap *MarketSnapshot) bool {
		snaps = append(snaps, snap)
		keys = append(keys, key)
		return true
	})

	if len(snaps) == 0 {
		return
	}

	start := time.Now()
	err := w.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel"}, {Name: "biz_key"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"value", "payload", "source_ts", "updated_at"}),
	}).Create(&snaps).Error

	monitor.ObserveBatchWriteSize(len(snaps))
	monitor.ObserveBatchWriteDuration(time.Since(start).Seconds())

	if err != nil {
		logger.Error().Err(err).Int("count", len(snaps)).Msg("batch upsert failed")
		return
	}
	logger.Debug().Int("count", len(snaps)).Msg("batch upsert success")

	// 只删除仍是本次落库值的条目，落库期间同键新到的快照留待下一轮
	for i, key := range keys {
		w.buffers.CompareAndDelete(key, snaps[i])
	}
	monitor.SetSnapshotQueueSize(len(w.queue))
}

// Stop 停止写入器并刷新全部缓冲数据
func (w *Writer) Stop() {
	close(w.done)
	w.wg.Wait()
	w.flush()

	if w.flushTick != nil {
		w.flushTick.Stop()
	}
}

// GracefulShutdown 优雅关闭，带超时控制
func (w *Writer) GracefulShutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("snapshot writer shutdown timeout, forcing flush")
		w.flush()
		return ErrShutdownTimeout
	}
}
