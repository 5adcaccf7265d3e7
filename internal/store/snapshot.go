package store

import (
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/didier3529/bradley-dataflow/internal/feed"
)

// MarketSnapshot 各频道最新行情的落库快照
// 同一 (channel, biz_key) 只保留最新一行，批量 upsert 覆盖旧值
type MarketSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Channel   string    `gorm:"size:32;uniqueIndex:uk_channel_key;not null"`
	BizKey    string    `gorm:"column:biz_key;size:128;uniqueIndex:uk_channel_key;not null"`
	Value     float64   `gorm:"not null"`
	Payload   string    `gorm:"type:text"`
	SourceTS  int64     `gorm:"column:source_ts"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (MarketSnapshot) TableName() string {
	return "market_snapshots"
}

// DedupKey 同一业务键的快照在缓冲中互相覆盖
func (s *MarketSnapshot) DedupKey() string {
	return s.Channel + ":" + s.BizKey
}

// snapshotFrom 从行情更新提取快照，提取不到业务键时返回 nil
func snapshotFrom(update *feed.Update) *MarketSnapshot {
	var key string
	var value gjson.Result

	switch update.Channel {
	case feed.ChannelPrice:
		key = gjson.GetBytes(update.Payload, "symbol").String()
		value = gjson.GetBytes(update.Payload, "price")
	case feed.ChannelNFT:
		key = gjson.GetBytes(update.Payload, "collection").String()
		value = gjson.GetBytes(update.Payload, "floorPrice")
	case feed.ChannelPortfolio:
		key = gjson.GetBytes(update.Payload, "address").String()
		value = gjson.GetBytes(update.Payload, "totalUsd")
	case feed.ChannelSentiment:
		key = gjson.GetBytes(update.Payload, "symbol").String()
		value = gjson.GetBytes(update.Payload, "score")
	default:
		return nil
	}

	if key == "" {
		return nil
	}

	return &MarketSnapshot{
		Channel:  update.Channel,
		BizKey:   key,
		Value:    cast.ToFloat64(value.Value()),
		Payload:  string(update.Payload),
		SourceTS: update.Timestamp,
	}
}
