package nats

import (
	"encoding/json"

	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// SubjectPrefix 行情更新主题前缀，完整主题为 bradley.market_update.<channel>
const SubjectPrefix = "bradley.market_update."

// MarketUpdate 对外广播的行情更新消息
type MarketUpdate struct {
	Channel   string          `json:"channel"`   // price/nft/portfolio/sentiment
	Type      string          `json:"type"`      // 上游消息类型，如 price.update
	Payload   json.RawMessage `json:"payload"`   // 原始负载
	Timestamp int64           `json:"timestamp"` // 上游毫秒时间戳
}

// Subject 返回该更新的 NATS 主题
func (u *MarketUpdate) Subject() string {
	return SubjectPrefix + u.Channel
}

// Marshal 序列化更新
func (u *MarketUpdate) Marshal() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		logger.Error().Err(err).Str("channel", u.Channel).Msg("marshal update failed")
		return nil, err
	}
	return data, nil
}
