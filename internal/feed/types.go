package feed

import "encoding/json"

// 仪表盘频道名，服务端消息类型以频道名为前缀（如 price.update）
const (
	ChannelPrice     = "price"
	ChannelNFT       = "nft"
	ChannelPortfolio = "portfolio"
	ChannelSentiment = "sentiment"
)

// DefaultChannels 默认订阅的全部频道
func DefaultChannels() []string {
	return []string{ChannelPrice, ChannelNFT, ChannelPortfolio, ChannelSentiment}
}

// PriceQuote 币价行情
type PriceQuote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Volume    float64 `json:"volume"`
	UpdatedAt int64   `json:"updated_at"` // 毫秒时间戳
}

// NFTFloor NFT 地板价
type NFTFloor struct {
	Collection string  `json:"collection"`
	FloorPrice float64 `json:"floor_price"`
	Currency   string  `json:"currency"`
	UpdatedAt  int64   `json:"updated_at"`
}

// PortfolioValue 投资组合估值
type PortfolioValue struct {
	Address   string  `json:"address"`
	TotalUSD  float64 `json:"total_usd"`
	Assets    int     `json:"assets"`
	UpdatedAt int64   `json:"updated_at"`
}

// SentimentScore 市场情绪
type SentimentScore struct {
	Symbol    string  `json:"symbol"`
	Score     float64 `json:"score"` // 0-100
	Label     string  `json:"label"` // fear/neutral/greed
	UpdatedAt int64   `json:"updated_at"`
}

// Update 解码成功后分发给下游的更新
type Update struct {
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // 毫秒时间戳
}

// Sink 下游消费者（NATS 转发、落库等）
// Consume 在路由回调中同步执行，实现方自行决定是否异步
type Sink interface {
	Consume(update *Update)
}
