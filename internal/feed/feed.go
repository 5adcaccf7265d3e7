package feed

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/didier3529/bradley-dataflow/internal/dataflow"
	"github.com/didier3529/bradley-dataflow/internal/monitor"
	"github.com/didier3529/bradley-dataflow/pkg/concurrent"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

// 非行情频道的最新值保留时长
const defaultValueTTL = 10 * time.Minute

// Feed 把原始频道负载解码为仪表盘的类型化数据
// 保留各频道最新值供查询，并把解码成功的更新分发给已注册的下游
type Feed struct {
	mgr      *dataflow.Manager
	channels []string

	quotes concurrent.Map[string, PriceQuote] // symbol -> 最新行情
	values *gocache.Cache                     // nft/portfolio/sentiment 最新值

	mu      sync.Mutex
	sinks   []Sink
	cancels []func()
}

// New 创建行情解码层，channels 为空时订阅全部默认频道
func New(mgr *dataflow.Manager, channels []string) *Feed {
	if len(channels) == 0 {
		channels = DefaultChannels()
	}
	return &Feed{
		mgr:      mgr,
		channels: channels,
		values:   gocache.New(defaultValueTTL, 2*defaultValueTTL),
	}
}

// AddSink 注册下游消费者，必须在 Attach 之前调用
func (f *Feed) AddSink(sink Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

// Attach 在管理器上注册全部频道订阅
// 连接断开时订阅保留在注册表中，重连后由管理器自动补发
func (f *Feed) Attach() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.channels {
		channel := ch
		_, cancel := f.mgr.Subscribe(channel, func(payload []byte) {
			f.handle(channel, payload)
		})
		f.cancels = append(f.cancels, cancel)
	}

	logger.Info().Strs("channels", f.channels).Msg("feed attached")
}

// Detach 取消全部频道订阅
func (f *Feed) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
}

// Quote 返回某个交易对的最新行情
func (f *Feed) Quote(symbol string) (PriceQuote, bool) {
	return f.quotes.Load(symbol)
}

// Floor 返回某个 NFT 集合的最新地板价
func (f *Feed) Floor(collection string) (NFTFloor, bool) {
	if v, ok := f.values.Get("nft:" + collection); ok {
		return v.(NFTFloor), true
	}
	return NFTFloor{}, false
}

// Portfolio 返回某个地址的最新估值
func (f *Feed) Portfolio(address string) (PortfolioValue, bool) {
	if v, ok := f.values.Get("portfolio:" + address); ok {
		return v.(PortfolioValue), true
	}
	return PortfolioValue{}, false
}

// Sentiment 返回某个交易对的最新情绪分
func (f *Feed) Sentiment(symbol string) (SentimentScore, bool) {
	if v, ok := f.values.Get("sentiment:" + symbol); ok {
		return v.(SentimentScore), true
	}
	return SentimentScore{}, false
}

// Stats 缓存统计
func (f *Feed) Stats() map[string]any {
	return map[string]any{
		"quote_count": f.quotes.Len(),
		"value_count": f.values.ItemCount(),
	}
}

// handle 解码单条负载：缺少关键字段的负载计入解析错误并丢弃，不分发
func (f *Feed) handle(channel string, payload []byte) {
	now := time.Now().UnixMilli()

	if !f.decode(channel, payload, now) {
		monitor.IncFeedParseError(channel)
		logger.Warn().Str("channel", channel).Msg("undecodable feed payload dropped")
		return
	}

	monitor.IncFeedUpdate(channel)
	f.dispatch(&Update{
		Channel:   channel,
		Payload:   payload,
		Timestamp: now,
	})
}

func (f *Feed) decode(channel string, payload []byte, now int64) bool {
	switch channel {
	case ChannelPrice:
		symbol := gjson.GetBytes(payload, "symbol").String()
		price := gjson.GetBytes(payload, "price")
		if symbol == "" || !price.Exists() {
			return false
		}
		f.quotes.Store(symbol, PriceQuote{
			Symbol:    symbol,
			Price:     cast.ToFloat64(price.Value()),
			Change24h: cast.ToFloat64(gjson.GetBytes(payload, "change24h").Value()),
			Volume:    cast.ToFloat64(gjson.GetBytes(payload, "volume").Value()),
			UpdatedAt: now,
		})
	case ChannelNFT:
		collection := gjson.GetBytes(payload, "collection").String()
		floor := gjson.GetBytes(payload, "floorPrice")
		if collection == "" || !floor.Exists() {
			return false
		}
		f.values.Set("nft:"+collection, NFTFloor{
			Collection: collection,
			FloorPrice: cast.ToFloat64(floor.Value()),
			Currency:   gjson.GetBytes(payload, "currency").String(),
			UpdatedAt:  now,
		}, gocache.DefaultExpiration)
	case ChannelPortfolio:
		address := gjson.GetBytes(payload, "address").String()
		total := gjson.GetBytes(payload, "totalUsd")
		if address == "" || !total.Exists() {
			return false
		}
		f.values.Set("portfolio:"+address, PortfolioValue{
			Address:   address,
			TotalUSD:  cast.ToFloat64(total.Value()),
			Assets:    cast.ToInt(gjson.GetBytes(payload, "assets").Value()),
			UpdatedAt: now,
		}, gocache.DefaultExpiration)
	case ChannelSentiment:
		symbol := gjson.GetBytes(payload, "symbol").String()
		score := gjson.GetBytes(payload, "score")
		if symbol == "" || !score.Exists() {
			return false
		}
		f.values.Set("sentiment:"+symbol, SentimentScore{
			Symbol:    symbol,
			Score:     cast.ToFloat64(score.Value()),
			Label:     gjson.GetBytes(payload, "label").String(),
			UpdatedAt: now,
		}, gocache.DefaultExpiration)
	default:
		// 未知频道只透传，不做类型化解码
		return gjson.ValidBytes(payload)
	}
	return true
}

func (f *Feed) dispatch(update *Update) {
	f.mu.Lock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.Unlock()

	for _, sink := range sinks {
		sink.Consume(update)
	}
}
