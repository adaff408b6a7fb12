package domain

import "math"

// FeedKind 表示行情来源类型（现货 / 预言机结算源）
type FeedKind int

const (
	// FeedSpot 交易所现货行情（高频，领先指标）
	FeedSpot FeedKind = iota
	// FeedOracle 预言机结算价行情（低频，市场以它结算）
	FeedOracle
)

// String 返回可读的来源名
func (k FeedKind) String() string {
	switch k {
	case FeedSpot:
		return "spot"
	case FeedOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

// Tick 表示一条行情记录
type Tick struct {
	Symbol      string   // 标的符号，例如 "btc"
	Price       float64  // 价格
	TimestampMs int64    // 毫秒时间戳
	Feed        FeedKind // 来源类型
}

// PricePoint 表示缓冲区内的一个 (价格, 时间戳) 采样点，入库后不可变
type PricePoint struct {
	Price       float64
	TimestampMs int64
}

// Valid 校验采样点：价格必须为正的有限数，时间戳必须为非负
func (p PricePoint) Valid() bool {
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
		return false
	}
	if p.TimestampMs < 0 {
		return false
	}
	return true
}
