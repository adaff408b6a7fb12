package lagtracker

import (
	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
)

// PriceBuffer 是单一行情源的有界价格缓冲区：按到达顺序追加（时间戳不保证单调），
// 按条数与时间双重限界。年龄清理是摊销的：每 cleanupInterval 次 add 触发一次，
// 因此缓冲区可能短暂持有超龄样本，但会在有界次数的追加内被移除。
//
// 非并发安全：由持有它的 tracker 负责加锁。
type PriceBuffer struct {
	points          []domain.PricePoint
	maxSize         int
	maxAgeMs        int64
	cleanupInterval int
	addCount        int
}

// NewPriceBuffer 创建价格缓冲区
func NewPriceBuffer(maxSize int, maxAgeMs int64, cleanupInterval int) *PriceBuffer {
	if maxSize <= 0 {
		maxSize = 5000
	}
	if maxAgeMs <= 0 {
		maxAgeMs = 10 * 60 * 1000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 100
	}
	return &PriceBuffer{
		points:          make([]domain.PricePoint, 0, 256),
		maxSize:         maxSize,
		maxAgeMs:        maxAgeMs,
		cleanupInterval: cleanupInterval,
	}
}

// Add 校验并追加一个样本。校验失败返回 false 且不做任何修改，
// 这样行情处理循环不会因为单条坏数据中断。
func (b *PriceBuffer) Add(price float64, timestampMs int64) bool {
	p := domain.PricePoint{Price: price, TimestampMs: timestampMs}
	if !p.Valid() {
		return false
	}

	b.points = append(b.points, p)
	b.addCount++

	// 条数上限每次 add 都维护；年龄清理按周期摊销
	if len(b.points) > b.maxSize {
		b.dropOldest(len(b.points) - b.maxSize)
	}
	if b.addCount%b.cleanupInterval == 0 {
		b.evictAged(timestampMs)
	}
	return true
}

// dropOldest 丢弃最早追加的 n 个样本，不改变幸存者顺序
func (b *PriceBuffer) dropOldest(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.points) {
		b.points = b.points[:0]
		return
	}
	// 复用底层数组，避免频繁分配
	copy(b.points, b.points[n:])
	b.points = b.points[:len(b.points)-n]
}

// evictAged 移除相对 refMs 超过 maxAgeMs 的样本（单趟扫描）
func (b *PriceBuffer) evictAged(refMs int64) {
	cutoff := refMs - b.maxAgeMs
	kept := b.points[:0]
	for _, p := range b.points {
		if p.TimestampMs >= cutoff {
			kept = append(kept, p)
		}
	}
	b.points = kept
}

// Range 返回时间戳落在 [fromMs, toMs]（含端点）内的样本，保持追加顺序
func (b *PriceBuffer) Range(fromMs, toMs int64) []domain.PricePoint {
	out := make([]domain.PricePoint, 0, 64)
	for _, p := range b.points {
		if p.TimestampMs >= fromMs && p.TimestampMs <= toMs {
			out = append(out, p)
		}
	}
	return out
}

// FindClosest 返回与 targetMs 绝对时间距离最近的样本；
// 最近样本的距离超过 toleranceMs 时返回 false
func (b *PriceBuffer) FindClosest(targetMs, toleranceMs int64) (domain.PricePoint, bool) {
	if len(b.points) == 0 {
		return domain.PricePoint{}, false
	}
	best := b.points[0]
	bestDist := absInt64(best.TimestampMs - targetMs)
	for _, p := range b.points[1:] {
		d := absInt64(p.TimestampMs - targetMs)
		if d < bestDist {
			best = p
			bestDist = d
		}
	}
	if bestDist > toleranceMs {
		return domain.PricePoint{}, false
	}
	return best, true
}

// All 返回全部样本的拷贝
func (b *PriceBuffer) All() []domain.PricePoint {
	out := make([]domain.PricePoint, len(b.points))
	copy(out, b.points)
	return out
}

// Len 返回当前样本数
func (b *PriceBuffer) Len() int {
	return len(b.points)
}

// Clear 清空缓冲区
func (b *PriceBuffer) Clear() {
	b.points = b.points[:0]
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
