package lagtracker

import "github.com/MatthewMakesMagic/poly-sub012/internal/domain"

// stabilityHistory 维护某个标的最近若干次分析得到的 tau* 滚动窗口，
// 用方差衡量滞后关系是否稳定（低方差 = 不是噪声）。
type stabilityHistory struct {
	taus              []int64
	windowSize        int
	varianceThreshold float64
}

func newStabilityHistory(windowSize int, varianceThreshold float64) *stabilityHistory {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &stabilityHistory{
		taus:              make([]int64, 0, windowSize),
		windowSize:        windowSize,
		varianceThreshold: varianceThreshold,
	}
}

// append 记录一次新的 tau*，超出窗口时淘汰最旧的
func (h *stabilityHistory) append(tauMs int64) {
	h.taus = append(h.taus, tauMs)
	if len(h.taus) > h.windowSize {
		copy(h.taus, h.taus[1:])
		h.taus = h.taus[:len(h.taus)-1]
	}
}

// variance 返回窗口内 tau 的总体方差（ms^2），空窗口为 0
func (h *stabilityHistory) variance() float64 {
	n := len(h.taus)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, t := range h.taus {
		sum += float64(t)
	}
	mean := sum / float64(n)

	var acc float64
	for _, t := range h.taus {
		d := float64(t) - mean
		acc += d * d
	}
	return acc / float64(n)
}

// snapshot 导出稳定性快照（拷贝）。空历史按定义视为稳定：尚无不稳定的证据。
func (h *stabilityHistory) snapshot() domain.StabilitySnapshot {
	hist := make([]int64, len(h.taus))
	copy(hist, h.taus)

	v := h.variance()
	return domain.StabilitySnapshot{
		Stable:     len(h.taus) == 0 || v < h.varianceThreshold,
		TauHistory: hist,
		Variance:   v,
	}
}
