package lagtracker

import (
	"math"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
)

// minCorrelationSamples 是跨源相关计算接受的最小配对样本数。
// 取 10：样本数 3 的 Pearson 相关几乎没有统计可信度，
// 分析返回"暂无结果"比返回一个噪声系数更安全。
const minCorrelationSamples = 10

// CorrelationResult 是一次跨源相关计算的输出
type CorrelationResult struct {
	Correlation float64
	SampleSize  int
}

// OptimalLag 是候选滞后搜索的输出
type OptimalLag struct {
	TauMs       int64
	Correlation float64
	SampleSize  int
}

// CrossCorrelation 计算 seriesA 领先 seriesB tauMs 毫秒时的 Pearson 相关。
// 对 A 中每个 t 时刻的点，在 B 中找距 t+tauMs 最近且在 toleranceMs 内的点配对。
// 配对数不足 minCorrelationSamples，或任一侧方差退化为零时，返回 ok=false（绝不产生 NaN）。
func CrossCorrelation(seriesA, seriesB []domain.PricePoint, tauMs, toleranceMs int64) (CorrelationResult, bool) {
	if len(seriesA) == 0 || len(seriesB) == 0 {
		return CorrelationResult{}, false
	}

	pairedA := make([]float64, 0, len(seriesA))
	pairedB := make([]float64, 0, len(seriesA))
	for _, a := range seriesA {
		target := a.TimestampMs + tauMs
		b, ok := closestPoint(seriesB, target, toleranceMs)
		if !ok {
			continue
		}
		pairedA = append(pairedA, a.Price)
		pairedB = append(pairedB, b.Price)
	}

	n := len(pairedA)
	if n < minCorrelationSamples {
		return CorrelationResult{}, false
	}

	corr, ok := pearson(pairedA, pairedB)
	if !ok {
		return CorrelationResult{}, false
	}
	return CorrelationResult{Correlation: corr, SampleSize: n}, true
}

// closestPoint 在序列中找与 targetMs 绝对距离最近的点（序列不保证按时间排好）
func closestPoint(series []domain.PricePoint, targetMs, toleranceMs int64) (domain.PricePoint, bool) {
	best := domain.PricePoint{}
	bestDist := int64(math.MaxInt64)
	for _, p := range series {
		d := p.TimestampMs - targetMs
		if d < 0 {
			d = -d
		}
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

// pearson 计算两列等长样本的 Pearson 相关系数；任一侧零方差时 ok=false
func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	if n == 0 {
		return 0, false
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}

	r := cov / math.Sqrt(varX*varY)
	// 浮点误差可能让 |r| 微超 1
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, true
}

// FindOptimalLag 在候选滞后集合上逐一评估跨源相关，取绝对相关最大的 tau；
// 绝对相关并列时取绝对值更小的 tau（更快的信号更可操作）。
// 所有候选都算不出结果时返回 ok=false。
func FindOptimalLag(seriesA, seriesB []domain.PricePoint, candidateTaus []int64, toleranceMs int64) (OptimalLag, bool) {
	const eps = 1e-12

	var best OptimalLag
	found := false
	for _, tau := range candidateTaus {
		res, ok := CrossCorrelation(seriesA, seriesB, tau, toleranceMs)
		if !ok {
			continue
		}
		if !found {
			best = OptimalLag{TauMs: tau, Correlation: res.Correlation, SampleSize: res.SampleSize}
			found = true
			continue
		}
		absCur := math.Abs(res.Correlation)
		absBest := math.Abs(best.Correlation)
		switch {
		case absCur > absBest+eps:
			best = OptimalLag{TauMs: tau, Correlation: res.Correlation, SampleSize: res.SampleSize}
		case math.Abs(absCur-absBest) <= eps && absInt64(tau) < absInt64(best.TauMs):
			best = OptimalLag{TauMs: tau, Correlation: res.Correlation, SampleSize: res.SampleSize}
		}
	}
	return best, found
}

// PValue 对"总体相关为零"的原假设做双尾检验，返回 [0,1] 的 p 值。
// t 统计量 t = r * sqrt((n-2)/(1-r^2))，用标准正态 CDF 近似转换为概率。
// 边界策略：n < 3 不可判定返回 1；|r| >= 1（含浮点微超）返回 0；结果对 r 的符号对称。
func PValue(correlation float64, sampleSize int) float64 {
	if sampleSize < 3 {
		return 1
	}
	r := math.Abs(correlation)
	if r >= 1 {
		return 0
	}

	t := r * math.Sqrt(float64(sampleSize-2)/(1-r*r))
	p := 2 * (1 - NormalCDF(t))
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// NormalCDF 标准正态分布的累积分布函数（Abramowitz–Stegun 多项式近似）。
// |x| > 8 时近似式在尾部发散，直接钳到精确的 0/1；x=0 精确返回 0.5。
func NormalCDF(x float64) float64 {
	if x == 0 {
		return 0.5
	}
	if x > 8 {
		return 1
	}
	if x < -8 {
		return 0
	}

	neg := x < 0
	if neg {
		x = -x
	}

	// Abramowitz & Stegun 26.2.17
	const (
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
		p  = 0.2316419
	)
	t := 1 / (1 + p*x)
	pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	cdf := 1 - pdf*poly

	if neg {
		return 1 - cdf
	}
	return cdf
}
