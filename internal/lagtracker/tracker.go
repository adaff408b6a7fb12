package lagtracker

import (
	"math"
	"sync"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
	"github.com/MatthewMakesMagic/poly-sub012/internal/metrics"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/config"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/logger"
	"github.com/sirupsen/logrus"
)

// instrumentState 是单个标的的全部可变状态：两个价格缓冲区 + tau 稳定性历史。
// 锁粒度到标的级，避免全局瓶颈：行情摄入与分析读取共用同一把锁。
type instrumentState struct {
	mu           sync.RWMutex
	spot         *PriceBuffer
	oracle       *PriceBuffer
	stability    *stabilityHistory
	lastAnalysis *domain.LagAnalysis
}

// Tracker 是滞后追踪器：独占持有各标的的缓冲区、稳定性历史与待持久化信号集合。
// 所有对外暴露的状态都是拷贝，外部永远拿不到内部缓冲区的可变引用。
type Tracker struct {
	analysisCfg  config.AnalysisConfig
	stabilityCfg config.StabilityConfig
	signalCfg    config.SignalConfig

	instruments map[string]*instrumentState

	// 信号生命周期：pending 按 id 索引，order 维护创建顺序（id 递增）
	signalMu     sync.Mutex
	pending      map[int64]*domain.Signal
	pendingOrder []int64
	nextID       int64
	dropped      int64

	totalSignals int64
	totalCorrect int64
}

// NewTracker 创建滞后追踪器
func NewTracker(cfg *config.Config) *Tracker {
	instruments := make(map[string]*instrumentState, len(cfg.Instruments))
	for _, sym := range cfg.Instruments {
		instruments[sym] = &instrumentState{
			spot:      NewPriceBuffer(cfg.Buffer.MaxSize, cfg.Buffer.MaxAgeMs, cfg.Buffer.CleanupInterval),
			oracle:    NewPriceBuffer(cfg.Buffer.MaxSize, cfg.Buffer.MaxAgeMs, cfg.Buffer.CleanupInterval),
			stability: newStabilityHistory(cfg.Stability.WindowSize, cfg.Stability.VarianceThreshold),
		}
	}
	return &Tracker{
		analysisCfg:  cfg.Analysis,
		stabilityCfg: cfg.Stability,
		signalCfg:    cfg.Signal,
		instruments:  instruments,
		pending:      make(map[int64]*domain.Signal),
		pendingOrder: make([]int64, 0, 128),
	}
}

// HasInstrument 判断标的是否在支持集合内
func (t *Tracker) HasInstrument(symbol string) bool {
	_, ok := t.instruments[symbol]
	return ok
}

// Instruments 返回支持的标的列表（拷贝）
func (t *Tracker) Instruments() []string {
	out := make([]string, 0, len(t.instruments))
	for sym := range t.instruments {
		out = append(out, sym)
	}
	return out
}

// HandleSpotTick 把现货 tick 写入对应标的的缓冲区。
// 坏数据在缓冲区层被拒收（返回 false），绝不让单条坏 tick 中断行情流。
func (t *Tracker) HandleSpotTick(tick domain.Tick) bool {
	return t.handleTick(tick, domain.FeedSpot)
}

// HandleOracleTick 把预言机 tick 写入对应标的的缓冲区
func (t *Tracker) HandleOracleTick(tick domain.Tick) bool {
	return t.handleTick(tick, domain.FeedOracle)
}

func (t *Tracker) handleTick(tick domain.Tick, feed domain.FeedKind) bool {
	st, ok := t.instruments[tick.Symbol]
	if !ok {
		metrics.TicksRejected.Add(1)
		return false
	}

	st.mu.Lock()
	var accepted bool
	switch feed {
	case domain.FeedSpot:
		accepted = st.spot.Add(tick.Price, tick.TimestampMs)
	case domain.FeedOracle:
		accepted = st.oracle.Add(tick.Price, tick.TimestampMs)
	}
	st.mu.Unlock()

	if accepted {
		metrics.TicksIngested.Add(1)
	} else {
		metrics.TicksRejected.Add(1)
	}
	return accepted
}

// Analyze 对指定标的做一次滞后分析：在候选 tau 集合上搜索最优滞后，
// 计算显著性并把 tau* 追加进稳定性历史。windowMs <= 0 时使用配置默认窗口。
// 重叠数据不足时返回 nil —— 这是常态而非异常。
//
// 分析窗口以两侧缓冲区中最新的样本时间为基准（数据时间而非墙钟），
// 超出窗口的陈旧样本在进入相关计算前就被过滤掉。
func (t *Tracker) Analyze(symbol string, windowMs int64) *domain.LagAnalysis {
	st, ok := t.instruments[symbol]
	if !ok {
		return nil
	}
	if windowMs <= 0 {
		windowMs = t.analysisCfg.WindowMs
	}

	// 快照两侧序列后立刻放锁，相关计算在锁外进行
	st.mu.RLock()
	ref := latestTimestamp(st.spot, st.oracle)
	spotSeries := st.spot.Range(ref-windowMs, ref)
	oracleSeries := st.oracle.Range(ref-windowMs, ref)
	st.mu.RUnlock()

	best, ok := FindOptimalLag(spotSeries, oracleSeries, t.analysisCfg.CandidateTausMs, t.analysisCfg.ToleranceMs)
	if !ok {
		return nil
	}

	p := PValue(best.Correlation, best.SampleSize)
	result := &domain.LagAnalysis{
		Symbol:      symbol,
		TauStarMs:   best.TauMs,
		Correlation: best.Correlation,
		SampleSize:  best.SampleSize,
		PValue:      p,
		Significant: p < t.analysisCfg.SignificanceThreshold,
		AnalyzedAt:  ref,
	}

	st.mu.Lock()
	st.stability.append(best.TauMs)
	st.lastAnalysis = result
	st.mu.Unlock()

	return result
}

// latestTimestamp 返回两个缓冲区中最新样本的时间戳
func latestTimestamp(a, b *PriceBuffer) int64 {
	var latest int64
	for _, p := range a.All() {
		if p.TimestampMs > latest {
			latest = p.TimestampMs
		}
	}
	for _, p := range b.All() {
		if p.TimestampMs > latest {
			latest = p.TimestampMs
		}
	}
	return latest
}

// GetLagSignal 从最近一次分析结果 + 现货短期变动推导交易信号。
// 触发条件：短期变动幅度、相关强度、显著性三者同时满足。
// 任一条件不满足时返回 HasSignal=false 的零值视图，不抛错。
func (t *Tracker) GetLagSignal(symbol string) domain.LagSignal {
	st, ok := t.instruments[symbol]
	if !ok {
		return domain.LagSignal{}
	}

	st.mu.RLock()
	analysis := st.lastAnalysis
	ref := latestTimestamp(st.spot, st.oracle)
	recent := st.spot.Range(ref-t.signalCfg.MoveLookbackMs, ref)
	st.mu.RUnlock()

	if analysis == nil || len(recent) < 2 {
		return domain.LagSignal{}
	}

	first := recent[0]
	last := recent[len(recent)-1]
	if first.Price <= 0 {
		return domain.LagSignal{}
	}
	move := (last.Price - first.Price) / first.Price
	magnitude := math.Abs(move)

	direction := domain.DirectionUp
	if move < 0 {
		direction = domain.DirectionDown
	}

	has := magnitude > t.signalCfg.MinMoveMagnitude &&
		math.Abs(analysis.Correlation) > t.signalCfg.MinCorrelation &&
		analysis.Significant

	return domain.LagSignal{
		HasSignal:   has,
		Direction:   direction,
		TauMs:       analysis.TauStarMs,
		Correlation: analysis.Correlation,
		Confidence:  t.confidence(analysis.Correlation, magnitude),
	}
}

// confidence 由相关强度与变动幅度合成，钳制到 [0,1]
func (t *Tracker) confidence(correlation, magnitude float64) float64 {
	magPart := 1.0
	if t.signalCfg.MinMoveMagnitude > 0 {
		magPart = math.Min(1, magnitude/(5*t.signalCfg.MinMoveMagnitude))
	}
	c := 0.6*math.Abs(correlation) + 0.4*magPart
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// GetStability 返回标的的 tau 稳定性快照
func (t *Tracker) GetStability(symbol string) domain.StabilitySnapshot {
	st, ok := t.instruments[symbol]
	if !ok {
		return domain.StabilitySnapshot{Stable: true, TauHistory: []int64{}}
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.stability.snapshot()
}

// LastAnalysis 返回标的最近一次分析结果的拷贝（尚未分析过时返回 nil）
func (t *Tracker) LastAnalysis(symbol string) *domain.LagAnalysis {
	st, ok := t.instruments[symbol]
	if !ok {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.lastAnalysis == nil {
		return nil
	}
	cp := *st.lastAnalysis
	return &cp
}

// BufferOccupancy 返回标的两侧缓冲区当前样本数
func (t *Tracker) BufferOccupancy(symbol string) (spot, oracle int) {
	st, ok := t.instruments[symbol]
	if !ok {
		return 0, 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.spot.Len(), st.oracle.Len()
}

// CreateSignalParams 是创建信号的输入
type CreateSignalParams struct {
	Direction         domain.Direction
	TauMs             int64
	Correlation       float64
	Confidence        float64
	SpotPrice         float64
	OraclePrice       float64
	SpotMoveMagnitude float64
	TimestampMs       int64
	WindowID          string
}

// CreateSignal 分配递增 id 并把信号放进待持久化集合。
// 集合达到容量上限时先淘汰最旧（id 最小）的一条并累计丢弃计数 ——
// 信号创建永不被阻塞，只会被老化淘汰。
func (t *Tracker) CreateSignal(symbol string, params CreateSignalParams) int64 {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()

	t.nextID++
	id := t.nextID

	if len(t.pendingOrder) >= t.signalCfg.MaxPending {
		oldest := t.pendingOrder[0]
		t.pendingOrder = t.pendingOrder[1:]
		delete(t.pending, oldest)
		t.dropped++
		metrics.SignalsDropped.Add(1)
		logger.WithFields(logrus.Fields{
			"event":       "signal_evicted",
			"signal_id":   oldest,
			"max_pending": t.signalCfg.MaxPending,
		}).Warn("待持久化信号达到容量上限，淘汰最旧信号")
	}

	sig := &domain.Signal{
		ID:                id,
		Symbol:            symbol,
		TimestampMs:       params.TimestampMs,
		Direction:         params.Direction,
		TauMs:             params.TauMs,
		Correlation:       params.Correlation,
		Confidence:        params.Confidence,
		SpotPrice:         params.SpotPrice,
		OraclePrice:       params.OraclePrice,
		SpotMoveMagnitude: params.SpotMoveMagnitude,
		WindowID:          params.WindowID,
	}
	t.pending[id] = sig
	t.pendingOrder = append(t.pendingOrder, id)
	metrics.SignalsCreated.Add(1)
	return id
}

// RecordOutcome 回填信号结果并增量更新命中率统计。
// 未知 id 记一条日志后静默返回（不是错误）；已回填过的信号不会二次覆盖。
func (t *Tracker) RecordOutcome(signalID int64, outcome domain.SignalOutcome) {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()

	sig, ok := t.pending[signalID]
	if !ok {
		logger.WithFields(logrus.Fields{
			"event":     "outcome_unknown_signal",
			"signal_id": signalID,
		}).Debug("收到未知信号的结果回填，忽略")
		return
	}
	if sig.Ready() {
		logger.WithFields(logrus.Fields{
			"event":     "outcome_already_recorded",
			"signal_id": signalID,
		}).Debug("信号结果已回填过，忽略重复回填")
		return
	}

	sig.OutcomeDirection = outcome.Direction
	correct := sig.Direction == outcome.Direction
	sig.PredictionCorrect = &correct
	sig.PnL = outcome.PnL

	t.totalSignals++
	if correct {
		t.totalCorrect++
	}
}

// AccuracyStats 返回进程内的命中率聚合
func (t *Tracker) AccuracyStats() domain.AccuracyStats {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()

	stats := domain.AccuracyStats{
		TotalSignals: t.totalSignals,
		TotalCorrect: t.totalCorrect,
	}
	if stats.TotalSignals > 0 {
		stats.Accuracy = float64(stats.TotalCorrect) / float64(stats.TotalSignals)
	}
	return stats
}

// PendingSignals 按创建顺序返回待持久化集合内全部信号的拷贝
// （含已回填结果的和仍在等待结果的；落库路径自行过滤前者）
func (t *Tracker) PendingSignals() []domain.Signal {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()

	out := make([]domain.Signal, 0, len(t.pendingOrder))
	for _, id := range t.pendingOrder {
		if sig, ok := t.pending[id]; ok {
			out = append(out, *sig)
		}
	}
	return out
}

// ReadySignals 返回已回填结果、可进入落库批次的信号拷贝（创建顺序）
func (t *Tracker) ReadySignals() []domain.Signal {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()

	out := make([]domain.Signal, 0, len(t.pendingOrder))
	for _, id := range t.pendingOrder {
		if sig, ok := t.pending[id]; ok && sig.Ready() {
			out = append(out, *sig)
		}
	}
	return out
}

// ClearPersisted 在持久化写入确认成功后，把这些 id 从待持久化集合移除
func (t *Tracker) ClearPersisted(ids []int64) {
	if len(ids) == 0 {
		return
	}
	t.signalMu.Lock()
	defer t.signalMu.Unlock()

	remove := make(map[int64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
		delete(t.pending, id)
	}

	kept := t.pendingOrder[:0]
	for _, id := range t.pendingOrder {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	t.pendingOrder = kept
}

// DroppedSignals 返回因容量淘汰的信号条数
func (t *Tracker) DroppedSignals() int64 {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()
	return t.dropped
}

// PendingCount 返回待持久化集合当前大小
func (t *Tracker) PendingCount() int {
	t.signalMu.Lock()
	defer t.signalMu.Unlock()
	return len(t.pendingOrder)
}
