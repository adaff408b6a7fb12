package lagtracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
	"github.com/MatthewMakesMagic/poly-sub012/internal/metrics"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/config"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/logger"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/syncgroup"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SignalStore 是持久化协作方：一次 flush 批次内的所有行必须在单个事务中写入，
// 不接受部分成功。失败时整批留在内存中等待下一轮重试。
type SignalStore interface {
	InsertBatch(ctx context.Context, rows []domain.SignalRow) error
}

// TickSource 是行情订阅协作方：按标的订阅，返回退订函数。
// 每条送达的 tick 自带来源类型判别（见 domain.FeedKind）。
type TickSource interface {
	Subscribe(symbol string, handler func(domain.Tick)) (func() error, error)
}

// FlushStats 落库统计
type FlushStats struct {
	Runs          int64
	Errors        int64
	Persisted     int64
	LastFlushAtMs int64
}

// InstrumentState 单个标的的运行快照
type InstrumentState struct {
	Symbol          string
	SpotBufferLen   int
	OracleBufferLen int
	LastAnalysis    *domain.LagAnalysis
	Stability       domain.StabilitySnapshot
}

// State 是 GetState 导出的运行快照，全部为拷贝
type State struct {
	Initialized    bool
	Instruments    []InstrumentState
	PendingSignals int
	DroppedSignals int64
	Accuracy       domain.AccuracyStats
	Flush          FlushStats
	Config         *config.Config
}

// Module 是滞后追踪模块的门面：进程级生命周期（Init/GetState/Shutdown）、
// 行情订阅接线、异步落库定时器，以及策略侧消费的查询 API。
// 显式服务对象，由进程入口构造并注入各消费方；没有包级隐藏状态。
type Module struct {
	store        SignalStore
	spotSource   TickSource
	oracleSource TickSource

	mu           sync.RWMutex
	initialized  bool
	cfg          *config.Config
	tracker      *Tracker
	unsubscribes []func() error
	cancel       context.CancelFunc
	sg           *syncgroup.Group

	flushMu    sync.Mutex
	flushStats FlushStats
}

// New 创建模块门面。store / 行情源由进程入口注入（依赖倒置，便于测试替身）。
func New(store SignalStore, spotSource, oracleSource TickSource) *Module {
	return &Module{
		store:        store,
		spotSource:   spotSource,
		oracleSource: oracleSource,
	}
}

// Init 初始化模块：构造 tracker、为每个标的订阅两路行情、启动落库定时器。
// 已初始化时再次调用是无操作（幂等）。
func (m *Module) Init(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		logger.WithFields(logrus.Fields{"event": "module_init_skipped"}).Debug("模块已初始化，跳过")
		return nil
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"event":       "module_init_start",
		"instruments": cfg.Instruments,
	}).Info("滞后追踪模块初始化中")

	m.cfg = cfg
	m.tracker = NewTracker(cfg)
	m.unsubscribes = m.unsubscribes[:0]

	// 订阅两路行情；单个 tick 的处理错误只记日志，绝不拖垮订阅本身
	for _, sym := range cfg.Instruments {
		if m.spotSource != nil {
			unsub, err := m.spotSource.Subscribe(sym, m.dispatchTick)
			if err != nil {
				m.teardownSubscriptionsLocked()
				m.tracker = nil
				return fmt.Errorf("订阅现货行情失败 symbol=%s: %w", sym, err)
			}
			m.unsubscribes = append(m.unsubscribes, unsub)
		}
		if m.oracleSource != nil {
			unsub, err := m.oracleSource.Subscribe(sym, m.dispatchTick)
			if err != nil {
				m.teardownSubscriptionsLocked()
				m.tracker = nil
				return fmt.Errorf("订阅预言机行情失败 symbol=%s: %w", sym, err)
			}
			m.unsubscribes = append(m.unsubscribes, unsub)
		}
	}

	// 落库定时器：独立后台 goroutine，错误只上报日志，不阻塞行情摄入
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.sg = syncgroup.New()
	interval := time.Duration(cfg.Flush.IntervalMs) * time.Millisecond
	m.sg.Go(func() { m.flushLoop(ctx, interval) })

	m.initialized = true
	logger.WithFields(logrus.Fields{
		"event":          "lag_tracker_initialized",
		"instruments":    cfg.Instruments,
		"flush_interval": interval.String(),
	}).Info("滞后追踪模块已初始化")
	return nil
}

// dispatchTick 按来源类型路由 tick。处理过程中的任何意外都被吞掉并记日志：
// 一条坏 tick 不允许中断行情流。
func (m *Module) dispatchTick(tick domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"event":  "tick_handler_error",
				"symbol": tick.Symbol,
				"feed":   tick.Feed.String(),
				"panic":  fmt.Sprintf("%v", r),
			}).Error("tick 处理异常")
		}
	}()

	m.mu.RLock()
	tracker := m.tracker
	m.mu.RUnlock()
	if tracker == nil {
		return
	}

	switch tick.Feed {
	case domain.FeedSpot:
		tracker.HandleSpotTick(tick)
	case domain.FeedOracle:
		tracker.HandleOracleTick(tick)
	default:
		logger.WithFields(logrus.Fields{
			"event":  "tick_handler_error",
			"symbol": tick.Symbol,
			"feed":   int(tick.Feed),
		}).Warn("未知的行情来源类型，丢弃 tick")
	}
}

// flushLoop 落库循环：定时把已回填结果的信号批量写入持久化层
func (m *Module) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushOnce(ctx)
		}
	}
}

// flushOnce 执行一次落库：整批一个事务，要么全部提交并从内存移除，
// 要么全部留在 pending 集合等待下一轮重试（不存在半持久化状态）。
func (m *Module) flushOnce(ctx context.Context) {
	m.mu.RLock()
	tracker := m.tracker
	store := m.store
	m.mu.RUnlock()
	if tracker == nil || store == nil {
		return
	}

	m.flushMu.Lock()
	m.flushStats.Runs++
	m.flushMu.Unlock()
	metrics.FlushRuns.Add(1)

	ready := tracker.ReadySignals()
	if len(ready) == 0 {
		return
	}

	batchID := uuid.NewString()
	rows := make([]domain.SignalRow, 0, len(ready))
	ids := make([]int64, 0, len(ready))
	for i := range ready {
		rows = append(rows, signalToRow(&ready[i]))
		ids = append(ids, ready[i].ID)
	}

	if err := store.InsertBatch(ctx, rows); err != nil {
		m.flushMu.Lock()
		m.flushStats.Errors++
		m.flushMu.Unlock()
		metrics.FlushErrors.Add(1)
		logger.WithFields(logrus.Fields{
			"event":    "persistence_failed",
			"code":     "PERSISTENCE_ERROR",
			"batch_id": batchID,
			"count":    len(rows),
		}).Errorf("信号落库失败，保留待重试: %v", err)
		return
	}

	tracker.ClearPersisted(ids)
	metrics.SignalsPersisted.Add(int64(len(ids)))
	m.flushMu.Lock()
	m.flushStats.Persisted += int64(len(ids))
	m.flushStats.LastFlushAtMs = time.Now().UnixMilli()
	m.flushMu.Unlock()

	logger.WithFields(logrus.Fields{
		"event":    "buffer_flushed",
		"batch_id": batchID,
		"count":    len(ids),
	}).Info("信号批次已落库")
}

// signalToRow 把内存信号转换为持久化行（纯拷贝）
func signalToRow(s *domain.Signal) domain.SignalRow {
	var windowID *string
	if s.WindowID != "" {
		w := s.WindowID
		windowID = &w
	}
	return domain.SignalRow{
		TimestampMs:         s.TimestampMs,
		Symbol:              s.Symbol,
		SpotPriceAtSignal:   s.SpotPrice,
		SpotMoveDirection:   string(s.Direction),
		SpotMoveMagnitude:   s.SpotMoveMagnitude,
		OraclePriceAtSignal: s.OraclePrice,
		PredictedDirection:  string(s.Direction),
		PredictedTauMs:      s.TauMs,
		CorrelationAtTau:    s.Correlation,
		WindowID:            windowID,
		OutcomeDirection:    string(s.OutcomeDirection),
		PredictionCorrect:   s.PredictionCorrect,
		PnL:                 s.PnL,
	}
}

// Shutdown 关停模块：停定时器、逐个退订（退订失败只记日志）、做最后一次落库、
// 释放 tracker 并复位统计。未初始化时调用是安全的无操作（幂等）。
// 最后一次落库失败也不会卡住关停流程。
func (m *Module) Shutdown() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	logger.WithFields(logrus.Fields{"event": "module_shutdown_start"}).Info("滞后追踪模块关停中")

	cancel := m.cancel
	sg := m.sg
	m.teardownSubscriptionsLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sg != nil {
		sg.Wait()
	}

	// 最后一次落库机会：失败只记日志，不阻塞关停
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	m.flushOnce(flushCtx)
	flushCancel()

	m.mu.Lock()
	m.tracker = nil
	m.cancel = nil
	m.sg = nil
	m.initialized = false
	m.mu.Unlock()

	m.flushMu.Lock()
	m.flushStats = FlushStats{}
	m.flushMu.Unlock()

	logger.WithFields(logrus.Fields{"event": "module_shutdown_complete"}).Info("滞后追踪模块已关停")
}

func (m *Module) teardownSubscriptionsLocked() {
	for _, unsub := range m.unsubscribes {
		if unsub == nil {
			continue
		}
		if err := unsub(); err != nil {
			logger.WithFields(logrus.Fields{"event": "unsubscribe_error"}).Warnf("退订失败（忽略）: %v", err)
		}
	}
	m.unsubscribes = m.unsubscribes[:0]
}

// GetState 导出运行快照。未初始化时返回零值快照（Initialized=false），不抛错。
func (m *Module) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized || m.tracker == nil {
		return State{}
	}

	instruments := make([]InstrumentState, 0, len(m.cfg.Instruments))
	for _, sym := range m.cfg.Instruments {
		spotLen, oracleLen := m.tracker.BufferOccupancy(sym)
		instruments = append(instruments, InstrumentState{
			Symbol:          sym,
			SpotBufferLen:   spotLen,
			OracleBufferLen: oracleLen,
			LastAnalysis:    m.tracker.LastAnalysis(sym),
			Stability:       m.tracker.GetStability(sym),
		})
	}

	m.flushMu.Lock()
	flush := m.flushStats
	m.flushMu.Unlock()

	cfgCopy := *m.cfg
	return State{
		Initialized:    true,
		Instruments:    instruments,
		PendingSignals: m.tracker.PendingCount(),
		DroppedSignals: m.tracker.DroppedSignals(),
		Accuracy:       m.tracker.AccuracyStats(),
		Flush:          flush,
		Config:         &cfgCopy,
	}
}

// guard 校验模块已初始化且标的受支持
func (m *Module) guard(symbol string) (*Tracker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized || m.tracker == nil {
		return nil, ErrNotInitialized
	}
	if symbol != "" && !m.tracker.HasInstrument(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	return m.tracker, nil
}

// Analyze 对标的做一次滞后分析；windowMs <= 0 使用配置默认窗口。
// 数据不足返回 (nil, nil) —— 不是错误。
func (m *Module) Analyze(symbol string, windowMs int64) (*domain.LagAnalysis, error) {
	tracker, err := m.guard(symbol)
	if err != nil {
		return nil, err
	}
	return tracker.Analyze(symbol, windowMs), nil
}

// GetLagSignal 返回标的当前的交易信号视图
func (m *Module) GetLagSignal(symbol string) (domain.LagSignal, error) {
	tracker, err := m.guard(symbol)
	if err != nil {
		return domain.LagSignal{}, err
	}
	return tracker.GetLagSignal(symbol), nil
}

// GetStability 返回标的的 tau 稳定性快照
func (m *Module) GetStability(symbol string) (domain.StabilitySnapshot, error) {
	tracker, err := m.guard(symbol)
	if err != nil {
		return domain.StabilitySnapshot{}, err
	}
	return tracker.GetStability(symbol), nil
}

// CreateSignal 创建一条带生命周期的信号，返回其 id
func (m *Module) CreateSignal(symbol string, params CreateSignalParams) (int64, error) {
	tracker, err := m.guard(symbol)
	if err != nil {
		return 0, err
	}
	return tracker.CreateSignal(symbol, params), nil
}

// RecordOutcome 回填信号结果（未知 id 静默忽略）
func (m *Module) RecordOutcome(signalID int64, outcome domain.SignalOutcome) error {
	tracker, err := m.guard("")
	if err != nil {
		return err
	}
	tracker.RecordOutcome(signalID, outcome)
	return nil
}

// GetAccuracyStats 返回命中率聚合
func (m *Module) GetAccuracyStats() (domain.AccuracyStats, error) {
	tracker, err := m.guard("")
	if err != nil {
		return domain.AccuracyStats{}, err
	}
	return tracker.AccuracyStats(), nil
}
