package lagtracker

import (
	"math"
	"testing"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Instruments = []string{"btc"}
	cfg.Analysis.CandidateTausMs = []int64{250, 500, 1000, 2000}
	cfg.Analysis.ToleranceMs = 60
	cfg.Analysis.WindowMs = 60000
	cfg.Signal.MaxPending = 1000
	return cfg
}

func feedLaggedSeries(tr *Tracker, n int, lagMs int64) {
	price := func(i int) float64 { return 100 + 5*math.Sin(float64(i)/3) }
	for i := 0; i < n; i++ {
		ts := int64(i) * 100
		tr.HandleSpotTick(domain.Tick{Symbol: "btc", Price: price(i), TimestampMs: ts, Feed: domain.FeedSpot})
		tr.HandleOracleTick(domain.Tick{Symbol: "btc", Price: price(i), TimestampMs: ts + lagMs, Feed: domain.FeedOracle})
	}
}

func TestTracker_HandleTick(t *testing.T) {
	tr := NewTracker(testConfig())

	if !tr.HandleSpotTick(domain.Tick{Symbol: "btc", Price: 50000, TimestampMs: 1000}) {
		t.Fatalf("合法 tick 应被接受")
	}
	if tr.HandleSpotTick(domain.Tick{Symbol: "btc", Price: -1, TimestampMs: 1000}) {
		t.Fatalf("坏价格应被拒收")
	}
	if tr.HandleSpotTick(domain.Tick{Symbol: "doge", Price: 0.1, TimestampMs: 1000}) {
		t.Fatalf("未知标的应被拒收")
	}

	spot, oracle := tr.BufferOccupancy("btc")
	if spot != 1 || oracle != 0 {
		t.Fatalf("occupancy got=(%d,%d) want=(1,0)", spot, oracle)
	}
}

func TestTracker_AnalyzeRecoversLag(t *testing.T) {
	tr := NewTracker(testConfig())
	feedLaggedSeries(tr, 80, 1000)

	res := tr.Analyze("btc", 0)
	if res == nil {
		t.Fatalf("数据充足时应有分析结果")
	}
	if res.TauStarMs != 1000 {
		t.Fatalf("TauStarMs got=%d want=1000", res.TauStarMs)
	}
	if res.Correlation < 0.999 {
		t.Fatalf("Correlation got=%f want≈1", res.Correlation)
	}
	if !res.Significant {
		t.Fatalf("高相关大样本应显著 p=%f", res.PValue)
	}

	// 分析结果被缓存且 tau* 进入稳定性历史
	if la := tr.LastAnalysis("btc"); la == nil || la.TauStarMs != 1000 {
		t.Fatalf("LastAnalysis got=%+v", la)
	}
	if snap := tr.GetStability("btc"); len(snap.TauHistory) != 1 || snap.TauHistory[0] != 1000 {
		t.Fatalf("稳定性历史 got=%+v", snap)
	}
}

func TestTracker_AnalyzeInsufficientData(t *testing.T) {
	tr := NewTracker(testConfig())
	if res := tr.Analyze("btc", 0); res != nil {
		t.Fatalf("空缓冲区应返回 nil got=%+v", res)
	}
	if res := tr.Analyze("doge", 0); res != nil {
		t.Fatalf("未知标的应返回 nil")
	}

	// 只有零星几个点
	tr.HandleSpotTick(domain.Tick{Symbol: "btc", Price: 100, TimestampMs: 0})
	tr.HandleOracleTick(domain.Tick{Symbol: "btc", Price: 100, TimestampMs: 0})
	if res := tr.Analyze("btc", 0); res != nil {
		t.Fatalf("样本不足应返回 nil got=%+v", res)
	}
}

func TestTracker_GetLagSignal(t *testing.T) {
	cfg := testConfig()
	cfg.Signal.MinMoveMagnitude = 0.0005
	cfg.Signal.MoveLookbackMs = 3000
	tr := NewTracker(cfg)

	// 无分析结果时永远没有信号
	if sig := tr.GetLagSignal("btc"); sig.HasSignal {
		t.Fatalf("无分析结果不应有信号")
	}

	feedLaggedSeries(tr, 80, 1000)
	if res := tr.Analyze("btc", 0); res == nil {
		t.Fatalf("分析失败")
	}

	// 注入一段明确的上行行情，时间上远离历史序列，使回看窗口内只有这两个点
	base := int64(20000)
	tr.HandleSpotTick(domain.Tick{Symbol: "btc", Price: 100, TimestampMs: base})
	tr.HandleSpotTick(domain.Tick{Symbol: "btc", Price: 101, TimestampMs: base + 500})

	sig := tr.GetLagSignal("btc")
	if !sig.HasSignal {
		t.Fatalf("条件齐备时应有信号 got=%+v", sig)
	}
	if sig.Direction != domain.DirectionUp {
		t.Fatalf("Direction got=%s want=up", sig.Direction)
	}
	if sig.TauMs != 1000 {
		t.Fatalf("TauMs got=%d want=1000", sig.TauMs)
	}
	if sig.Confidence <= 0 || sig.Confidence > 1 {
		t.Fatalf("Confidence 超出 [0,1]: %f", sig.Confidence)
	}
}

func TestTracker_SignalLifecycle(t *testing.T) {
	tr := NewTracker(testConfig())

	id := tr.CreateSignal("btc", CreateSignalParams{
		Direction:   domain.DirectionUp,
		TauMs:       1000,
		Correlation: 0.9,
		TimestampMs: 123,
	})
	if id != 1 {
		t.Fatalf("首个信号 id got=%d want=1", id)
	}
	if n := tr.PendingCount(); n != 1 {
		t.Fatalf("PendingCount got=%d want=1", n)
	}
	if ready := tr.ReadySignals(); len(ready) != 0 {
		t.Fatalf("结果未回填不应进入落库批次 got=%d", len(ready))
	}

	pnl := 1.5
	tr.RecordOutcome(id, domain.SignalOutcome{Direction: domain.DirectionUp, PnL: &pnl})

	ready := tr.ReadySignals()
	if len(ready) != 1 {
		t.Fatalf("回填后 ReadySignals got=%d want=1", len(ready))
	}
	sig := ready[0]
	if sig.PredictionCorrect == nil || !*sig.PredictionCorrect {
		t.Fatalf("方向一致应判定命中 got=%+v", sig.PredictionCorrect)
	}
	if sig.PnL == nil || *sig.PnL != 1.5 {
		t.Fatalf("PnL got=%+v want=1.5", sig.PnL)
	}

	// 重复回填不覆盖
	tr.RecordOutcome(id, domain.SignalOutcome{Direction: domain.DirectionDown})
	if got := tr.ReadySignals()[0]; got.OutcomeDirection != domain.DirectionUp {
		t.Fatalf("重复回填不应覆盖 got=%s", got.OutcomeDirection)
	}

	// 落库确认后移出内存
	tr.ClearPersisted([]int64{id})
	if n := tr.PendingCount(); n != 0 {
		t.Fatalf("ClearPersisted 后 PendingCount got=%d want=0", n)
	}

	stats := tr.AccuracyStats()
	if stats.TotalSignals != 1 || stats.TotalCorrect != 1 || stats.Accuracy != 1 {
		t.Fatalf("AccuracyStats got=%+v", stats)
	}
}

func TestTracker_RecordOutcomeUnknownID(t *testing.T) {
	tr := NewTracker(testConfig())
	// 未知 id 静默忽略，不 panic 不计入统计
	tr.RecordOutcome(12345, domain.SignalOutcome{Direction: domain.DirectionUp})
	if stats := tr.AccuracyStats(); stats.TotalSignals != 0 {
		t.Fatalf("未知 id 不应计入统计 got=%+v", stats)
	}
}

func TestTracker_PendingCapacityEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Signal.MaxPending = 1000
	tr := NewTracker(cfg)

	for i := 0; i < 1001; i++ {
		tr.CreateSignal("btc", CreateSignalParams{Direction: domain.DirectionUp, TimestampMs: int64(i)})
	}

	if n := tr.PendingCount(); n != 1000 {
		t.Fatalf("PendingCount got=%d want=1000", n)
	}
	if d := tr.DroppedSignals(); d != 1 {
		t.Fatalf("DroppedSignals got=%d want=1", d)
	}
	// 淘汰的是最旧的 id=1
	pending := tr.PendingSignals()
	if pending[0].ID != 2 {
		t.Fatalf("最旧幸存者 id got=%d want=2", pending[0].ID)
	}
	if pending[len(pending)-1].ID != 1001 {
		t.Fatalf("最新信号 id got=%d want=1001", pending[len(pending)-1].ID)
	}
}

func TestTracker_AccuracyAggregate(t *testing.T) {
	tr := NewTracker(testConfig())

	// 3 条命中 1 条失手
	outcomes := []domain.Direction{domain.DirectionUp, domain.DirectionUp, domain.DirectionUp, domain.DirectionDown}
	for _, out := range outcomes {
		id := tr.CreateSignal("btc", CreateSignalParams{Direction: domain.DirectionUp, TimestampMs: 1})
		tr.RecordOutcome(id, domain.SignalOutcome{Direction: out})
	}

	stats := tr.AccuracyStats()
	if stats.TotalSignals != 4 || stats.TotalCorrect != 3 {
		t.Fatalf("AccuracyStats got=%+v want 3/4", stats)
	}
	if math.Abs(stats.Accuracy-0.75) > 1e-12 {
		t.Fatalf("Accuracy got=%f want=0.75", stats.Accuracy)
	}
}
