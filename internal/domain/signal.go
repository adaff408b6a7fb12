package domain

// Direction 表示信号方向
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// LagAnalysis 表示一次滞后分析的结果（瞬态，不直接持久化）
type LagAnalysis struct {
	Symbol      string
	TauStarMs   int64   // 最优滞后（毫秒）
	Correlation float64 // [-1, 1]
	SampleSize  int
	PValue      float64 // [0, 1]
	Significant bool
	AnalyzedAt  int64 // 毫秒时间戳
}

// StabilitySnapshot 表示某个标的的 tau 稳定性快照
type StabilitySnapshot struct {
	Stable     bool
	TauHistory []int64 // 最近若干次分析得到的 tau*（毫秒）
	Variance   float64 // tau 历史的方差（ms^2）
}

// LagSignal 是策略侧消费的交易信号视图
type LagSignal struct {
	HasSignal   bool
	Direction   Direction
	TauMs       int64
	Correlation float64
	Confidence  float64 // [0, 1]
}

// Signal 表示一条带生命周期的滞后信号
// 创建后进入待持久化集合；结果回填一次；落库成功后移出内存
type Signal struct {
	ID          int64
	Symbol      string
	TimestampMs int64
	Direction   Direction
	TauMs       int64
	Correlation float64
	Confidence  float64

	SpotPrice         float64
	OraclePrice       float64
	SpotMoveMagnitude float64
	WindowID          string // 可选：关联的预测市场周期 ID

	// 结果字段：RecordOutcome 回填后信号才可持久化
	OutcomeDirection  Direction // 空串表示尚无结果
	PredictionCorrect *bool
	PnL               *float64
}

// Ready 表示信号结果已回填，可以进入落库批次
func (s *Signal) Ready() bool {
	return s.OutcomeDirection != ""
}

// SignalOutcome 是 RecordOutcome 的输入
type SignalOutcome struct {
	Direction Direction
	PnL       *float64
}

// SignalRow 是持久化层的行模型（纯拷贝，不引用 tracker 内存）
type SignalRow struct {
	TimestampMs         int64
	Symbol              string
	SpotPriceAtSignal   float64
	SpotMoveDirection   string
	SpotMoveMagnitude   float64
	OraclePriceAtSignal float64
	PredictedDirection  string
	PredictedTauMs      int64
	CorrelationAtTau    float64
	WindowID            *string
	OutcomeDirection    string
	PredictionCorrect   *bool
	PnL                 *float64
}

// AccuracyStats 进程内的信号命中率聚合（增量维护，不做全量重算）
type AccuracyStats struct {
	TotalSignals int64
	TotalCorrect int64
	Accuracy     float64
}
