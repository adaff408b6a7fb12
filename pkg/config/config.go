package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BufferConfig 价格缓冲区配置
type BufferConfig struct {
	MaxSize         int   // 单个缓冲区最大样本数
	MaxAgeMs        int64 // 样本最大存活时间（毫秒，相对最新样本）
	CleanupInterval int   // 摊销清理周期（每 N 次 add 触发一次清理）
}

// AnalysisConfig 滞后分析配置
type AnalysisConfig struct {
	CandidateTausMs       []int64 // 候选滞后集合（毫秒）
	ToleranceMs           int64   // 跨源匹配的时间容差（毫秒）
	WindowMs              int64   // 默认分析窗口（毫秒）
	SignificanceThreshold float64 // p 值显著性阈值
}

// StabilityConfig tau 稳定性配置
type StabilityConfig struct {
	WindowSize        int     // tau 历史滚动窗口大小
	VarianceThreshold float64 // 方差阈值（ms^2），低于它认为滞后关系稳定
}

// SignalConfig 信号生成配置
type SignalConfig struct {
	MinCorrelation    float64 // 最小相关系数（绝对值）
	MinMoveMagnitude  float64 // 最小短期价格变动幅度（比例）
	MoveLookbackMs    int64   // 短期变动回看窗口（毫秒）
	MaxPending        int     // 待持久化信号上限，超出淘汰最旧
}

// FlushConfig 信号落库配置
type FlushConfig struct {
	IntervalMs int64 // 落库定时器间隔（毫秒）
}

// FeedsConfig 行情源配置
type FeedsConfig struct {
	SpotWSURL     string // 现货 WebSocket 端点
	OracleBaseURL string // 预言机价格 REST 端点
	OraclePollMs  int64  // 预言机轮询间隔（毫秒）
	ProxyURL      string // 代理（可选）
}

// Config 应用配置
type Config struct {
	Instruments []string // 支持的标的集合，例如 ["btc", "eth"]
	Buffer      BufferConfig
	Analysis    AnalysisConfig
	Stability   StabilityConfig
	Signal      SignalConfig
	Flush       FlushConfig
	Feeds       FeedsConfig
	LogLevel    string
	LogFile     string
	DBPath      string
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Instruments []string `yaml:"instruments" json:"instruments"`
	Buffer      struct {
		MaxSize         int   `yaml:"max_size" json:"max_size"`
		MaxAgeMs        int64 `yaml:"max_age_ms" json:"max_age_ms"`
		CleanupInterval int   `yaml:"cleanup_interval" json:"cleanup_interval"`
	} `yaml:"buffer" json:"buffer"`
	Analysis struct {
		CandidateTausMs       []int64 `yaml:"candidate_taus_ms" json:"candidate_taus_ms"`
		ToleranceMs           int64   `yaml:"tolerance_ms" json:"tolerance_ms"`
		WindowMs              int64   `yaml:"window_ms" json:"window_ms"`
		SignificanceThreshold float64 `yaml:"significance_threshold" json:"significance_threshold"`
	} `yaml:"analysis" json:"analysis"`
	Stability struct {
		WindowSize        int     `yaml:"window_size" json:"window_size"`
		VarianceThreshold float64 `yaml:"variance_threshold" json:"variance_threshold"`
	} `yaml:"stability" json:"stability"`
	Signal struct {
		MinCorrelation   float64 `yaml:"min_correlation" json:"min_correlation"`
		MinMoveMagnitude float64 `yaml:"min_move_magnitude" json:"min_move_magnitude"`
		MoveLookbackMs   int64   `yaml:"move_lookback_ms" json:"move_lookback_ms"`
		MaxPending       int     `yaml:"max_pending" json:"max_pending"`
	} `yaml:"signal" json:"signal"`
	Flush struct {
		IntervalMs int64 `yaml:"interval_ms" json:"interval_ms"`
	} `yaml:"flush" json:"flush"`
	Feeds struct {
		SpotWSURL     string `yaml:"spot_ws_url" json:"spot_ws_url"`
		OracleBaseURL string `yaml:"oracle_base_url" json:"oracle_base_url"`
		OraclePollMs  int64  `yaml:"oracle_poll_ms" json:"oracle_poll_ms"`
		ProxyURL      string `yaml:"proxy_url" json:"proxy_url"`
	} `yaml:"feeds" json:"feeds"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
	DBPath   string `yaml:"db_path" json:"db_path"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Instruments: []string{"btc", "eth"},
		Buffer: BufferConfig{
			MaxSize:         5000,
			MaxAgeMs:        10 * 60 * 1000,
			CleanupInterval: 100,
		},
		Analysis: AnalysisConfig{
			CandidateTausMs:       []int64{250, 500, 1000, 1500, 2000, 3000, 5000},
			ToleranceMs:           250,
			WindowMs:              60 * 1000,
			SignificanceThreshold: 0.05,
		},
		Stability: StabilityConfig{
			WindowSize:        20,
			VarianceThreshold: 250000, // σ = 500ms
		},
		Signal: SignalConfig{
			MinCorrelation:   0.6,
			MinMoveMagnitude: 0.0005,
			MoveLookbackMs:   3000,
			MaxPending:       1000,
		},
		Flush: FlushConfig{
			IntervalMs: 10000,
		},
		Feeds: FeedsConfig{
			SpotWSURL:     "wss://fstream.binance.com/ws",
			OracleBaseURL: "https://live-data.polymarket.com",
			OraclePollMs:  2000,
		},
		LogLevel: "info",
		LogFile:  "logs/lagtracker.log",
		DBPath:   "data/signals.db",
	}
}

// LoadFromFile 从指定文件加载配置（空路径时只用环境变量和默认值）
// 优先级：环境变量 > 配置文件 > 默认值
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		cf, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		applyFile(cfg, cf)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 按扩展名解析 YAML/JSON 配置文件
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析 YAML 失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析 JSON 失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
	}
	return &cf, nil
}

// applyFile 把配置文件中非零值覆盖到 cfg
func applyFile(cfg *Config, cf *ConfigFile) {
	if len(cf.Instruments) > 0 {
		cfg.Instruments = cf.Instruments
	}
	if cf.Buffer.MaxSize > 0 {
		cfg.Buffer.MaxSize = cf.Buffer.MaxSize
	}
	if cf.Buffer.MaxAgeMs > 0 {
		cfg.Buffer.MaxAgeMs = cf.Buffer.MaxAgeMs
	}
	if cf.Buffer.CleanupInterval > 0 {
		cfg.Buffer.CleanupInterval = cf.Buffer.CleanupInterval
	}
	if len(cf.Analysis.CandidateTausMs) > 0 {
		cfg.Analysis.CandidateTausMs = cf.Analysis.CandidateTausMs
	}
	if cf.Analysis.ToleranceMs > 0 {
		cfg.Analysis.ToleranceMs = cf.Analysis.ToleranceMs
	}
	if cf.Analysis.WindowMs > 0 {
		cfg.Analysis.WindowMs = cf.Analysis.WindowMs
	}
	if cf.Analysis.SignificanceThreshold > 0 {
		cfg.Analysis.SignificanceThreshold = cf.Analysis.SignificanceThreshold
	}
	if cf.Stability.WindowSize > 0 {
		cfg.Stability.WindowSize = cf.Stability.WindowSize
	}
	if cf.Stability.VarianceThreshold > 0 {
		cfg.Stability.VarianceThreshold = cf.Stability.VarianceThreshold
	}
	if cf.Signal.MinCorrelation > 0 {
		cfg.Signal.MinCorrelation = cf.Signal.MinCorrelation
	}
	if cf.Signal.MinMoveMagnitude > 0 {
		cfg.Signal.MinMoveMagnitude = cf.Signal.MinMoveMagnitude
	}
	if cf.Signal.MoveLookbackMs > 0 {
		cfg.Signal.MoveLookbackMs = cf.Signal.MoveLookbackMs
	}
	if cf.Signal.MaxPending > 0 {
		cfg.Signal.MaxPending = cf.Signal.MaxPending
	}
	if cf.Flush.IntervalMs > 0 {
		cfg.Flush.IntervalMs = cf.Flush.IntervalMs
	}
	if cf.Feeds.SpotWSURL != "" {
		cfg.Feeds.SpotWSURL = cf.Feeds.SpotWSURL
	}
	if cf.Feeds.OracleBaseURL != "" {
		cfg.Feeds.OracleBaseURL = cf.Feeds.OracleBaseURL
	}
	if cf.Feeds.OraclePollMs > 0 {
		cfg.Feeds.OraclePollMs = cf.Feeds.OraclePollMs
	}
	if cf.Feeds.ProxyURL != "" {
		cfg.Feeds.ProxyURL = cf.Feeds.ProxyURL
	}
	if cf.LogLevel != "" {
		cfg.LogLevel = cf.LogLevel
	}
	if cf.LogFile != "" {
		cfg.LogFile = cf.LogFile
	}
	if cf.DBPath != "" {
		cfg.DBPath = cf.DBPath
	}
}

// applyEnv 用环境变量覆盖（前缀 LAG_）
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LAG_INSTRUMENTS")); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, strings.ToLower(p))
			}
		}
		if len(out) > 0 {
			cfg.Instruments = out
		}
	}
	cfg.LogLevel = getEnvString("LAG_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnvString("LAG_LOG_FILE", cfg.LogFile)
	cfg.DBPath = getEnvString("LAG_DB_PATH", cfg.DBPath)
	cfg.Feeds.SpotWSURL = getEnvString("LAG_SPOT_WS_URL", cfg.Feeds.SpotWSURL)
	cfg.Feeds.OracleBaseURL = getEnvString("LAG_ORACLE_BASE_URL", cfg.Feeds.OracleBaseURL)
	cfg.Feeds.ProxyURL = getEnvString("LAG_PROXY_URL", cfg.Feeds.ProxyURL)
	cfg.Feeds.OraclePollMs = parseInt64Env("LAG_ORACLE_POLL_MS", cfg.Feeds.OraclePollMs)
	cfg.Flush.IntervalMs = parseInt64Env("LAG_FLUSH_INTERVAL_MS", cfg.Flush.IntervalMs)
	cfg.Signal.MinCorrelation = parseFloatEnv("LAG_MIN_CORRELATION", cfg.Signal.MinCorrelation)
	cfg.Signal.MinMoveMagnitude = parseFloatEnv("LAG_MIN_MOVE_MAGNITUDE", cfg.Signal.MinMoveMagnitude)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments 不能为空")
	}
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.max_size 必须为正: %d", c.Buffer.MaxSize)
	}
	if c.Buffer.MaxAgeMs <= 0 {
		return fmt.Errorf("buffer.max_age_ms 必须为正: %d", c.Buffer.MaxAgeMs)
	}
	if c.Buffer.CleanupInterval <= 0 {
		return fmt.Errorf("buffer.cleanup_interval 必须为正: %d", c.Buffer.CleanupInterval)
	}
	if len(c.Analysis.CandidateTausMs) == 0 {
		return fmt.Errorf("analysis.candidate_taus_ms 不能为空")
	}
	if c.Analysis.ToleranceMs <= 0 {
		return fmt.Errorf("analysis.tolerance_ms 必须为正: %d", c.Analysis.ToleranceMs)
	}
	if c.Analysis.SignificanceThreshold <= 0 || c.Analysis.SignificanceThreshold >= 1 {
		return fmt.Errorf("analysis.significance_threshold 必须在 (0,1): %f", c.Analysis.SignificanceThreshold)
	}
	if c.Stability.WindowSize <= 0 {
		return fmt.Errorf("stability.window_size 必须为正: %d", c.Stability.WindowSize)
	}
	if c.Signal.MaxPending <= 0 {
		return fmt.Errorf("signal.max_pending 必须为正: %d", c.Signal.MaxPending)
	}
	if c.Flush.IntervalMs <= 0 {
		return fmt.Errorf("flush.interval_ms 必须为正: %d", c.Flush.IntervalMs)
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseInt64Env(key string, fallback int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
