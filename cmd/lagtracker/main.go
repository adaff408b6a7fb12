package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/MatthewMakesMagic/poly-sub012/internal/feed"
	"github.com/MatthewMakesMagic/poly-sub012/internal/lagtracker"
	"github.com/MatthewMakesMagic/poly-sub012/internal/metrics"
	"github.com/MatthewMakesMagic/poly-sub012/internal/storage"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/config"
	"github.com/MatthewMakesMagic/poly-sub012/pkg/logger"
)

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.Parse()

	// .env 不存在时静默忽略
	_ = godotenv.Load()

	// 确定配置文件：显式参数 > 默认位置 > 纯环境变量
	path := strings.TrimSpace(*configPath)
	if path == "" {
		if p, ok := firstExistingFile("yml/lagtracker.yaml", "yml/config.yaml"); ok {
			path = p
		}
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if path != "" {
		logrus.Infof("使用配置文件: %s", path)
	} else {
		logrus.Warnf("未指定配置文件，使用环境变量和默认值")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 调试/metrics 服务（可选，仅在配置了监听地址时启动）
	if addr := strings.TrimSpace(os.Getenv("LAG_METRICS_ADDR")); addr != "" {
		if _, err := metrics.StartAsync(ctx, addr); err != nil {
			logrus.Warnf("启动 metrics 服务失败: %v", err)
		} else {
			logrus.Infof("metrics 服务已启动: http://%s/debug/vars", addr)
		}
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logrus.Errorf("创建数据目录失败: %v", err)
			os.Exit(1)
		}
	}
	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		logrus.Errorf("打开信号数据库失败: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	spotFeed := feed.NewBinanceSpotFeed(cfg.Feeds.SpotWSURL, cfg.Feeds.ProxyURL)
	oracleFeed := feed.NewOraclePoller(cfg.Feeds.OracleBaseURL, cfg.Feeds.OraclePollMs)

	module := lagtracker.New(store, spotFeed, oracleFeed)
	if err := module.Init(cfg); err != nil {
		logrus.Errorf("模块初始化失败: %v", err)
		os.Exit(1)
	}

	logrus.Infof("lagtracker 已启动: instruments=%v db=%s", cfg.Instruments, cfg.DBPath)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Infof("收到信号 %v，开始关停", sig)

	cancel()
	module.Shutdown()
	spotFeed.Close()
	oracleFeed.Close()

	logrus.Info("lagtracker 已退出")
}
