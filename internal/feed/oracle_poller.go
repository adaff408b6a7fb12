package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

var oracleLog = logrus.WithField("component", "oracle_poller")

// OraclePoller 轮询预言机价格接口，把采样转成 oracle 侧 tick。
// 预言机本身就是低频快照源，轮询比 WS 客户端更贴合其更新节奏。
type OraclePoller struct {
	client   *resty.Client
	interval time.Duration

	mu   sync.Mutex
	subs map[int64]context.CancelFunc
	next int64
}

// NewOraclePoller 创建预言机轮询器。intervalMs <= 0 时默认 2 秒一次。
func NewOraclePoller(baseURL string, intervalMs int64) *OraclePoller {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先用 Retry-After 头
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	return &OraclePoller{
		client:   client,
		interval: interval,
		subs:     make(map[int64]context.CancelFunc),
	}
}

// oraclePrice 是价格接口的响应体
type oraclePrice struct {
	Symbol      string  `json:"symbol"`
	Value       float64 `json:"value"`
	TimestampMs int64   `json:"timestamp"`
}

// Subscribe 为某标的启动一条轮询循环。退订即取消该循环。
func (p *OraclePoller) Subscribe(symbol string, handler func(domain.Tick)) (func() error, error) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("标的为空")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler 为空")
	}

	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.next++
	id := p.next
	p.subs[id] = cancel
	p.mu.Unlock()

	go p.pollLoop(ctx, symbol, handler)

	unsubscribe := func() error {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			c()
		}
		p.mu.Unlock()
		return nil
	}
	return unsubscribe, nil
}

func (p *OraclePoller) pollLoop(ctx context.Context, symbol string, handler TickHandler) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastTs int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, ok := p.fetch(ctx, symbol)
			if !ok {
				continue
			}
			// 预言机更新慢于轮询频率时会重复返回同一快照，去重
			if tick.TimestampMs <= lastTs {
				continue
			}
			lastTs = tick.TimestampMs
			handler(tick)
		}
	}
}

func (p *OraclePoller) fetch(ctx context.Context, symbol string) (domain.Tick, bool) {
	var out oraclePrice
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/crypto-price")
	if err != nil {
		oracleLog.Warnf("拉取预言机价格失败 symbol=%s: %v", symbol, err)
		return domain.Tick{}, false
	}
	if resp.StatusCode() != 200 {
		oracleLog.Warnf("预言机价格接口返回 %d symbol=%s", resp.StatusCode(), symbol)
		return domain.Tick{}, false
	}

	ts := out.TimestampMs
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	return domain.Tick{
		Symbol:      symbol,
		Price:       out.Value,
		TimestampMs: ts,
		Feed:        domain.FeedOracle,
	}, true
}

// Close 取消所有活跃轮询
func (p *OraclePoller) Close() {
	p.mu.Lock()
	for id, cancel := range p.subs {
		cancel()
		delete(p.subs, id)
	}
	p.mu.Unlock()
}
