package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var binanceLog = logrus.WithField("component", "binance_spot_feed")

// BinanceSpotFeed 通过 Binance Futures WS 的 aggTrade 流提供现货侧 tick。
// 每个订阅一条独立连接，断线自动重连（2 秒退避）。
type BinanceSpotFeed struct {
	baseURL  string // e.g. "wss://fstream.binance.com/ws"
	proxyURL string

	mu   sync.Mutex
	subs map[int64]*binanceSub
	next int64
}

type binanceSub struct {
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewBinanceSpotFeed 创建现货行情源。baseURL 为空时用 Binance Futures 默认地址。
func NewBinanceSpotFeed(baseURL, proxyURL string) *BinanceSpotFeed {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = "wss://fstream.binance.com/ws"
	}
	return &BinanceSpotFeed{
		baseURL:  strings.TrimRight(baseURL, "/"),
		proxyURL: strings.TrimSpace(proxyURL),
		subs:     make(map[int64]*binanceSub),
	}
}

// Subscribe 订阅某标的的成交流。symbol 是短名（如 "btc"），流名拼成 btcusdt@aggTrade。
func (f *BinanceSpotFeed) Subscribe(symbol string, handler func(domain.Tick)) (func() error, error) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("标的为空")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler 为空")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &binanceSub{cancel: cancel}

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = sub
	f.mu.Unlock()

	wsURL := fmt.Sprintf("%s/%susdt@aggTrade", f.baseURL, symbol)
	go f.run(ctx, sub, symbol, wsURL, handler)

	unsubscribe := func() error {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.close()
		return nil
	}
	return unsubscribe, nil
}

func (s *binanceSub) close() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (f *BinanceSpotFeed) run(ctx context.Context, sub *binanceSub, symbol, wsURL string, handler TickHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := f.dial(wsURL)
		if err != nil {
			binanceLog.Warnf("连接 Binance WS 失败 symbol=%s: %v", symbol, err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		sub.connMu.Lock()
		sub.conn = conn
		sub.connMu.Unlock()

		binanceLog.Infof("✅ Binance aggTrade 已连接: symbol=%s", symbol)

		if err := f.readLoop(ctx, conn, symbol, handler); err != nil {
			binanceLog.Warnf("Binance WS readLoop 退出 symbol=%s: %v", symbol, err)
		}

		sub.connMu.Lock()
		if sub.conn == conn {
			sub.conn = nil
		}
		_ = conn.Close()
		sub.connMu.Unlock()

		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (f *BinanceSpotFeed) dial(wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	if f.proxyURL != "" {
		if p, err := url.Parse(f.proxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(p)
		}
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	return conn, err
}

func (f *BinanceSpotFeed) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, handler TickHandler) error {
	// Binance aggTrade payload
	// https://binance-docs.github.io/apidocs/futures/en/#aggregate-trade-streams
	type aggTrade struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev aggTrade
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if ev.EventType != "aggTrade" {
			continue
		}

		// Binance 的价格是字符串数字，decimal 解析避免中间精度损失
		price, err := decimal.NewFromString(strings.TrimSpace(ev.Price))
		if err != nil {
			continue
		}

		ts := ev.TradeTime
		if ts <= 0 {
			ts = ev.EventTime
		}
		handler(domain.Tick{
			Symbol:      symbol,
			Price:       price.InexactFloat64(),
			TimestampMs: ts,
			Feed:        domain.FeedSpot,
		})
	}
}

// Close 关闭所有活跃订阅
func (f *BinanceSpotFeed) Close() {
	f.mu.Lock()
	subs := make([]*binanceSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = make(map[int64]*binanceSub)
	f.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
