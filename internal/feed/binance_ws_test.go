package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
)

func TestBinanceSpotFeed_DeliversParsedTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/btcusdt@aggTrade", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		msgs := []string{
			`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","p":"65000.50","T":1700000000050}`,
			`{"e":"other","E":1,"s":"BTCUSDT","p":"1","T":1}`,       // 非 aggTrade 事件被忽略
			`{"e":"aggTrade","E":2,"s":"BTCUSDT","p":"bogus","T":2}`, // 坏价格被忽略
			`{"e":"aggTrade","E":1700000000300,"s":"BTCUSDT","p":"65001.00","T":0}`, // T 缺失时回退到 E
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// 保持连接直到客户端退订
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewBinanceSpotFeed(wsURL, "")
	defer feed.Close()

	var mu sync.Mutex
	var ticks []domain.Tick
	unsub, err := feed.Subscribe("btc", func(tick domain.Tick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	first := ticks[0]
	assert.Equal(t, "btc", first.Symbol)
	assert.Equal(t, domain.FeedSpot, first.Feed)
	assert.Equal(t, 65000.50, first.Price)
	assert.Equal(t, int64(1700000000050), first.TimestampMs)

	// 第二条有效 tick：T=0 回退到事件时间 E
	assert.Equal(t, int64(1700000000300), ticks[1].TimestampMs)
}

func TestBinanceSpotFeed_RejectsEmptyInputs(t *testing.T) {
	feed := NewBinanceSpotFeed("ws://localhost:0", "")
	defer feed.Close()

	_, err := feed.Subscribe("", func(domain.Tick) {})
	assert.Error(t, err)
	_, err = feed.Subscribe("btc", nil)
	assert.Error(t, err)
}
