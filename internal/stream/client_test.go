package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/net/circuit"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func (s *recordingSink) Add(e domain.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type symbolSet map[string]bool

func (s symbolSet) Recognized(symbol string) bool { return s[symbol] }

func testStreamConfig(url string) config.StreamConfig {
	return config.StreamConfig{
		URL:              url,
		Subscribe:        true,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		PingMinInterval:  20 * time.Millisecond,
		PingMaxInterval:  50 * time.Millisecond,
		GoodRTT:          100 * time.Millisecond,
		BadRTT:           2 * time.Second,
		MaxMissedPongs:   3,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

var upgrader = websocket.Upgrader{}

func TestClient_IngestsAndDrops(t *testing.T) {
	subscribed := make(chan SubscribeFrame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub SubscribeFrame
		if err := conn.ReadJSON(&sub); err == nil {
			subscribed <- sub
		}
		for _, f := range []string{
			`{"type":"subscribed"}`,
			`{"type":"liquidation","symbol":"BTCUSDT","side":"LONG","notional_usd":300000,"ts":1772366400000}`,
			`{"type":"trade","data":{"symbol":"eth-usdt","side":"SELL","notional_usd":500000}}`,
			`not json`,
			`{"type":"kline","symbol":"BTCUSDT"}`,
			`{"type":"trade","symbol":"BTCUSDT","side":"BUY","notional_usd":0}`,
			`{"type":"trade","symbol":"PEPEUSDT","side":"BUY","notional_usd":1000}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Keep reading so pings are answered.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := NewClient(testStreamConfig(wsURL(srv)), sink, nil).
		WithRecognizer(symbolSet{"BTCUSDT": true, "ETHUSDT": true}).
		WithSymbols(func() []string { return []string{"BTCUSDT", "ETHUSDT"} })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, []string{"liquidation", "trade"}, sub.Channels)
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, sub.Symbols)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	require.Eventually(t, func() bool { return c.Stats().Frames == 7 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, sink.len())
	assert.Equal(t, "ETHUSDT", sink.events[1].Symbol())

	stats := c.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, int64(1), stats.Connects)
	assert.Equal(t, int64(2), stats.Events)
	assert.Equal(t, map[string]int64{
		DropMalformed:       1,
		DropUnknownType:     1,
		DropInvalidNotional: 1,
		DropUnknownSymbol:   1,
	}, stats.Dropped)

	// Pongs feed the quality score.
	require.Eventually(t, func() bool { return c.Stats().Quality > 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"liquidation","symbol":"SOLUSDT","side":"SHORT","notional_usd":90000}`))
		conn.Close()
	}))
	defer srv.Close()

	sink := &recordingSink{}
	cfg := testStreamConfig(wsURL(srv))
	cfg.Subscribe = false
	c := NewClient(cfg, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return sessions.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, c.Stats().Disconnects, int64(2))
	assert.GreaterOrEqual(t, sink.len(), 2)
}

func TestClient_ClosesAfterMissedPongs(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never read, so pings are never answered.
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testStreamConfig(wsURL(srv))
	cfg.Subscribe = false
	c := NewClient(cfg, &recordingSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.Stats().Disconnects >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_BreakerOpensOnDialFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	breaker := circuit.NewBreaker(circuit.DependencyFeed, circuit.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})
	c := NewClient(testStreamConfig(url), &recordingSink{}, breaker)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return breaker.State() == circuit.StateOpen }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Stats().Connected)

	// Waiting for the breaker to half-open must not block shutdown.
	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
