package aggregator

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/liqradar/internal/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func liq(symbol string, side domain.Side, usd float64, at time.Time) domain.LiquidationEvent {
	return domain.LiquidationEvent{Symbol: symbol, Side: side, NotionalUSD: usd, Exchange: "binance", OccurredAt: at}
}

func trade(symbol string, side domain.Side, usd float64, at time.Time) domain.TradeEvent {
	return domain.TradeEvent{Symbol: symbol, Side: side, NotionalUSD: usd, Exchange: "binance", Price: 1, OccurredAt: at}
}

func TestAggregator_WindowByAge(t *testing.T) {
	clock := newTestClock()
	agg := New(30*time.Second, 500).WithClock(clock.Now)
	now := clock.Now()

	agg.AddLiquidation(liq("BTCUSDT", domain.SideLong, 100, now.Add(-25*time.Second)))
	agg.AddLiquidation(liq("BTCUSDT", domain.SideLong, 200, now.Add(-10*time.Second)))
	agg.AddLiquidation(liq("BTCUSDT", domain.SideShort, 300, now.Add(-2*time.Second)))

	assert.Len(t, agg.Window("BTCUSDT", domain.KindLiquidation, 30*time.Second), 3)
	assert.Len(t, agg.Window("BTCUSDT", domain.KindLiquidation, 10*time.Second), 2, "age equal to the window is included")
	assert.Len(t, agg.Window("BTCUSDT", domain.KindLiquidation, 5*time.Second), 1)
	assert.Empty(t, agg.Window("BTCUSDT", domain.KindTrade, 30*time.Second))
	assert.Empty(t, agg.Window("ETHUSDT", domain.KindLiquidation, 30*time.Second))

	// Requests beyond the maximum are clamped.
	assert.Len(t, agg.Window("BTCUSDT", domain.KindLiquidation, time.Hour), 3)

	clock.Advance(21 * time.Second)
	got := agg.Liquidations("BTCUSDT", 30*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, 300.0, got[0].NotionalUSD)
	assert.Equal(t, int64(2), agg.Stats().EvictedExpired)
}

// Window returns exactly the events with age <= W whatever the arrival order.
func TestAggregator_WindowCorrectnessShuffled(t *testing.T) {
	clock := newTestClock()
	agg := New(30*time.Second, 500).WithClock(clock.Now)
	now := clock.Now()

	rng := rand.New(rand.NewSource(7))
	ages := make([]time.Duration, 200)
	for i := range ages {
		ages[i] = time.Duration(rng.Intn(60_000)) * time.Millisecond
	}
	for _, age := range ages {
		agg.AddTrade(trade("ETHUSDT", domain.SideBuy, 1, now.Add(-age)))
	}

	for _, w := range []time.Duration{time.Second, 7 * time.Second, 15 * time.Second, 30 * time.Second} {
		want := 0
		for _, age := range ages {
			if age <= w {
				want++
			}
		}
		events := agg.Window("ETHUSDT", domain.KindTrade, w)
		assert.Len(t, events, want, "window %v", w)
		for _, e := range events {
			assert.LessOrEqual(t, now.Sub(e.OccurredAt()), w)
		}
	}
}

func TestAggregator_Overflow(t *testing.T) {
	clock := newTestClock()
	agg := New(30*time.Second, 5).WithClock(clock.Now)
	now := clock.Now()

	for i := 1; i <= 8; i++ {
		agg.AddTrade(trade("SOLUSDT", domain.SideSell, float64(i), now))
	}

	got := agg.Trades("SOLUSDT", 30*time.Second)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, float64(i+4), e.NotionalUSD, "oldest dropped first, order kept")
	}
	assert.Equal(t, int64(3), agg.Stats().EvictedOverflow)
	assert.Equal(t, int64(8), agg.Stats().TradesIngested)
}

func TestAggregator_RingGrowthKeepsOrder(t *testing.T) {
	clock := newTestClock()
	agg := New(30*time.Second, 100).WithClock(clock.Now)

	for i := 0; i < 40; i++ {
		agg.AddTrade(trade("XRPUSDT", domain.SideBuy, float64(i+1), clock.Now()))
		clock.Advance(500 * time.Millisecond)
	}

	got := agg.Trades("XRPUSDT", 30*time.Second)
	require.Len(t, got, 40)
	for i, e := range got {
		assert.Equal(t, float64(i+1), e.NotionalUSD)
	}
}

func TestAggregator_ActiveSymbolsAndPrune(t *testing.T) {
	clock := newTestClock()
	agg := New(30*time.Second, 500).WithClock(clock.Now)
	now := clock.Now()

	agg.AddLiquidation(liq("SOLUSDT", domain.SideLong, 1, now))
	agg.AddTrade(trade("BTCUSDT", domain.SideBuy, 1, now.Add(-20*time.Second)))
	agg.AddTrade(trade("ETHUSDT", domain.SideBuy, 1, now))

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, agg.ActiveSymbols())

	clock.Advance(15 * time.Second)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, agg.ActiveSymbols())
	assert.Equal(t, 3, agg.Stats().Windows)

	assert.Equal(t, 1, agg.Prune())
	assert.Equal(t, 2, agg.Stats().Windows)

	// A pruned key is recreated transparently.
	agg.AddTrade(trade("BTCUSDT", domain.SideSell, 5, clock.Now()))
	assert.Len(t, agg.Window("BTCUSDT", domain.KindTrade, 0), 1)
}

func TestAggregator_ConcurrentWritersAndReaders(t *testing.T) {
	agg := New(30*time.Second, 500)
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}

	var wg sync.WaitGroup
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				agg.AddLiquidation(liq(symbol, domain.SideLong, 1, time.Now()))
			}
		}(s)
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func(i int) {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					for _, e := range agg.Window(symbols[i], domain.KindLiquidation, 0) {
						if e.Kind != domain.KindLiquidation || e.Symbol() != symbols[i] {
							panic(fmt.Sprintf("torn read: %+v", e))
						}
					}
					agg.Prune()
				}
			}
		}(i)
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	for _, s := range symbols {
		assert.Len(t, agg.Window(s, domain.KindLiquidation, 0), 500)
	}
	assert.Equal(t, int64(4000), agg.Stats().LiquidationsIngested)
	assert.Equal(t, int64(2000), agg.Stats().EvictedOverflow)
}
