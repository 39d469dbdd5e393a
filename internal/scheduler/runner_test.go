package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/liqradar/internal/aggregator"
	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/detect"
	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/ops"
	"github.com/sawpanic/liqradar/internal/radar"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (s *recordingSink) Deliver(_ context.Context, a domain.Alert) (dispatch.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return dispatch.Ack{AlertID: a.ID, Sink: "recording", At: a.EmittedAt}, nil
}

func (s *recordingSink) kinds() []domain.AlertKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AlertKind
	for _, a := range s.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type pipeline struct {
	runner   *Runner
	agg      *aggregator.Aggregator
	sink     *recordingSink
	degrader *ops.Degrader
	now      time.Time
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	groups, err := config.LoadGroups("")
	require.NoError(t, err)

	p := &pipeline{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), sink: &recordingSink{}}
	clock := func() time.Time { return p.now }

	p.agg = aggregator.New(60*time.Second, 500).WithClock(clock)
	d := dispatch.New(dispatch.Options{Groups: groups, Sink: p.sink}).WithClock(clock)
	storm := detect.NewStormDetector(p.agg, groups, d, detect.DefaultWindow).WithClock(clock)
	cluster := detect.NewClusterDetector(p.agg, groups, detect.DefaultWindow, detect.DefaultDominanceThreshold).WithClock(clock)
	engine := radar.NewEngine(radar.DefaultConfig(), groups).WithClock(clock)
	p.degrader = ops.NewDegrader(ops.DefaultDegradeConfig()).WithClock(clock)

	p.runner = NewRunner(Options{
		Events:         p.agg,
		Storm:          storm,
		Cluster:        cluster,
		Scorer:         engine,
		Dispatcher:     d,
		Gate:           p.degrader,
		Workers:        4,
		EvictionMaxAge: time.Duration(groups.LongestCooldown()) * time.Second,
	}).WithClock(clock)
	return p
}

func (p *pipeline) btcStormAndCluster() {
	at := p.now.Add(-5 * time.Second)
	for i := 0; i < 2; i++ {
		p.agg.Add(domain.NewLiquidation(domain.LiquidationEvent{
			Symbol: "BTCUSDT", Side: domain.SideLong, NotionalUSD: 600_000, Exchange: "binance", OccurredAt: at,
		}))
	}
	for i := 0; i < 3; i++ {
		p.agg.Add(domain.NewTrade(domain.TradeEvent{
			Symbol: "BTCUSDT", Side: domain.SideBuy, NotionalUSD: 1_000_000, Exchange: "binance", Price: 65_000, OccurredAt: at,
		}))
	}
}

func TestTick_ConvergenceEmitsAllKinds(t *testing.T) {
	p := newPipeline(t)
	p.btcStormAndCluster()

	report := p.runner.Tick(context.Background())
	assert.Equal(t, 1, report.Symbols)
	assert.Equal(t, 1, report.Storms)
	assert.Equal(t, 1, report.Clusters)
	assert.Equal(t, 1, report.Radars)
	assert.Equal(t, 3, report.Emitted)
	assert.ElementsMatch(t, []domain.AlertKind{domain.AlertStorm, domain.AlertCluster, domain.AlertRadar}, p.sink.kinds())

	for _, a := range p.sink.alerts {
		if c, ok := a.Composite(); ok {
			assert.Equal(t, domain.StrengthExtreme, c.SignalStrength)
			assert.Equal(t, domain.PressureBearish, c.Pressure, "liquidated longs dominate under storm_wins")
			assert.InDelta(t, 1.3, c.Score, 1e-9)
		}
	}

	// Same data one tick later: storm is on cooldown, the others are suppressed.
	p.now = p.now.Add(5 * time.Second)
	report = p.runner.Tick(context.Background())
	assert.Equal(t, 0, report.Storms)
	assert.Equal(t, 0, report.Emitted)
	assert.Equal(t, 2, report.Suppressed)
	assert.Len(t, p.sink.kinds(), 3)
}

func TestTick_DegradedModeGatesNormalPriority(t *testing.T) {
	p := newPipeline(t)
	p.btcStormAndCluster()
	p.degrader.Force(ops.LevelMinimal)

	report := p.runner.Tick(context.Background())
	assert.Equal(t, 1, report.Storms)
	assert.Equal(t, 0, report.Clusters)
	assert.Equal(t, 0, report.Radars)
	assert.Equal(t, 1, report.Gated)
	assert.Equal(t, []domain.AlertKind{domain.AlertStorm}, p.sink.kinds())
}

func TestTick_EmergencyGatesEverything(t *testing.T) {
	p := newPipeline(t)
	p.btcStormAndCluster()
	p.degrader.Force(ops.LevelEmergency)

	report := p.runner.Tick(context.Background())
	assert.Equal(t, 0, report.Emitted)
	assert.Equal(t, 2, report.Gated)
	assert.Empty(t, p.sink.kinds())

	p.degrader.Release()
	report = p.runner.Tick(context.Background())
	assert.Equal(t, 3, report.Emitted)
}

func TestTick_NoEventsNoAlerts(t *testing.T) {
	p := newPipeline(t)
	report := p.runner.Tick(context.Background())
	assert.Zero(t, report.Symbols)
	assert.Empty(t, p.sink.kinds())
}

// Fakes for isolation tests.

type staticEvents struct {
	symbols []string
	pruned  int
}

func (e *staticEvents) ActiveSymbols() []string { return e.symbols }
func (e *staticEvents) Prune() int              { e.pruned++; return 0 }

type panickyStorm struct{}

func (panickyStorm) Detect(symbol string) (domain.StormInfo, bool) {
	if symbol == "BADUSDT" {
		panic("corrupt window")
	}
	return domain.StormInfo{Symbol: symbol, Side: domain.SideShort, TotalUSD: 1, EventCount: 1}, true
}

type noCluster struct{}

func (noCluster) Detect(string) (domain.ClusterInfo, bool) { return domain.ClusterInfo{}, false }

type noScore struct{}

func (noScore) Score(string, *domain.StormInfo, *domain.ClusterInfo) (domain.CompositeScore, bool) {
	return domain.CompositeScore{}, false
}
func (noScore) Alertable(domain.CompositeScore) bool { return false }

type fakeDispatcher struct {
	mu      sync.Mutex
	emitted []string
	evicts  []time.Duration
}

func (d *fakeDispatcher) TryEmit(_ context.Context, _ domain.AlertKind, symbol string, _ domain.Payload) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitted = append(d.emitted, symbol)
	return dispatch.Emitted, nil
}

func (d *fakeDispatcher) Evict(_ context.Context, maxAge time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evicts = append(d.evicts, maxAge)
	return 7, nil
}

type filterUniverse struct {
	allowed   map[string]bool
	refreshes int
}

func (u *filterUniverse) Refresh(context.Context) error { u.refreshes++; return nil }
func (u *filterUniverse) Filter(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		if u.allowed[s] {
			out = append(out, s)
		}
	}
	return out
}

type tickObserver struct {
	symbols, panics int
}

func (o *tickObserver) ObserveTick(_ time.Duration, symbols, panics int) {
	o.symbols, o.panics = symbols, panics
}

func TestTick_PanicIsolatedPerSymbol(t *testing.T) {
	d := &fakeDispatcher{}
	obs := &tickObserver{}
	r := NewRunner(Options{
		Events:     &staticEvents{symbols: []string{"BTCUSDT", "BADUSDT", "ETHUSDT"}},
		Storm:      panickyStorm{},
		Cluster:    noCluster{},
		Scorer:     noScore{},
		Dispatcher: d,
		Observer:   obs,
	})

	report := r.Tick(context.Background())
	assert.Equal(t, 1, report.Panics)
	assert.Equal(t, 2, report.Emitted)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, d.emitted)
	assert.Equal(t, 3, obs.symbols)
	assert.Equal(t, 1, obs.panics)
}

func TestTick_UniverseFilter(t *testing.T) {
	d := &fakeDispatcher{}
	u := &filterUniverse{allowed: map[string]bool{"ETHUSDT": true}}
	r := NewRunner(Options{
		Events:     &staticEvents{symbols: []string{"BTCUSDT", "ETHUSDT"}},
		Storm:      panickyStorm{},
		Cluster:    noCluster{},
		Scorer:     noScore{},
		Dispatcher: d,
		Universe:   u,
	})

	report := r.Tick(context.Background())
	assert.Equal(t, 1, report.Symbols)
	assert.Equal(t, []string{"ETHUSDT"}, d.emitted)
	assert.Equal(t, 1, u.refreshes)
}

func TestTick_MaintenanceSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := &staticEvents{}
	d := &fakeDispatcher{}
	r := NewRunner(Options{
		Events:         events,
		Storm:          panickyStorm{},
		Cluster:        noCluster{},
		Scorer:         noScore{},
		Dispatcher:     d,
		EvictionMaxAge: 20 * time.Minute,
	}).WithClock(func() time.Time { return now })

	r.Tick(context.Background())
	now = now.Add(23 * time.Hour)
	r.Tick(context.Background())
	assert.Empty(t, d.evicts)

	now = now.Add(time.Hour)
	report := r.Tick(context.Background())
	assert.Equal(t, []time.Duration{20 * time.Minute}, d.evicts)
	assert.Equal(t, 7, report.Evicted)
	assert.Equal(t, 3, events.pruned, "prune runs every tick")
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := NewRunner(Options{
		Events:     &staticEvents{},
		Storm:      panickyStorm{},
		Cluster:    noCluster{},
		Scorer:     noScore{},
		Dispatcher: &fakeDispatcher{},
		Interval:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Ticks() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
