package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/ops"
)

// Events is the aggregator surface the tick needs.
type Events interface {
	ActiveSymbols() []string
	Prune() int
}

type StormDetector interface {
	Detect(symbol string) (domain.StormInfo, bool)
}

type ClusterDetector interface {
	Detect(symbol string) (domain.ClusterInfo, bool)
}

// Scorer combines detections into a composite.
type Scorer interface {
	Score(symbol string, storm *domain.StormInfo, cluster *domain.ClusterInfo) (domain.CompositeScore, bool)
	Alertable(c domain.CompositeScore) bool
}

// Dispatcher emits alerts under cooldown.
type Dispatcher interface {
	TryEmit(ctx context.Context, kind domain.AlertKind, symbol string, payload domain.Payload) (dispatch.Result, error)
	Evict(ctx context.Context, maxAge time.Duration) (int, error)
}

// Gate decides which priorities run at the current degradation level.
type Gate interface {
	Allows(p ops.Priority) bool
}

// Universe narrows the symbols evaluated each tick.
type Universe interface {
	Refresh(ctx context.Context) error
	Filter(symbols []string) []string
}

// Observer receives per-tick measurements.
type Observer interface {
	ObserveTick(d time.Duration, symbols, panics int)
}

// Options wires a Runner. Gate, Universe and Observer are optional.
type Options struct {
	Events     Events
	Storm      StormDetector
	Cluster    ClusterDetector
	Scorer     Scorer
	Dispatcher Dispatcher
	Gate       Gate
	Universe   Universe
	Observer   Observer

	Interval         time.Duration
	Workers          int
	EvictionInterval time.Duration
	EvictionMaxAge   time.Duration
}

const universeRefreshTimeout = 2 * time.Second

// Runner drives the detection tick.
type Runner struct {
	opts      Options
	now       func() time.Time
	lastEvict time.Time
	ticks     atomic.Int64
}

// NewRunner applies defaults: 5s interval, 8 workers, 24h eviction.
func NewRunner(opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = 24 * time.Hour
	}
	return &Runner{opts: opts, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run ticks until ctx is canceled. A tick in flight when ctx is canceled
// runs to completion.
func (r *Runner) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", r.opts.Interval).
		Int("workers", r.opts.Workers).
		Msg("Detection scheduler starting")

	r.lastEvict = r.now()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("ticks", r.ticks.Load()).Msg("Detection scheduler stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Symbols    int           `json:"symbols"`
	Storms     int           `json:"storms"`
	Clusters   int           `json:"clusters"`
	Radars     int           `json:"radars"`
	Emitted    int           `json:"emitted"`
	Suppressed int           `json:"suppressed"`
	Throttled  int           `json:"throttled"`
	Failed     int           `json:"failed"`
	Gated      int           `json:"gated"`
	Panics     int           `json:"panics"`
	Pruned     int           `json:"pruned"`
	Evicted    int           `json:"evicted"`
	Duration   time.Duration `json:"duration"`
}

type tickCounters struct {
	storms, clusters, radars               atomic.Int64
	emitted, suppressed, throttled, failed atomic.Int64
	gated, panics                          atomic.Int64
}

// Tick evaluates every active symbol once.
func (r *Runner) Tick(ctx context.Context) TickReport {
	ctx = context.WithoutCancel(ctx)
	start := r.now()
	r.ticks.Add(1)

	symbols := r.symbols(ctx)
	var c tickCounters

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			r.evaluate(ctx, symbol, &c)
			return nil
		})
	}
	g.Wait()

	report := TickReport{
		Symbols:    len(symbols),
		Storms:     int(c.storms.Load()),
		Clusters:   int(c.clusters.Load()),
		Radars:     int(c.radars.Load()),
		Emitted:    int(c.emitted.Load()),
		Suppressed: int(c.suppressed.Load()),
		Throttled:  int(c.throttled.Load()),
		Failed:     int(c.failed.Load()),
		Gated:      int(c.gated.Load()),
		Panics:     int(c.panics.Load()),
	}
	report.Pruned, report.Evicted = r.maintain(ctx)
	report.Duration = r.now().Sub(start)

	if r.opts.Observer != nil {
		r.opts.Observer.ObserveTick(report.Duration, report.Symbols, report.Panics)
	}
	if report.Emitted > 0 || report.Failed > 0 || report.Panics > 0 {
		log.Info().
			Int("symbols", report.Symbols).
			Int("emitted", report.Emitted).
			Int("failed", report.Failed).
			Int("panics", report.Panics).
			Dur("duration", report.Duration).
			Msg("Detection tick")
	}
	return report
}

func (r *Runner) symbols(ctx context.Context) []string {
	symbols := r.opts.Events.ActiveSymbols()
	if r.opts.Universe == nil {
		return symbols
	}
	refreshCtx, cancel := context.WithTimeout(ctx, universeRefreshTimeout)
	defer cancel()
	// Refresh failures keep the previous set; nothing to do here.
	_ = r.opts.Universe.Refresh(refreshCtx)
	return r.opts.Universe.Filter(symbols)
}

func (r *Runner) allows(p ops.Priority) bool {
	return r.opts.Gate == nil || r.opts.Gate.Allows(p)
}

// evaluate runs detectors, scoring and dispatch for one symbol. A panic is
// contained to the symbol.
func (r *Runner) evaluate(ctx context.Context, symbol string, c *tickCounters) {
	defer func() {
		if p := recover(); p != nil {
			c.panics.Add(1)
			log.Error().Str("symbol", symbol).Interface("panic", p).Msg("Symbol evaluation panicked")
		}
	}()

	var storm *domain.StormInfo
	var cluster *domain.ClusterInfo

	if r.allows(ops.PriorityHigh) {
		if s, ok := r.opts.Storm.Detect(symbol); ok {
			storm = &s
			c.storms.Add(1)
			r.emit(ctx, domain.AlertStorm, symbol, s, c)
		}
	} else {
		c.gated.Add(1)
	}

	if !r.allows(ops.PriorityNormal) {
		c.gated.Add(1)
		return
	}

	if cl, ok := r.opts.Cluster.Detect(symbol); ok {
		cluster = &cl
		c.clusters.Add(1)
		r.emit(ctx, domain.AlertCluster, symbol, cl, c)
	}

	if score, ok := r.opts.Scorer.Score(symbol, storm, cluster); ok && r.opts.Scorer.Alertable(score) {
		c.radars.Add(1)
		r.emit(ctx, domain.AlertRadar, symbol, score, c)
	}
}

func (r *Runner) emit(ctx context.Context, kind domain.AlertKind, symbol string, payload domain.Payload, c *tickCounters) {
	res, err := r.opts.Dispatcher.TryEmit(ctx, kind, symbol, payload)
	switch res {
	case dispatch.Emitted:
		c.emitted.Add(1)
	case dispatch.Suppressed:
		c.suppressed.Add(1)
	case dispatch.Throttled:
		c.throttled.Add(1)
	default:
		c.failed.Add(1)
		log.Debug().Err(err).Str("kind", string(kind)).Str("symbol", symbol).Msg("Alert not delivered")
	}
}

// maintain prunes empty windows every tick and evicts stale cooldowns once
// per EvictionInterval.
func (r *Runner) maintain(ctx context.Context) (pruned, evicted int) {
	pruned = r.opts.Events.Prune()

	now := r.now()
	if r.lastEvict.IsZero() {
		r.lastEvict = now
		return pruned, 0
	}
	if now.Sub(r.lastEvict) < r.opts.EvictionInterval || r.opts.EvictionMaxAge <= 0 {
		return pruned, 0
	}
	r.lastEvict = now

	n, err := r.opts.Dispatcher.Evict(ctx, r.opts.EvictionMaxAge)
	if err != nil {
		log.Warn().Err(err).Dur("max_age", r.opts.EvictionMaxAge).Msg("Cooldown eviction failed")
		return pruned, 0
	}
	log.Info().Int("evicted", n).Dur("max_age", r.opts.EvictionMaxAge).Msg("Evicted stale cooldowns")
	return pruned, n
}

// Ticks is the number of ticks started.
func (r *Runner) Ticks() int64 { return r.ticks.Load() }
