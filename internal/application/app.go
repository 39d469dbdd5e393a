// Package application wires the radar pipeline into one service: the feed
// client fills the aggregator, the runner ticks detectors and scoring, and
// the dispatcher hands alerts to the configured sinks.
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/liqradar/internal/aggregator"
	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/detect"
	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/interfaces/alerts"
	httpapi "github.com/sawpanic/liqradar/internal/interfaces/http"
	"github.com/sawpanic/liqradar/internal/metrics"
	"github.com/sawpanic/liqradar/internal/net/circuit"
	"github.com/sawpanic/liqradar/internal/net/ratelimit"
	"github.com/sawpanic/liqradar/internal/ops"
	"github.com/sawpanic/liqradar/internal/radar"
	"github.com/sawpanic/liqradar/internal/scheduler"
	"github.com/sawpanic/liqradar/internal/stream"
	"github.com/sawpanic/liqradar/internal/universe"
)

const (
	redisPingTimeout = 3 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// App is the assembled service.
type App struct {
	cfg    *config.Config
	groups *config.Groups

	Circuits   *circuit.Manager
	Degrader   *ops.Degrader
	Aggregator *aggregator.Aggregator
	Universe   *universe.Tracker
	Stream     *stream.Client
	Dispatcher *dispatch.Dispatcher
	Storm      *detect.StormDetector
	Cluster    *detect.ClusterDetector
	Radar      *radar.Engine
	Runner     *scheduler.Runner
	Collector  *metrics.Collector
	Server     *httpapi.Server

	sink  alerts.Sink
	redis *redis.Client
}

// New builds every component from cfg. The returned App owns the sink and
// redis connections; call Close when done.
func New(ctx context.Context, cfg *config.Config, groups *config.Groups, version string) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app := &App{cfg: cfg, groups: groups}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if needsRedis(cfg) {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := app.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	res := cfg.Resilience
	app.Degrader = ops.NewDegrader(ops.DegradeConfig{
		Window:        res.ErrorWindow,
		MinSamples:    res.MinSamples,
		DegradedRate:  res.DegradedRate,
		MinimalRate:   res.MinimalRate,
		EmergencyRate: res.EmergencyRate,
	})
	app.Circuits = circuit.NewManager(
		circuit.WithOutcomeHook(app.Degrader.Observe),
		circuit.WithStateHook(func(dependency string, from, to circuit.State) {
			log.Warn().Str("dependency", dependency).Stringer("from", from).Stringer("to", to).Msg("Circuit state changed")
		}),
	)
	breakerCfg := circuit.Config{
		FailureThreshold: res.FailureThreshold,
		SuccessThreshold: res.SuccessThreshold,
		RecoveryTimeout:  res.RecoveryTimeout,
	}
	feedBreaker := app.Circuits.AddProvider(circuit.DependencyFeed, breakerCfg)
	sinkBreaker := app.Circuits.AddProvider(circuit.DependencySink, breakerCfg)

	provider, err := app.universeProvider()
	if err != nil {
		return nil, err
	}
	app.Universe = universe.NewTracker(provider)
	if err := app.Universe.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial universe load failed, accepting all symbols until the next refresh")
	}

	app.Aggregator = aggregator.New(cfg.Aggregator.Window, cfg.Aggregator.MaxEvents)
	app.Stream = stream.NewClient(cfg.Stream, app.Aggregator, feedBreaker).
		WithRecognizer(app.Universe).
		WithSymbols(app.Universe.Symbols)

	if app.sink, err = alerts.NewSink(ctx, cfg); err != nil {
		return nil, err
	}
	limiter := ratelimit.NewLimiter(cfg.Dispatch.RatePerSecond, cfg.Dispatch.Burst)
	app.Dispatcher = dispatch.New(dispatch.Options{
		Registry:    app.registry(),
		Groups:      groups,
		Sink:        app.sink,
		Breaker:     sinkBreaker,
		Limiter:     limiter,
		SinkTimeout: cfg.Dispatch.SinkTimeout,
	})

	app.Storm = detect.NewStormDetector(app.Aggregator, groups, app.Dispatcher, cfg.Detection.Window)
	app.Cluster = detect.NewClusterDetector(app.Aggregator, groups, cfg.Detection.Window, cfg.Detection.DominanceThreshold)

	policy, err := radar.ParsePressurePolicy(cfg.Radar.PressurePolicy)
	if err != nil {
		return nil, err
	}
	app.Radar = radar.NewEngine(radar.Config{
		ConvergenceBonus: cfg.Radar.ConvergenceBonus,
		PatternCap:       cfg.Radar.PatternCap,
		ThresholdScale:   cfg.Radar.ThresholdScale,
		Policy:           policy,
		MinStrength:      domain.ParseSignalStrength(cfg.Radar.MinStrength),
	}, groups)

	app.Collector = metrics.NewCollector()
	app.Collector.WatchAggregator(app.Aggregator)
	app.Collector.WatchDetectors(app.Storm, app.Cluster)
	app.Collector.WatchRadar(app.Radar)
	app.Collector.WatchDispatcher(app.Dispatcher)
	app.Collector.WatchLimiter(limiter)
	app.Collector.WatchCircuits(app.Circuits)
	app.Collector.WatchDegrader(app.Degrader)
	app.Collector.WatchStream(app.Stream)
	app.Collector.WatchUniverse(app.Universe)

	app.Runner = scheduler.NewRunner(scheduler.Options{
		Events:           app.Aggregator,
		Storm:            app.Storm,
		Cluster:          app.Cluster,
		Scorer:           app.Radar,
		Dispatcher:       app.Dispatcher,
		Gate:             app.Degrader,
		Universe:         app.Universe,
		Observer:         app.Collector,
		Interval:         cfg.Detection.Interval,
		Workers:          cfg.Detection.Workers,
		EvictionInterval: cfg.Detection.CooldownEvictionInterval,
		EvictionMaxAge:   time.Duration(groups.LongestCooldown()) * time.Second,
	})

	if cfg.HTTP.Enabled {
		serverCfg := httpapi.DefaultServerConfig()
		serverCfg.Addr = cfg.HTTP.Addr
		deps := httpapi.Deps{
			Collector: app.Collector,
			Circuits:  app.Circuits,
			Degrader:  app.Degrader,
			Version:   version,
		}
		if journal, ok := alerts.FindJournal(app.sink); ok {
			deps.Journal = journal
		}
		app.Server = httpapi.NewServer(serverCfg, deps)
	}

	log.Info().
		Str("feed", cfg.Stream.URL).
		Strs("sinks", cfg.Sinks.Enabled).
		Str("cooldowns", cfg.Dispatch.CooldownBackend).
		Str("universe", cfg.Universe.Source).
		Int("groups", len(groups.All())).
		Msg("Radar assembled")
	return app, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Dispatch.CooldownBackend == "redis" || cfg.Universe.Source == "redis"
}

func (a *App) universeProvider() (universe.Provider, error) {
	switch a.cfg.Universe.Source {
	case "file":
		p, err := universe.LoadFile(a.cfg.Universe.File)
		if err != nil {
			return nil, fmt.Errorf("universe file: %w", err)
		}
		return p, nil
	case "redis":
		return universe.NewRedisProvider(a.redis, a.cfg.Universe.RedisKey), nil
	default:
		return universe.NewStaticProvider(a.cfg.Universe.Symbols), nil
	}
}

func (a *App) registry() dispatch.Registry {
	if a.cfg.Dispatch.CooldownBackend == "redis" {
		return dispatch.NewRedisRegistry(a.redis, a.cfg.Dispatch.RedisKeyPrefix)
	}
	return dispatch.NewMemoryRegistry()
}

// Run blocks until ctx is canceled or a component fails. The feed client
// and the runner return nil on cancellation, so a clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Stream.Run(gctx) })
	g.Go(func() error { return a.Runner.Run(gctx) })

	if a.Server != nil {
		g.Go(func() error { return a.Server.Start() })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return a.Server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	log.Info().Int64("ticks", a.Runner.Ticks()).Msg("Radar stopped")
	return err
}

// Close releases the sinks and the redis client.
func (a *App) Close() error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
