// Package dispatch turns detections into alerts, at most one per
// (kind, symbol) per cooldown, and hands them to the sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/domain"
)

// Ack confirms that a sink accepted an alert.
type Ack struct {
	AlertID string    `json:"alert_id"`
	Sink    string    `json:"sink"`
	At      time.Time `json:"at"`
}

// Sink delivers alerts to the outside world. Formatting, retries and
// channels are the sink's business.
type Sink interface {
	Deliver(ctx context.Context, alert domain.Alert) (Ack, error)
}

// Caller runs fn under a circuit breaker.
type Caller interface {
	Call(ctx context.Context, fn func(ctx context.Context) error) error
}

// Limiter bounds the alert rate per key.
type Limiter interface {
	Allow(key string) bool
}

// GroupResolver maps a symbol onto its group.
type GroupResolver interface {
	Resolve(symbol string) config.SymbolGroupConfig
}

// Result is the outcome of one TryEmit.
type Result int

const (
	Emitted Result = iota
	Suppressed
	Throttled
	DeliveryFailed
)

func (r Result) String() string {
	switch r {
	case Emitted:
		return "emitted"
	case Suppressed:
		return "suppressed"
	case Throttled:
		return "throttled"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

const (
	DefaultSinkTimeout = 3 * time.Second
	peekTimeout        = 500 * time.Millisecond
)

// Options configures a Dispatcher. Breaker and Limiter are optional.
type Options struct {
	Registry    Registry
	Groups      GroupResolver
	Sink        Sink
	Breaker     Caller
	Limiter     Limiter
	SinkTimeout time.Duration
}

type kindCounters struct {
	emitted    atomic.Int64
	suppressed atomic.Int64
	throttled  atomic.Int64
	failed     atomic.Int64
}

// Dispatcher turns detections into at most one alert per (kind, symbol) per
// cooldown and hands them to the sink.
type Dispatcher struct {
	registry Registry
	groups   GroupResolver
	sink     Sink
	breaker  Caller
	limiter  Limiter
	timeout  time.Duration
	now      func() time.Time
	newID    func() string

	counters map[domain.AlertKind]*kindCounters
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = DefaultSinkTimeout
	}
	counters := make(map[domain.AlertKind]*kindCounters, len(domain.AlertKinds))
	for _, k := range domain.AlertKinds {
		counters[k] = &kindCounters{}
	}
	return &Dispatcher{
		registry: opts.Registry,
		groups:   opts.Groups,
		sink:     opts.Sink,
		breaker:  opts.Breaker,
		limiter:  opts.Limiter,
		timeout:  opts.SinkTimeout,
		now:      time.Now,
		newID:    uuid.NewString,
		counters: counters,
	}
}

// WithClock replaces the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) cooldown(kind domain.AlertKind, symbol string) (time.Duration, string) {
	group := d.groups.Resolve(symbol)
	return time.Duration(group.CooldownFor(kind)) * time.Second, group.Name
}

// Ready reports whether an alert of kind for symbol would pass the cooldown
// now. Registry errors read as ready; TryEmit remains authoritative.
func (d *Dispatcher) Ready(kind domain.AlertKind, symbol string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), peekTimeout)
	defer cancel()

	cooldown, _ := d.cooldown(kind, symbol)
	ready, err := d.registry.Ready(ctx, Key{Kind: kind, Symbol: symbol}, cooldown, d.now())
	if err != nil {
		log.Debug().Err(err).Str("kind", string(kind)).Str("symbol", symbol).Msg("Cooldown peek failed")
		return true
	}
	return ready
}

// TryEmit emits payload as an alert unless the (kind, symbol) cooldown is
// running or the kind is over its rate. Once the cooldown is acquired it
// stays consumed even if delivery fails.
func (d *Dispatcher) TryEmit(ctx context.Context, kind domain.AlertKind, symbol string, payload domain.Payload) (Result, error) {
	if payload == nil || domain.KindOf(payload) != kind {
		return DeliveryFailed, fmt.Errorf("payload does not match alert kind %s", kind)
	}
	counters := d.counters[kind]
	key := Key{Kind: kind, Symbol: symbol}
	cooldown, group := d.cooldown(kind, symbol)
	now := d.now()

	ready, err := d.registry.Ready(ctx, key, cooldown, now)
	if err != nil {
		counters.failed.Add(1)
		return DeliveryFailed, err
	}
	if !ready {
		counters.suppressed.Add(1)
		return Suppressed, nil
	}

	if d.limiter != nil && !d.limiter.Allow(string(kind)) {
		counters.throttled.Add(1)
		log.Debug().Str("kind", string(kind)).Str("symbol", symbol).Msg("Alert throttled")
		return Throttled, nil
	}

	acquired, err := d.registry.TryAcquire(ctx, key, cooldown, now)
	if err != nil {
		counters.failed.Add(1)
		return DeliveryFailed, err
	}
	if !acquired {
		// Lost the race to a concurrent dispatch of the same key.
		counters.suppressed.Add(1)
		return Suppressed, nil
	}

	alert := domain.Alert{
		ID:        d.newID(),
		Kind:      kind,
		Symbol:    symbol,
		Group:     group,
		Payload:   payload,
		EmittedAt: now,
	}

	if err := d.deliver(ctx, alert); err != nil {
		counters.failed.Add(1)
		log.Warn().
			Err(err).
			Str("alert_id", alert.ID).
			Str("kind", string(kind)).
			Str("symbol", symbol).
			Str("class", domain.Classify(err).String()).
			Msg("Alert delivery failed, dropping")
		return DeliveryFailed, err
	}

	counters.emitted.Add(1)
	return Emitted, nil
}

func (d *Dispatcher) deliver(ctx context.Context, alert domain.Alert) error {
	call := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		// The sink may ignore callCtx; the tick must not wait on it.
		done := make(chan error, 1)
		go func() {
			_, err := d.sink.Deliver(callCtx, alert)
			done <- err
		}()

		select {
		case err := <-done:
			if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w after %s: %w", domain.ErrDeliveryTimeout, d.timeout, err)
			}
			return err
		case <-callCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w after %s", domain.ErrDeliveryTimeout, d.timeout)
		}
	}
	if d.breaker == nil {
		return call(ctx)
	}
	return d.breaker.Call(ctx, call)
}

// Evict drops cooldown entries older than maxAge.
func (d *Dispatcher) Evict(ctx context.Context, maxAge time.Duration) (int, error) {
	return d.registry.Evict(ctx, d.now(), maxAge)
}

// KindStats holds per-kind dispatch counters.
type KindStats struct {
	Emitted    int64 `json:"emitted"`
	Suppressed int64 `json:"suppressed"`
	Throttled  int64 `json:"throttled"`
	Failed     int64 `json:"failed"`
}

// Stats returns counters keyed by alert kind.
func (d *Dispatcher) Stats() map[domain.AlertKind]KindStats {
	out := make(map[domain.AlertKind]KindStats, len(d.counters))
	for kind, c := range d.counters {
		out[kind] = KindStats{
			Emitted:    c.emitted.Load(),
			Suppressed: c.suppressed.Load(),
			Throttled:  c.throttled.Load(),
			Failed:     c.failed.Load(),
		}
	}
	return out
}

// CooldownEntries is the number of tracked cooldowns, or -1 when the
// registry cannot tell.
func (d *Dispatcher) CooldownEntries() int { return d.registry.Len() }
