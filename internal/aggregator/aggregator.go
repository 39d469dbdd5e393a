// Package aggregator keeps per-symbol sliding windows of recent liquidations
// and whale trades.
package aggregator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

const (
	DefaultWindow    = 30 * time.Second
	DefaultMaxEvents = 500
)

type windowKey struct {
	symbol string
	kind   domain.EventKind
}

// Aggregator keeps sliding windows of recent events per (symbol, kind).
// Writers and readers of different keys never contend: the index is guarded
// by an RWMutex taken only briefly, and each window has its own lock.
type Aggregator struct {
	maxWindow time.Duration
	capacity  int
	now       func() time.Time

	mu      sync.RWMutex
	windows map[windowKey]*window

	liquidations atomic.Int64
	trades       atomic.Int64
	expired      atomic.Int64
	overflow     atomic.Int64
}

// New creates an aggregator retaining at most maxEvents per key, none older
// than maxWindow.
func New(maxWindow time.Duration, maxEvents int) *Aggregator {
	if maxWindow <= 0 {
		maxWindow = DefaultWindow
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Aggregator{
		maxWindow: maxWindow,
		capacity:  maxEvents,
		now:       time.Now,
		windows:   make(map[windowKey]*window),
	}
}

// WithClock replaces the time source, for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// MaxWindow is the longest window that can be queried.
func (a *Aggregator) MaxWindow() time.Duration { return a.maxWindow }

// AddLiquidation appends a validated liquidation.
func (a *Aggregator) AddLiquidation(e domain.LiquidationEvent) {
	a.Add(domain.NewLiquidation(e))
}

// AddTrade appends a validated trade.
func (a *Aggregator) AddTrade(e domain.TradeEvent) {
	a.Add(domain.NewTrade(e))
}

// Add appends e to its (symbol, kind) window in arrival order.
func (a *Aggregator) Add(e domain.MarketEvent) {
	k := windowKey{symbol: e.Symbol(), kind: e.Kind}
	cutoff := a.now().Add(-a.maxWindow)

	for {
		w := a.getWindow(k)
		w.mu.Lock()
		if w.retired {
			// Pruned between lookup and lock; fetch the replacement.
			w.mu.Unlock()
			continue
		}
		if n := w.expireFront(cutoff); n > 0 {
			a.expired.Add(int64(n))
		}
		if w.push(e, a.capacity) {
			a.overflow.Add(1)
		}
		w.mu.Unlock()
		break
	}

	switch e.Kind {
	case domain.KindLiquidation:
		a.liquidations.Add(1)
	case domain.KindTrade:
		a.trades.Add(1)
	}
}

func (a *Aggregator) getWindow(k windowKey) *window {
	a.mu.RLock()
	w, exists := a.windows[k]
	a.mu.RUnlock()
	if exists {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists := a.windows[k]; exists {
		return w
	}
	w = &window{}
	a.windows[k] = w
	return w
}

func (a *Aggregator) lookup(k windowKey) (*window, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.windows[k]
	return w, ok
}

// Window returns a copy of the events of (symbol, kind) aged at most d. d is
// clamped to the configured maximum window; d <= 0 means the maximum.
func (a *Aggregator) Window(symbol string, kind domain.EventKind, d time.Duration) []domain.MarketEvent {
	if d <= 0 || d > a.maxWindow {
		d = a.maxWindow
	}
	w, ok := a.lookup(windowKey{symbol: symbol, kind: kind})
	if !ok {
		return nil
	}

	now := a.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := w.compact(now.Add(-a.maxWindow)); n > 0 {
		a.expired.Add(int64(n))
	}
	return w.snapshot(now.Add(-d))
}

// Liquidations is Window for KindLiquidation, unwrapped.
func (a *Aggregator) Liquidations(symbol string, d time.Duration) []domain.LiquidationEvent {
	events := a.Window(symbol, domain.KindLiquidation, d)
	out := make([]domain.LiquidationEvent, len(events))
	for i, e := range events {
		out[i] = e.Liquidation
	}
	return out
}

// Trades is Window for KindTrade, unwrapped.
func (a *Aggregator) Trades(symbol string, d time.Duration) []domain.TradeEvent {
	events := a.Window(symbol, domain.KindTrade, d)
	out := make([]domain.TradeEvent, len(events))
	for i, e := range events {
		out[i] = e.Trade
	}
	return out
}

// ActiveSymbols returns, sorted, every symbol with at least one unexpired
// event of any kind.
func (a *Aggregator) ActiveSymbols() []string {
	a.mu.RLock()
	entries := make(map[windowKey]*window, len(a.windows))
	for k, w := range a.windows {
		entries[k] = w
	}
	a.mu.RUnlock()

	cutoff := a.now().Add(-a.maxWindow)
	seen := make(map[string]struct{})
	for k, w := range entries {
		if _, ok := seen[k.symbol]; ok {
			continue
		}
		w.mu.Lock()
		if n := w.compact(cutoff); n > 0 {
			a.expired.Add(int64(n))
		}
		live := w.size > 0
		w.mu.Unlock()
		if live {
			seen[k.symbol] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Prune drops windows with no unexpired events and returns how many were
// removed. It bounds the index when symbols stop trading.
func (a *Aggregator) Prune() int {
	cutoff := a.now().Add(-a.maxWindow)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for k, w := range a.windows {
		w.mu.Lock()
		if n := w.compact(cutoff); n > 0 {
			a.expired.Add(int64(n))
		}
		if w.size == 0 {
			w.retired = true
			delete(a.windows, k)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Stats holds read-only aggregator counters.
type Stats struct {
	LiquidationsIngested int64 `json:"liquidations_ingested"`
	TradesIngested       int64 `json:"trades_ingested"`
	EvictedExpired       int64 `json:"evicted_expired"`
	EvictedOverflow      int64 `json:"evicted_overflow"`
	Windows              int   `json:"windows"`
}

// Stats returns the current counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	windows := len(a.windows)
	a.mu.RUnlock()

	return Stats{
		LiquidationsIngested: a.liquidations.Load(),
		TradesIngested:       a.trades.Load(),
		EvictedExpired:       a.expired.Load(),
		EvictedOverflow:      a.overflow.Load(),
		Windows:              windows,
	}
}
