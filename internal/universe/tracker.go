package universe

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type snapshot struct {
	symbols []string
	set     map[string]struct{}
	at      time.Time
}

// Tracker holds the last good symbol set. Reads are lock-free; Refresh swaps
// in a new snapshot only when the provider succeeds.
type Tracker struct {
	provider Provider
	current  atomic.Pointer[snapshot]
	failures atomic.Int64
}

// NewTracker creates an empty tracker. Until the first successful Refresh
// every symbol is recognized.
func NewTracker(p Provider) *Tracker {
	return &Tracker{provider: p}
}

// Refresh reloads the set. On error the previous set stays in place.
func (t *Tracker) Refresh(ctx context.Context) error {
	symbols, err := t.provider.ActiveSymbols(ctx)
	if err != nil {
		t.failures.Add(1)
		log.Warn().Err(err).Int("kept", t.Len()).Msg("Universe refresh failed, keeping previous set")
		return err
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	set := make(map[string]struct{}, len(sorted))
	for _, s := range sorted {
		set[s] = struct{}{}
	}

	prev := t.current.Swap(&snapshot{symbols: sorted, set: set, at: time.Now()})
	if prev == nil || len(prev.symbols) != len(sorted) {
		log.Info().Int("symbols", len(sorted)).Msg("Universe updated")
	}
	return nil
}

// Loaded reports whether a set has been loaded.
func (t *Tracker) Loaded() bool { return t.current.Load() != nil }

// Recognized reports whether symbol is tracked.
func (t *Tracker) Recognized(symbol string) bool {
	s := t.current.Load()
	if s == nil {
		return true
	}
	_, ok := s.set[symbol]
	return ok
}

// Symbols returns the tracked symbols, sorted.
func (t *Tracker) Symbols() []string {
	s := t.current.Load()
	if s == nil {
		return nil
	}
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// Filter keeps the recognized members of symbols, in order.
func (t *Tracker) Filter(symbols []string) []string {
	s := t.current.Load()
	if s == nil {
		return symbols
	}
	out := symbols[:0:0]
	for _, sym := range symbols {
		if _, ok := s.set[sym]; ok {
			out = append(out, sym)
		}
	}
	return out
}

func (t *Tracker) Len() int {
	s := t.current.Load()
	if s == nil {
		return 0
	}
	return len(s.symbols)
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Symbols         int       `json:"symbols"`
	RefreshFailures int64     `json:"refresh_failures"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (t *Tracker) Stats() Stats {
	st := Stats{RefreshFailures: t.failures.Load()}
	if s := t.current.Load(); s != nil {
		st.Symbols = len(s.symbols)
		st.UpdatedAt = s.at
	}
	return st
}
