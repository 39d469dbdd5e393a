// Package radar scores each symbol from its storm and cluster signals.
package radar

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/domain"
)

// PressurePolicy resolves a storm and a cluster that point in opposite
// directions.
type PressurePolicy string

const (
	StormWins         PressurePolicy = "storm_wins"
	ClusterWins       PressurePolicy = "cluster_wins"
	NeutralOnConflict PressurePolicy = "neutral_on_conflict"
)

// ParsePressurePolicy validates a policy name.
func ParsePressurePolicy(s string) (PressurePolicy, error) {
	switch p := PressurePolicy(s); p {
	case StormWins, ClusterWins, NeutralOnConflict:
		return p, nil
	case "":
		return StormWins, nil
	default:
		return "", fmt.Errorf("unknown pressure policy %q", s)
	}
}

// Config holds the scoring constants.
type Config struct {
	ConvergenceBonus float64
	PatternCap       float64 // per-pattern contribution ceiling
	ThresholdScale   float64 // threshold multiple that saturates a pattern
	Policy           PressurePolicy
	MinStrength      domain.SignalStrength
}

// DefaultConfig returns bonus 0.3, cap 0.5, scale 3, storm_wins, MODERATE.
func DefaultConfig() Config {
	return Config{
		ConvergenceBonus: 0.3,
		PatternCap:       0.5,
		ThresholdScale:   3,
		Policy:           StormWins,
		MinStrength:      domain.StrengthModerate,
	}
}

// GroupResolver maps a symbol onto its thresholds.
type GroupResolver interface {
	Resolve(symbol string) config.SymbolGroupConfig
}

// Engine fuses optional storm and cluster detections into a composite score.
type Engine struct {
	config Config
	groups GroupResolver
	now    func() time.Time

	scored     atomic.Int64
	converged  atomic.Int64
	byStrength [4]atomic.Int64
}

// NewEngine creates an engine resolving thresholds through groups.
func NewEngine(cfg Config, groups GroupResolver) *Engine {
	if cfg.ThresholdScale <= 0 {
		cfg.ThresholdScale = 3
	}
	if cfg.PatternCap <= 0 {
		cfg.PatternCap = 0.5
	}
	if cfg.Policy == "" {
		cfg.Policy = StormWins
	}
	return &Engine{config: cfg, groups: groups, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Score returns the composite for symbol. It returns false when neither
// detector fired.
func (e *Engine) Score(symbol string, storm *domain.StormInfo, cluster *domain.ClusterInfo) (domain.CompositeScore, bool) {
	if storm == nil && cluster == nil {
		return domain.CompositeScore{}, false
	}
	group := e.groups.Resolve(symbol)

	var score float64
	var patterns []domain.Pattern
	if storm != nil {
		score += e.contribution(storm.TotalUSD, group.LiqMinUSD)
		patterns = append(patterns, domain.PatternStorm)
	}
	if cluster != nil {
		score += e.contribution(cluster.TotalUSD(), group.WhaleMinUSD)
		patterns = append(patterns, domain.PatternCluster)
	}
	if storm != nil && cluster != nil {
		score += e.config.ConvergenceBonus
		patterns = append(patterns, domain.PatternConvergence)
		e.converged.Add(1)
	}

	strength := Strength(score)
	e.scored.Add(1)
	e.byStrength[strength].Add(1)

	return domain.CompositeScore{
		Symbol:         symbol,
		Score:          score,
		SignalStrength: strength,
		Patterns:       patterns,
		Pressure:       e.pressure(storm, cluster),
		ComputedAt:     e.now(),
	}, true
}

func (e *Engine) contribution(total, threshold float64) float64 {
	if threshold <= 0 || total <= 0 {
		return 0
	}
	return math.Min(total/(threshold*e.config.ThresholdScale), e.config.PatternCap)
}

// Strength buckets a score: <0.4 WEAK, <0.7 MODERATE, <1.2 STRONG, else EXTREME.
func Strength(score float64) domain.SignalStrength {
	switch {
	case score < 0.4:
		return domain.StrengthWeak
	case score < 0.7:
		return domain.StrengthModerate
	case score < 1.2:
		return domain.StrengthStrong
	default:
		return domain.StrengthExtreme
	}
}

// Liquidated longs push price down, liquidated shorts push it up.
func stormPressure(s *domain.StormInfo) domain.Pressure {
	switch s.Side {
	case domain.SideLong:
		return domain.PressureBearish
	case domain.SideShort:
		return domain.PressureBullish
	}
	return domain.PressureNeutral
}

func clusterPressure(c *domain.ClusterInfo) domain.Pressure {
	switch c.DominantSide {
	case domain.SideBuy:
		return domain.PressureBullish
	case domain.SideSell:
		return domain.PressureBearish
	}
	return domain.PressureNeutral
}

func (e *Engine) pressure(storm *domain.StormInfo, cluster *domain.ClusterInfo) domain.Pressure {
	switch {
	case storm == nil:
		return clusterPressure(cluster)
	case cluster == nil:
		return stormPressure(storm)
	}

	sp, cp := stormPressure(storm), clusterPressure(cluster)
	if sp == cp {
		return sp
	}
	switch e.config.Policy {
	case ClusterWins:
		return cp
	case NeutralOnConflict:
		return domain.PressureNeutral
	default:
		return sp
	}
}

// Alertable reports whether a composite is strong enough for a RADAR alert.
func (e *Engine) Alertable(c domain.CompositeScore) bool {
	return c.SignalStrength >= e.config.MinStrength
}

// Stats holds engine counters.
type Stats struct {
	Scored     int64            `json:"scored"`
	Converged  int64            `json:"converged"`
	ByStrength map[string]int64 `json:"by_strength"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	by := make(map[string]int64, len(e.byStrength))
	for i := range e.byStrength {
		by[domain.SignalStrength(i).String()] = e.byStrength[i].Load()
	}
	return Stats{
		Scored:     e.scored.Load(),
		Converged:  e.converged.Load(),
		ByStrength: by,
	}
}
