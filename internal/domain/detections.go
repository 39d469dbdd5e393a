package domain

import (
	"strings"
	"time"
)

// StormInfo describes a one-sided liquidation burst.
type StormInfo struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	TotalUSD      float64   `json:"total_usd"`
	EventCount    int       `json:"event_count"`
	WindowSeconds int       `json:"window_seconds"`
	DetectedAt    time.Time `json:"detected_at"`
}

// ClusterInfo describes a burst of whale trades dominated by one side.
type ClusterInfo struct {
	Symbol         string    `json:"symbol"`
	DominantSide   Side      `json:"dominant_side"`
	BuyUSD         float64   `json:"buy_usd"`
	SellUSD        float64   `json:"sell_usd"`
	BuyCount       int       `json:"buy_count"`
	SellCount      int       `json:"sell_count"`
	DominanceRatio float64   `json:"dominance_ratio"`
	WindowSeconds  int       `json:"window_seconds"`
	DetectedAt     time.Time `json:"detected_at"`
}

// TotalUSD is the combined buy and sell notional.
func (c ClusterInfo) TotalUSD() float64 { return c.BuyUSD + c.SellUSD }

// Pattern is one contributor to a composite score.
type Pattern string

const (
	PatternStorm       Pattern = "STORM"
	PatternCluster     Pattern = "CLUSTER"
	PatternConvergence Pattern = "CONVERGENCE"
)

// SignalStrength buckets a composite score.
type SignalStrength int

const (
	StrengthWeak SignalStrength = iota
	StrengthModerate
	StrengthStrong
	StrengthExtreme
)

func (s SignalStrength) String() string {
	switch s {
	case StrengthWeak:
		return "WEAK"
	case StrengthModerate:
		return "MODERATE"
	case StrengthStrong:
		return "STRONG"
	case StrengthExtreme:
		return "EXTREME"
	default:
		return "UNKNOWN"
	}
}

func (s SignalStrength) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseSignalStrength is case insensitive; unknown values map to WEAK.
func ParseSignalStrength(s string) SignalStrength {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MODERATE":
		return StrengthModerate
	case "STRONG":
		return StrengthStrong
	case "EXTREME":
		return StrengthExtreme
	default:
		return StrengthWeak
	}
}

// Pressure is the directional bias implied by the detections.
type Pressure string

const (
	PressureBullish Pressure = "BULLISH"
	PressureBearish Pressure = "BEARISH"
	PressureNeutral Pressure = "NEUTRAL"
)

// CompositeScore fuses storm and cluster detections for one symbol and tick.
type CompositeScore struct {
	Symbol         string         `json:"symbol"`
	Score          float64        `json:"score"`
	SignalStrength SignalStrength `json:"signal_strength"`
	Patterns       []Pattern      `json:"patterns"`
	Pressure       Pressure       `json:"pressure"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// HasPattern reports whether p contributed to the score.
func (c CompositeScore) HasPattern(p Pattern) bool {
	for _, have := range c.Patterns {
		if have == p {
			return true
		}
	}
	return false
}
