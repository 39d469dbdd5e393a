// Package detect holds the per-tick pattern detectors. Detectors keep no
// state between ticks beyond counters; every decision is a function of the
// current window contents, the symbol's group thresholds and, for storms, the
// cooldown registry.
package detect

import (
	"time"

	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/domain"
)

// DefaultWindow is the lookback of both detectors.
const DefaultWindow = 30 * time.Second

// LiquidationSource serves point-in-time copies of liquidation windows.
type LiquidationSource interface {
	Liquidations(symbol string, d time.Duration) []domain.LiquidationEvent
}

// TradeSource serves point-in-time copies of trade windows.
type TradeSource interface {
	Trades(symbol string, d time.Duration) []domain.TradeEvent
}

// GroupResolver maps a symbol onto its thresholds.
type GroupResolver interface {
	Resolve(symbol string) config.SymbolGroupConfig
}

// CooldownPeeker reports whether an alert of kind could be emitted for symbol
// now. It must not consume the cooldown.
type CooldownPeeker interface {
	Ready(kind domain.AlertKind, symbol string) bool
}

// Stats is shared by both detectors.
type Stats struct {
	Evaluations int64 `json:"evaluations"`
	Detections  int64 `json:"detections"`
	OnCooldown  int64 `json:"on_cooldown"`
}
