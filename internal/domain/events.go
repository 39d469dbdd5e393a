package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventKind discriminates the MarketEvent variants.
type EventKind uint8

const (
	KindLiquidation EventKind = iota + 1
	KindTrade
)

func (k EventKind) String() string {
	switch k {
	case KindLiquidation:
		return "liquidation"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Side is the direction of an event. Liquidations use LONG/SHORT (the side of
// the position that was closed), trades use BUY/SELL (the taker side).
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
)

// ParseLiquidationSide accepts LONG/SHORT as well as the order-side convention
// used by most venues, where a SELL liquidation order closes a long.
func ParseLiquidationSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "SELL":
		return SideLong, nil
	case "SHORT", "BUY":
		return SideShort, nil
	default:
		return "", fmt.Errorf("liquidation side %q: %w", s, ErrMalformedFrame)
	}
}

// ParseTradeSide accepts BUY/SELL in any case.
func ParseTradeSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return SideBuy, nil
	case "SELL", "S":
		return SideSell, nil
	default:
		return "", fmt.Errorf("trade side %q: %w", s, ErrMalformedFrame)
	}
}

// LiquidationEvent is a forced position close reported by a venue.
type LiquidationEvent struct {
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	NotionalUSD float64   `json:"notional_usd"`
	Exchange    string    `json:"exchange"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// TradeEvent is a large taker trade.
type TradeEvent struct {
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	NotionalUSD float64   `json:"notional_usd"`
	Exchange    string    `json:"exchange"`
	Price       float64   `json:"price"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// MarketEvent is the tagged union of the two event variants. Exactly one of
// Liquidation or Trade is meaningful, selected by Kind.
type MarketEvent struct {
	Kind        EventKind
	Liquidation LiquidationEvent
	Trade       TradeEvent
}

// NewLiquidation wraps a liquidation into a MarketEvent.
func NewLiquidation(e LiquidationEvent) MarketEvent {
	return MarketEvent{Kind: KindLiquidation, Liquidation: e}
}

// NewTrade wraps a trade into a MarketEvent.
func NewTrade(e TradeEvent) MarketEvent {
	return MarketEvent{Kind: KindTrade, Trade: e}
}

func (e MarketEvent) Symbol() string {
	if e.Kind == KindTrade {
		return e.Trade.Symbol
	}
	return e.Liquidation.Symbol
}

func (e MarketEvent) Side() Side {
	if e.Kind == KindTrade {
		return e.Trade.Side
	}
	return e.Liquidation.Side
}

func (e MarketEvent) NotionalUSD() float64 {
	if e.Kind == KindTrade {
		return e.Trade.NotionalUSD
	}
	return e.Liquidation.NotionalUSD
}

func (e MarketEvent) OccurredAt() time.Time {
	if e.Kind == KindTrade {
		return e.Trade.OccurredAt
	}
	return e.Liquidation.OccurredAt
}

// Validate enforces the invariants every ingested event must satisfy.
func (e MarketEvent) Validate() error {
	switch e.Kind {
	case KindLiquidation:
		if e.Liquidation.Side != SideLong && e.Liquidation.Side != SideShort {
			return fmt.Errorf("liquidation side %q: %w", e.Liquidation.Side, ErrMalformedFrame)
		}
	case KindTrade:
		if e.Trade.Side != SideBuy && e.Trade.Side != SideSell {
			return fmt.Errorf("trade side %q: %w", e.Trade.Side, ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("event kind %d: %w", e.Kind, ErrMalformedFrame)
	}
	if e.Symbol() == "" {
		return fmt.Errorf("empty symbol: %w", ErrMalformedFrame)
	}
	if !(e.NotionalUSD() > 0) {
		return fmt.Errorf("notional %v: %w", e.NotionalUSD(), ErrInvalidNotional)
	}
	if e.OccurredAt().IsZero() {
		return fmt.Errorf("missing timestamp: %w", ErrMalformedFrame)
	}
	return nil
}

// NormalizeSymbol upper-cases a symbol and strips pair separators so that
// "btc-usdt", "BTC/USDT" and "BTCUSDT" all resolve to the same key.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "/", "", "_", "", ":", "").Replace(s)
}
