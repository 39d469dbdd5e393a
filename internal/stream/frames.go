package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

var (
	// ErrUnknownType is returned for data frames of a type we do not ingest.
	ErrUnknownType = fmt.Errorf("unknown frame type: %w", domain.ErrMalformedFrame)

	// ErrControlFrame marks acks and heartbeats; they carry no event.
	ErrControlFrame = errors.New("control frame")
)

// Drop reasons reported in Stats.
const (
	DropMalformed       = "malformed"
	DropUnknownSymbol   = "unknown_symbol"
	DropInvalidNotional = "invalid_notional"
	DropUnknownType     = "unknown_type"
)

var dropReasons = []string{DropMalformed, DropUnknownSymbol, DropInvalidNotional, DropUnknownType}

// Frame is the feed's wire format. Events may arrive flat or wrapped as
// {"type": .., "data": {..}}.
type Frame struct {
	Type        string          `json:"type"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	NotionalUSD *float64        `json:"notional_usd"`
	Price       float64         `json:"price"`
	Qty         float64         `json:"qty"`
	Exchange    string          `json:"exchange"`
	TS          int64           `json:"ts"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// SubscribeFrame is sent once after every successful connect.
type SubscribeFrame struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols,omitempty"`
}

func newSubscribeFrame(symbols []string) SubscribeFrame {
	return SubscribeFrame{Op: "subscribe", Channels: []string{"liquidation", "trade"}, Symbols: symbols}
}

// ParseFrame decodes one text frame into a validated event. receivedAt
// stands in for a missing ts.
func ParseFrame(data []byte, receivedAt time.Time) (domain.MarketEvent, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.MarketEvent{}, fmt.Errorf("decode frame: %v: %w", err, domain.ErrMalformedFrame)
	}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		var inner Frame
		if err := json.Unmarshal(f.Data, &inner); err != nil {
			return domain.MarketEvent{}, fmt.Errorf("decode envelope: %v: %w", err, domain.ErrMalformedFrame)
		}
		if inner.Type == "" {
			inner.Type = f.Type
		}
		f = inner
	}
	return f.Event(receivedAt)
}

// Event converts the frame into a validated MarketEvent.
func (f Frame) Event(receivedAt time.Time) (domain.MarketEvent, error) {
	kind := strings.ToLower(strings.TrimSpace(f.Type))
	switch kind {
	case "liquidation", "liq", "forceorder":
	case "trade", "aggtrade":
	case "subscribed", "unsubscribed", "heartbeat", "pong", "ack", "info":
		return domain.MarketEvent{}, ErrControlFrame
	default:
		return domain.MarketEvent{}, fmt.Errorf("%q: %w", f.Type, ErrUnknownType)
	}

	occurred := receivedAt
	if f.TS > 0 {
		occurred = time.UnixMilli(f.TS)
	}
	notional := f.Price * f.Qty
	if f.NotionalUSD != nil {
		notional = *f.NotionalUSD
	}
	symbol := domain.NormalizeSymbol(f.Symbol)

	var ev domain.MarketEvent
	if kind == "trade" || kind == "aggtrade" {
		side, err := domain.ParseTradeSide(f.Side)
		if err != nil {
			return domain.MarketEvent{}, err
		}
		ev = domain.NewTrade(domain.TradeEvent{
			Symbol:      symbol,
			Side:        side,
			NotionalUSD: notional,
			Exchange:    f.Exchange,
			Price:       f.Price,
			OccurredAt:  occurred,
		})
	} else {
		side, err := domain.ParseLiquidationSide(f.Side)
		if err != nil {
			return domain.MarketEvent{}, err
		}
		ev = domain.NewLiquidation(domain.LiquidationEvent{
			Symbol:      symbol,
			Side:        side,
			NotionalUSD: notional,
			Exchange:    f.Exchange,
			OccurredAt:  occurred,
		})
	}
	if err := ev.Validate(); err != nil {
		return domain.MarketEvent{}, err
	}
	return ev, nil
}

// dropReason maps a parse or validation error to its Stats bucket.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return DropUnknownType
	case errors.Is(err, domain.ErrUnknownSymbol):
		return DropUnknownSymbol
	case errors.Is(err, domain.ErrInvalidNotional):
		return DropInvalidNotional
	default:
		return DropMalformed
	}
}
