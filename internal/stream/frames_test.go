package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/liqradar/internal/domain"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseFrame_Liquidation(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"liquidation","symbol":"btc-usdt","side":"SELL","notional_usd":250000,"exchange":"binance","ts":1772366400000,"extra":"ignored"}`), received)
	require.NoError(t, err)

	assert.Equal(t, domain.KindLiquidation, ev.Kind)
	assert.Equal(t, "BTCUSDT", ev.Symbol())
	assert.Equal(t, domain.SideLong, ev.Side(), "a SELL liquidation order closes a long")
	assert.Equal(t, 250_000.0, ev.NotionalUSD())
	assert.True(t, ev.OccurredAt().Equal(received))
	assert.Equal(t, "binance", ev.Liquidation.Exchange)
}

func TestParseFrame_TradeEnvelopeWithPriceQty(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"trade","data":{"symbol":"ETH/USDT","side":"buy","price":3000,"qty":200}}`), received)
	require.NoError(t, err)

	assert.Equal(t, domain.KindTrade, ev.Kind)
	assert.Equal(t, "ETHUSDT", ev.Symbol())
	assert.Equal(t, domain.SideBuy, ev.Side())
	assert.Equal(t, 600_000.0, ev.NotionalUSD())
	assert.Equal(t, received, ev.OccurredAt(), "missing ts falls back to receive time")
	assert.Equal(t, 3000.0, ev.Trade.Price)
}

func TestParseFrame_Drops(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{"not json", `{"type":`, DropMalformed},
		{"unknown type", `{"type":"kline","symbol":"BTCUSDT"}`, DropUnknownType},
		{"bad side", `{"type":"trade","symbol":"BTCUSDT","side":"UP","notional_usd":1}`, DropMalformed},
		{"zero notional", `{"type":"liquidation","symbol":"BTCUSDT","side":"LONG","notional_usd":0}`, DropInvalidNotional},
		{"negative notional", `{"type":"trade","symbol":"BTCUSDT","side":"BUY","price":-1,"qty":5}`, DropInvalidNotional},
		{"empty symbol", `{"type":"trade","side":"BUY","notional_usd":10}`, DropMalformed},
		{"envelope data not an object", `{"type":"trade","data":[1,2]}`, DropMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.frame), received)
			require.Error(t, err)
			assert.Equal(t, tt.reason, dropReason(err))
		})
	}
}

func TestParseFrame_ControlFrames(t *testing.T) {
	for _, f := range []string{`{"type":"subscribed"}`, `{"type":"heartbeat"}`} {
		_, err := ParseFrame([]byte(f), received)
		assert.ErrorIs(t, err, ErrControlFrame)
	}
}
