package detect

import (
	"sync/atomic"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

// StormDetector fires when one side's liquidations within the window reach
// the group's volume and count thresholds.
type StormDetector struct {
	events    LiquidationSource
	groups    GroupResolver
	cooldowns CooldownPeeker
	window    time.Duration
	now       func() time.Time

	evaluations atomic.Int64
	detections  atomic.Int64
	onCooldown  atomic.Int64
}

// NewStormDetector wires a detector. cooldowns may be nil, in which case the
// dispatcher alone enforces cooldowns.
func NewStormDetector(events LiquidationSource, groups GroupResolver, cooldowns CooldownPeeker, window time.Duration) *StormDetector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &StormDetector{
		events:    events,
		groups:    groups,
		cooldowns: cooldowns,
		window:    window,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (d *StormDetector) WithClock(now func() time.Time) *StormDetector {
	d.now = now
	return d
}

type sideTotal struct {
	side  domain.Side
	usd   float64
	count int
}

// Detect evaluates symbol once. At most one side is reported: the larger
// notional wins, then the larger count, then LONG.
func (d *StormDetector) Detect(symbol string) (domain.StormInfo, bool) {
	d.evaluations.Add(1)

	long := sideTotal{side: domain.SideLong}
	short := sideTotal{side: domain.SideShort}
	for _, e := range d.events.Liquidations(symbol, d.window) {
		switch e.Side {
		case domain.SideLong:
			long.usd += e.NotionalUSD
			long.count++
		case domain.SideShort:
			short.usd += e.NotionalUSD
			short.count++
		}
	}

	group := d.groups.Resolve(symbol)
	qualifies := func(s sideTotal) bool {
		return s.usd >= group.LiqMinUSD && s.count >= group.LiqMinCount
	}

	var winner sideTotal
	switch lq, sq := qualifies(long), qualifies(short); {
	case lq && sq:
		winner = pickSide(long, short)
	case lq:
		winner = long
	case sq:
		winner = short
	default:
		return domain.StormInfo{}, false
	}

	if d.cooldowns != nil && !d.cooldowns.Ready(domain.AlertStorm, symbol) {
		d.onCooldown.Add(1)
		return domain.StormInfo{}, false
	}

	d.detections.Add(1)
	return domain.StormInfo{
		Symbol:        symbol,
		Side:          winner.side,
		TotalUSD:      winner.usd,
		EventCount:    winner.count,
		WindowSeconds: int(d.window / time.Second),
		DetectedAt:    d.now(),
	}, true
}

func pickSide(long, short sideTotal) sideTotal {
	switch {
	case short.usd > long.usd:
		return short
	case long.usd > short.usd:
		return long
	case short.count > long.count:
		return short
	default:
		return long
	}
}

// Stats returns the detector counters.
func (d *StormDetector) Stats() Stats {
	return Stats{
		Evaluations: d.evaluations.Load(),
		Detections:  d.detections.Load(),
		OnCooldown:  d.onCooldown.Load(),
	}
}
