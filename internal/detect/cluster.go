package detect

import (
	"sync/atomic"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

// DefaultDominanceThreshold rejects balanced flow: one side must carry at
// least 60% of the notional.
const DefaultDominanceThreshold = 0.6

// ClusterDetector fires on bursts of whale trades dominated by one side.
type ClusterDetector struct {
	events    TradeSource
	groups    GroupResolver
	window    time.Duration
	dominance float64
	now       func() time.Time

	evaluations atomic.Int64
	detections  atomic.Int64
}

// NewClusterDetector wires a detector. dominance outside (0.5, 1] falls back
// to DefaultDominanceThreshold.
func NewClusterDetector(events TradeSource, groups GroupResolver, window time.Duration, dominance float64) *ClusterDetector {
	if window <= 0 {
		window = DefaultWindow
	}
	if dominance <= 0.5 || dominance > 1 {
		dominance = DefaultDominanceThreshold
	}
	return &ClusterDetector{
		events:    events,
		groups:    groups,
		window:    window,
		dominance: dominance,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (d *ClusterDetector) WithClock(now func() time.Time) *ClusterDetector {
	d.now = now
	return d
}

// Detect evaluates symbol once.
func (d *ClusterDetector) Detect(symbol string) (domain.ClusterInfo, bool) {
	d.evaluations.Add(1)

	info := domain.ClusterInfo{
		Symbol:        symbol,
		WindowSeconds: int(d.window / time.Second),
	}
	for _, e := range d.events.Trades(symbol, d.window) {
		switch e.Side {
		case domain.SideBuy:
			info.BuyUSD += e.NotionalUSD
			info.BuyCount++
		case domain.SideSell:
			info.SellUSD += e.NotionalUSD
			info.SellCount++
		}
	}

	group := d.groups.Resolve(symbol)
	total := info.TotalUSD()
	if total < group.WhaleMinUSD || info.BuyCount+info.SellCount < group.WhaleMinCount {
		return domain.ClusterInfo{}, false
	}

	dominant, side := info.BuyUSD, domain.SideBuy
	if info.SellUSD > info.BuyUSD {
		dominant, side = info.SellUSD, domain.SideSell
	}
	info.DominanceRatio = dominant / total
	if info.DominanceRatio < d.dominance {
		return domain.ClusterInfo{}, false
	}

	info.DominantSide = side
	info.DetectedAt = d.now()
	d.detections.Add(1)
	return info, true
}

// Stats returns the detector counters.
func (d *ClusterDetector) Stats() Stats {
	return Stats{
		Evaluations: d.evaluations.Load(),
		Detections:  d.detections.Load(),
	}
}
