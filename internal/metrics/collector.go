package metrics

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/sawpanic/liqradar/internal/aggregator"
	"github.com/sawpanic/liqradar/internal/detect"
	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
	"github.com/sawpanic/liqradar/internal/net/circuit"
	"github.com/sawpanic/liqradar/internal/net/ratelimit"
	"github.com/sawpanic/liqradar/internal/ops"
	"github.com/sawpanic/liqradar/internal/radar"
	"github.com/sawpanic/liqradar/internal/stream"
	"github.com/sawpanic/liqradar/internal/universe"
)

const namespace = "liqradar"

// Collector owns a dedicated registry. Component counters are read through
// their Stats methods at scrape time; nothing here writes to core state.
type Collector struct {
	registry *prometheus.Registry

	tickDuration prometheus.Histogram
	tickSymbols  prometheus.Gauge
	tickPanics   prometheus.Counter
}

// NewCollector creates a registry with the go and process collectors and
// the tick metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one detection tick in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		tickSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_symbols",
			Help:      "Symbols evaluated by the last detection tick",
		}),
		tickPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_symbol_panics_total",
			Help:      "Per-symbol evaluations that panicked and were isolated",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tickDuration,
		c.tickSymbols,
		c.tickPanics,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one detection tick.
func (c *Collector) ObserveTick(d time.Duration, symbols, panics int) {
	c.tickDuration.Observe(d.Seconds())
	c.tickSymbols.Set(float64(symbols))
	c.tickPanics.Add(float64(panics))
}

func counterFunc(name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// WatchAggregator exports window counters.
func (c *Collector) WatchAggregator(src interface{ Stats() aggregator.Stats }) {
	c.registry.MustRegister(
		newFuncCollector(
			prometheus.NewDesc(namespace+"_events_ingested_total", "Events accepted into windows", []string{"kind"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				s := src.Stats()
				emit(float64(s.LiquidationsIngested), "liquidation")
				emit(float64(s.TradesIngested), "trade")
			}),
		newFuncCollector(
			prometheus.NewDesc(namespace+"_events_evicted_total", "Events evicted from windows", []string{"reason"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				s := src.Stats()
				emit(float64(s.EvictedExpired), "expired")
				emit(float64(s.EvictedOverflow), "overflow")
			}),
		gaugeFunc("windows", "Live (symbol, kind) windows", func() float64 { return float64(src.Stats().Windows) }),
	)
}

// WatchDetectors exports evaluation counters per detector.
func (c *Collector) WatchDetectors(storm, cluster interface{ Stats() detect.Stats }) {
	detectors := map[string]interface{ Stats() detect.Stats }{"storm": storm, "cluster": cluster}
	perDetector := func(name, help string, pick func(detect.Stats) int64) prometheus.Collector {
		return newFuncCollector(
			prometheus.NewDesc(namespace+"_detector_"+name+"_total", help, []string{"detector"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				for label, d := range detectors {
					emit(float64(pick(d.Stats())), label)
				}
			})
	}
	c.registry.MustRegister(
		perDetector("evaluations", "Detector evaluations", func(s detect.Stats) int64 { return s.Evaluations }),
		perDetector("detections", "Positive detections", func(s detect.Stats) int64 { return s.Detections }),
		perDetector("on_cooldown", "Detections skipped because the alert was cooling down", func(s detect.Stats) int64 { return s.OnCooldown }),
	)
}

// WatchRadar exports composite scoring counters.
func (c *Collector) WatchRadar(src interface{ Stats() radar.Stats }) {
	c.registry.MustRegister(
		counterFunc("radar_scored_total", "Composite scores computed", func() float64 { return float64(src.Stats().Scored) }),
		counterFunc("radar_converged_total", "Scores where storm and cluster converged", func() float64 { return float64(src.Stats().Converged) }),
		newFuncCollector(
			prometheus.NewDesc(namespace+"_radar_strength_total", "Composite scores by signal strength", []string{"strength"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				by := src.Stats().ByStrength
				for s := domain.StrengthWeak; s <= domain.StrengthExtreme; s++ {
					emit(float64(by[s.String()]), strings.ToLower(s.String()))
				}
			}),
	)
}

// WatchDispatcher exports alert outcomes per kind.
func (c *Collector) WatchDispatcher(src interface {
	Stats() map[domain.AlertKind]dispatch.KindStats
}) {
	c.registry.MustRegister(newFuncCollector(
		prometheus.NewDesc(namespace+"_alerts_total", "Alert dispatch outcomes", []string{"kind", "result"}, nil),
		prometheus.CounterValue,
		func(emit func(float64, ...string)) {
			for kind, s := range src.Stats() {
				k := string(kind)
				emit(float64(s.Emitted), k, dispatch.Emitted.String())
				emit(float64(s.Suppressed), k, dispatch.Suppressed.String())
				emit(float64(s.Throttled), k, dispatch.Throttled.String())
				emit(float64(s.Failed), k, dispatch.DeliveryFailed.String())
			}
		}))
}

// WatchLimiter exports the per-kind alert rate limiter.
func (c *Collector) WatchLimiter(src interface{ Stats() []ratelimit.KeyStats }) {
	c.registry.MustRegister(
		newFuncCollector(
			prometheus.NewDesc(namespace+"_alert_limiter_total", "Rate limiter decisions per alert kind", []string{"kind", "decision"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				for _, s := range src.Stats() {
					emit(float64(s.Allowed), s.Key, "allowed")
					emit(float64(s.Throttled), s.Key, "throttled")
				}
			}),
		newFuncCollector(
			prometheus.NewDesc(namespace+"_alert_limiter_tokens", "Tokens left per alert kind", []string{"kind"}, nil),
			prometheus.GaugeValue,
			func(emit func(float64, ...string)) {
				for _, s := range src.Stats() {
					emit(s.TokensAvailable, s.Key)
				}
			}),
	)
}

// WatchCircuits exports breaker state (0 closed, 1 open, 2 half-open) and
// totals per dependency.
func (c *Collector) WatchCircuits(src interface{ Stats() map[string]circuit.Stats }) {
	c.registry.MustRegister(
		newFuncCollector(
			prometheus.NewDesc(namespace+"_circuit_state", "Breaker state per dependency (0 closed, 1 open, 2 half-open)", []string{"dependency"}, nil),
			prometheus.GaugeValue,
			func(emit func(float64, ...string)) {
				for name, s := range src.Stats() {
					emit(float64(s.State), name)
				}
			}),
		newFuncCollector(
			prometheus.NewDesc(namespace+"_circuit_requests_total", "Breaker call outcomes per dependency", []string{"dependency", "outcome"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				for name, s := range src.Stats() {
					emit(float64(s.TotalSuccesses), name, "success")
					emit(float64(s.TotalFailures), name, "failure")
					emit(float64(s.TotalRejected), name, "rejected")
				}
			}),
	)
}

// WatchDegrader exports the degradation level and rolling error rate.
func (c *Collector) WatchDegrader(src interface{ Stats() ops.DegradeStats }) {
	c.registry.MustRegister(
		gaugeFunc("degradation_level", "Degradation level (0 full, 1 degraded, 2 minimal, 3 emergency)", func() float64 { return float64(src.Stats().Level) }),
		gaugeFunc("dependency_error_rate", "Rolling dependency error rate", func() float64 { return src.Stats().ErrorRate }),
	)
}

// WatchStream exports feed connection metrics.
func (c *Collector) WatchStream(src interface{ Stats() stream.Stats }) {
	c.registry.MustRegister(
		gaugeFunc("feed_connected", "1 when the feed connection is up", func() float64 {
			if src.Stats().Connected {
				return 1
			}
			return 0
		}),
		counterFunc("feed_connects_total", "Successful feed connects", func() float64 { return float64(src.Stats().Connects) }),
		counterFunc("feed_frames_total", "Frames read from the feed", func() float64 { return float64(src.Stats().Frames) }),
		gaugeFunc("feed_quality", "Heartbeat quality score", func() float64 { return src.Stats().Quality }),
		newFuncCollector(
			prometheus.NewDesc(namespace+"_feed_dropped_total", "Frames dropped by reason", []string{"reason"}, nil),
			prometheus.CounterValue,
			func(emit func(float64, ...string)) {
				for reason, n := range src.Stats().Dropped {
					emit(float64(n), reason)
				}
			}),
	)
}

// WatchUniverse exports the tracked symbol count.
func (c *Collector) WatchUniverse(src interface{ Stats() universe.Stats }) {
	c.registry.MustRegister(
		gaugeFunc("universe_symbols", "Tracked symbols", func() float64 { return float64(src.Stats().Symbols) }),
		counterFunc("universe_refresh_failures_total", "Failed universe refreshes", func() float64 { return float64(src.Stats().RefreshFailures) }),
	)
}

// Snapshot gathers every family into name{label="v"} -> value. Histograms
// contribute _count and _sum.
func (c *Collector) Snapshot() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName() + labelString(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				out[key] = m.GetUntyped().GetValue()
			case dto.MetricType_HISTOGRAM:
				labels := labelString(m.GetLabel())
				out[mf.GetName()+"_count"+labels] = float64(m.GetHistogram().GetSampleCount())
				out[mf.GetName()+"_sum"+labels] = m.GetHistogram().GetSampleSum()
			case dto.MetricType_SUMMARY:
				labels := labelString(m.GetLabel())
				out[mf.GetName()+"_count"+labels] = float64(m.GetSummary().GetSampleCount())
				out[mf.GetName()+"_sum"+labels] = m.GetSummary().GetSampleSum()
			}
		}
	}
	return out, nil
}

func labelString(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.GetName() + `="` + p.GetValue() + `"`
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

// funcCollector emits const metrics for one labeled descriptor at scrape
// time.
type funcCollector struct {
	desc    *prometheus.Desc
	vt      prometheus.ValueType
	collect func(emit func(value float64, labels ...string))
}

func newFuncCollector(desc *prometheus.Desc, vt prometheus.ValueType, collect func(emit func(float64, ...string))) *funcCollector {
	return &funcCollector{desc: desc, vt: vt, collect: collect}
}

func (f *funcCollector) Describe(ch chan<- *prometheus.Desc) { ch <- f.desc }

func (f *funcCollector) Collect(ch chan<- prometheus.Metric) {
	f.collect(func(value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(f.desc, f.vt, value, labels...)
	})
}
