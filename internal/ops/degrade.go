package ops

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/domain"
)

// Level is the process-wide degradation level.
type Level int

const (
	LevelFull Level = iota
	LevelDegraded
	LevelMinimal
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelDegraded:
		return "DEGRADED"
	case LevelMinimal:
		return "MINIMAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(text []byte) error {
	level, ok := ParseLevel(string(text))
	if !ok {
		return fmt.Errorf("unknown degradation level %q", text)
	}
	*l = level
	return nil
}

// ParseLevel is case insensitive.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FULL":
		return LevelFull, true
	case "DEGRADED":
		return LevelDegraded, true
	case "MINIMAL":
		return LevelMinimal, true
	case "EMERGENCY":
		return LevelEmergency, true
	}
	return LevelFull, false
}

// Priority tags a unit of work with how essential it is.
type Priority int

const (
	// PriorityCritical work always runs.
	PriorityCritical Priority = iota
	// PriorityHigh runs at every level except EMERGENCY (storm detection).
	PriorityHigh
	// PriorityNormal runs at FULL and DEGRADED (cluster detection, radar).
	PriorityNormal
	// PriorityLow runs at FULL only.
	PriorityLow
	// PriorityEmergencyOnly runs at EMERGENCY only.
	PriorityEmergencyOnly
)

// DegradeConfig holds the error-rate thresholds of each level.
type DegradeConfig struct {
	Window        time.Duration
	MinSamples    int
	DegradedRate  float64
	MinimalRate   float64
	EmergencyRate float64
}

// DefaultDegradeConfig returns 10% / 25% / 50% over five minutes.
func DefaultDegradeConfig() DegradeConfig {
	return DegradeConfig{
		Window:        5 * time.Minute,
		MinSamples:    10,
		DegradedRate:  0.10,
		MinimalRate:   0.25,
		EmergencyRate: 0.50,
	}
}

type outcome struct {
	at     time.Time
	failed bool
}

// Degrader tracks dependency outcomes over a rolling window and derives the
// degradation level from the error rate.
type Degrader struct {
	mu     sync.Mutex
	config DegradeConfig
	now    func() time.Time

	outcomes []outcome
	forced   *Level
	current  Level
}

// NewDegrader creates a tracker starting at FULL.
func NewDegrader(config DegradeConfig) *Degrader {
	return &Degrader{config: config, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (d *Degrader) WithClock(now func() time.Time) *Degrader {
	d.now = now
	return d
}

// Record adds one dependency outcome.
func (d *Degrader) Record(failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.outcomes = append(d.outcomes, outcome{at: now, failed: failed})
	d.cleanOld(now)
	d.refresh()
}

// Observe matches circuit.OutcomeFunc. Successes and transient or
// short-circuited failures count; malformed input and cancellations do not.
func (d *Degrader) Observe(dependency string, err error) {
	switch domain.Classify(err) {
	case domain.ClassNone:
		d.Record(false)
	case domain.ClassTransient, domain.ClassCircuitOpen:
		d.Record(true)
	}
}

// Force pins the level until Release is called.
func (d *Degrader) Force(level Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forced = &level
	d.refresh()
}

// Release removes a forced level.
func (d *Degrader) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forced = nil
	d.cleanOld(d.now())
	d.refresh()
}

// Level returns the current level.
func (d *Degrader) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanOld(d.now())
	d.refresh()
	return d.current
}

// Allows reports whether work of priority p runs at the current level.
func (d *Degrader) Allows(p Priority) bool {
	return Allows(d.Level(), p)
}

// Allows is the level/priority matrix.
func Allows(level Level, p Priority) bool {
	switch p {
	case PriorityCritical:
		return true
	case PriorityHigh:
		return level < LevelEmergency
	case PriorityNormal:
		return level <= LevelDegraded
	case PriorityLow:
		return level == LevelFull
	case PriorityEmergencyOnly:
		return level == LevelEmergency
	default:
		return false
	}
}

// DegradeStats is a point-in-time view for metrics and status.
type DegradeStats struct {
	Level     Level   `json:"level"`
	Forced    bool    `json:"forced"`
	ErrorRate float64 `json:"error_rate"`
	Samples   int     `json:"samples"`
	Errors    int     `json:"errors"`
}

// Stats returns the current counters.
func (d *Degrader) Stats() DegradeStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanOld(d.now())
	d.refresh()

	errors := d.errorCount()
	return DegradeStats{
		Level:     d.current,
		Forced:    d.forced != nil,
		ErrorRate: d.errorRate(errors),
		Samples:   len(d.outcomes),
		Errors:    errors,
	}
}

func (d *Degrader) errorCount() int {
	n := 0
	for _, o := range d.outcomes {
		if o.failed {
			n++
		}
	}
	return n
}

func (d *Degrader) errorRate(errors int) float64 {
	if len(d.outcomes) == 0 {
		return 0
	}
	return float64(errors) / float64(len(d.outcomes))
}

func (d *Degrader) computed() Level {
	if len(d.outcomes) < d.config.MinSamples || len(d.outcomes) == 0 {
		return LevelFull
	}
	rate := d.errorRate(d.errorCount())
	switch {
	case rate >= d.config.EmergencyRate:
		return LevelEmergency
	case rate >= d.config.MinimalRate:
		return LevelMinimal
	case rate >= d.config.DegradedRate:
		return LevelDegraded
	default:
		return LevelFull
	}
}

// refresh must be called with mu held.
func (d *Degrader) refresh() {
	next := d.computed()
	if d.forced != nil {
		next = *d.forced
	}
	if next != d.current {
		log.Warn().
			Str("from", d.current.String()).
			Str("to", next.String()).
			Bool("forced", d.forced != nil).
			Msg("Degradation level changed")
		d.current = next
	}
}

// cleanOld removes outcomes outside the window
func (d *Degrader) cleanOld(now time.Time) {
	cutoff := now.Add(-d.config.Window)
	i := 0
	for i < len(d.outcomes) && !d.outcomes[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		d.outcomes = append(d.outcomes[:0], d.outcomes[i:]...)
	}
}
