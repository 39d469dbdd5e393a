package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential reconnect delays bounded by Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, applied as +/-
}

// New returns a doubling backoff with 20% jitter.
func New(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max, Multiplier: 2, Jitter: 0.2}
}

// Delay returns the wait before reconnect attempt n (0-based). The result
// never exceeds Max, jitter included.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(b.Base) * math.Pow(mult, float64(attempt))
	if max := float64(b.Max); b.Max > 0 && (delay > max || math.IsInf(delay, 1)) {
		delay = max
	}

	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Sequence tracks the attempt counter of one reconnect loop.
type Sequence struct {
	b       Backoff
	attempt int
}

// NewSequence starts a fresh sequence.
func NewSequence(b Backoff) *Sequence { return &Sequence{b: b} }

// Next returns the next delay and advances the attempt counter.
func (s *Sequence) Next() time.Duration {
	d := s.b.Delay(s.attempt)
	s.attempt++
	return d
}

// Attempt is the number of delays handed out since the last Reset.
func (s *Sequence) Attempt() int { return s.attempt }

// Reset is called after a successful connect.
func (s *Sequence) Reset() { s.attempt = 0 }
