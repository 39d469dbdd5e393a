package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestQuality() *Quality {
	return NewQuality(5*time.Second, 30*time.Second, 100*time.Millisecond, 2*time.Second)
}

func TestQuality_NoSamples(t *testing.T) {
	q := newTestQuality()
	assert.Zero(t, q.Score())
	assert.Equal(t, 5*time.Second, q.Interval())
}

func TestQuality_HealthyLinkPingsLessOften(t *testing.T) {
	q := newTestQuality()
	for i := 0; i < 10; i++ {
		q.Record(50*time.Millisecond, true)
	}
	assert.Equal(t, 1.0, q.Score())
	assert.Equal(t, 30*time.Second, q.Interval())
}

func TestQuality_LatencyAndLoss(t *testing.T) {
	q := newTestQuality()
	// Halfway between good and bad RTT gives a 0.5 latency factor.
	q.Record(1050*time.Millisecond, true)
	q.Record(0, false)

	assert.InDelta(t, 0.25, q.Score(), 1e-9)
	assert.Equal(t, 5*time.Second+time.Duration(0.25*float64(25*time.Second)), q.Interval())
}

func TestQuality_RollingWindow(t *testing.T) {
	q := newTestQuality()
	for i := 0; i < qualitySamples; i++ {
		q.Record(0, false)
	}
	assert.Zero(t, q.Score())

	// Twenty good samples push every failure out of the window.
	for i := 0; i < qualitySamples; i++ {
		q.Record(10*time.Millisecond, true)
	}
	assert.Equal(t, 1.0, q.Score())

	q.Reset()
	assert.Zero(t, q.Score())
}

func TestPingState_AckMatchesPayload(t *testing.T) {
	ps := &pingState{}
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := string(ps.sent(first))

	// The first ping went unanswered; a second one replaces it.
	ps.missed.Store(1)
	second := first.Add(10 * time.Second)
	current := string(ps.sent(second))

	_, ok := ps.ack(stale, second.Add(time.Second))
	assert.False(t, ok, "late pong for an earlier ping")
	_, ok = ps.ack("not-a-timestamp", second.Add(time.Second))
	assert.False(t, ok)
	assert.True(t, ps.outstanding.Load())

	rtt, ok := ps.ack(current, second.Add(80*time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, 80*time.Millisecond, rtt)
	assert.False(t, ps.outstanding.Load())
	assert.Zero(t, ps.missed.Load())

	_, ok = ps.ack(current, second.Add(time.Second))
	assert.False(t, ok, "duplicate pong")
}
