package stream

import (
	"sync"
	"time"
)

const qualitySamples = 20

type pingSample struct {
	ok  bool
	rtt time.Duration
}

// Quality scores the connection from the most recent ping round trips and
// derives the next ping interval from it. A healthy link is pinged less often.
type Quality struct {
	mu      sync.Mutex
	samples [qualitySamples]pingSample
	n       int
	next    int

	minInterval time.Duration
	maxInterval time.Duration
	goodRTT     time.Duration
	badRTT      time.Duration
}

// NewQuality creates a tracker. With no samples the score is 0 and pings go
// out at minInterval.
func NewQuality(minInterval, maxInterval, goodRTT, badRTT time.Duration) *Quality {
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	if badRTT <= goodRTT {
		badRTT = goodRTT + time.Millisecond
	}
	return &Quality{
		minInterval: minInterval,
		maxInterval: maxInterval,
		goodRTT:     goodRTT,
		badRTT:      badRTT,
	}
}

// Record adds one ping outcome; rtt is ignored for unanswered pings.
func (q *Quality) Record(rtt time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples[q.next] = pingSample{ok: ok, rtt: rtt}
	q.next = (q.next + 1) % qualitySamples
	if q.n < qualitySamples {
		q.n++
	}
}

// Score is success rate times the mean latency factor of answered pings,
// in [0, 1].
func (q *Quality) Score() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return 0
	}

	var answered int
	var latency float64
	for i := 0; i < q.n; i++ {
		s := q.samples[i]
		if !s.ok {
			continue
		}
		answered++
		latency += q.latencyFactor(s.rtt)
	}
	if answered == 0 {
		return 0
	}
	return float64(answered) / float64(q.n) * (latency / float64(answered))
}

func (q *Quality) latencyFactor(rtt time.Duration) float64 {
	switch {
	case rtt <= q.goodRTT:
		return 1
	case rtt >= q.badRTT:
		return 0
	default:
		return 1 - float64(rtt-q.goodRTT)/float64(q.badRTT-q.goodRTT)
	}
}

// Interval is the delay before the next ping.
func (q *Quality) Interval() time.Duration {
	span := q.maxInterval - q.minInterval
	return q.minInterval + time.Duration(float64(span)*q.Score())
}

// Reset forgets all samples, used when a new connection starts.
func (q *Quality) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.n, q.next = 0, 0
}
