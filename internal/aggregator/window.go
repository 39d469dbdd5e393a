package aggregator

import (
	"sync"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

const minRingSize = 16

// window is a bounded ring of events for one (symbol, kind). The backing
// slice grows on demand up to the configured capacity, after which the
// oldest event is overwritten.
type window struct {
	mu      sync.Mutex
	buf     []domain.MarketEvent
	head    int
	size    int
	retired bool // set when Prune removed the window from the index
}

func (w *window) at(i int) *domain.MarketEvent {
	return &w.buf[(w.head+i)%len(w.buf)]
}

// push appends e and reports whether an unexpired event was overwritten.
func (w *window) push(e domain.MarketEvent, capacity int) bool {
	if w.size < len(w.buf) {
		*w.at(w.size) = e
		w.size++
		return false
	}
	if len(w.buf) < capacity {
		next := 2 * len(w.buf)
		if next < minRingSize {
			next = minRingSize
		}
		if next > capacity {
			next = capacity
		}
		grown := make([]domain.MarketEvent, next)
		for i := 0; i < w.size; i++ {
			grown[i] = *w.at(i)
		}
		grown[w.size] = e
		w.buf, w.head = grown, 0
		w.size++
		return false
	}
	w.buf[w.head] = e
	w.head = (w.head + 1) % len(w.buf)
	return true
}

// expireFront pops events older than cutoff from the head. Arrival order is
// mostly chronological so this is the cheap path taken on insert.
func (w *window) expireFront(cutoff time.Time) int {
	n := 0
	for w.size > 0 && w.at(0).OccurredAt().Before(cutoff) {
		*w.at(0) = domain.MarketEvent{}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
		n++
	}
	return n
}

// compact removes every event older than cutoff, including out-of-order
// arrivals sitting behind newer ones. Relative order is preserved.
func (w *window) compact(cutoff time.Time) int {
	kept := 0
	for i := 0; i < w.size; i++ {
		e := *w.at(i)
		if e.OccurredAt().Before(cutoff) {
			continue
		}
		if kept != i {
			*w.at(kept) = e
		}
		kept++
	}
	removed := w.size - kept
	for i := kept; i < w.size; i++ {
		*w.at(i) = domain.MarketEvent{}
	}
	w.size = kept
	return removed
}

// snapshot copies events not older than since, in arrival order.
func (w *window) snapshot(since time.Time) []domain.MarketEvent {
	out := make([]domain.MarketEvent, 0, w.size)
	for i := 0; i < w.size; i++ {
		e := w.at(i)
		if !e.OccurredAt().Before(since) {
			out = append(out, *e)
		}
	}
	return out
}
