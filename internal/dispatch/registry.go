package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

// Key identifies one cooldown entry.
type Key struct {
	Kind   domain.AlertKind
	Symbol string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Symbol }

// Registry stores lastEmittedAt per (kind, symbol). Cooldown expiry is checked
// lazily on the next candidate rather than by timers.
type Registry interface {
	// Ready reports whether key is off cooldown without changing it.
	Ready(ctx context.Context, key Key, cooldown time.Duration, now time.Time) (bool, error)
	// TryAcquire atomically starts a new cooldown if key is off cooldown.
	TryAcquire(ctx context.Context, key Key, cooldown time.Duration, now time.Time) (bool, error)
	// Evict drops entries last emitted more than maxAge before now.
	Evict(ctx context.Context, now time.Time, maxAge time.Duration) (int, error)
	// Len is the number of tracked entries, or -1 when unknown.
	Len() int
}

// evicted marks an entry removed by Evict; holders must look it up again.
const evicted int64 = -1

// MemoryRegistry keeps entries in process memory. Each entry is an atomic
// unix-nano timestamp updated with compare-and-swap, so concurrent
// dispatches for different keys never contend and the same key is
// acquired at most once per cooldown.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[Key]*atomic.Int64
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[Key]*atomic.Int64)}
}

func (r *MemoryRegistry) lookup(key Key) *atomic.Int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

func (r *MemoryRegistry) getEntry(key Key) *atomic.Int64 {
	if e := r.lookup(key); e != nil {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists := r.entries[key]; exists {
		return e
	}
	e := new(atomic.Int64)
	r.entries[key] = e
	return e
}

func elapsed(last int64, cooldown time.Duration, now time.Time) bool {
	return last == 0 || last == evicted || now.UnixNano()-last >= int64(cooldown)
}

func (r *MemoryRegistry) Ready(_ context.Context, key Key, cooldown time.Duration, now time.Time) (bool, error) {
	e := r.lookup(key)
	if e == nil {
		return true, nil
	}
	return elapsed(e.Load(), cooldown, now), nil
}

func (r *MemoryRegistry) TryAcquire(_ context.Context, key Key, cooldown time.Duration, now time.Time) (bool, error) {
	stamp := now.UnixNano()
	for {
		e := r.getEntry(key)
		last := e.Load()
		if last == evicted {
			continue
		}
		if !elapsed(last, cooldown, now) {
			return false, nil
		}
		if e.CompareAndSwap(last, stamp) {
			return true, nil
		}
	}
}

func (r *MemoryRegistry) Evict(_ context.Context, now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		last := e.Load()
		if last < cutoff && e.CompareAndSwap(last, evicted) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
