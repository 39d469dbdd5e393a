package circuit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/liqradar/internal/domain"
)

func testConfig(failures, successes int, recovery time.Duration) Config {
	return Config{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		RecoveryTimeout:  recovery,
		RequestTimeout:   50 * time.Millisecond,
	}
}

func fail(ctx context.Context) error    { return errors.New("connection reset") }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_ClosedState(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(3, 2, 100*time.Millisecond))

	// Should start in closed state
	if breaker.State() != StateClosed {
		t.Errorf("Breaker should start in closed state, got %s", breaker.State())
	}

	if err := breaker.Call(context.Background(), succeed); err != nil {
		t.Errorf("Successful call should not error: %v", err)
	}

	if breaker.State() != StateClosed {
		t.Errorf("Breaker should remain closed after success, got %s", breaker.State())
	}
}

func TestBreaker_OpenOnFailures(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(3, 2, 100*time.Millisecond))

	for i := 0; i < 3; i++ {
		if err := breaker.Call(context.Background(), fail); err == nil {
			t.Error("Failed call should return error")
		}
	}

	if breaker.State() != StateOpen {
		t.Errorf("Breaker should be open after failures, got %s", breaker.State())
	}

	called := false
	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("Open breaker should return ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Open breaker must not invoke the function")
	}

	stats := breaker.Stats()
	if stats.OpenedAt.IsZero() {
		t.Error("OpenedAt should be recorded when the circuit opens")
	}
	if stats.TotalRejected != 1 {
		t.Errorf("Should record 1 rejection, got %d", stats.TotalRejected)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(3, 1, time.Second))

	breaker.Call(context.Background(), fail)
	breaker.Call(context.Background(), fail)
	breaker.Call(context.Background(), succeed)
	breaker.Call(context.Background(), fail)

	if breaker.State() != StateClosed {
		t.Errorf("Non-consecutive failures must not open the circuit, got %s", breaker.State())
	}
	if got := breaker.Stats().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures should be 1, got %d", got)
	}
}

func TestBreaker_NonTransientErrorsDoNotTrip(t *testing.T) {
	breaker := NewBreaker("sink", testConfig(1, 1, time.Second))

	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("bad payload: %w", domain.ErrMalformedFrame)
	})
	if !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("Error should be passed through, got %v", err)
	}
	if breaker.State() != StateClosed {
		t.Errorf("Malformed input must not trip the breaker, got %s", breaker.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(2, 2, 50*time.Millisecond))

	for i := 0; i < 2; i++ {
		breaker.Call(context.Background(), fail)
	}
	if breaker.State() != StateOpen {
		t.Error("Breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if breaker.State() != StateHalfOpen {
		t.Errorf("Breaker should be half-open after the recovery timeout, got %s", breaker.State())
	}

	if err := breaker.Call(context.Background(), succeed); err != nil {
		t.Errorf("First call after timeout should succeed: %v", err)
	}

	if breaker.State() != StateHalfOpen {
		t.Errorf("Breaker should stay half-open below the success threshold, got %s", breaker.State())
	}
	if got := breaker.Stats().SuccessesInHalfOpen; got != 1 {
		t.Errorf("SuccessesInHalfOpen should be 1, got %d", got)
	}

	if err := breaker.Call(context.Background(), succeed); err != nil {
		t.Errorf("Second success should not error: %v", err)
	}

	if breaker.State() != StateClosed {
		t.Errorf("Breaker should be closed after success threshold, got %s", breaker.State())
	}
}

func TestBreaker_HalfOpenNeedsRealSuccesses(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(1, 3, 50*time.Millisecond))
	malformed := func(ctx context.Context) error { return domain.ErrMalformedFrame }

	breaker.Call(context.Background(), fail)
	if breaker.State() != StateOpen {
		t.Fatal("Breaker should be open")
	}
	time.Sleep(60 * time.Millisecond)

	if err := breaker.Call(context.Background(), malformed); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("Expected malformed frame error, got %v", err)
	}
	if breaker.State() != StateOpen {
		t.Errorf("An erroring trial call should reopen the breaker, got %s", breaker.State())
	}
	if err := breaker.Call(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen after reopening, got %v", err)
	}
	if got := breaker.Stats().TotalFailures; got != 1 {
		t.Errorf("Non-transient errors should not be counted as failures, got %d", got)
	}
}

func TestBreaker_NonTransientErrorKeepsClosed(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(1, 1, time.Minute))

	for i := 0; i < 3; i++ {
		breaker.Call(context.Background(), func(ctx context.Context) error { return domain.ErrUnknownSymbol })
	}
	if breaker.State() != StateClosed {
		t.Errorf("Non-transient errors should not trip the breaker, got %s", breaker.State())
	}
}

func TestBreaker_HalfOpenFailure(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(1, 1, 50*time.Millisecond))

	breaker.Call(context.Background(), fail)
	if breaker.State() != StateOpen {
		t.Error("Breaker should be open")
	}
	firstOpen := breaker.Stats().OpenedAt

	time.Sleep(60 * time.Millisecond)

	if err := breaker.Call(context.Background(), fail); err == nil {
		t.Error("Failed call should return error")
	}

	if breaker.State() != StateOpen {
		t.Errorf("Breaker should be open after half-open failure, got %s", breaker.State())
	}
	if !breaker.Stats().OpenedAt.After(firstOpen) {
		t.Error("Reopening should reset the recovery timer")
	}
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	breaker := NewBreaker("sink", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Millisecond})

	breaker.Call(context.Background(), fail)
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	var started, done sync.WaitGroup
	started.Add(2)
	done.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer done.Done()
			breaker.Call(context.Background(), func(ctx context.Context) error {
				started.Done()
				<-release
				return nil
			})
		}()
	}
	started.Wait()

	if err := breaker.Call(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Extra half-open call should fail fast, got %v", err)
	}

	close(release)
	done.Wait()

	if breaker.State() != StateClosed {
		t.Errorf("Trial successes should close the breaker, got %s", breaker.State())
	}
}

func TestBreaker_Timeout(t *testing.T) {
	breaker := NewBreaker("sink", testConfig(2, 1, 100*time.Millisecond))

	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond) // Longer than request timeout
		return nil
	})

	if err != ErrRequestTimeout {
		t.Errorf("Should return timeout error, got %v", err)
	}

	stats := breaker.Stats()
	if stats.TotalTimeouts != 1 {
		t.Error("Should record timeout")
	}
	if stats.ConsecutiveFailures != 1 {
		t.Errorf("Timeouts should count as failures, got %d", stats.ConsecutiveFailures)
	}
}

func TestBreaker_CanceledIsNotAFailure(t *testing.T) {
	breaker := NewBreaker("sink", testConfig(1, 1, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := breaker.Call(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Should return context.Canceled, got %v", err)
	}
	if breaker.State() != StateClosed {
		t.Errorf("Cancellation must not trip the breaker, got %s", breaker.State())
	}
}

func TestBreaker_Stats(t *testing.T) {
	breaker := NewBreaker("feed", testConfig(5, 2, 100*time.Millisecond))

	breaker.Call(context.Background(), succeed)
	breaker.Call(context.Background(), fail)
	breaker.Call(context.Background(), succeed)

	stats := breaker.Stats()

	if stats.TotalRequests != 3 {
		t.Errorf("Should have 3 total requests, got %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Errorf("Should have 2 successes, got %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("Should have 1 failure, got %d", stats.TotalFailures)
	}

	expectedSuccessRate := 2.0 / 3.0
	if math.Abs(stats.SuccessRate-expectedSuccessRate) > 0.01 {
		t.Errorf("Success rate should be %.2f, got %.2f", expectedSuccessRate, stats.SuccessRate)
	}

	if stats.State != StateClosed {
		t.Errorf("Should be closed, got %s", stats.State)
	}
	if stats.IsHealthy() {
		t.Error("Should not be healthy below 90% success rate")
	}
}

func TestManager_AddProvider(t *testing.T) {
	manager := NewManager()
	manager.AddProvider(DependencyFeed, testConfig(3, 2, 100*time.Millisecond))

	breaker, exists := manager.GetBreaker(DependencyFeed)
	if !exists || breaker == nil {
		t.Fatal("Provider should exist after adding")
	}
	if breaker.State() != StateClosed {
		t.Error("New breaker should be closed")
	}
	if names := manager.Names(); len(names) != 1 || names[0] != DependencyFeed {
		t.Errorf("Unexpected names %v", names)
	}
}

func TestManager_Hooks(t *testing.T) {
	var mu sync.Mutex
	outcomes := map[string][]error{}
	var transitions []string

	manager := NewManager(
		WithOutcomeHook(func(dep string, err error) {
			mu.Lock()
			defer mu.Unlock()
			outcomes[dep] = append(outcomes[dep], err)
		}),
		WithStateHook(func(dep string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, dep+":"+from.String()+"->"+to.String())
		}),
	)
	feed := manager.AddProvider(DependencyFeed, testConfig(1, 1, time.Second))

	feed.Call(context.Background(), succeed)
	feed.Call(context.Background(), fail)
	feed.Call(context.Background(), succeed)

	mu.Lock()
	defer mu.Unlock()
	got := outcomes[DependencyFeed]
	if len(got) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(got))
	}
	if got[0] != nil || got[1] == nil || !errors.Is(got[2], ErrCircuitOpen) {
		t.Errorf("Unexpected outcomes %v", got)
	}
	if len(transitions) != 1 || transitions[0] != "feed:CLOSED->OPEN" {
		t.Errorf("Unexpected transitions %v", transitions)
	}
}

func TestManager_UnhealthyProviders(t *testing.T) {
	manager := NewManager()

	if u := manager.UnhealthyProviders(); len(u) != 0 {
		t.Errorf("Manager with no providers should report none, got %v", u)
	}

	feed := manager.AddProvider(DependencyFeed, testConfig(5, 2, 100*time.Millisecond))
	for i := 0; i < 10; i++ {
		feed.Call(context.Background(), succeed)
	}
	if u := manager.UnhealthyProviders(); len(u) != 0 {
		t.Errorf("Successful provider should be healthy, got %v", u)
	}

	sink := manager.AddProvider(DependencySink, testConfig(1, 1, time.Minute))
	sink.Call(context.Background(), fail)
	u := manager.UnhealthyProviders()
	if len(u) != 1 || !strings.HasPrefix(u[0], "sink (state: OPEN") {
		t.Errorf("Expected the open sink breaker, got %v", u)
	}
}
