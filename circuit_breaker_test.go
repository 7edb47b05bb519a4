package crmbase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testBreaker(maxFailures int, reset time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{MaxFailures: maxFailures, ResetTimeout: reset})
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cb := testBreaker(3, 100*time.Millisecond)
	ctx := context.Background()

	if cb.State() != BreakerClosed {
		t.Errorf("Expected initial state closed, got %s", cb.State())
	}

	testErr := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return testErr })
	}
	if cb.State() != BreakerOpen {
		t.Errorf("Expected state open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(ctx, func() error {
		t.Error("Should not execute when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("Expected state closed after successful trial call, got %s", cb.State())
	}
}

func TestCircuitBreaker_BusinessErrorsAreHealthy(t *testing.T) {
	cb := testBreaker(2, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return NewBusinessError(MsgCompanyExists, ErrAlreadyExists) })
		_ = cb.Execute(ctx, func() error { return ErrNotFound })
	}

	if cb.State() != BreakerClosed {
		t.Errorf("business errors must not open the breaker, state = %s", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("Expected 0 failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_FailureCountResets(t *testing.T) {
	cb := testBreaker(5, time.Second)
	ctx := context.Background()

	testErr := errors.New("timeout")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return testErr })
	}
	if cb.Failures() != 3 {
		t.Errorf("Expected 3 failures, got %d", cb.Failures())
	}

	_ = cb.Execute(ctx, func() error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("Expected failures reset to 0 after success, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := testBreaker(2, 50*time.Millisecond).OnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})
	ctx := context.Background()

	testErr := errors.New("boom")
	_ = cb.Execute(ctx, func() error { return testErr })
	_ = cb.Execute(ctx, func() error { return testErr })

	time.Sleep(100 * time.Millisecond)
	_ = cb.Execute(ctx, func() error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(2, 50*time.Millisecond)
	ctx := context.Background()

	testErr := errors.New("boom")
	_ = cb.Execute(ctx, func() error { return testErr })
	_ = cb.Execute(ctx, func() error { return testErr })

	time.Sleep(100 * time.Millisecond)
	_ = cb.Execute(ctx, func() error { return testErr })

	if cb.State() != BreakerOpen {
		t.Errorf("Expected state open after failed trial call, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := testBreaker(2, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error {
		t.Error("Should not execute with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCircuitBreaker_InvalidConfigUsesDefaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	if cb.cfg != DefaultBreakerConfig() {
		t.Errorf("Expected default config, got %+v", cb.cfg)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := testBreaker(10, 100*time.Millisecond)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func() error {
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if cb.State() != BreakerClosed {
		t.Errorf("Expected state closed after concurrent successful requests, got %s", cb.State())
	}
}
