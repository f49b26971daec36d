package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsWithinBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, 0, func() error {
		calls++
		return errors.New("still broken")
	})
	if err == nil || err.Error() != "still broken" {
		t.Fatalf("expected the last error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetrySingleAttempt(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), 1, 0, func() error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestRetryIfStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := RetryIf(context.Background(), 5, 0, func(err error) bool { return !errors.Is(err, fatal) }, func() error {
		calls++
		if calls == 2 {
			return fatal
		}
		return errors.New("transient")
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected the fatal error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("a non-retryable error must stop the loop, got %d calls", calls)
	}
}

func TestRetryIfKeepsRetryingRetryable(t *testing.T) {
	calls := 0
	err := RetryIf(context.Background(), 3, 0, func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, 5, time.Minute, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancellation must stop the loop, got %d calls", calls)
	}
}
