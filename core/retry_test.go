package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	value, err := WithRetry(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}, RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if value != "ok" || calls != 3 {
		t.Fatalf("expected ok after 3 calls, got %q after %d", value, calls)
	}
}

func TestWithRetry_ExhaustionReturnsOriginalError(t *testing.T) {
	sentinel := &ProviderError{Platform: PlatformGoogle, Operation: "search", Transient: true}
	calls := 0
	_, err := WithRetry(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, sentinel
	}, RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond})
	if calls != 3 {
		t.Fatalf("expected MaxRetries+1 calls, got %d", calls)
	}
	if err != sentinel {
		t.Fatalf("expected the original error value, got %#v", err)
	}
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, NewReauthenticationRequiredError(PlatformFacebook, "c1", "", nil)
	}, RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, Retryable: IsRetryableError})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if !IsReauthenticationRequired(err) {
		t.Fatalf("expected reauth error, got %v", err)
	}
}

func TestWithRetry_NilClassifierRetriesEverything(t *testing.T) {
	calls := 0
	_, _ = WithRetry(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, NewPermanentProviderError(PlatformTikTok, "report", 400, "bad", nil)
	}, RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond})
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestWithRetry_ContextCancellationAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	started := time.Now()
	_, err := WithRetry(ctx, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	}, RetryOptions{MaxRetries: 5, BaseDelay: time.Hour})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected last operation error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("expected cancellation to abort the wait")
	}
}

func TestRetryOptions_DelayGrowsExponentially(t *testing.T) {
	options := DefaultRetryOptions()
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for retry, want := range expected {
		if got := options.Delay(retry); got != want {
			t.Fatalf("retry %d: expected %v, got %v", retry, want, got)
		}
	}
	custom := RetryOptions{BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 3}
	if got := custom.Delay(2); got != 900*time.Millisecond {
		t.Fatalf("expected 900ms, got %v", got)
	}
}

func TestWithRetry_OnRetryObservesEachWait(t *testing.T) {
	var retries []int
	_, _ = WithRetry(context.Background(), func(context.Context) (int, error) {
		return 0, errors.New("nope")
	}, RetryOptions{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		OnRetry: func(retry int, _ time.Duration, _ error) {
			retries = append(retries, retry)
		},
	})
	if len(retries) != 2 || retries[0] != 0 || retries[1] != 1 {
		t.Fatalf("unexpected retry callbacks: %v", retries)
	}
}
