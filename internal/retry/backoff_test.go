package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDurableWriteConfig(t *testing.T) {
	config := DurableWriteConfig()

	if config.MaxAttempts != 5 {
		t.Errorf("Expected MaxAttempts=5, got %d", config.MaxAttempts)
	}
	if config.BaseDelay != 3*time.Second {
		t.Errorf("Expected BaseDelay=3s, got %v", config.BaseDelay)
	}
	if config.Multiplier != 1.0 {
		t.Errorf("Expected Multiplier=1.0, got %f", config.Multiplier)
	}
	if config.Jitter {
		t.Error("Expected Jitter=false for a fixed delay")
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  1.0,
	}

	result := RetryWithBackoff(context.Background(), config, func() error {
		return nil
	}, nil)

	if !result.Success {
		t.Error("Expected success=true")
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
	if len(result.RetryReasons) != 0 {
		t.Errorf("Expected no retry reasons, got %d", len(result.RetryReasons))
	}
}

func TestRetryWithBackoff_EventualSuccess(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  1.0,
	}

	attempts := 0
	result := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		if attempts < 5 {
			return errors.New("temporary failure")
		}
		return nil
	}, nil)

	if !result.Success {
		t.Error("Expected success=true")
	}
	if result.Attempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", result.Attempts)
	}
	if len(result.RetryReasons) != 4 {
		t.Errorf("Expected 4 retry reasons, got %d", len(result.RetryReasons))
	}
	if result.TotalDuration < 20*time.Millisecond {
		t.Errorf("Expected at least four fixed delays, got %v", result.TotalDuration)
	}
}

func TestDo_MaxRetriesExceeded(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  1.0,
	}

	persistent := errors.New("persistent failure")
	calls := 0
	err := Do(context.Background(), config, func(ctx context.Context) error {
		calls++
		return persistent
	}, nil)

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, persistent) {
		t.Errorf("Expected the last failure to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected exactly 3 calls and no more, got %d", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  1.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	err := Do(ctx, config, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	}, nil)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("Cancellation must not be reported as exhaustion")
	}
	if calls != 1 {
		t.Errorf("Expected a single call before cancellation, got %d", calls)
	}
}

func TestCalculateDelay(t *testing.T) {
	fixed := DurableWriteConfig()
	for attempt := 0; attempt < 4; attempt++ {
		if d := calculateDelay(fixed, attempt); d != 3*time.Second {
			t.Errorf("attempt %d: expected fixed 3s, got %v", attempt, d)
		}
	}

	config := RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}
	if d := calculateDelay(config, 2); d != 4*time.Second {
		t.Errorf("Expected 4s, got %v", d)
	}
	if d := calculateDelay(config, 10); d != 10*time.Second {
		t.Errorf("Expected 10s (capped), got %v", d)
	}
}

func TestIsRetryableError(t *testing.T) {
	retryable := []error{
		errors.New("connection refused"),
		errors.New("HTTP 429 Too Many Requests"),
		errors.New("HTTP 503 Service Unavailable"),
		context.DeadlineExceeded,
	}
	for _, err := range retryable {
		if !IsRetryableError(err) {
			t.Errorf("Expected %v to be retryable", err)
		}
	}

	nonRetryable := []error{
		errors.New("invalid input"),
		errors.New("HTTP 401 Unauthorized"),
		nil,
	}
	for _, err := range nonRetryable {
		if IsRetryableError(err) {
			t.Errorf("Expected %v to NOT be retryable", err)
		}
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	notFound := errors.New("conversation not found")
	calls := 0

	config := DurableWriteConfig()
	config.BaseDelay = 10 * time.Millisecond
	config.LogRetries = false

	err := Do(context.Background(), config, func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	}, nil)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if !errors.Is(err, notFound) {
		t.Errorf("Expected the permanent cause, got %v", err)
	}
	if errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("Permanent failure should not report max retries")
	}
	if IsPermanent(err) {
		t.Error("Do should unwrap the permanent marker")
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
