package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/chatkeeper/internal/logging"
)

// ErrMaxRetriesExceeded is returned by Do when every attempt failed
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// permanentError marks a failure that another attempt cannot fix
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that retrying stops at once. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryConfig configures retry behavior. A Multiplier of 1 with Jitter off gives a
// fixed delay between attempts.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" koanf:"max_attempts"` // Total attempts including the first (default: 5)
	BaseDelay   time.Duration `json:"base_delay" koanf:"base_delay"`     // Delay before the second attempt (default: 3s)
	MaxDelay    time.Duration `json:"max_delay" koanf:"max_delay"`       // Upper bound on any delay
	Multiplier  float64       `json:"multiplier" koanf:"multiplier"`     // Growth factor per attempt (1 = fixed)
	Jitter      bool          `json:"jitter" koanf:"jitter"`             // Add up to 10% random jitter
	LogRetries  bool          `json:"log_retries" koanf:"log_retries"`   // Whether to log retry attempts
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	Cancelled     bool          `json:"cancelled"`
	Permanent     bool          `json:"permanent"`
	RetryReasons  []string      `json:"retry_reasons"`
}

// DurableWriteConfig is the policy for persisting messages: five attempts, three
// seconds apart, no growth.
func DurableWriteConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   3 * time.Second,
		MaxDelay:    3 * time.Second,
		Multiplier:  1.0,
		Jitter:      false,
		LogRetries:  true,
	}
}

// DefaultRetryConfig returns an exponential policy for transient network calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		LogRetries:  true,
	}
}

// Do runs operation under config and returns nil on success. When every attempt
// fails the error wraps ErrMaxRetriesExceeded and the last failure. When ctx ends
// first, or the operation returns a Permanent error, that error is returned as is.
func Do(ctx context.Context, config RetryConfig, operation func(ctx context.Context) error, logger *logging.Logger) error {
	result := RetryWithBackoff(ctx, config, func() error { return operation(ctx) }, logger)
	if result.Success {
		return nil
	}
	if result.Cancelled {
		return result.LastError
	}
	if result.Permanent {
		var p *permanentError
		if errors.As(result.LastError, &p) {
			return p.err
		}
		return result.LastError
	}
	return fmt.Errorf("write failed after %d attempts: %w: %w", result.Attempts, ErrMaxRetriesExceeded, result.LastError)
}

// RetryWithBackoff executes an operation with the configured retry policy
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error, logger *logging.Logger) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, func() (error, string) {
		err := operation()
		reason := "unknown_error"
		if err != nil {
			reason = err.Error()
		}
		return err, reason
	}, logger)
}

// RetryWithBackoffAndReason executes an operation with retry logic and custom reason tracking
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, operation func() (error, string), logger *logging.Logger) RetryResult {
	startTime := time.Now()
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := RetryResult{
		RetryReasons: make([]string, 0),
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.Cancelled = true
			result.TotalDuration = time.Since(startTime)
			return result
		}

		result.Attempts = attempt + 1
		if config.LogRetries && attempt > 0 {
			logger.Log("Retrying operation (attempt %d/%d)", attempt+1, maxAttempts)
		}

		err, reason := operation()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries && attempt > 0 {
				logger.Log("Operation succeeded after %d retries (total duration: %v)", attempt, result.TotalDuration)
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, reason)

		if IsPermanent(err) {
			result.Permanent = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries {
				logger.Log("Operation failed permanently on attempt %d: %v", result.Attempts, err)
			}
			return result
		}

		if attempt+1 >= maxAttempts {
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries {
				logger.Log("Operation failed after %d attempts (total duration: %v): %v",
					result.Attempts, result.TotalDuration, err)
			}
			return result
		}

		delay := calculateDelay(config, attempt)
		if config.LogRetries {
			logger.Log("Operation failed (attempt %d/%d): %v; waiting %v", attempt+1, maxAttempts, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.Cancelled = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries {
				logger.Log("Operation cancelled during retry delay: %v", ctx.Err())
			}
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay returns baseDelay * multiplier^attempt, capped at MaxDelay
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		jitter := (rand.Float64() - 0.5) * 2 * jitterRange
		delay += jitter
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether err looks like a transient network or quota failure
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
