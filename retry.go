package videoimport

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// defaultRetryConfig stages each chunk up to 3 times, waiting 1s then 1.5s between attempts.
var defaultRetryConfig = retryConfig{
	maxAttempts: 3,
	baseDelay:   time.Second,
	multiplier:  1.5,
	maxDelay:    30 * time.Second,
}

// retryConfig holds configuration for retry logic
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration

	// wait is used to sleep between attempts. Tests replace it to observe delays.
	wait func(ctx context.Context, d time.Duration) error
}

// delay returns the backoff after the given failed attempt (1-based):
// baseDelay * multiplier^(attempt-1), capped at maxDelay.
func (c retryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.baseDelay) * math.Pow(c.multiplier, float64(attempt-1)))
	if c.maxDelay > 0 {
		d = min(d, c.maxDelay)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryWithBackoff executes a function with retry logic that respects Azure's Retry-After header.
// Falls back to exponential backoff if no Retry-After header is present.
// It returns the last error and the number of attempts made.
func retryWithBackoff(ctx context.Context, config retryConfig, operation func() error) (int, error) {
	wait := config.wait
	if wait == nil {
		wait = sleepCtx
	}
	maxAttempts := max(config.maxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !isRetryableError(err) || attempt == maxAttempts {
			return attempt, lastErr
		}

		delay := config.delay(attempt)
		if retryAfter := extractRetryAfter(err); retryAfter > 0 {
			delay = retryAfter
			if config.maxDelay > 0 {
				delay = min(delay, config.maxDelay)
			}
		}

		slog.DebugContext(ctx, "retrying after error", "attempt", attempt, "delay", delay, "error", err)
		if err := wait(ctx, delay); err != nil {
			// The caller must see the context error, not only the storage error.
			return attempt, errors.Join(lastErr, err)
		}
	}
	return maxAttempts, lastErr
}

// extractRetryAfter attempts to extract the Retry-After duration from Azure error responses
func extractRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) && responseErr.RawResponse != nil {
		if retryAfter := responseErr.RawResponse.Header.Get("Retry-After"); retryAfter != "" {
			if seconds := parseRetryAfterSeconds(retryAfter); seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	// Fallback: Try to parse from error message string (less reliable)
	errStr := err.Error()
	if idx := strings.Index(errStr, "Retry-After:"); idx != -1 {
		afterPart := errStr[idx+len("Retry-After:"):]
		if endIdx := strings.IndexAny(afterPart, "\n\r,"); endIdx != -1 {
			afterPart = afterPart[:endIdx]
		}
		if seconds := parseRetryAfterSeconds(afterPart); seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 0
}

// parseRetryAfterSeconds parses Retry-After header value (in seconds)
func parseRetryAfterSeconds(value string) int {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return seconds
	}
	// Azure uses the seconds form, HTTP-date is not handled.
	return 0
}

// isRetryableError reports whether an error may go away on its own.
// Storage responses that can never succeed on a second try (bad request, auth, missing
// container, precondition, too large) are not retried. Everything else, including plain
// network errors, is.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		switch responseErr.StatusCode {
		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusPreconditionFailed,
			http.StatusRequestEntityTooLarge:
			return false
		}
		return true
	}

	errStr := err.Error()
	return !strings.Contains(errStr, "AuthenticationFailed") &&
		!strings.Contains(errStr, "AuthorizationPermissionMismatch") &&
		!strings.Contains(errStr, "ContainerNotFound")
}
