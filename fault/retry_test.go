package fault

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableClassification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool { return !IsRetryable(nil) },
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool { return !IsRetryable(context.Canceled) },
		gen.Int(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool { return IsRetryable(context.DeadlineExceeded) },
		gen.Int(),
	))

	properties.Property("validation errors are never retryable", prop.ForAll(
		func(code, field string) bool {
			return !IsRetryable(Invalid(code, field, "bad input"))
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.Property("transient wraps are always retryable", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(Transient(errors.New(msg)))
		},
		gen.AlphaString(),
	))

	properties.Property("HTTP 503 is retryable", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.Property("HTTP 400 is not retryable", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(&HTTPStatusError{StatusCode: http.StatusBadRequest, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetry(), func(context.Context) error {
		calls++
		return Invalid("bad", "payload", "nope")
	})
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	calls := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return Transient(errors.New("broker down"))
	})
	require.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorContains(t, exhausted.LastError, "broker down")
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	calls := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, cfg, func(context.Context) error {
		return Transient(errors.New("still down"))
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitErrorCarriesReset(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	err := &RateLimitError{Reason: "Rate limit exceeded: 100 requests per hour", ResetAt: reset}
	require.True(t, IsRateLimit(err))
	require.False(t, IsRetryable(err))
	require.Contains(t, err.Error(), "Rate limit exceeded")
}
