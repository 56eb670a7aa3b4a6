package executor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/aegisreview/aegis/internal/aerrors"
	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/telemetry"
)

// RetryConfig configures exponential-backoff retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        float64
	RetryableFunc func(error) bool
	Logger        *logging.Logger
}

// Retry retries a tool invocation with exponential backoff and jitter.
func Retry(cfg RetryConfig) Middleware {
	return func(next Invoker) Invoker {
		return func(a *Attempt) (*model.ToolResult, error) {
			attempts := cfg.MaxAttempts
			if attempts <= 0 {
				attempts = 1
			}
			retryable := cfg.RetryableFunc
			if retryable == nil {
				retryable = DefaultRetryable
			}

			delay := cfg.InitialDelay
			var lastErr error
			var lastResult *model.ToolResult
			for attempt := 1; attempt <= attempts; attempt++ {
				ctx := ctxOf(a)
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				a.Number = attempt
				result, err := next(a)
				if err == nil {
					if result != nil {
						result.RetryCount = attempt - 1
					}
					return result, nil
				}

				lastErr = err
				lastResult = result
				if !retryable(err) || attempt == attempts {
					return result, err
				}

				telemetry.ToolRetriesTotal.WithLabelValues(a.Tool.ID).Inc()
				jittered := applyJitter(delay, cfg.Jitter)
				if cfg.Logger != nil {
					cfg.Logger.ToolRetrying(a.Tool.ID, attempt, jittered.String(), err)
				}
				if err := sleepWithContext(ctx, jittered); err != nil {
					return nil, err
				}
				delay = minDuration(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
			}

			if lastErr == nil {
				lastErr = aerrors.New(aerrors.CodeInternal, "retry loop exited without a result")
			}
			return lastResult, lastErr
		}
	}
}

// DefaultRetryable matches transient tool failures: errors marked retryable
// and messages mentioning a timeout, a refused connection, a temporary
// failure or unavailability. Context cancellation is never retried.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if aerrors.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "unavailable")
}

func applyJitter(delay time.Duration, jitter float64) time.Duration {
	if delay <= 0 || jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	base := float64(delay)
	lo := base * (1 - jitter)
	hi := base * (1 + jitter)
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

func minDuration(a, b time.Duration) time.Duration {
	if b <= 0 || a < b {
		return a
	}
	return b
}

func ctxOf(a *Attempt) context.Context {
	if a == nil || a.Context == nil {
		return context.Background()
	}
	return a.Context
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
