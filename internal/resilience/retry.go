// Package resilience provides retry-with-jitter and circuit-breaking
// helpers for Spider's unreliable network paths (worker<->scheduler,
// component<->storage), adapted from libs/go/core/resilience.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

var retryMeter = otel.GetMeterProvider().Meter("spider/resilience")

// Retry runs fn up to attempts times, waiting an exponentially growing,
// fully-jittered delay (capped at 60s) between tries. It returns as soon as
// fn succeeds or ctx is cancelled.
func Retry[T any](ctx context.Context, attempts int, initialDelay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	attemptsCounter, _ := retryMeter.Int64Counter("spider_resilience_retry_attempts_total")
	successCounter, _ := retryMeter.Int64Counter("spider_resilience_retry_success_total")
	failCounter, _ := retryMeter.Int64Counter("spider_resilience_retry_fail_total")

	var zero T
	delay := initialDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		attemptsCounter.Add(ctx, 1)
		result, err := fn(ctx)
		if err == nil {
			successCounter.Add(ctx, 1)
			return result, nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		wait := jittered(delay)
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
