package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

var cbMeter = otel.GetMeterProvider().Meter("spider/resilience")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

type bucket struct {
	start    time.Time
	failures int
	total    int
}

// CircuitBreaker guards a flaky dependency (the worker's scheduler
// connection, a storage backend) behind a sliding window of recent outcomes
// and an adaptive failure-rate threshold, adapted from
// libs/go/core/resilience/circuit_breaker.go.
type CircuitBreaker struct {
	windowSize    time.Duration
	bucketWidth   time.Duration
	minSamples    int
	failureRate   float64
	halfOpenAfter time.Duration
	maxProbes     int

	mu          sync.Mutex
	state       breakerState
	buckets     []bucket
	openedAt    time.Time
	probesUsed  int

	openTotal   func(context.Context, int64)
	closedTotal func(context.Context, int64)
}

// NewCircuitBreakerAdaptive constructs a breaker evaluating failure rate
// over windowSize split into buckets buckets, tripping open once at least
// minSamples calls have been observed and the failure rate is at or above
// failureRateOpen. Once open, it allows up to maxHalfOpenProbes trial calls
// after halfOpenAfter elapses.
func NewCircuitBreakerAdaptive(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	openCounter, _ := cbMeter.Int64Counter("spider_resilience_circuit_open_total")
	closedCounter, _ := cbMeter.Int64Counter("spider_resilience_circuit_closed_total")

	return &CircuitBreaker{
		windowSize:    windowSize,
		bucketWidth:   windowSize / time.Duration(buckets),
		minSamples:    minSamples,
		failureRate:   failureRateOpen,
		halfOpenAfter: halfOpenAfter,
		maxProbes:     maxHalfOpenProbes,
		openTotal:     func(ctx context.Context, n int64) { openCounter.Add(ctx, n) },
		closedTotal:   func(ctx context.Context, n int64) { closedCounter.Add(ctx, n) },
	}
}

// Allow reports whether a call should proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.openedAt) >= cb.halfOpenAfter {
			cb.state = stateHalfOpen
			cb.probesUsed = 1
			return true
		}
		return false
	case stateHalfOpen:
		if cb.probesUsed >= cb.maxProbes {
			return false
		}
		cb.probesUsed++
		return true
	default:
		return true
	}
}

// RecordResult reports the outcome of a call previously permitted by Allow.
func (cb *CircuitBreaker) RecordResult(ctx context.Context, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateHalfOpen {
		if success {
			cb.reset(ctx)
		} else {
			cb.transitionToOpen(ctx)
		}
		return
	}

	cb.record(success)

	total, failures := cb.windowTotals()
	if total >= cb.minSamples && float64(failures)/float64(total) >= cb.failureRate {
		cb.transitionToOpen(ctx)
	}
}

func (cb *CircuitBreaker) record(success bool) {
	now := time.Now()
	if len(cb.buckets) == 0 || now.Sub(cb.buckets[len(cb.buckets)-1].start) >= cb.bucketWidth {
		cb.buckets = append(cb.buckets, bucket{start: now})
	}
	b := &cb.buckets[len(cb.buckets)-1]
	b.total++
	if !success {
		b.failures++
	}

	cutoff := now.Add(-cb.windowSize)
	i := 0
	for i < len(cb.buckets) && cb.buckets[i].start.Before(cutoff) {
		i++
	}
	cb.buckets = cb.buckets[i:]
}

func (cb *CircuitBreaker) windowTotals() (total, failures int) {
	for _, b := range cb.buckets {
		total += b.total
		failures += b.failures
	}
	return total, failures
}

func (cb *CircuitBreaker) transitionToOpen(ctx context.Context) {
	cb.state = stateOpen
	cb.openedAt = time.Now()
	cb.buckets = nil
	cb.openTotal(ctx, 1)
}

func (cb *CircuitBreaker) reset(ctx context.Context) {
	cb.state = stateClosed
	cb.buckets = nil
	cb.probesUsed = 0
	cb.closedTotal(ctx, 1)
}
