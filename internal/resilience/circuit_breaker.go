// Package resilience adapts libs/go/core/resilience
// (adaptive circuit breaker, jittered retry, rate limiter) to guard the
// executor runtime's calls into job handlers, the HTTP handler's outbound
// calls, and BoltStore's workflow writes. NATS publishes are not guarded.
package resilience

import (
	"sync"
	"time"
)

type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

// CircuitBreaker is an adaptive, sliding-window breaker: it trips once a
// minimum sample size has accrued and the failure rate crosses a threshold,
// and probes for recovery with a bounded number of half-open requests.
// Unchanged in shape from the resilience.CircuitBreaker this was adapted
// from.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter      time.Duration
	maxHalfOpenProbes int
	bucketWidth       time.Duration
	windowBuckets     int

	state          breakerState
	openedAt       time.Time
	halfOpenProbes int
	window         *slidingWindow
}

type bucket struct {
	start    time.Time
	success  int
	failures int
}

type slidingWindow struct {
	width   time.Duration
	buckets []bucket
}

func newSlidingWindow(width time.Duration, n int) *slidingWindow {
	return &slidingWindow{width: width, buckets: make([]bucket, n)}
}

func (w *slidingWindow) record(now time.Time, ok bool) {
	idx := w.bucketIndex(now)
	b := &w.buckets[idx]
	if now.Sub(b.start) >= w.width*time.Duration(len(w.buckets)) || b.start.IsZero() {
		*b = bucket{start: w.truncate(now)}
	}
	if ok {
		b.success++
	} else {
		b.failures++
	}
}

func (w *slidingWindow) bucketIndex(now time.Time) int {
	return int(now.Unix()/int64(w.width.Seconds())) % len(w.buckets)
}

func (w *slidingWindow) truncate(now time.Time) time.Time {
	sec := int64(w.width.Seconds())
	return time.Unix((now.Unix()/sec)*sec, 0)
}

func (w *slidingWindow) totals(now time.Time) (success, failures int) {
	cutoff := now.Add(-w.width * time.Duration(len(w.buckets)))
	for _, b := range w.buckets {
		if b.start.After(cutoff) {
			success += b.success
			failures += b.failures
		}
	}
	return
}

// NewCircuitBreakerAdaptive builds a breaker with the given trip thresholds.
func NewCircuitBreakerAdaptive(minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   failureRateOpen,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		bucketWidth:       time.Second,
		windowBuckets:     60,
		window:            newSlidingWindow(time.Second, 60),
	}
}

// Allow reports whether a new call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case closed:
		return true
	case open:
		if now.Sub(cb.openedAt) >= cb.halfOpenAfter {
			cb.state = halfOpen
			cb.halfOpenProbes = 0
		} else {
			return false
		}
		fallthrough
	case halfOpen:
		if cb.halfOpenProbes >= cb.maxHalfOpenProbes {
			return false
		}
		cb.halfOpenProbes++
		return true
	}
	return true
}

// RecordResult feeds a call outcome back into the breaker.
func (cb *CircuitBreaker) RecordResult(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == halfOpen {
		if !ok {
			cb.transitionToOpen(now)
			return
		}
		cb.reset()
		return
	}

	cb.window.record(now, ok)
	success, failures := cb.window.totals(now)
	total := success + failures
	if total < cb.minSamples {
		return
	}
	if float64(failures)/float64(total) >= cb.failureRateOpen {
		cb.transitionToOpen(now)
	}
}

func (cb *CircuitBreaker) transitionToOpen(now time.Time) {
	cb.state = open
	cb.openedAt = now
}

func (cb *CircuitBreaker) reset() {
	cb.state = closed
	cb.window = newSlidingWindow(cb.bucketWidth, cb.windowBuckets)
}

// State exposes the breaker's current state for tests.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
