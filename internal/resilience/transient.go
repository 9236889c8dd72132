package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTransient wraps fn with cenkalti/backoff/v4's exponential backoff,
// distinct from Retry[T]'s hand-rolled jitter: this is reserved for
// persistence and transport adapters (BoltDB contention, NATS reconnects)
// where go.mod already carries backoff/v4 as an indirect dependency of
// libs/go/core but nothing previously called it directly.
func RetryTransient(ctx context.Context, maxElapsed time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}
