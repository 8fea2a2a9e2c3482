package nntp

import (
	"context"
	"math/rand"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// RetryPolicy is the operation-layer retry configuration. The connection
// layer's single reconnect on dial transients lives in Dial.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
}

// backoff returns the sleep before the given retry using full jitter:
// uniform in [0, base*2^attempt).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	ceiling := p.BaseDelay << uint(attempt)
	if ceiling <= 0 {
		ceiling = p.BaseDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

// withRetry runs op up to MaxRetries+1 times, backing off on retryable
// failures. Non-retryable errors surface immediately.
func (p RetryPolicy) withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}

		delay := p.backoff(attempt)
		logger.DebugCtx(ctx, "retrying after transient failure",
			"operation", what,
			logger.Attempt(attempt+1),
			logger.Err(err),
			logger.DurationMs(float64(delay.Milliseconds())),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
