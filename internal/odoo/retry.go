package odoo

import (
	"context"
	"time"

	"github.com/fieldlink/odoofield/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultBatchFloor  = 10
)

// Retrier is the single retry/backoff policy used by the gateway for
// every remote operation: up to MaxAttempts tries, delay doubling each
// attempt, only for retryable (network/server) errors.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       func(time.Duration)
}

// NewRetrier returns the default policy.
func NewRetrier() *Retrier {
	return &Retrier{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Sleep:       time.Sleep,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. The zero-based attempt number is passed in so
// callers can shrink batch sizes on retries.
func (r *Retrier) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetries.Inc()
			r.Sleep(r.BaseDelay << (attempt - 1))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}

// BatchSizeFor halves the batch size for each retry attempt, never
// dropping below floor. Shrinking the batch sidesteps failures tied to
// payload size or timeouts recurring at the original size.
func BatchSizeFor(initial, attempt, floor int) int {
	if floor < 1 {
		floor = 1
	}
	size := initial
	for i := 0; i < attempt; i++ {
		size /= 2
	}
	if size < floor {
		size = floor
	}
	if size > initial {
		size = initial
	}
	return size
}
