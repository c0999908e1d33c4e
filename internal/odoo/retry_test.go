package odoo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetrier(slept *[]time.Duration) *Retrier {
	return &Retrier{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Sleep: func(d time.Duration) {
			*slept = append(*slept, d)
		},
	}
}

func TestRetrierBackoffDoubles(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(&slept)

	attempts := 0
	err := r.Do(context.Background(), func(attempt int) error {
		attempts++
		return &NetworkError{Op: "test", Err: errors.New("down")}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, slept)
}

func TestRetrierSucceedsMidway(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(&slept)

	attempts := 0
	err := r.Do(context.Background(), func(attempt int) error {
		attempts++
		if attempts < 2 {
			return &ServerError{Status: 503, Message: "busy"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, slept, 1)
}

func TestRetrierStopsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(&slept)

	attempts := 0
	err := r.Do(context.Background(), func(attempt int) error {
		attempts++
		return &ValidationError{Status: 422, Message: "bad field"}
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, attempts, "validation errors must not be retried")
	assert.Empty(t, slept)
}

func TestRetrierStopsOnAuth(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(&slept)

	attempts := 0
	err := r.Do(context.Background(), func(attempt int) error {
		attempts++
		return &AuthError{Status: 401, Message: "expired"}
	})

	assert.True(t, IsAuth(err))
	assert.Equal(t, 1, attempts, "auth recovery belongs to the transport, not the retrier")
}

func TestRetrierHonorsContext(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(&slept)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := r.Do(ctx, func(attempt int) error {
		attempts++
		cancel()
		return &NetworkError{Op: "test", Err: errors.New("down")}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetrierPassesAttemptNumber(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(&slept)

	var seen []int
	_ = r.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		return &NetworkError{Op: "test", Err: errors.New("down")}
	})
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestBatchSizeForHalves(t *testing.T) {
	assert.Equal(t, 80, BatchSizeFor(80, 0, 10))
	assert.Equal(t, 40, BatchSizeFor(80, 1, 10))
	assert.Equal(t, 20, BatchSizeFor(80, 2, 10))
	assert.Equal(t, 10, BatchSizeFor(80, 3, 10), "never below floor")
	assert.Equal(t, 10, BatchSizeFor(80, 10, 10))
	assert.Equal(t, 5, BatchSizeFor(5, 2, 10), "floor never grows the batch")
	assert.Equal(t, 1, BatchSizeFor(8, 5, 0))
}

func TestIsRetryableTaxonomy(t *testing.T) {
	assert.True(t, IsRetryable(&NetworkError{Op: "x", Err: errors.New("y")}))
	assert.True(t, IsRetryable(&ServerError{Status: 500}))
	assert.False(t, IsRetryable(&AuthError{Status: 401}))
	assert.False(t, IsRetryable(&ValidationError{Status: 400}))
	assert.False(t, IsRetryable(ErrNotFound))
}
