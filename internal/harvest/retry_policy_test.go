package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type permanentErr struct{ permanent bool }

func (e *permanentErr) Error() string   { return "upstream failure" }
func (e *permanentErr) Permanent() bool { return e.permanent }

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	require.True(t, IsPermanent(&permanentErr{permanent: true}))
	require.False(t, IsPermanent(&permanentErr{permanent: false}))
	require.False(t, IsPermanent(errors.New("plain")))
	require.False(t, IsPermanent(nil))

	wrapped := fmt.Errorf("scrape craftyguy: %w", &permanentErr{permanent: true})
	require.True(t, IsPermanent(wrapped), "permanence must survive wrapping")
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(3)
	transient := errors.New("timeout")

	require.True(t, policy.ShouldRetry(transient, 1))
	require.True(t, policy.ShouldRetry(transient, 2))
	require.False(t, policy.ShouldRetry(transient, 3), "attempt ceiling is three")
	require.False(t, policy.ShouldRetry(nil, 1))
	require.False(t, policy.ShouldRetry(&permanentErr{permanent: true}, 1))
	require.False(t, policy.ShouldRetry(context.Canceled, 1))
}

func TestAttemptCeilingIsConfigurable(t *testing.T) {
	t.Parallel()

	transient := errors.New("timeout")

	policy := NewExponentialRetryPolicy(5)
	require.Equal(t, 5, policy.MaxAttempts())
	require.True(t, policy.ShouldRetry(transient, 4))
	require.False(t, policy.ShouldRetry(transient, 5))

	policy = NewExponentialRetryPolicy(0)
	require.Equal(t, 3, policy.MaxAttempts(), "non-positive ceiling falls back to three")
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(3)
	for attempt := 1; attempt <= 10; attempt++ {
		d := policy.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 2*time.Minute)
	}
	require.GreaterOrEqual(t, policy.Backoff(1), 2*time.Second)
}
