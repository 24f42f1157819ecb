package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffBounds(t *testing.T) {
	t.Parallel()

	backoff := ExponentialBackoff(100*time.Millisecond, time.Second)
	tests := []struct {
		attempt int
		full    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tc := range tests {
		for i := 0; i < 20; i++ {
			d := backoff(tc.attempt)
			assert.GreaterOrEqual(t, d, tc.full/2, "attempt %d", tc.attempt)
			assert.LessOrEqual(t, d, tc.full, "attempt %d", tc.attempt)
		}
	}
}

func TestBackoffByName(t *testing.T) {
	t.Parallel()

	none, err := BackoffByName("none", time.Second, time.Second)
	require.NoError(t, err)
	assert.Zero(t, none(3))

	constant, err := BackoffByName("constant", 300*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, constant(7))

	exp, err := BackoffByName("exponential", 10*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, exp(4), 20*time.Millisecond)

	_, err = BackoffByName("fibonacci", 0, 0)
	require.Error(t, err)
}

func TestRetryPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, RetryPolicy{MaxAttempts: 1}.Validate())
	require.Error(t, RetryPolicy{}.Validate())
	require.Error(t, RetryPolicy{MaxAttempts: 1, PerAttemptTimeout: -time.Second}.Validate())
	assert.Zero(t, RetryPolicy{MaxAttempts: 1, Backoff: ConstantBackoff(-time.Second)}.delay(1))
}
