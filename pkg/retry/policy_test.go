package retry_test

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/retry"
)

var (
	errRateLimited = errors.New("rate limited")
	errBadRequest  = errors.New("bad request")
)

func TestDisabledPolicy(t *testing.T) {
	p, err := retry.New(retry.Config{MaxAttempts: 0})
	require.NoError(t, err)

	assert.False(t, p.IsEnabled())
	assert.False(t, p.ShouldRetry(errRateLimited))
	assert.False(t, p.ShouldRetry(api.WithKind(api.KindStepAction, errBadRequest)))
	assert.Equal(t, 1, p.AttemptBudget())
	assert.False(t, p.CanAttempt(0))

	assert.False(t, retry.None.IsEnabled())
	assert.False(t, retry.None.ShouldRetry(errRateLimited))

	var nilPolicy *retry.Policy
	assert.False(t, nilPolicy.IsEnabled())
	assert.Equal(t, time.Duration(0), nilPolicy.CalculateDelay(3))
}

func TestNewValidation(t *testing.T) {
	scenarios := []struct {
		name     string
		cfg      retry.Config
		expected error
	}{
		{
			name:     "negative attempts",
			cfg:      retry.Config{MaxAttempts: -1},
			expected: retry.ErrNegativeAttempts,
		},
		{
			name:     "negative initial delay",
			cfg:      retry.Config{MaxAttempts: 1, InitialDelay: -time.Second},
			expected: retry.ErrNegativeDelay,
		},
		{
			name:     "negative max delay",
			cfg:      retry.Config{MaxAttempts: 1, MaxDelay: -time.Second},
			expected: retry.ErrNegativeDelay,
		},
		{
			name:     "multiplier below one",
			cfg:      retry.Config{MaxAttempts: 1, Multiplier: 0.5},
			expected: retry.ErrInvalidMultiplier,
		},
		{
			name: "max smaller than initial",
			cfg: retry.Config{
				MaxAttempts:  1,
				InitialDelay: time.Second,
				MaxDelay:     time.Millisecond,
			},
			expected: retry.ErrMaxDelayTooSmall,
		},
	}

	for _, tc := range scenarios {
		t.Run(tc.name, func(t *testing.T) {
			p, err := retry.New(tc.cfg)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tc.expected)
			assert.ErrorIs(t, err, retry.ErrInvalidRetryPolicy)
		})
	}

	assert.Panics(t, func() {
		retry.MustNew(retry.Config{MaxAttempts: -3})
	})
}

func TestShouldRetryClassification(t *testing.T) {
	p := retry.MustNew(retry.Config{
		MaxAttempts: 3,
		AbortOn:     []retry.Matcher{retry.Is(errBadRequest)},
	})

	assert.True(t, p.ShouldRetry(errRateLimited))
	assert.False(t, p.ShouldRetry(errBadRequest))
	assert.False(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", errBadRequest)))
	assert.False(t, p.ShouldRetry(api.Permanent(errRateLimited)))
	assert.False(t, p.ShouldRetry(nil))
}

func TestShouldRetryAllowList(t *testing.T) {
	p := retry.MustNew(retry.Config{
		MaxAttempts: 3,
		RetryOn:     []retry.Matcher{retry.Kind(api.KindStepTimeout)},
		AbortOn: []retry.Matcher{
			retry.Func(func(err error) bool {
				return errors.Is(err, errBadRequest)
			}),
		},
	})

	timeout := api.WithKind(api.KindStepTimeout, errRateLimited)
	assert.True(t, p.ShouldRetry(timeout))
	assert.False(t, p.ShouldRetry(errRateLimited))

	denied := api.WithKind(api.KindStepTimeout, errBadRequest)
	assert.False(t, p.ShouldRetry(denied))
}

func TestAttemptBudget(t *testing.T) {
	p := retry.MustNew(retry.Config{MaxAttempts: 3})
	assert.Equal(t, 3, p.AttemptBudget())
	assert.True(t, p.CanAttempt(1))
	assert.True(t, p.CanAttempt(2))
	assert.False(t, p.CanAttempt(3))
}

func TestCalculateDelayFixed(t *testing.T) {
	p, err := retry.Fixed(5, 250*time.Millisecond)
	require.NoError(t, err)

	for n := range 10 {
		assert.Equal(t, 250*time.Millisecond, p.CalculateDelay(n))
	}
}

func TestCalculateDelayExponential(t *testing.T) {
	p := retry.MustNew(retry.Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	})

	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(0))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(1))
	assert.Equal(t, 400*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 5*time.Second, p.CalculateDelay(10))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(-4))

	prev := time.Duration(0)
	for n := range 200 {
		d := p.CalculateDelay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 5*time.Second)
		prev = d
	}
}

func TestCalculateDelaySaturates(t *testing.T) {
	p := retry.MustNew(retry.Config{
		MaxAttempts:  1,
		InitialDelay: time.Second,
		Multiplier:   10,
	})

	assert.Equal(t, time.Duration(math.MaxInt64), p.CalculateDelay(5000))
	assert.Equal(t, time.Duration(math.MaxInt64), p.CalculateDelay(math.MaxInt))

	prev := time.Duration(0)
	for n := range 100 {
		d := p.CalculateDelay(n)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestExponentialConstructor(t *testing.T) {
	p, err := retry.Exponential(4, time.Second, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, p.MaxAttempts())
	assert.Equal(t, 2*time.Second, p.CalculateDelay(1))
	assert.Equal(t, 3*time.Second, p.CalculateDelay(2))
	assert.Contains(t, p.String(), "attempts=4")
}
