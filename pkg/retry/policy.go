// Package retry decides whether a failed step attempt is tried again and
// how long to wait before doing so
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kode4food/cascade/pkg/api"
)

type (
	// Policy is an immutable retry policy. The zero value never retries
	Policy struct {
		retryOn      []Matcher
		abortOn      []Matcher
		initialDelay time.Duration
		maxDelay     time.Duration
		multiplier   float64
		maxAttempts  int
	}

	// Config holds the settings a Policy is built from
	Config struct {
		// RetryOn restricts retries to errors matching one of these. Empty
		// means every error not matched by AbortOn is retried
		RetryOn []Matcher

		// AbortOn lists errors that are never retried. Checked first
		AbortOn []Matcher

		InitialDelay time.Duration

		// MaxDelay caps computed delays. Zero leaves delays uncapped
		MaxDelay time.Duration

		// Multiplier scales the delay per attempt. 1.0 means a fixed delay;
		// zero is treated as 1.0
		Multiplier float64

		// MaxAttempts is the total number of attempts a step may make. Zero
		// disables retry (the step runs exactly once)
		MaxAttempts int
	}
)

const maxDuration = time.Duration(math.MaxInt64)

var (
	ErrNegativeAttempts   = errors.New("max attempts cannot be negative")
	ErrNegativeDelay      = errors.New("retry delays cannot be negative")
	ErrInvalidMultiplier  = errors.New("backoff multiplier must be >= 1.0")
	ErrMaxDelayTooSmall   = errors.New("max delay must be >= initial delay")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// None is the policy that never retries
var None = &Policy{multiplier: 1}

// New validates cfg and builds a Policy
func New(cfg Config) (*Policy, error) {
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}

	switch {
	case cfg.MaxAttempts < 0:
		return nil, fmt.Errorf("%w: %w: %d",
			ErrInvalidRetryPolicy, ErrNegativeAttempts, cfg.MaxAttempts)
	case cfg.InitialDelay < 0 || cfg.MaxDelay < 0:
		return nil, fmt.Errorf("%w: %w", ErrInvalidRetryPolicy, ErrNegativeDelay)
	case cfg.Multiplier < 1 || math.IsNaN(cfg.Multiplier):
		return nil, fmt.Errorf("%w: %w: %v",
			ErrInvalidRetryPolicy, ErrInvalidMultiplier, cfg.Multiplier)
	case cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.InitialDelay:
		return nil, fmt.Errorf("%w: %w",
			ErrInvalidRetryPolicy, ErrMaxDelayTooSmall)
	}

	return &Policy{
		retryOn:      append([]Matcher(nil), cfg.RetryOn...),
		abortOn:      append([]Matcher(nil), cfg.AbortOn...),
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
		maxAttempts:  cfg.MaxAttempts,
	}, nil
}

// MustNew is New for statically known configurations
func MustNew(cfg Config) *Policy {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Fixed returns a policy making up to attempts attempts with a constant
// delay between them
func Fixed(attempts int, delay time.Duration) (*Policy, error) {
	return New(Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	})
}

// Exponential returns a policy whose delay doubles each attempt, capped at
// maxDelay
func Exponential(
	attempts int, initial, maxDelay time.Duration,
) (*Policy, error) {
	return New(Config{
		MaxAttempts:  attempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
	})
}

// IsEnabled reports whether the policy allows any retry at all
func (p *Policy) IsEnabled() bool {
	return p != nil && p.maxAttempts > 0
}

// MaxAttempts returns the configured attempt budget
func (p *Policy) MaxAttempts() int {
	if p == nil {
		return 0
	}
	return p.maxAttempts
}

// AttemptBudget returns the total number of attempts a step may make under
// this policy. A disabled policy still allows the first attempt
func (p *Policy) AttemptBudget() int {
	return max(p.MaxAttempts(), 1)
}

// CanAttempt reports whether another attempt is allowed after the given
// number of attempts have already been made
func (p *Policy) CanAttempt(made int) bool {
	return p.IsEnabled() && made < p.maxAttempts
}

// ShouldRetry classifies err. Permanent errors and AbortOn matches are never
// retried; when RetryOn is non-empty the error must match one of its entries
func (p *Policy) ShouldRetry(err error) bool {
	if !p.IsEnabled() || err == nil {
		return false
	}
	if api.IsPermanent(err) {
		return false
	}
	for _, m := range p.abortOn {
		if m.Matches(err) {
			return false
		}
	}
	if len(p.retryOn) == 0 {
		return true
	}
	for _, m := range p.retryOn {
		if m.Matches(err) {
			return true
		}
	}
	return false
}

// CalculateDelay returns the delay before the retry following the given
// 0-based attempt number. The result is non-decreasing in attempt, never
// exceeds the maximum delay, and saturates rather than overflowing
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if p == nil {
		return 0
	}
	limit := p.maxDelay
	if limit == 0 {
		limit = maxDuration
	}
	if p.multiplier == 1 || p.initialDelay == 0 {
		return min(p.initialDelay, limit)
	}

	attempt = max(attempt, 0)
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

func (p *Policy) String() string {
	if p == nil {
		return "retry(none)"
	}
	return fmt.Sprintf("retry(attempts=%d initial=%s max=%s x%.2f)",
		p.maxAttempts, p.initialDelay, p.maxDelay, p.multiplier)
}
