package crawler

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig tunes the exponential retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ExponentialRetryPolicy retries transient provider failures with jittered,
// capped exponential backoff. It holds no per-call state and is safe for
// concurrent use.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	clock       clockwork.Clock
	jitter      func(limit time.Duration) time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}, clockwork.NewRealClock())
}

// NewRetryPolicy builds a policy from config. Zero values fall back to defaults.
func NewRetryPolicy(cfg RetryConfig, clock clockwork.Clock) *ExponentialRetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ExponentialRetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		clock:       clock,
		jitter:      randomJitter,
	}
}

// MaxAttempts returns the attempt budget per invocation.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable after the given
// (1-based) attempt.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	perr, ok := AsProviderError(err)
	if !ok {
		return false
	}
	return perr.Kind.Retryable()
}

// Backoff returns the wait before retry n (0-based). The result is
// base*2^n plus jitter in [0, base*2^(n-1)), capped at the max delay, so
// successive delays strictly increase until the cap is reached.
func (p *ExponentialRetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		return p.maxDelay
	}
	exp := p.baseDelay << uint(retry)
	if exp <= 0 || exp >= p.maxDelay {
		return p.maxDelay
	}
	delay := exp + p.jitter(exp/2)
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// Execute runs op until it succeeds, fails terminally, or exhausts the
// attempt budget. It returns the number of attempts made and the last
// error, unchanged.
func (p *ExponentialRetryPolicy) Execute(ctx context.Context, op func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx)
		if !p.ShouldRetry(lastErr, attempt) {
			return attempt, lastErr
		}
		wait := p.Backoff(attempt - 1)
		if perr, ok := AsProviderError(lastErr); ok && perr.Kind == KindRateLimited && perr.RetryAfter > wait {
			wait = perr.RetryAfter
		}
		if err := p.sleep(ctx, wait); err != nil {
			return attempt, lastErr
		}
	}
}

func (p *ExponentialRetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
