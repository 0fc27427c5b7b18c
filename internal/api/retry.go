package api

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is used when the client is configured without one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}

type retrier struct {
	policy RetryPolicy
	logger zerolog.Logger

	randMu sync.Mutex
	rnd    *rand.Rand
}

func newRetrier(policy RetryPolicy, logger zerolog.Logger) *retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retrier{
		policy: policy,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
	}
}

// do runs fn until it succeeds, fails permanently, the attempts run out or
// ctx ends. The last error is returned.
func (r *retrier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 1
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt >= r.policy.MaxAttempts {
			r.logger.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("api: retry budget exhausted")
			return err
		}

		backoff := r.computeBackoff(attempt)
		r.logger.Info().Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("api: scheduling retry after transient error")
		if !wait(ctx, backoff) {
			return err
		}
		attempt++
	}
}

func (r *retrier) computeBackoff(attempt int) time.Duration {
	if r.policy.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(r.policy.BaseBackoff) * multiplier)
	if r.policy.MaxBackoff > 0 && raw > r.policy.MaxBackoff {
		raw = r.policy.MaxBackoff
	}

	return r.fullJitter(raw)
}

func (r *retrier) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	r.randMu.Lock()
	defer r.randMu.Unlock()

	return time.Duration(r.rnd.Int63n(int64(max) + 1))
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
