package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds every external call the engine makes: ledger RPC, swap
// quotes, payout broadcasts. One policy, applied uniformly, instead of ad-hoc
// loops at call sites.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy matches the configured retry budget for external
// collaborators: 3 attempts with exponential delay.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Permanent marks err as non-retryable; Do stops immediately and returns it.
// Conflict-class failures must use this: retrying a conflict cannot change
// the outcome.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy with exponential backoff, honouring ctx
// cancellation between attempts. The last error is returned after the
// attempt budget is exhausted.
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPolicy.MaxAttempts
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = DefaultPolicy.BaseDelay
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay

	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		zap.L().Warn("external call failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("next_in", next),
			zap.Error(err),
		)
	}

	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx), notify)
}
