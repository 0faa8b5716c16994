package retrying

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"glint/config"
	"glint/glinterr"
	"glint/logger"
)

// Policy is a bounded retry with exponential backoff: attempt n waits
// BaseDelay * 2^n before running, up to MaxAttempts attempts in total.
type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
}

func FromConfig(r config.Retry) Policy {
	return Policy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay}
}

// Once runs an operation a single time.
var Once = Policy{MaxAttempts: 1}

// Do runs op until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The last error is returned. A nil
// retryable means glinterr.IsTransient.
func (p Policy) Do(ctx context.Context, name string, op func(attempt uint) error, retryable func(error) bool) error {
	if retryable == nil {
		retryable = glinterr.IsTransient
	}
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	var fatal error
	err := retry.Retry(func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			fatal = err
			return nil
		}
		err := op(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			fatal = err
			return nil
		}
		logger.Debug("retrying", "op", name, "attempt", attempt+1, "max", attempts, "err", err)
		return err
	},
		strategy.Limit(attempts),
		p.wait(ctx),
	)
	if fatal != nil {
		return fatal
	}
	return err
}

// wait is strategy.Backoff with the sleep cut short by ctx.
func (p Policy) wait(ctx context.Context) strategy.Strategy {
	algorithm := backoff.BinaryExponential(p.BaseDelay)
	return func(attempt uint) bool {
		if attempt == 0 || p.BaseDelay <= 0 {
			return true
		}
		t := time.NewTimer(algorithm(attempt - 1))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
}
