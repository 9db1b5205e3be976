// Package sqlutil holds the SQL plumbing shared by the SQL-backed packages: dialects, connection
// acquisition with pool-exhaustion retry, DSN construction and driver error classification.
package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPoolExhausted reports that no pooled connection became free within the per-attempt timeout.
var ErrPoolExhausted = errors.New("sql connection pool exhausted")

// RetryPolicy bounds connection acquisition. Attempt n waits n*Step before retrying, for at most
// MaxRetries retries.
type RetryPolicy struct {
	MaxRetries     int
	Step           time.Duration
	AcquireTimeout time.Duration
	// OnRetry is called before each retry with the retry number and the delay about to be waited.
	OnRetry func(retry int, err error, delay time.Duration)
}

// DefaultRetryPolicy is used for zero fields of a RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     10,
	Step:           100 * time.Millisecond,
	AcquireTimeout: 5 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if p.Step <= 0 {
		p.Step = DefaultRetryPolicy.Step
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = DefaultRetryPolicy.AcquireTimeout
	}
	return p
}

// linearBackOff waits attempt*step.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// Connect obtains a dedicated connection from db. Only pool exhaustion is retried: an attempt whose
// own timeout elapsed while ctx is still alive. Any other failure is returned at once.
func Connect(ctx context.Context, db *sql.DB, policy RetryPolicy) (*sql.Conn, error) {
	policy = policy.withDefaults()

	var (
		conn    *sql.Conn
		retries int
	)
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AcquireTimeout)
		defer cancel()

		c, err := db.Conn(attemptCtx)
		if err == nil {
			conn = c
			return nil
		}
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		retries++
		if policy.OnRetry != nil {
			policy.OnRetry(retries, err, delay)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: policy.Step}, uint64(policy.MaxRetries)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrPoolExhausted) {
			return nil, ctxErr
		}
		return nil, err
	}
	return conn, nil
}
