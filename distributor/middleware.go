package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"alluvial/lease"
)

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain wraps handler with middleware so that middleware[0] runs first.
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		if middleware[i] != nil {
			handler = middleware[i](handler)
		}
	}
	return handler
}

// AfterSuccess runs fn after the wrapped handler returns without error, under the same lease.
func AfterSuccess(fn Handler) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, l *lease.Lease) error {
			if err := next(ctx, l); err != nil {
				return err
			}
			if err := fn(ctx, l); err != nil {
				return fmt.Errorf("after success: %w", err)
			}
			return nil
		}
	}
}

// KeepExtending extends the lease by `by` every interval while the wrapped handler runs. The first
// failed extension stops the renewals; the lease then runs out and its context is cancelled.
func KeepExtending(clock clockwork.Clock, interval, by time.Duration) Middleware {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, l *lease.Lease) error {
			stop := make(chan struct{})
			var (
				wg        sync.WaitGroup
				extendErr error
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				extendErr = keepExtending(ctx, clock, l, interval, by, stop)
			}()

			err := next(ctx, l)
			close(stop)
			wg.Wait()

			if err == nil && extendErr != nil && !errors.Is(extendErr, context.Canceled) {
				return fmt.Errorf("keep extending: %w", extendErr)
			}
			return err
		}
	}
}

func keepExtending(ctx context.Context, clock clockwork.Clock, l *lease.Lease, interval, by time.Duration, stop <-chan struct{}) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := l.Extend(ctx, by); err != nil {
				return err
			}
		}
	}
}
