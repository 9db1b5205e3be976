package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

func grantedLease(t *testing.T, clock clockwork.Clock, duration time.Duration, extend Extender) *Lease {
	t.Helper()
	r := MustNewResource("partition-1", duration)
	r.NotifyGranted(clock.Now())
	l, err := New(context.Background(), Config{
		Resource: r,
		Token:    "token-1",
		Clock:    clock,
		Extend:   extend,
	})
	require.NoError(t, err)
	t.Cleanup(l.Complete)
	return l
}

func TestNewLeaseValidation(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Token: "t"})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "resource", validationErr.Field)

	_, err = New(context.Background(), Config{Resource: MustNewResource("r", time.Second)})
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "token", validationErr.Field)
}

func TestLeaseContextCancelledAtDeadline(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := grantedLease(t, clock, 100*time.Millisecond, nil)

	assert.Equal(t, clock.Now().Add(100*time.Millisecond), l.Expiration())
	assert.NoError(t, l.Context().Err())

	clock.Advance(50 * time.Millisecond)
	assert.NoError(t, l.Context().Err())

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return l.Context().Err() != nil
	}, time.Second, time.Millisecond)

	// The resource is the source of truth for expiry.
	assert.True(t, l.Resource().IsLeaseExpired(clock.Now()))
}

func TestLeaseExtendConfirmsBackendFirst(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	var observed time.Duration
	l := grantedLease(t, clock, 100*time.Millisecond, func(ctx context.Context, l *Lease, by time.Duration) error {
		calls.Add(1)
		// Local state must not change before the backend confirmed.
		observed = l.Duration()
		assert.Equal(t, 50*time.Millisecond, by)
		return nil
	})

	require.NoError(t, l.Extend(context.Background(), 50*time.Millisecond))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 100*time.Millisecond, observed)
	assert.Equal(t, 150*time.Millisecond, l.Duration())
	assert.Equal(t, l.GrantedAt().Add(150*time.Millisecond), l.Expiration())

	clock.Advance(120 * time.Millisecond)
	assert.NoError(t, l.Context().Err(), "deadline was rescheduled")

	clock.Advance(40 * time.Millisecond)
	require.Eventually(t, func() bool {
		return l.Context().Err() != nil
	}, time.Second, time.Millisecond)
}

func TestLeaseDeadlineFiresWhileExtensionInFlight(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	l := grantedLease(t, clock, 50*time.Millisecond, func(context.Context, *Lease, time.Duration) error {
		close(entered)
		<-unblock
		return nil
	})

	result := make(chan error, 1)
	go func() {
		result <- l.Extend(context.Background(), time.Second)
	}()
	<-entered

	clock.Advance(60 * time.Millisecond)
	require.Eventually(t, func() bool {
		return l.Context().Err() != nil
	}, time.Second, time.Millisecond, "deadline must fire while the backend call is pending")

	close(unblock)
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrLeaseExpired)
	case <-time.After(time.Second):
		t.Fatal("extend did not return")
	}
	assert.Equal(t, 50*time.Millisecond, l.Duration())
}

func TestLeaseExtendRejectedWhenCompletedDuringBackendCall(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var l *Lease
	l = grantedLease(t, clock, time.Second, func(context.Context, *Lease, time.Duration) error {
		l.Complete()
		return nil
	})

	assert.ErrorIs(t, l.Extend(context.Background(), time.Second), ErrLeaseCompleted)
	assert.Equal(t, time.Second, l.Duration())
}

func TestLeaseExtendBackendFailureKeepsDuration(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := grantedLease(t, clock, 100*time.Millisecond, func(context.Context, *Lease, time.Duration) error {
		return &ConflictError{Resource: "partition-1", Token: "token-1", Op: "extend"}
	})

	err := l.Extend(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseConflict)
	assert.Equal(t, 100*time.Millisecond, l.Duration())
}

func TestLeaseExtendRejectedAfterCompletion(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	l := grantedLease(t, clock, time.Second, func(context.Context, *Lease, time.Duration) error {
		calls.Add(1)
		return errBackendDown
	})

	l.Complete()
	assert.True(t, l.Completed())
	assert.ErrorIs(t, l.Extend(context.Background(), time.Second), ErrLeaseCompleted)
	assert.Equal(t, int32(0), calls.Load())
	assert.Error(t, l.Context().Err())
}

func TestLeaseExtendRejectedAfterDeadline(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	l := grantedLease(t, clock, 100*time.Millisecond, func(context.Context, *Lease, time.Duration) error {
		calls.Add(1)
		return nil
	})

	clock.Advance(150 * time.Millisecond)
	assert.ErrorIs(t, l.Extend(context.Background(), time.Second), ErrLeaseExpired)
	assert.Equal(t, int32(0), calls.Load())
}

func TestLeaseExtendRejectsNonPositiveDelta(t *testing.T) {
	t.Parallel()

	l := grantedLease(t, clockwork.NewFakeClock(), time.Second, nil)
	var validationErr *ValidationError
	require.True(t, errors.As(l.Extend(context.Background(), 0), &validationErr))
}

func TestLeaseFollowsParentContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := MustNewResource("r", time.Hour)
	r.NotifyGranted(time.Now())
	l, err := New(ctx, Config{Resource: r, Token: "t"})
	require.NoError(t, err)
	defer l.Complete()

	cancel()
	<-l.Done()
	assert.False(t, l.Completed())
}

func TestLeaseDeadlineAnchoredOnExplicitGrantTime(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	r := MustNewResource("remote", time.Minute)
	r.NotifyGranted(clock.Now().Add(time.Hour))
	local := clock.Now()

	l, err := New(context.Background(), Config{Resource: r, Token: "t", Clock: clock, GrantedAt: local})
	require.NoError(t, err)
	t.Cleanup(l.Complete)

	assert.Equal(t, local, l.GrantedAt())
	assert.Equal(t, local.Add(time.Minute), l.Expiration())
}
