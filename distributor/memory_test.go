package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alluvial/lease"
)

func TestInMemoryBackendRejectsDuplicateNames(t *testing.T) {
	_, err := NewInMemoryBackend(newResources(t, time.Minute, "a", "a"))
	var verr *lease.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestInMemoryBackendGrantsOldestReleasedFirst(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend, err := NewInMemoryBackend(newResources(t, time.Minute, "a", "b"),
		WithBackendClock(clock), WithReleaseCooldown(time.Second))
	require.NoError(t, err)

	first, ok, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first.ResourceName(), second.ResourceName())
	assert.NotEqual(t, first.Token(), second.Token())

	_, ok, err = backend.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "all resources are held")

	require.NoError(t, backend.ReleaseLease(ctx, first))
	assert.True(t, first.Completed())
	_, ok, err = backend.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "released resource is cooling down")

	clock.Advance(time.Second)
	again, ok, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ResourceName(), again.ResourceName())
}

func TestInMemoryBackendRegrantsExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend, err := NewInMemoryBackend(newResources(t, time.Minute, "a"), WithBackendClock(clock))
	require.NoError(t, err)

	stale, ok, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, err = backend.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is still valid at its exact deadline")

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return stale.Context().Err() != nil }, time.Second, time.Millisecond)

	fresh, ok, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, stale.Token(), fresh.Token())

	err = backend.ReleaseLease(ctx, stale)
	require.ErrorIs(t, err, lease.ErrLeaseConflict)
	var conflict *lease.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "release", conflict.Op)

	require.NoError(t, backend.ReleaseLease(ctx, fresh))
}

func TestInMemoryBackendExtendMovesExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend, err := NewInMemoryBackend(newResources(t, time.Minute, "a"), WithBackendClock(clock))
	require.NoError(t, err)

	l, _, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Equal(t, 2*time.Minute, l.Duration())

	clock.Advance(90 * time.Second)
	_, ok, err := backend.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "extended lease is still held")
	assert.NoError(t, l.Context().Err())

	require.NoError(t, backend.ReleaseLease(ctx, l))
	err = l.Extend(ctx, time.Minute)
	require.ErrorIs(t, err, lease.ErrLeaseCompleted)
}

func TestInMemoryBackendHonoursCancelledContext(t *testing.T) {
	backend, err := NewInMemoryBackend(newResources(t, time.Minute, "a"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := backend.AcquireLease(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}
