package distributor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"alluvial/lease"
)

// InMemoryBackend grants leases over a fixed set of resources held in process memory. It is the
// reference Backend for tests and single-process deployments.
type InMemoryBackend struct {
	clock        clockwork.Clock
	waitInterval time.Duration

	mu        sync.Mutex
	resources []*lease.Resource
	holders   map[string]lease.OwnerToken
	expires   map[string]time.Time
}

// InMemoryOption customizes an InMemoryBackend.
type InMemoryOption func(*InMemoryBackend)

// WithBackendClock sets the clock used for grant, expiry and release times.
func WithBackendClock(clock clockwork.Clock) InMemoryOption {
	return func(b *InMemoryBackend) {
		b.clock = clock
	}
}

// WithReleaseCooldown keeps a released resource out of rotation for d, so that other holders
// polling every d get a turn.
func WithReleaseCooldown(d time.Duration) InMemoryOption {
	return func(b *InMemoryBackend) {
		b.waitInterval = d
	}
}

// NewInMemoryBackend returns a backend over resources. Names must be unique.
func NewInMemoryBackend(resources []*lease.Resource, opts ...InMemoryOption) (*InMemoryBackend, error) {
	seen := make(map[string]struct{}, len(resources))
	for i, r := range resources {
		if r == nil {
			return nil, &lease.ValidationError{Field: fmt.Sprintf("resources[%d]", i), Reason: "is nil"}
		}
		if _, dup := seen[r.Name()]; dup {
			return nil, &lease.ValidationError{Field: fmt.Sprintf("resources[%d]", i), Reason: fmt.Sprintf("duplicates %q", r.Name())}
		}
		seen[r.Name()] = struct{}{}
	}

	b := &InMemoryBackend{
		clock:     clockwork.NewRealClock(),
		resources: append([]*lease.Resource(nil), resources...),
		holders:   make(map[string]lease.OwnerToken, len(resources)),
		expires:   make(map[string]time.Time, len(resources)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Resources returns the managed resources in registration order.
func (b *InMemoryBackend) Resources() []*lease.Resource {
	return append([]*lease.Resource(nil), b.resources...)
}

// AcquireLease grants the available resource released longest ago. A resource is available when it
// has no outstanding grant and its cooldown passed, or when its grant expired.
func (b *InMemoryBackend) AcquireLease(ctx context.Context) (*lease.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	b.mu.Lock()
	now := b.clock.Now()
	var pick *lease.Resource
	for _, r := range b.resources {
		if !b.availableLocked(r, now) {
			continue
		}
		if pick == nil || r.LeaseLastReleased().Before(pick.LeaseLastReleased()) {
			pick = r
		}
	}
	if pick == nil {
		b.mu.Unlock()
		return nil, false, nil
	}

	token := lease.OwnerToken(uuid.NewString())
	pick.NotifyGranted(now)
	b.holders[pick.Name()] = token
	b.expires[pick.Name()] = now.Add(pick.Duration())
	defer b.mu.Unlock()

	l, err := lease.New(ctx, lease.Config{
		Resource: pick,
		Token:    token,
		Clock:    b.clock,
		Extend:   b.extend,
	})
	if err != nil {
		delete(b.holders, pick.Name())
		delete(b.expires, pick.Name())
		return nil, false, err
	}
	return l, true, nil
}

func (b *InMemoryBackend) availableLocked(r *lease.Resource, now time.Time) bool {
	if _, held := b.holders[r.Name()]; held {
		return now.After(b.expires[r.Name()])
	}
	released := r.LeaseLastReleased()
	return released.IsZero() || !now.Before(released.Add(b.waitInterval))
}

// ReleaseLease ends the grant if l still holds it.
func (b *InMemoryBackend) ReleaseLease(_ context.Context, l *lease.Lease) error {
	name := l.ResourceName()

	b.mu.Lock()
	if b.holders[name] != l.Token() {
		b.mu.Unlock()
		return &lease.ConflictError{Resource: name, Token: l.Token(), Op: "release"}
	}
	delete(b.holders, name)
	delete(b.expires, name)
	l.Resource().NotifyReleased(b.clock.Now())
	b.mu.Unlock()

	l.Complete()
	return nil
}

func (b *InMemoryBackend) extend(_ context.Context, l *lease.Lease, by time.Duration) error {
	name := l.ResourceName()

	b.mu.Lock()
	defer b.mu.Unlock()
	expires, held := b.expires[name]
	if b.holders[name] != l.Token() || !held || b.clock.Now().After(expires) {
		return &lease.ConflictError{Resource: name, Token: l.Token(), Op: "extend"}
	}
	b.expires[name] = expires.Add(by)
	return nil
}
