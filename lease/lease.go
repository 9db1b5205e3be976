package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// OwnerToken identifies the current holder of a lease to the backend. It is compared by equality only.
type OwnerToken string

// Extender persists a lease extension in the backend. It must return only once the backend confirmed it.
type Extender func(ctx context.Context, l *Lease, by time.Duration) error

// Lease is a time-boxed exclusive grant of a Resource.
//
// The lease context is cancelled when grant time + Duration passes, when the lease completes,
// or when the parent context passed to New is cancelled. Holders must stop work once it is done;
// nothing preempts them.
type Lease struct {
	resource *Resource
	token    OwnerToken
	clock    clockwork.Clock
	extend   Extender

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	grantedAt time.Time
	duration  time.Duration
	completed bool
	expired   bool
	timer     clockwork.Timer
	timerGen  uint64
}

// Config holds the collaborators of a granted lease.
type Config struct {
	Resource *Resource
	Token    OwnerToken
	// Duration defaults to the resource duration.
	Duration time.Duration
	// GrantedAt anchors the local deadline. It defaults to the resource's last grant time. Backends
	// stamping grants with a remote clock pass a local time here instead.
	GrantedAt time.Time
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Extend may be nil for backends without extension support; Extend then only succeeds locally.
	Extend Extender
}

// New starts tracking a granted lease. Without Config.GrantedAt the grant time is read from the
// resource, so NotifyGranted must be called before New.
func New(parent context.Context, cfg Config) (*Lease, error) {
	if cfg.Resource == nil {
		return nil, &ValidationError{Field: "resource", Reason: "is required"}
	}
	if cfg.Token == "" {
		return nil, &ValidationError{Field: "token", Reason: "is required"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = cfg.Resource.Duration()
	}
	if parent == nil {
		parent = context.Background()
	}

	grantedAt := cfg.GrantedAt
	if grantedAt.IsZero() {
		grantedAt = cfg.Resource.LeaseLastGranted()
	}
	if grantedAt.IsZero() {
		grantedAt = cfg.Clock.Now()
	}

	ctx, cancel := context.WithCancel(parent)
	l := &Lease{
		resource:  cfg.Resource,
		token:     cfg.Token,
		clock:     cfg.Clock,
		extend:    cfg.Extend,
		ctx:       ctx,
		cancel:    cancel,
		grantedAt: grantedAt,
		duration:  cfg.Duration,
	}

	l.mu.Lock()
	l.scheduleLocked()
	l.mu.Unlock()
	return l, nil
}

func (l *Lease) Resource() *Resource {
	return l.resource
}

func (l *Lease) ResourceName() string {
	return l.resource.Name()
}

func (l *Lease) Token() OwnerToken {
	return l.token
}

// Context is cancelled once the holder must stop working on the resource.
func (l *Lease) Context() context.Context {
	return l.ctx
}

func (l *Lease) Done() <-chan struct{} {
	return l.ctx.Done()
}

func (l *Lease) GrantedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grantedAt
}

func (l *Lease) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duration
}

// Expiration is the current cancellation deadline.
func (l *Lease) Expiration() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grantedAt.Add(l.duration)
}

func (l *Lease) Completed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed
}

// Extend lengthens the lease by the given amount. The backend extension is confirmed before the
// local duration and deadline change. The lock is not held during the backend call, so the deadline
// keeps firing while the extension is in flight.
func (l *Lease) Extend(ctx context.Context, by time.Duration) error {
	if by <= 0 {
		return &ValidationError{Field: "by", Reason: "must be greater than zero"}
	}

	l.mu.Lock()
	err := l.extendableLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if l.extend != nil {
		if err := l.extend(ctx, l, by); err != nil {
			return fmt.Errorf("extend lease %q: %w", l.resource.Name(), err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// The lease may have completed or expired while waiting for the backend.
	if err := l.extendableLocked(); err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			l.expireLocked()
		}
		return err
	}

	l.duration += by
	l.scheduleLocked()
	return nil
}

func (l *Lease) extendableLocked() error {
	if l.completed {
		return ErrLeaseCompleted
	}
	if l.expired || !l.clock.Now().Before(l.grantedAt.Add(l.duration)) {
		return ErrLeaseExpired
	}
	return nil
}

// Complete marks the lease released: further extensions fail and the lease context is cancelled.
func (l *Lease) Complete() {
	l.mu.Lock()
	l.completed = true
	l.timerGen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	l.cancel()
}

func (l *Lease) scheduleLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerGen++
	remaining := l.grantedAt.Add(l.duration).Sub(l.clock.Now())
	if remaining <= 0 {
		l.expireLocked()
		return
	}
	gen := l.timerGen
	l.timer = l.clock.AfterFunc(remaining, func() {
		l.onDeadline(gen)
	})
}

func (l *Lease) onDeadline(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A newer schedule replaced this timer while it was firing.
	if gen != l.timerGen {
		return
	}
	l.expireLocked()
}

func (l *Lease) expireLocked() {
	l.expired = true
	l.cancel()
}

func (l *Lease) String() string {
	return fmt.Sprintf("%s (%s)", l.resource.Name(), l.token)
}
