package lease

import (
	"strings"
	"sync"
	"time"
)

// Resource is a named unit of distributable work. Its grant and release timestamps are the durable
// view of lease state used for expiry computation.
type Resource struct {
	name     string
	duration time.Duration

	mu           sync.RWMutex
	lastGranted  time.Time
	lastReleased time.Time
}

// NewResource constructs a Resource with the default lease length used when it is granted.
func NewResource(name string, duration time.Duration) (*Resource, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if duration <= 0 {
		return nil, &ValidationError{Field: "duration", Reason: "must be greater than zero"}
	}
	return &Resource{name: trimmed, duration: duration}, nil
}

// MustNewResource is NewResource that panics on invalid arguments.
func MustNewResource(name string, duration time.Duration) *Resource {
	r, err := NewResource(name, duration)
	if err != nil {
		panic(err)
	}
	return r
}

// Name is the unique key of the resource within its pool.
func (r *Resource) Name() string {
	return r.name
}

// Duration is the default lease length.
func (r *Resource) Duration() time.Duration {
	return r.duration
}

func (r *Resource) LeaseLastGranted() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastGranted
}

func (r *Resource) LeaseLastReleased() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReleased
}

// IsLeaseExpired reports whether the last grant has outlived the resource duration without a release.
func (r *Resource) IsLeaseExpired(asOf time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReleased.Before(r.lastGranted) && r.lastGranted.Add(r.duration).Before(asOf)
}

// IsLeased reports whether a grant is outstanding, expired or not.
func (r *Resource) IsLeased() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReleased.Before(r.lastGranted)
}

// NotifyGranted records a grant. Together with NotifyReleased it is the only writer of resource state.
func (r *Resource) NotifyGranted(at time.Time) {
	r.mu.Lock()
	r.lastGranted = at
	r.mu.Unlock()
}

// NotifyReleased records a release.
func (r *Resource) NotifyReleased(at time.Time) {
	r.mu.Lock()
	r.lastReleased = at
	r.mu.Unlock()
}

// Restore sets both timestamps at once, as loaded from a backend row.
func (r *Resource) Restore(granted, released time.Time) {
	r.mu.Lock()
	r.lastGranted = granted
	r.lastReleased = released
	r.mu.Unlock()
}

func (r *Resource) String() string {
	return r.name
}
