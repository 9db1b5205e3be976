// Package sqldistributor brokers leases through a relational table so that worker processes
// sharing the database never hold the same resource at once.
//
// Each row of the leases table is one resource of a scope. Acquisition, extension and release are
// single statements whose WHERE clause carries the whole precondition: free or expired for
// acquisition, matching owner token for extension and release. The table is the only authority.
package sqldistributor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"alluvial/internal/sqlutil"
	"alluvial/lease"
	"alluvial/metrics"
)

// Config identifies the scope served by a Backend and its lease timing.
type Config struct {
	Scope         string          `validate:"required,max=128"`
	LeaseDuration time.Duration   `validate:"gt=0"`
	WaitInterval  time.Duration   `validate:"gte=0"`
	Dialect       sqlutil.Dialect `validate:"oneof=sqlserver sqlite3"`
	// Retry bounds connection acquisition under pool exhaustion. Zero fields take defaults.
	Retry sqlutil.RetryPolicy `validate:"-"`
}

// Option customizes a Backend.
type Option func(*Backend)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithClock sets the clock for local lease deadlines and, with SQLite, for the stored times.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Backend) {
		b.clock = clock
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(b *Backend) {
		b.metrics = m
	}
}

// Backend is a distributor.Backend over the leases table of one scope.
type Backend struct {
	db      *sql.DB
	cfg     Config
	stmts   statements
	logger  zerolog.Logger
	clock   clockwork.Clock
	metrics *metrics.Registry

	resources *xsync.Map[string, *lease.Resource]
}

// NewBackend validates cfg and returns a Backend. The schema must already exist; see InitializeSchema.
func NewBackend(db *sql.DB, cfg Config, opts ...Option) (*Backend, error) {
	if db == nil {
		return nil, &lease.ValidationError{Field: "db", Reason: "is required"}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid sql backend config: %w", err)
	}

	b := &Backend{
		db:        db,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		clock:     clockwork.NewRealClock(),
		resources: xsync.NewMap[string, *lease.Resource](),
	}
	for _, opt := range opts {
		opt(b)
	}
	stmts, err := statementsFor(cfg.Dialect, b.clock)
	if err != nil {
		return nil, err
	}
	b.stmts = stmts
	b.logger = b.logger.With().Str("scope", cfg.Scope).Logger()
	return b, nil
}

// Scope returns the scope this backend serves.
func (b *Backend) Scope() string {
	return b.cfg.Scope
}

// AcquireLease grants the free or expired resource released longest ago, skipping resources
// released within the wait interval. It returns (nil, false, nil) when none qualifies.
func (b *Backend) AcquireLease(ctx context.Context) (*lease.Lease, bool, error) {
	localGrant := b.clock.Now()

	var (
		row leaseRow
		ok  bool
	)
	err := b.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		row, ok, err = b.stmts.acquire(ctx, conn, b.cfg.Scope, b.cfg.WaitInterval, b.cfg.LeaseDuration)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease in scope %q: %w", b.cfg.Scope, err)
	}
	if !ok {
		return nil, false, nil
	}

	resource := b.resource(row.name)
	resource.Restore(row.granted, row.released)

	l, err := lease.New(ctx, lease.Config{
		Resource:  resource,
		Token:     lease.OwnerToken(row.token),
		Duration:  b.cfg.LeaseDuration,
		GrantedAt: localGrant,
		Clock:     b.clock,
		Extend:    b.extendLease,
	})
	if err != nil {
		return nil, false, err
	}
	b.logger.Debug().Str("resource", row.name).Str("token", row.token).Time("expires", row.expires).Msg("lease granted")
	return l, true, nil
}

// ExtendLease moves the stored expiry of the named resource forward by `by` if token still holds an
// unexpired lease on it. Otherwise it returns a *lease.ConflictError.
func (b *Backend) ExtendLease(ctx context.Context, name string, token lease.OwnerToken, by time.Duration) error {
	if by <= 0 {
		return &lease.ValidationError{Field: "by", Reason: "must be greater than zero"}
	}

	var ok bool
	err := b.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		ok, err = b.stmts.extend(ctx, conn, b.cfg.Scope, name, string(token), by)
		return err
	})
	switch {
	case err != nil:
		b.metrics.ObserveExtend(metrics.OutcomeError)
		return fmt.Errorf("extend lease %q: %w", name, err)
	case !ok:
		b.metrics.ObserveExtend(metrics.OutcomeConflict)
		return &lease.ConflictError{Resource: name, Token: token, Op: "extend"}
	default:
		b.metrics.ObserveExtend(metrics.OutcomeExtended)
		return nil
	}
}

// ReleaseToken frees the named resource if token still holds it and returns the stored release
// time. A stale token yields a *lease.ConflictError and changes nothing.
func (b *Backend) ReleaseToken(ctx context.Context, name string, token lease.OwnerToken) (time.Time, error) {
	var (
		released time.Time
		ok       bool
	)
	err := b.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		released, ok, err = b.stmts.release(ctx, conn, b.cfg.Scope, name, string(token))
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("release lease %q: %w", name, err)
	}
	if !ok {
		return time.Time{}, &lease.ConflictError{Resource: name, Token: token, Op: "release"}
	}
	return released, nil
}

// ReleaseLease releases l, records the release on its resource and completes it.
func (b *Backend) ReleaseLease(ctx context.Context, l *lease.Lease) error {
	defer l.Complete()
	released, err := b.ReleaseToken(ctx, l.ResourceName(), l.Token())
	if err != nil {
		return err
	}
	l.Resource().NotifyReleased(released)
	return nil
}

// Resources lists every resource registered in the scope with its stored lease times.
func (b *Backend) Resources(ctx context.Context) ([]*lease.Resource, error) {
	var rows []leaseRow
	err := b.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		rows, err = b.stmts.list(ctx, conn, b.cfg.Scope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list resources in scope %q: %w", b.cfg.Scope, err)
	}

	out := make([]*lease.Resource, 0, len(rows))
	for _, row := range rows {
		r := b.resource(row.name)
		r.Restore(row.granted, row.released)
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) extendLease(ctx context.Context, l *lease.Lease, by time.Duration) error {
	return b.ExtendLease(ctx, l.ResourceName(), l.Token(), by)
}

func (b *Backend) resource(name string) *lease.Resource {
	if r, ok := b.resources.Load(name); ok {
		return r
	}
	r, _ := b.resources.LoadOrStore(name, lease.MustNewResource(name, b.cfg.LeaseDuration))
	return r
}

func (b *Backend) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	policy := b.cfg.Retry
	policy.OnRetry = func(retry int, err error, delay time.Duration) {
		b.metrics.ObserveConnRetry()
		b.logger.Warn().Err(err).Int("retry", retry).Dur("delay", delay).Msg("sql connection pool exhausted, retrying")
	}
	conn, err := sqlutil.Connect(ctx, b.db, policy)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}
