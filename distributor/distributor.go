// Package distributor runs handlers over leased resources with bounded parallelism.
//
// Each parallelism slot runs a poll loop: acquire a lease from the Backend, dispatch it to the
// registered handler under the lease context, release it, repeat. The Backend is the authority on
// ownership; the local in-flight map only guards against dispatching one resource twice in-process.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"alluvial/lease"
	"alluvial/metrics"
)

const defaultReleaseTimeout = 10 * time.Second

var (
	// ErrNoHandler is returned by Start and Distribute before OnReceive was called.
	ErrNoHandler = errors.New("no handler registered")
	// ErrAlreadyStarted is returned by Start and OnReceive on a running distributor.
	ErrAlreadyStarted = errors.New("distributor already started")
)

// Handler processes one leased resource. ctx is the lease context: it is done when the lease
// expires, is released or the distributor stops. Handlers must be idempotent.
type Handler func(ctx context.Context, l *lease.Lease) error

// Backend grants and releases leases. AcquireLease returns (nil, false, nil) when no resource is
// currently available; that is not an error.
type Backend interface {
	AcquireLease(ctx context.Context) (*lease.Lease, bool, error)
	ReleaseLease(ctx context.Context, l *lease.Lease) error
}

// Config defines the pool size and polling cadence.
type Config struct {
	MaxDegreesOfParallelism int           `validate:"min=1"`
	WaitInterval            time.Duration `validate:"gt=0"`
	// ReleaseTimeout bounds each release call. Releases run even during shutdown.
	ReleaseTimeout time.Duration `validate:"gte=0"`
}

// Option customizes a Distributor.
type Option func(*Distributor)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Distributor) {
		d.logger = logger
	}
}

// WithClock sets the clock driving the poll wait.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Distributor) {
		d.clock = clock
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Distributor) {
		d.metrics = m
	}
}

// Distributor is a lease-coordinated worker pool.
type Distributor struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	clock   clockwork.Clock
	metrics *metrics.Registry

	slots    *semaphore.Weighted
	inFlight *xsync.Map[string, *lease.Lease]

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New validates the configuration and constructs a stopped Distributor.
func New(backend Backend, cfg Config, opts ...Option) (*Distributor, error) {
	if backend == nil {
		return nil, &lease.ValidationError{Field: "backend", Reason: "is required"}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid distributor config: %w", err)
	}
	if cfg.ReleaseTimeout == 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}

	d := &Distributor{
		backend:  backend,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		clock:    clockwork.NewRealClock(),
		slots:    semaphore.NewWeighted(int64(cfg.MaxDegreesOfParallelism)),
		inFlight: xsync.NewMap[string, *lease.Lease](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// OnReceive registers the handler, wrapped by the middleware in order (the first is outermost).
// Running poll loops keep the handler they started with, so it fails with ErrAlreadyStarted
// until Stop returns.
func (d *Distributor) OnReceive(handler Handler, middleware ...Middleware) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyStarted
	}
	d.handler = Chain(handler, middleware...)
	return nil
}

// Start launches one poll loop per parallelism slot. The loops stop when ctx is done or Stop is called.
func (d *Distributor) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return ErrNoHandler
	}
	if d.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for slot := 0; slot < d.cfg.MaxDegreesOfParallelism; slot++ {
		group.Go(func() error {
			return d.runLoop(groupCtx, slot)
		})
	}
	d.cancel = cancel
	d.group = group
	d.logger.Info().Int("parallelism", d.cfg.MaxDegreesOfParallelism).Msg("distributor started")
	return nil
}

// Stop cancels the poll loops and waits for in-flight handlers and their releases to finish.
func (d *Distributor) Stop() error {
	d.mu.Lock()
	cancel, group := d.cancel, d.group
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	err := group.Wait()

	d.mu.Lock()
	d.cancel = nil
	d.group = nil
	d.mu.Unlock()
	d.logger.Info().Msg("distributor stopped")
	return err
}

// Distribute acquires up to count leases, then runs the handler on each concurrently and releases
// them. It returns the leases that were processed. Free parallelism slots cap the count.
func (d *Distributor) Distribute(ctx context.Context, count int) ([]*lease.Lease, error) {
	handler := d.currentHandler()
	if handler == nil {
		return nil, ErrNoHandler
	}

	var granted []*lease.Lease
	for len(granted) < count {
		if !d.slots.TryAcquire(1) {
			break
		}
		l, ok := d.acquire(ctx, d.logger)
		if !ok {
			d.slots.Release(1)
			break
		}
		granted = append(granted, l)
	}

	var (
		mu     sync.Mutex
		leases []*lease.Lease
		group  errgroup.Group
	)
	for _, l := range granted {
		group.Go(func() error {
			defer d.slots.Release(1)
			if d.dispatch(ctx, handler, l, d.logger) {
				mu.Lock()
				leases = append(leases, l)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return leases, nil
}

// InFlight returns the names of the resources currently dispatched to a handler.
func (d *Distributor) InFlight() []string {
	var names []string
	d.inFlight.Range(func(name string, _ *lease.Lease) bool {
		names = append(names, name)
		return true
	})
	return names
}

func (d *Distributor) currentHandler() Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

func (d *Distributor) runLoop(ctx context.Context, slot int) error {
	logger := d.logger.With().Int("slot", slot).Logger()
	handler := d.currentHandler()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		l, ok := d.acquire(ctx, logger)
		if ok {
			d.dispatch(ctx, handler, l, logger)
		}
		d.slots.Release(1)

		if !ok && !sleepWithContext(ctx, d.clock, d.cfg.WaitInterval) {
			return nil
		}
	}
}

func (d *Distributor) acquire(ctx context.Context, logger zerolog.Logger) (*lease.Lease, bool) {
	l, ok, err := d.backend.AcquireLease(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("lease acquisition failed")
		}
		d.metrics.ObserveAcquire(metrics.OutcomeError)
		return nil, false
	case !ok || l == nil:
		d.metrics.ObserveAcquire(metrics.OutcomeNone)
		return nil, false
	default:
		d.metrics.ObserveAcquire(metrics.OutcomeGranted)
		return l, true
	}
}

// dispatch runs the handler on a granted lease and always releases it afterwards. It reports
// whether the handler ran.
func (d *Distributor) dispatch(ctx context.Context, handler Handler, l *lease.Lease, logger zerolog.Logger) bool {
	name := l.ResourceName()
	logger = logger.With().Str("resource", name).Str("token", string(l.Token())).Logger()

	if _, loaded := d.inFlight.LoadOrStore(name, l); loaded {
		// The backend re-granted a resource whose handler is still running here. The new grant is
		// left to expire so the resource stays blocked while the old handler finishes.
		logger.Warn().Msg("resource already dispatched locally, skipping")
		l.Complete()
		return false
	}
	d.metrics.AddInFlight(1)
	defer func() {
		d.release(ctx, l, logger)
		d.inFlight.Delete(name)
		d.metrics.AddInFlight(-1)
	}()

	logger.Debug().Time("expires", l.Expiration()).Msg("lease acquired")
	d.invoke(handler, l, logger)
	return true
}

func (d *Distributor) invoke(handler Handler, l *lease.Lease, logger zerolog.Logger) {
	start := d.clock.Now()
	outcome := metrics.OutcomeSucceeded
	defer func() {
		if r := recover(); r != nil {
			outcome = metrics.OutcomePanicked
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panicked")
		}
		d.metrics.ObserveHandler(outcome, d.clock.Since(start))
	}()

	if err := handler(l.Context(), l); err != nil {
		outcome = metrics.OutcomeFailed
		logger.Error().Err(err).Msg("handler failed")
	}
}

func (d *Distributor) release(ctx context.Context, l *lease.Lease, logger zerolog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ReleaseTimeout)
	defer cancel()
	defer l.Complete()

	err := d.backend.ReleaseLease(releaseCtx, l)
	switch {
	case err == nil:
		d.metrics.ObserveRelease(metrics.OutcomeReleased)
		logger.Debug().Msg("lease released")
	case errors.Is(err, lease.ErrLeaseConflict):
		d.metrics.ObserveRelease(metrics.OutcomeConflict)
		logger.Warn().Err(err).Msg("lease was no longer held at release")
	default:
		d.metrics.ObserveRelease(metrics.OutcomeError)
		logger.Error().Err(err).Msg("lease release failed, waiting for expiry")
	}
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
