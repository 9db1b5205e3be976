// Package catchup drives a partitioned stream forward one partition at a time under leases.
//
// A lease on a resource named after a partition grants exclusive, resumable access to that
// partition of the stream. The driver loads the partition's cursor, fetches a batch, applies it,
// saves the advanced cursor and repeats. The cursor is only advanced after apply and save both
// succeeded, so a crash between them replays the batch: apply must be idempotent.
package catchup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"alluvial/distributor"
	"alluvial/lease"
	"alluvial/metrics"
	"alluvial/partition"
	"alluvial/stream"
)

// ErrUnknownPartition is returned for a partition name the driver was not built with.
var ErrUnknownPartition = errors.New("unknown partition")

// CursorStore persists one cursor per key. Load returns (nil, nil) for a key never saved.
type CursorStore[P cmp.Ordered] interface {
	Load(ctx context.Context, key string) (*stream.Cursor[P], error)
	Save(ctx context.Context, key string, cursor *stream.Cursor[P]) error
}

// ApplyFunc consumes one batch of a partition.
type ApplyFunc[T any] func(ctx context.Context, partitionName string, batch []T) error

// Option customizes a Driver.
type Option func(*settings)

type settings struct {
	logger     zerolog.Logger
	metrics    *metrics.Registry
	batchSize  int
	maxBatches int
	clock      clockwork.Clock
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithBatchSize sets the batch size hint passed to the stream.
func WithBatchSize(n int) Option {
	return func(s *settings) {
		s.batchSize = n
	}
}

// WithClock sets the clock batch durations are measured with.
func WithClock(clock clockwork.Clock) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

// WithMaxBatchesPerLease bounds how many batches Handler runs under one lease. Zero means until the
// partition is drained.
func WithMaxBatchesPerLease(n int) Option {
	return func(s *settings) {
		s.maxBatches = n
	}
}

// Driver catches up the partitions of one stream.
type Driver[T stream.KeyedItem[P, K], P cmp.Ordered, K any] struct {
	stream     stream.PartitionedStream[T, P, K]
	partitions map[string]partition.Partition[K]
	names      []string
	store      CursorStore[P]
	apply      ApplyFunc[T]
	settings
}

// New builds a driver. Partitions are addressed by their String form, which is also the resource
// name to register with the lease backend.
func New[T stream.KeyedItem[P, K], P cmp.Ordered, K any](
	s stream.PartitionedStream[T, P, K],
	partitions []partition.Partition[K],
	store CursorStore[P],
	apply ApplyFunc[T],
	opts ...Option,
) (*Driver[T, P, K], error) {
	if s == nil {
		return nil, &lease.ValidationError{Field: "stream", Reason: "is required"}
	}
	if store == nil {
		return nil, &lease.ValidationError{Field: "store", Reason: "is required"}
	}
	if apply == nil {
		return nil, &lease.ValidationError{Field: "apply", Reason: "is required"}
	}
	if len(partitions) == 0 {
		return nil, &lease.ValidationError{Field: "partitions", Reason: "must not be empty"}
	}

	d := &Driver[T, P, K]{
		stream:     s,
		partitions: make(map[string]partition.Partition[K], len(partitions)),
		store:      store,
		apply:      apply,
		settings: settings{
			logger:    zerolog.Nop(),
			batchSize: stream.DefaultBatchSize,
			clock:     clockwork.NewRealClock(),
		},
	}
	for _, opt := range opts {
		opt(&d.settings)
	}
	for _, p := range partitions {
		name := p.String()
		if _, dup := d.partitions[name]; dup {
			return nil, &lease.ValidationError{Field: "partitions", Reason: fmt.Sprintf("duplicate partition %s", name)}
		}
		d.partitions[name] = p
		d.names = append(d.names, name)
	}
	d.logger = d.logger.With().Str("stream", s.ID()).Logger()
	return d, nil
}

// PartitionNames returns the resource names of the partitions, in construction order.
func (d *Driver[T, P, K]) PartitionNames() []string {
	return lo.Map(d.names, func(name string, _ int) string { return name })
}

// CursorKey is the store key of a partition's cursor.
func (d *Driver[T, P, K]) CursorKey(partitionName string) string {
	return d.stream.ID() + "/" + partitionName
}

// RunSingleBatch fetches and applies the next batch of a partition and returns its size. An empty
// batch changes nothing.
func (d *Driver[T, P, K]) RunSingleBatch(ctx context.Context, partitionName string) (int, error) {
	part, ok := d.partitions[partitionName]
	if !ok {
		return 0, fmt.Errorf("%w: %q in stream %q", ErrUnknownPartition, partitionName, d.stream.ID())
	}
	started := d.clock.Now()
	key := d.CursorKey(partitionName)

	cursor, err := d.store.Load(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load cursor %q: %w", key, err)
	}
	if cursor == nil {
		var zero P
		cursor = stream.NewCursor(zero)
	}

	batch, err := d.stream.Fetch(ctx, stream.NewQuery(cursor.Clone(), d.batchSize), part)
	if err != nil {
		return 0, fmt.Errorf("fetch %q: %w", key, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := d.apply(ctx, partitionName, batch); err != nil {
		return 0, fmt.Errorf("apply batch of %q: %w", key, err)
	}
	next := cursor.Clone()
	stream.Advance(next, batch)
	if err := d.store.Save(ctx, key, next); err != nil {
		return 0, fmt.Errorf("save cursor %q: %w", key, err)
	}

	d.metrics.ObserveCatchupBatch(d.stream.ID(), len(batch), d.clock.Since(started))
	d.logger.Debug().
		Str("partition", partitionName).
		Int("items", len(batch)).
		Str("cursor", next.String()).
		Msg("batch applied")
	return len(batch), nil
}

// Handler returns a distributor handler that catches up the partition named by the lease resource
// until it is drained, the batch limit is reached or the lease context is done.
func (d *Driver[T, P, K]) Handler() distributor.Handler {
	return func(ctx context.Context, l *lease.Lease) error {
		name := l.ResourceName()
		for batches := 0; d.maxBatches == 0 || batches < d.maxBatches; batches++ {
			if ctx.Err() != nil {
				return nil
			}
			n, err := d.RunSingleBatch(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if n == 0 {
				return nil
			}
		}
		return nil
	}
}
