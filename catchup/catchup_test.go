package catchup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alluvial/distributor"
	"alluvial/lease"
	"alluvial/metrics"
	"alluvial/partition"
	"alluvial/stream"
)

type order struct {
	pos      int64
	customer int64
}

func (o order) Position() int64 {
	return o.pos
}

func (o order) PartitionKey() int64 {
	return o.customer
}

func orders(n int) []order {
	out := make([]order, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, order{pos: int64(i), customer: int64(i%100 + 1)})
	}
	return out
}

func customerPartitions(t *testing.T, n int) []partition.Partition[int64] {
	t.Helper()
	ranges, err := partition.ByRange[int64](0, 100, n)
	require.NoError(t, err)
	out := make([]partition.Partition[int64], 0, len(ranges))
	for _, r := range ranges {
		out = append(out, r)
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	applied map[int64]int
	fail    error
}

func newRecorder() *recorder {
	return &recorder{applied: map[int64]int{}}
}

func (r *recorder) apply(_ context.Context, _ string, batch []order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	for _, o := range batch {
		r.applied[o.pos]++
	}
	return nil
}

func newDriver(t *testing.T, items []order, partitions int, store CursorStore[int64], rec *recorder, opts ...Option) *Driver[order, int64, int64] {
	t.Helper()
	s := stream.PartitionedFromSlice[order, int64, int64]("orders", items)
	d, err := New(s, customerPartitions(t, partitions), store, rec.apply, opts...)
	require.NoError(t, err)
	return d
}

func TestNewValidation(t *testing.T) {
	s := stream.PartitionedFromSlice[order, int64, int64]("orders", nil)
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()

	_, err := New[order, int64, int64](s, nil, store, rec.apply)
	var verr *lease.ValidationError
	require.ErrorAs(t, err, &verr)

	dup := []partition.Partition[int64]{partition.Range[int64]{Lower: 0, Upper: 1}, partition.Range[int64]{Lower: 0, Upper: 1}}
	_, err = New(s, dup, store, rec.apply)
	require.ErrorAs(t, err, &verr)
}

func TestRunSingleBatchAdvancesAfterApply(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()
	d := newDriver(t, orders(50), 1, store, rec, WithBatchSize(20))
	name := d.PartitionNames()[0]
	assert.Equal(t, "(0,100]", name)

	n, err := d.RunSingleBatch(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	cursor, err := store.Load(ctx, d.CursorKey(name))
	require.NoError(t, err)
	assert.Equal(t, int64(20), cursor.Position())

	n, err = d.RunSingleBatch(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	n, err = d.RunSingleBatch(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = d.RunSingleBatch(ctx, name)
	require.NoError(t, err)
	assert.Zero(t, n)
	cursor, err = store.Load(ctx, d.CursorKey(name))
	require.NoError(t, err)
	assert.Equal(t, int64(50), cursor.Position())

	assert.Len(t, rec.applied, 50)
	for pos, count := range rec.applied {
		assert.Equal(t, 1, count, "position %d applied %d times", pos, count)
	}
}

func TestRunSingleBatchKeepsCursorOnApplyFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()
	d := newDriver(t, orders(10), 1, store, rec, WithBatchSize(5))
	name := d.PartitionNames()[0]

	rec.fail = errors.New("projection unavailable")
	_, err := d.RunSingleBatch(ctx, name)
	require.ErrorIs(t, err, rec.fail)
	cursor, err := store.Load(ctx, d.CursorKey(name))
	require.NoError(t, err)
	assert.Nil(t, cursor)

	rec.fail = nil
	n, err := d.RunSingleBatch(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, rec.applied[1])
}

type failingSaveStore struct {
	*MemoryCursorStore[int64]
	err error
}

func (s failingSaveStore) Save(context.Context, string, *stream.Cursor[int64]) error {
	return s.err
}

func TestRunSingleBatchReplaysAfterSaveFailure(t *testing.T) {
	ctx := context.Background()
	saveErr := errors.New("checkpoint table locked")
	store := failingSaveStore{MemoryCursorStore: NewMemoryCursorStore[int64](), err: saveErr}
	rec := newRecorder()
	d := newDriver(t, orders(3), 1, store, rec)
	name := d.PartitionNames()[0]

	_, err := d.RunSingleBatch(ctx, name)
	require.ErrorIs(t, err, saveErr)
	_, err = d.RunSingleBatch(ctx, name)
	require.ErrorIs(t, err, saveErr)
	// At-least-once: the unsaved batch is applied again.
	assert.Equal(t, 2, rec.applied[1])
}

func TestRunSingleBatchMeasuresWithConfiguredClock(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := prometheus.NewRegistry()
	store := NewMemoryCursorStore[int64]()
	s := stream.PartitionedFromSlice[order, int64, int64]("orders", orders(5))
	apply := func(_ context.Context, _ string, _ []order) error {
		clock.Advance(3 * time.Second)
		return nil
	}
	d, err := New(s, customerPartitions(t, 1), store, apply, WithClock(clock), WithMetrics(metrics.New(reg, "orders")))
	require.NoError(t, err)

	n, err := d.RunSingleBatch(ctx, d.PartitionNames()[0])
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "alluvial_catchup_batch_duration_seconds" {
			continue
		}
		found = true
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.InDelta(t, 3.0, h.GetSampleSum(), 1e-9)
	}
	assert.True(t, found, "batch duration histogram not gathered")
}

func TestRunSingleBatchUnknownPartition(t *testing.T) {
	d := newDriver(t, orders(3), 2, NewMemoryCursorStore[int64](), newRecorder())
	_, err := d.RunSingleBatch(context.Background(), "(7,9]")
	require.ErrorIs(t, err, ErrUnknownPartition)
}

func TestPartitionsAreCaughtUpIndependently(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()
	d := newDriver(t, orders(200), 4, store, rec, WithBatchSize(1000))

	names := d.PartitionNames()
	require.Len(t, names, 4)
	n, err := d.RunSingleBatch(ctx, names[0])
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	for _, other := range names[1:] {
		cursor, err := store.Load(ctx, d.CursorKey(other))
		require.NoError(t, err)
		assert.Nil(t, cursor, "partition %s must be untouched", other)
	}
}

func TestHandlerDrainsLeasedPartitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()
	reg := prometheus.NewRegistry()
	d := newDriver(t, orders(400), 4, store, rec, WithBatchSize(7), WithMetrics(metrics.New(reg, "orders")))

	resources := make([]*lease.Resource, 0, 4)
	for _, name := range d.PartitionNames() {
		resources = append(resources, lease.MustNewResource(name, time.Minute))
	}
	backend, err := distributor.NewInMemoryBackend(resources)
	require.NoError(t, err)
	pool, err := distributor.New(backend, distributor.Config{MaxDegreesOfParallelism: 4, WaitInterval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, pool.OnReceive(d.Handler()))

	leases, err := pool.Distribute(ctx, 4)
	require.NoError(t, err)
	require.Len(t, leases, 4)

	assert.Len(t, rec.applied, 400)
	for pos, count := range rec.applied {
		assert.Equal(t, 1, count, "position %d applied %d times", pos, count)
	}

	expected := `
# HELP alluvial_catchup_items_total Feed items applied by catch-up.
# TYPE alluvial_catchup_items_total counter
alluvial_catchup_items_total{scope="orders",stream="orders"} 400
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "alluvial_catchup_items_total"))
}

func TestHandlerStopsAtBatchLimit(t *testing.T) {
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()
	d := newDriver(t, orders(100), 1, store, rec, WithBatchSize(10), WithMaxBatchesPerLease(3))

	r := lease.MustNewResource(d.PartitionNames()[0], time.Minute)
	backend, err := distributor.NewInMemoryBackend([]*lease.Resource{r})
	require.NoError(t, err)
	l, ok, err := backend.AcquireLease(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Handler()(l.Context(), l))
	assert.Len(t, rec.applied, 30)
}

func TestHandlerReturnsQuietlyWhenLeaseEnds(t *testing.T) {
	store := NewMemoryCursorStore[int64]()
	rec := newRecorder()
	d := newDriver(t, orders(100), 1, store, rec, WithBatchSize(10))

	r := lease.MustNewResource(d.PartitionNames()[0], time.Minute)
	backend, err := distributor.NewInMemoryBackend([]*lease.Resource{r})
	require.NoError(t, err)
	l, _, err := backend.AcquireLease(context.Background())
	require.NoError(t, err)
	l.Complete()

	require.NoError(t, d.Handler()(l.Context(), l))
	assert.Empty(t, rec.applied)
}
