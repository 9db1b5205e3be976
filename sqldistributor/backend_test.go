package sqldistributor

import (
	"context"
	"database/sql"
	"fmt"
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
	"alluvial/internal/sqlutil"
	"alluvial/lease"
	"alluvial/metrics"
)

var _ distributor.Backend = (*Backend)(nil)

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlutil.Open(sqlutil.SQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, InitializeSchema(context.Background(), db, sqlutil.SQLite))
	return db
}

func newSQLiteBackend(t *testing.T, db *sql.DB, clock clockwork.Clock, scope string, wait time.Duration, names ...string) *Backend {
	t.Helper()
	_, err := RegisterResources(context.Background(), db, sqlutil.SQLite, scope, names)
	require.NoError(t, err)
	b, err := NewBackend(db, Config{
		Scope:         scope,
		LeaseDuration: time.Minute,
		WaitInterval:  wait,
		Dialect:       sqlutil.SQLite,
	}, WithClock(clock))
	require.NoError(t, err)
	return b
}

func TestNewBackendValidation(t *testing.T) {
	db := newSQLiteDB(t)

	_, err := NewBackend(nil, Config{Scope: "s", LeaseDuration: time.Minute, Dialect: sqlutil.SQLite})
	require.Error(t, err)
	_, err = NewBackend(db, Config{LeaseDuration: time.Minute, Dialect: sqlutil.SQLite})
	require.Error(t, err)
	_, err = NewBackend(db, Config{Scope: "s", Dialect: sqlutil.SQLite})
	require.Error(t, err)
	_, err = NewBackend(db, Config{Scope: "s", LeaseDuration: time.Minute, Dialect: "postgres"})
	require.Error(t, err)
}

func TestInitializeSchemaIsIdempotentAndAdditive(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE unrelated (id INTEGER PRIMARY KEY, note TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO unrelated (id, note) VALUES (1, 'keep me')`)
	require.NoError(t, err)
	_, err = RegisterResources(ctx, db, sqlutil.SQLite, "orders", []string{"p1"})
	require.NoError(t, err)

	require.NoError(t, InitializeSchema(ctx, db, sqlutil.SQLite))
	require.NoError(t, InitializeSchema(ctx, db, sqlutil.SQLite))

	var note string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT note FROM unrelated WHERE id = 1`).Scan(&note))
	assert.Equal(t, "keep me", note)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alluvial_leases`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRegisterResourcesInsertsMissingOnly(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)

	added, err := RegisterResources(ctx, db, sqlutil.SQLite, "orders", []string{"p1", " p2 ", "p1", "p3"})
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	added, err = RegisterResources(ctx, db, sqlutil.SQLite, "orders", []string{"p3", "p4"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	_, err = RegisterResources(ctx, db, sqlutil.SQLite, "orders", []string{"p5", ""})
	require.Error(t, err)
	_, err = RegisterResources(ctx, db, sqlutil.SQLite, " ", []string{"p5"})
	require.Error(t, err)
}

func TestAcquireLeaseGrantsEachResourceOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := newSQLiteBackend(t, newSQLiteDB(t), clock, "orders", time.Second, "a", "b")

	first, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{first.ResourceName(), second.ResourceName()})
	assert.NotEqual(t, first.Token(), second.Token())
	assert.True(t, first.Resource().IsLeased())

	none, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, none)
}

func TestReleasedResourceWaitsForInterval(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := newSQLiteBackend(t, newSQLiteDB(t), clock, "orders", time.Second, "a")

	l, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(10 * time.Millisecond)
	require.NoError(t, b.ReleaseLease(ctx, l))
	assert.True(t, l.Completed())
	assert.False(t, l.Resource().IsLeased())

	_, ok, err = b.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "resource released less than the wait interval ago")

	clock.Advance(time.Second)
	again, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", again.ResourceName())
	assert.NotEqual(t, l.Token(), again.Token())
}

func TestOldestReleasedResourceIsGrantedFirst(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := newSQLiteBackend(t, newSQLiteDB(t), clock, "orders", 0, "a", "b")

	la, _, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	lb, _, err := b.AcquireLease(ctx)
	require.NoError(t, err)

	// Release b before a, so b has waited longer.
	require.NoError(t, b.ReleaseLease(ctx, lb))
	clock.Advance(time.Millisecond)
	require.NoError(t, b.ReleaseLease(ctx, la))
	clock.Advance(time.Millisecond)

	next, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lb.ResourceName(), next.ResourceName())
}

func TestExpiredLeaseIsReassigned(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := newSQLiteBackend(t, newSQLiteDB(t), clock, "orders", time.Second, "a")

	stale, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, err = b.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is valid up to its expiry")

	clock.Advance(time.Millisecond)
	assert.True(t, stale.Resource().IsLeaseExpired(clock.Now()))
	require.Eventually(t, func() bool { return stale.Context().Err() != nil }, time.Second, time.Millisecond)

	fresh, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", fresh.ResourceName())

	err = b.ExtendLease(ctx, "a", stale.Token(), time.Minute)
	require.ErrorIs(t, err, lease.ErrLeaseConflict)
	_, err = b.ReleaseToken(ctx, "a", stale.Token())
	require.ErrorIs(t, err, lease.ErrLeaseConflict)

	_, err = b.ReleaseToken(ctx, "a", fresh.Token())
	require.NoError(t, err)
}

func TestExtendLeaseDefersExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := prometheus.NewRegistry()
	b := newSQLiteBackend(t, newSQLiteDB(t), clock, "orders", 0, "a")
	b.metrics = metrics.New(reg, "orders")

	l, ok, err := b.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, 30*time.Second))
	assert.Equal(t, 90*time.Second, l.Duration())

	clock.Advance(75 * time.Second)
	_, ok, err = b.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "extended lease must not be reassigned")
	assert.NoError(t, l.Context().Err())

	require.NoError(t, b.ReleaseLease(ctx, l))
	err = b.ExtendLease(ctx, "a", l.Token(), time.Second)
	require.ErrorIs(t, err, lease.ErrLeaseConflict)

	series, err := testutil.GatherAndCount(reg, "alluvial_lease_extend_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	db := newSQLiteDB(t)
	orders := newSQLiteBackend(t, db, clock, "orders", 0, "p1")
	invoices := newSQLiteBackend(t, db, clock, "invoices", 0, "p1")

	lo, ok, err := orders.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	li, ok, err := invoices.AcquireLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lo.ResourceName(), li.ResourceName())

	_, err = orders.ReleaseToken(ctx, "p1", li.Token())
	require.ErrorIs(t, err, lease.ErrLeaseConflict)
}

func TestConcurrentAcquisitionNeverDoubleGrants(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	names := []string{"p1", "p2", "p3", "p4"}
	_, err := RegisterResources(ctx, db, sqlutil.SQLite, "orders", names)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		granted = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := NewBackend(db, Config{Scope: "orders", LeaseDuration: time.Minute, Dialect: sqlutil.SQLite})
			if !assert.NoError(t, err) {
				return
			}
			l, ok, err := b.AcquireLease(ctx)
			if !assert.NoError(t, err) || !ok {
				return
			}
			mu.Lock()
			granted[l.ResourceName()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, granted, len(names))
	for name, n := range granted {
		assert.Equal(t, 1, n, "resource %s granted %d times", name, n)
	}
}

func TestDistributorOverSQLBackend(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	b := newSQLiteBackend(t, db, clockwork.NewRealClock(), "orders", 0, "p1", "p2", "p3", "p4", "p5")

	d, err := distributor.New(b, distributor.Config{MaxDegreesOfParallelism: 5, WaitInterval: time.Millisecond})
	require.NoError(t, err)
	var (
		mu      sync.Mutex
		handled []string
	)
	d.OnReceive(func(ctx context.Context, l *lease.Lease) error {
		mu.Lock()
		handled = append(handled, l.ResourceName())
		mu.Unlock()
		return nil
	})

	leases, err := d.Distribute(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leases, 5)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3", "p4", "p5"}, handled)

	resources, err := b.Resources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 5)
	for _, r := range resources {
		assert.False(t, r.IsLeased(), "resource %s still leased", r.Name())
		assert.False(t, r.LeaseLastReleased().IsZero())
	}
}

func TestPoolExhaustionIsRetriedThenReported(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	_, err := RegisterResources(ctx, db, sqlutil.SQLite, "orders", []string{"p1"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	b, err := NewBackend(db, Config{
		Scope:         "orders",
		LeaseDuration: time.Minute,
		Dialect:       sqlutil.SQLite,
		Retry:         sqlutil.RetryPolicy{MaxRetries: 2, Step: time.Millisecond, AcquireTimeout: 5 * time.Millisecond},
	}, WithMetrics(metrics.New(reg, "orders")))
	require.NoError(t, err)

	held, err := db.Conn(ctx)
	require.NoError(t, err)
	defer held.Close()

	_, ok, err := b.AcquireLease(ctx)
	require.ErrorIs(t, err, sqlutil.ErrPoolExhausted)
	assert.False(t, ok)

	expected := `
# HELP alluvial_sql_connection_retries_total Connection acquisitions retried after pool exhaustion.
# TYPE alluvial_sql_connection_retries_total counter
alluvial_sql_connection_retries_total{scope="orders"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "alluvial_sql_connection_retries_total"))
}
