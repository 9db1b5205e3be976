package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alluvial/partition"
)

type event struct {
	pos    int64
	entity int64
	body   string
}

func (e event) Position() int64 {
	return e.pos
}

func (e event) PartitionKey() int64 {
	return e.entity
}

func events(n int) []event {
	out := make([]event, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, event{pos: int64(i), entity: int64(i % 10)})
	}
	return out
}

func TestCursorMonotonic(t *testing.T) {
	t.Parallel()

	c := NewCursor[int64](10)
	assert.True(t, c.AdvanceTo(20))
	assert.False(t, c.AdvanceTo(15), "never moves backwards")
	assert.False(t, c.AdvanceTo(20))
	assert.Equal(t, int64(20), c.Position())
	assert.True(t, c.HasReached(20))
	assert.True(t, c.HasReached(5))
	assert.False(t, c.HasReached(21))
	assert.True(t, c.Ascending())

	d := NewDescendingCursor("m")
	assert.False(t, d.AdvanceTo("z"))
	assert.True(t, d.AdvanceTo("c"))
	assert.Equal(t, "c", d.Position())
	assert.True(t, d.HasReached("d"))
	assert.False(t, d.HasReached("a"))

	clone := c.Clone()
	clone.AdvanceTo(99)
	assert.Equal(t, int64(20), c.Position())
}

func TestFromSliceFetchesAfterCursor(t *testing.T) {
	t.Parallel()

	s := FromSlice[event, int64]("events", events(25))
	cursor := NewCursor[int64](0)

	batch, err := s.Fetch(context.Background(), NewQuery(cursor, 10))
	require.NoError(t, err)
	require.Len(t, batch, 10)
	assert.Equal(t, int64(1), batch[0].pos)
	assert.Equal(t, int64(10), batch[9].pos)
	assert.Equal(t, int64(0), cursor.Position(), "fetch never advances the cursor")

	require.True(t, Advance(cursor, batch))
	batch, err = s.Fetch(context.Background(), NewQuery(cursor, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(11), batch[0].pos)

	cursor.AdvanceTo(25)
	batch, err = s.Fetch(context.Background(), NewQuery(cursor, 10))
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.False(t, Advance(cursor, batch), "empty batch is a no-op")
	assert.Equal(t, int64(25), cursor.Position())
}

func TestQueryDefaults(t *testing.T) {
	t.Parallel()

	q := NewQuery(NewCursor[int64](0), 0)
	assert.Equal(t, DefaultBatchSize, q.BatchSize)
	assert.Equal(t, DefaultBatchSize, Query[int64]{}.Limit())

	s := FromSlice[event, int64]("events", nil)
	_, err := s.Fetch(context.Background(), Query[int64]{})
	assert.Error(t, err)
}

func TestPartitionedFromSlice(t *testing.T) {
	t.Parallel()

	s := PartitionedFromSlice[event, int64, int64]("events", events(100))
	parts := partition.MustByRange[int64](-1, 9, 2)

	seen := map[int64]int{}
	for _, part := range parts {
		cursor := NewCursor[int64](0)
		for {
			batch, err := s.Fetch(context.Background(), NewQuery(cursor, 7), part)
			require.NoError(t, err)
			if len(batch) == 0 {
				break
			}
			for i, e := range batch {
				assert.True(t, part.Contains(e.entity))
				if i > 0 {
					assert.Greater(t, e.pos, batch[i-1].pos)
				}
				seen[e.pos]++
			}
			Advance(cursor, batch)
		}
	}
	assert.Len(t, seen, 100)
	for pos, hits := range seen {
		assert.Equal(t, 1, hits, "position %d", pos)
	}
}

func TestCreateValidatesQuery(t *testing.T) {
	t.Parallel()

	errFetch := errors.New("fetch failed")
	s := Create[event, int64]("failing", func(context.Context, Query[int64]) ([]event, error) {
		return nil, errFetch
	})
	assert.Equal(t, "failing", s.ID())
	_, err := s.Fetch(context.Background(), NewQuery(NewCursor[int64](0), 1))
	assert.ErrorIs(t, err, errFetch)
}
