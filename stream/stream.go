package stream

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"alluvial/partition"
)

// DefaultBatchSize is used when a query does not carry a batch size hint.
const DefaultBatchSize = 100

// Item is a feed element with a position in the feed ordering.
type Item[P cmp.Ordered] interface {
	Position() P
}

// KeyedItem is a feed element that also belongs to a partition key.
type KeyedItem[P cmp.Ordered, K any] interface {
	Item[P]
	PartitionKey() K
}

// Query carries the cursor to fetch after and a batch size hint.
type Query[P cmp.Ordered] struct {
	Cursor    *Cursor[P]
	BatchSize int
}

// NewQuery builds a query; a non-positive batch size selects DefaultBatchSize.
func NewQuery[P cmp.Ordered](cursor *Cursor[P], batchSize int) Query[P] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return Query[P]{Cursor: cursor, BatchSize: batchSize}
}

// Limit returns the effective batch size.
func (q Query[P]) Limit() int {
	if q.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return q.BatchSize
}

// Validate rejects queries without a cursor.
func (q Query[P]) Validate() error {
	if q.Cursor == nil {
		return errors.New("query cursor is required")
	}
	return nil
}

// Stream is a named, resumable data source.
type Stream[T Item[P], P cmp.Ordered] interface {
	ID() string
	// Fetch returns up to q.BatchSize items positioned strictly after the cursor, ascending.
	Fetch(ctx context.Context, q Query[P]) ([]T, error)
}

// PartitionedStream is a Stream whose fetches are restricted to one partition of its key domain.
type PartitionedStream[T KeyedItem[P, K], P cmp.Ordered, K any] interface {
	ID() string
	// Fetch returns up to q.BatchSize items positioned strictly after the cursor whose partition key
	// is contained in part, ascending by position.
	Fetch(ctx context.Context, q Query[P], part partition.Partition[K]) ([]T, error)
}

// Advance moves the cursor to the last item of a consumed batch. An empty batch leaves it unchanged.
func Advance[T Item[P], P cmp.Ordered](cursor *Cursor[P], batch []T) bool {
	if len(batch) == 0 {
		return false
	}
	return cursor.AdvanceTo(batch[len(batch)-1].Position())
}

// FetchFunc adapts a function into a Stream.
type FetchFunc[T Item[P], P cmp.Ordered] func(ctx context.Context, q Query[P]) ([]T, error)

type funcStream[T Item[P], P cmp.Ordered] struct {
	id    string
	fetch FetchFunc[T, P]
}

// Create returns a Stream backed by fetch.
func Create[T Item[P], P cmp.Ordered](id string, fetch FetchFunc[T, P]) Stream[T, P] {
	return &funcStream[T, P]{id: id, fetch: fetch}
}

func (s *funcStream[T, P]) ID() string {
	return s.id
}

func (s *funcStream[T, P]) Fetch(ctx context.Context, q Query[P]) ([]T, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.fetch(ctx, q)
}

// FromSlice returns an in-memory Stream over items.
func FromSlice[T Item[P], P cmp.Ordered](id string, items []T) Stream[T, P] {
	sorted := sortedCopy[T, P](items)
	return Create[T, P](id, func(ctx context.Context, q Query[P]) ([]T, error) {
		return selectAfter(sorted, q, func(T) bool { return true }), nil
	})
}

type slicePartitionedStream[T KeyedItem[P, K], P cmp.Ordered, K any] struct {
	id    string
	items []T
}

// PartitionedFromSlice returns an in-memory PartitionedStream over items.
func PartitionedFromSlice[T KeyedItem[P, K], P cmp.Ordered, K any](id string, items []T) PartitionedStream[T, P, K] {
	return &slicePartitionedStream[T, P, K]{id: id, items: sortedCopy[T, P](items)}
}

func (s *slicePartitionedStream[T, P, K]) ID() string {
	return s.id
}

func (s *slicePartitionedStream[T, P, K]) Fetch(ctx context.Context, q Query[P], part partition.Partition[K]) ([]T, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return selectAfter(s.items, q, func(item T) bool {
		return part == nil || part.Contains(item.PartitionKey())
	}), nil
}

func sortedCopy[T Item[P], P cmp.Ordered](items []T) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b T) int {
		return cmp.Compare(a.Position(), b.Position())
	})
	return out
}

func selectAfter[T Item[P], P cmp.Ordered](sorted []T, q Query[P], keep func(T) bool) []T {
	after := q.Cursor.Position()
	limit := q.Limit()
	start, _ := slices.BinarySearchFunc(sorted, after, func(item T, target P) int {
		if item.Position() <= target {
			return -1
		}
		return 1
	})
	var out []T
	for _, item := range sorted[start:] {
		if len(out) >= limit {
			break
		}
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
