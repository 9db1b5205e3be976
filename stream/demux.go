package stream

import (
	"cmp"
	"context"
	"fmt"
)

// ChangeSet lists the distinct entities touched within the cursor window (From, To].
type ChangeSet[K comparable, P cmp.Ordered] struct {
	Keys []K
	From P
	To   P
}

// ChangeFeed returns the next window of changes after the query cursor.
type ChangeFeed[K comparable, P cmp.Ordered] func(ctx context.Context, q Query[P]) (ChangeSet[K, P], error)

// ChildOpener opens the per-entity stream for one key.
type ChildOpener[T Item[P], P cmp.Ordered, K comparable] func(key K) Stream[T, P]

// ChildHandler consumes one batch of a child stream.
type ChildHandler[T Item[P], P cmp.Ordered, K comparable] func(ctx context.Context, key K, batch []T) error

// Demux expands a changes feed into one child stream per entity.
//
// The parent cursor is a two-level checkpoint: it moves to the window end only after every child
// stream of the window was drained and handled, so a failure re-drives the whole window.
type Demux[T Item[P], P cmp.Ordered, K comparable] struct {
	changes   ChangeFeed[K, P]
	open      ChildOpener[T, P, K]
	batchSize int
}

// NewDemux builds a Demux; batchSize applies to child fetches.
func NewDemux[T Item[P], P cmp.Ordered, K comparable](changes ChangeFeed[K, P], open ChildOpener[T, P, K], batchSize int) *Demux[T, P, K] {
	return &Demux[T, P, K]{changes: changes, open: open, batchSize: batchSize}
}

// RunWindow processes the next change window after cursor and returns the number of entities handled.
func (d *Demux[T, P, K]) RunWindow(ctx context.Context, q Query[P], handle ChildHandler[T, P, K]) (int, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	window, err := d.changes(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("fetch changes after %v: %w", q.Cursor.Position(), err)
	}
	if len(window.Keys) == 0 {
		return 0, nil
	}

	for _, key := range window.Keys {
		if err := d.drainChild(ctx, key, window, handle); err != nil {
			return 0, err
		}
	}

	q.Cursor.AdvanceTo(window.To)
	return len(window.Keys), nil
}

func (d *Demux[T, P, K]) drainChild(ctx context.Context, key K, window ChangeSet[K, P], handle ChildHandler[T, P, K]) error {
	child := d.open(key)
	cursor := NewCursor(window.From)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := child.Fetch(ctx, NewQuery(cursor, d.batchSize))
		if err != nil {
			return fmt.Errorf("fetch child stream %q: %w", child.ID(), err)
		}
		batch = clipTo(batch, window.To)
		if len(batch) == 0 {
			return nil
		}
		if err := handle(ctx, key, batch); err != nil {
			return fmt.Errorf("handle child stream %q: %w", child.ID(), err)
		}
		Advance(cursor, batch)
	}
}

func clipTo[T Item[P], P cmp.Ordered](batch []T, to P) []T {
	for i, item := range batch {
		if item.Position() > to {
			return batch[:i]
		}
	}
	return batch
}
