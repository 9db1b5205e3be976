// Package stream defines the cursor-checkpointed fetch protocol shared by every feed.
//
// A stream returns batches of items positioned strictly after a cursor. Streams never move the
// cursor: the caller advances it once the batch has been consumed and its effects persisted, which
// keeps processing at-least-once and re-drivable.
package stream

import (
	"cmp"
	"fmt"
	"sync"
)

// Cursor is a checkpoint position within an ordered feed.
type Cursor[P cmp.Ordered] struct {
	mu        sync.RWMutex
	position  P
	ascending bool
}

// NewCursor returns an ascending cursor starting at the given position.
func NewCursor[P cmp.Ordered](start P) *Cursor[P] {
	return &Cursor[P]{position: start, ascending: true}
}

// NewDescendingCursor returns a cursor that only moves towards smaller positions.
func NewDescendingCursor[P cmp.Ordered](start P) *Cursor[P] {
	return &Cursor[P]{position: start}
}

func (c *Cursor[P]) Position() P {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Cursor[P]) Ascending() bool {
	return c.ascending
}

// AdvanceTo moves the cursor to point. Moves against the cursor direction are ignored, so the
// position never goes backwards. It reports whether the position changed.
func (c *Cursor[P]) AdvanceTo(point P) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ascending && point > c.position || !c.ascending && point < c.position {
		c.position = point
		return true
	}
	return false
}

// HasReached reports whether the cursor is at or beyond point in its direction.
func (c *Cursor[P]) HasReached(point P) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ascending {
		return c.position >= point
	}
	return c.position <= point
}

// Clone returns an independent cursor at the same position and direction.
func (c *Cursor[P]) Clone() *Cursor[P] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Cursor[P]{position: c.position, ascending: c.ascending}
}

func (c *Cursor[P]) String() string {
	return fmt.Sprintf("%v", c.Position())
}
