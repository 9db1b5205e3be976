package catchup

import (
	"cmp"
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"alluvial/stream"
)

// MemoryCursorStore keeps cursors in process memory. It stores copies, so callers may keep
// mutating the cursors they pass in.
type MemoryCursorStore[P cmp.Ordered] struct {
	cursors *xsync.Map[string, *stream.Cursor[P]]
}

func NewMemoryCursorStore[P cmp.Ordered]() *MemoryCursorStore[P] {
	return &MemoryCursorStore[P]{cursors: xsync.NewMap[string, *stream.Cursor[P]]()}
}

func (s *MemoryCursorStore[P]) Load(_ context.Context, key string) (*stream.Cursor[P], error) {
	c, ok := s.cursors.Load(key)
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *MemoryCursorStore[P]) Save(_ context.Context, key string, cursor *stream.Cursor[P]) error {
	s.cursors.Store(key, cursor.Clone())
	return nil
}
