package sqlfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"alluvial/internal/sqlutil"
	"alluvial/stream"
)

// CursorStore keeps one checkpoint position per name in the checkpoints table. A stored position
// only ever grows: saving a position at or below the stored one is a no-op, so a worker whose lease
// was taken over cannot rewind its successor.
type CursorStore struct {
	db *sql.DB
	q  queries
	settings
}

func NewCursorStore(db *sql.DB, dialect sqlutil.Dialect, opts ...Option) (*CursorStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	q, err := queriesFor(dialect)
	if err != nil {
		return nil, err
	}
	return &CursorStore{db: db, q: q, settings: newSettings(opts)}, nil
}

// Load returns the checkpoint stored under key, or (nil, nil) when none was saved.
func (s *CursorStore) Load(ctx context.Context, key string) (*stream.Cursor[int64], error) {
	conn, err := connect(ctx, s.db, s.settings)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var position int64
	if err := conn.QueryRowContext(ctx, s.q.loadCheckpoint, key).Scan(&position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint %q: %w", key, err)
	}
	return stream.NewCursor(position), nil
}

func (s *CursorStore) Save(ctx context.Context, key string, cursor *stream.Cursor[int64]) error {
	if cursor == nil {
		return errors.New("cursor is required")
	}
	if !cursor.Ascending() {
		return ErrDescendingCursor
	}
	conn, err := connect(ctx, s.db, s.settings)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, s.q.storeCheckpoint, key, cursor.Position()); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", key, err)
	}
	s.logger.Debug().Str("checkpoint", key).Int64("position", cursor.Position()).Msg("checkpoint saved")
	return nil
}
