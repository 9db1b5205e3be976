// Package sqlfeed is a relational feed of keyed records together with a checkpoint table, usable as
// the partitioned stream and cursor store of a catch-up driver.
//
// Records are ordered by their Position. A fetch for a partition.Range[int64] pushes the range
// bounds into the WHERE clause; any other partition is filtered in process while scanning forward.
package sqlfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"alluvial/internal/sqlutil"
	"alluvial/partition"
	"alluvial/stream"
)

var (
	// ErrDuplicatePosition is returned when appending a record whose position is already taken.
	ErrDuplicatePosition = errors.New("feed position already exists")
	// ErrDescendingCursor is returned for cursors that move towards smaller positions. The feed is
	// only read forwards.
	ErrDescendingCursor = errors.New("feed cursors must be ascending")
	// ErrInvalidPosition is returned when appending a record at position zero or below. A cursor that
	// was never saved starts at zero and only reads positions after it.
	ErrInvalidPosition = errors.New("feed position must be greater than zero")
)

// Record is one feed row.
type Record struct {
	Pos  int64
	Key  int64
	Body []byte
}

func (r Record) Position() int64 {
	return r.Pos
}

func (r Record) PartitionKey() int64 {
	return r.Key
}

// Option customizes a Stream or a CursorStore.
type Option func(*settings)

type settings struct {
	logger zerolog.Logger
	retry  sqlutil.RetryPolicy
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithRetryPolicy bounds connection acquisition under pool exhaustion.
func WithRetryPolicy(policy sqlutil.RetryPolicy) Option {
	return func(s *settings) {
		s.retry = policy
	}
}

func newSettings(opts []Option) settings {
	s := settings{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Stream reads the feed table.
type Stream struct {
	db *sql.DB
	id string
	q  queries
	settings
}

// NewStream returns the feed of db under the stream id. The schema must already exist; see
// InitializeSchema.
func NewStream(db *sql.DB, dialect sqlutil.Dialect, id string, opts ...Option) (*Stream, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if id == "" {
		return nil, errors.New("stream id is required")
	}
	q, err := queriesFor(dialect)
	if err != nil {
		return nil, err
	}
	s := &Stream{db: db, id: id, q: q, settings: newSettings(opts)}
	s.logger = s.logger.With().Str("stream", id).Logger()
	return s, nil
}

func (s *Stream) ID() string {
	return s.id
}

// Fetch returns up to q.Limit() records after the cursor whose key falls into part, ascending. A nil
// part matches every record.
func (s *Stream) Fetch(ctx context.Context, q stream.Query[int64], part partition.Partition[int64]) ([]Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if !q.Cursor.Ascending() {
		return nil, ErrDescendingCursor
	}
	limit := q.Limit()
	after := q.Cursor.Position()

	switch p := part.(type) {
	case nil:
		return s.query(ctx, s.q.fetchAll, limit, after)
	case partition.Range[int64]:
		return s.query(ctx, s.q.fetchRange, limit, after, p.Lower, p.Upper)
	case *partition.Range[int64]:
		return s.query(ctx, s.q.fetchRange, limit, after, p.Lower, p.Upper)
	}

	var out []Record
	for {
		page, err := s.query(ctx, s.q.fetchAll, limit, after)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if !part.Contains(r.Key) {
				continue
			}
			out = append(out, r)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(page) < limit {
			return out, nil
		}
		after = page[len(page)-1].Pos
	}
}

// Append inserts records in one transaction. A taken position fails the whole call with
// ErrDuplicatePosition, a position below one with ErrInvalidPosition.
func (s *Stream) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.Pos <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidPosition, r.Pos)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feed append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, s.q.insert, r.Pos, r.Key, r.Body); err != nil {
			if sqlutil.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %d", ErrDuplicatePosition, r.Pos)
			}
			return fmt.Errorf("append feed record %d: %w", r.Pos, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feed append: %w", err)
	}
	s.logger.Debug().Int("records", len(records)).Msg("feed records appended")
	return nil
}

func (s *Stream) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	conn, err := connect(ctx, s.db, s.settings)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", s.id, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Pos, &r.Key, &r.Body); err != nil {
			return nil, fmt.Errorf("scan %q: %w", s.id, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func connect(ctx context.Context, db *sql.DB, s settings) (*sql.Conn, error) {
	policy := s.retry
	policy.OnRetry = func(retry int, err error, delay time.Duration) {
		s.logger.Warn().Err(err).Int("retry", retry).Dur("delay", delay).Msg("sql connection pool exhausted, retrying")
	}
	return sqlutil.Connect(ctx, db, policy)
}

// InitializeSchema creates the feed and checkpoint tables when missing. It never alters or drops
// existing objects.
func InitializeSchema(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) error {
	q, err := queriesFor(dialect)
	if err != nil {
		return err
	}
	for _, stmt := range q.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize feed schema: %w", err)
		}
	}
	return nil
}
