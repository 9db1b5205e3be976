package sqldistributor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"alluvial/internal/sqlutil"
)

// leaseRow is one row of the leases table.
type leaseRow struct {
	name     string
	granted  time.Time
	released time.Time
	expires  time.Time
	token    string
}

// statements is the per-dialect SQL. Every mutation is a single statement so that it is atomic
// without an explicit transaction.
type statements interface {
	acquire(ctx context.Context, conn *sql.Conn, scope string, wait, duration time.Duration) (leaseRow, bool, error)
	extend(ctx context.Context, conn *sql.Conn, scope, name, token string, by time.Duration) (bool, error)
	release(ctx context.Context, conn *sql.Conn, scope, name, token string) (time.Time, bool, error)
	list(ctx context.Context, conn *sql.Conn, scope string) ([]leaseRow, error)
	register(ctx context.Context, tx *sql.Tx, scope, name string) (bool, error)
	schema() []string
}

func statementsFor(dialect sqlutil.Dialect, clock clockwork.Clock) (statements, error) {
	switch dialect {
	case sqlutil.SQLServer:
		return sqlServerStatements{}, nil
	case sqlutil.SQLite:
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		return sqliteStatements{clock: clock}, nil
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
}

// sqlServerStatements stamps every time with the database clock.
type sqlServerStatements struct{}

func (sqlServerStatements) schema() []string {
	return []string{
		`IF SCHEMA_ID(N'alluvial') IS NULL EXEC(N'CREATE SCHEMA alluvial')`,
		`IF OBJECT_ID(N'alluvial.Leases', N'U') IS NULL
CREATE TABLE alluvial.Leases (
  Scope NVARCHAR(128) NOT NULL,
  ResourceName NVARCHAR(256) NOT NULL,
  LeaseLastGranted DATETIME2(7) NULL,
  LeaseLastReleased DATETIME2(7) NULL,
  LeaseExpires DATETIME2(7) NULL,
  Token NVARCHAR(36) NULL,
  CONSTRAINT PK_Leases PRIMARY KEY (Scope, ResourceName)
)`,
		`IF NOT EXISTS (
  SELECT 1 FROM sys.indexes
  WHERE name = N'IX_Leases_Scope_LeaseLastReleased' AND object_id = OBJECT_ID(N'alluvial.Leases')
)
CREATE INDEX IX_Leases_Scope_LeaseLastReleased ON alluvial.Leases (Scope, LeaseLastReleased)`,
	}
}

func (sqlServerStatements) acquire(ctx context.Context, conn *sql.Conn, scope string, wait, duration time.Duration) (leaseRow, bool, error) {
	row := conn.QueryRowContext(
		ctx,
		`WITH candidate AS (
  SELECT TOP (1) *
  FROM alluvial.Leases WITH (UPDLOCK, READPAST, ROWLOCK)
  WHERE Scope = @p3
    AND (
      (Token IS NULL AND (LeaseLastReleased IS NULL OR LeaseLastReleased <= DATEADD(MILLISECOND, -CAST(@p1 AS INT), SYSUTCDATETIME())))
      OR (Token IS NOT NULL AND LeaseExpires < SYSUTCDATETIME())
    )
  ORDER BY LeaseLastReleased, ResourceName
)
UPDATE candidate
SET LeaseLastGranted = SYSUTCDATETIME(),
    LeaseExpires = DATEADD(MILLISECOND, CAST(@p2 AS INT), SYSUTCDATETIME()),
    Token = CONVERT(NVARCHAR(36), NEWID())
OUTPUT inserted.ResourceName, inserted.LeaseLastGranted, inserted.LeaseLastReleased, inserted.LeaseExpires, inserted.Token`,
		wait.Milliseconds(),
		duration.Milliseconds(),
		scope,
	)

	var (
		r        leaseRow
		released sql.NullTime
	)
	if err := row.Scan(&r.name, &r.granted, &released, &r.expires, &r.token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leaseRow{}, false, nil
		}
		return leaseRow{}, false, err
	}
	r.granted = sqlutil.NormalizeDBTime(r.granted)
	r.expires = sqlutil.NormalizeDBTime(r.expires)
	if released.Valid {
		r.released = sqlutil.NormalizeDBTime(released.Time)
	}
	return r, true, nil
}

func (sqlServerStatements) extend(ctx context.Context, conn *sql.Conn, scope, name, token string, by time.Duration) (bool, error) {
	result, err := conn.ExecContext(
		ctx,
		`UPDATE alluvial.Leases
SET LeaseExpires = DATEADD(MILLISECOND, CAST(@p1 AS INT), LeaseExpires)
WHERE Scope = @p2
  AND ResourceName = @p3
  AND Token = @p4
  AND LeaseExpires > SYSUTCDATETIME()`,
		by.Milliseconds(),
		scope,
		name,
		token,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (sqlServerStatements) release(ctx context.Context, conn *sql.Conn, scope, name, token string) (time.Time, bool, error) {
	row := conn.QueryRowContext(
		ctx,
		`UPDATE alluvial.Leases
SET LeaseLastReleased = SYSUTCDATETIME(),
    LeaseExpires = NULL,
    Token = NULL
OUTPUT inserted.LeaseLastReleased
WHERE Scope = @p1
  AND ResourceName = @p2
  AND Token = @p3`,
		scope,
		name,
		token,
	)
	var released time.Time
	if err := row.Scan(&released); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return sqlutil.NormalizeDBTime(released), true, nil
}

func (sqlServerStatements) list(ctx context.Context, conn *sql.Conn, scope string) ([]leaseRow, error) {
	rows, err := conn.QueryContext(
		ctx,
		`SELECT ResourceName, LeaseLastGranted, LeaseLastReleased, LeaseExpires, Token
FROM alluvial.Leases
WHERE Scope = @p1
ORDER BY ResourceName`,
		scope,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leaseRow
	for rows.Next() {
		var (
			r                          leaseRow
			granted, released, expires sql.NullTime
			token                      sql.NullString
		)
		if err := rows.Scan(&r.name, &granted, &released, &expires, &token); err != nil {
			return nil, err
		}
		if granted.Valid {
			r.granted = sqlutil.NormalizeDBTime(granted.Time)
		}
		if released.Valid {
			r.released = sqlutil.NormalizeDBTime(released.Time)
		}
		if expires.Valid {
			r.expires = sqlutil.NormalizeDBTime(expires.Time)
		}
		r.token = token.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (sqlServerStatements) register(ctx context.Context, tx *sql.Tx, scope, name string) (bool, error) {
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO alluvial.Leases (Scope, ResourceName)
SELECT @p1, @p2
WHERE NOT EXISTS (
  SELECT 1 FROM alluvial.Leases WITH (UPDLOCK, HOLDLOCK)
  WHERE Scope = @p1 AND ResourceName = @p2
)`,
		scope,
		name,
	)
	if err != nil {
		if sqlutil.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// sqliteStatements stores times as Unix milliseconds taken from the injected clock. SQLite
// serializes writers, so a single UPDATE ... RETURNING is atomic.
type sqliteStatements struct {
	clock clockwork.Clock
}

func (sqliteStatements) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS alluvial_leases (
  Scope TEXT NOT NULL,
  ResourceName TEXT NOT NULL,
  LeaseLastGranted INTEGER NOT NULL DEFAULT 0,
  LeaseLastReleased INTEGER NOT NULL DEFAULT 0,
  LeaseExpires INTEGER NOT NULL DEFAULT 0,
  Token TEXT NULL,
  PRIMARY KEY (Scope, ResourceName)
)`,
		`CREATE INDEX IF NOT EXISTS IX_alluvial_leases_scope_released ON alluvial_leases (Scope, LeaseLastReleased)`,
	}
}

func (s sqliteStatements) acquire(ctx context.Context, conn *sql.Conn, scope string, wait, duration time.Duration) (leaseRow, bool, error) {
	now := sqlutil.UnixMilli(s.clock.Now())
	row := conn.QueryRowContext(
		ctx,
		`UPDATE alluvial_leases
SET LeaseLastGranted = ?1,
    LeaseExpires = ?1 + ?2,
    Token = ?3
WHERE Scope = ?4
  AND ResourceName = (
    SELECT ResourceName
    FROM alluvial_leases
    WHERE Scope = ?4
      AND (
        (Token IS NULL AND LeaseLastReleased <= ?1 - ?5)
        OR (Token IS NOT NULL AND LeaseExpires < ?1)
      )
    ORDER BY LeaseLastReleased, ResourceName
    LIMIT 1
  )
RETURNING ResourceName, LeaseLastGranted, LeaseLastReleased, LeaseExpires, Token`,
		now,
		duration.Milliseconds(),
		uuid.NewString(),
		scope,
		wait.Milliseconds(),
	)

	var (
		r                          leaseRow
		granted, released, expires int64
	)
	if err := row.Scan(&r.name, &granted, &released, &expires, &r.token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leaseRow{}, false, nil
		}
		return leaseRow{}, false, err
	}
	r.granted = sqlutil.FromUnixMilli(granted)
	r.released = sqlutil.FromUnixMilli(released)
	r.expires = sqlutil.FromUnixMilli(expires)
	return r, true, nil
}

func (s sqliteStatements) extend(ctx context.Context, conn *sql.Conn, scope, name, token string, by time.Duration) (bool, error) {
	result, err := conn.ExecContext(
		ctx,
		`UPDATE alluvial_leases
SET LeaseExpires = LeaseExpires + ?1
WHERE Scope = ?2
  AND ResourceName = ?3
  AND Token = ?4
  AND LeaseExpires > ?5`,
		by.Milliseconds(),
		scope,
		name,
		token,
		sqlutil.UnixMilli(s.clock.Now()),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s sqliteStatements) release(ctx context.Context, conn *sql.Conn, scope, name, token string) (time.Time, bool, error) {
	row := conn.QueryRowContext(
		ctx,
		`UPDATE alluvial_leases
SET LeaseLastReleased = ?1,
    LeaseExpires = 0,
    Token = NULL
WHERE Scope = ?2
  AND ResourceName = ?3
  AND Token = ?4
RETURNING LeaseLastReleased`,
		sqlutil.UnixMilli(s.clock.Now()),
		scope,
		name,
		token,
	)
	var released int64
	if err := row.Scan(&released); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return sqlutil.FromUnixMilli(released), true, nil
}

func (sqliteStatements) list(ctx context.Context, conn *sql.Conn, scope string) ([]leaseRow, error) {
	rows, err := conn.QueryContext(
		ctx,
		`SELECT ResourceName, LeaseLastGranted, LeaseLastReleased, LeaseExpires, Token
FROM alluvial_leases
WHERE Scope = ?
ORDER BY ResourceName`,
		scope,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leaseRow
	for rows.Next() {
		var (
			r                          leaseRow
			granted, released, expires int64
			token                      sql.NullString
		)
		if err := rows.Scan(&r.name, &granted, &released, &expires, &token); err != nil {
			return nil, err
		}
		r.granted = sqlutil.FromUnixMilli(granted)
		r.released = sqlutil.FromUnixMilli(released)
		r.expires = sqlutil.FromUnixMilli(expires)
		r.token = token.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (sqliteStatements) register(ctx context.Context, tx *sql.Tx, scope, name string) (bool, error) {
	result, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO alluvial_leases (Scope, ResourceName) VALUES (?, ?)`,
		scope,
		name,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
