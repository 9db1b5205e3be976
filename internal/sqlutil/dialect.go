package sqlutil

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
)

// Dialect names a supported database and its database/sql driver.
type Dialect string

const (
	SQLServer Dialect = "sqlserver"
	SQLite    Dialect = "sqlite3"
)

// ParseDialect accepts a driver name, case-insensitively.
func ParseDialect(value string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(value))) {
	case SQLServer, "mssql":
		return SQLServer, nil
	case SQLite, "sqlite":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", value)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Open opens a pool for the dialect and bounds its size. SQLite allows a single writer, so its pool
// is capped at one connection.
func Open(dialect Dialect, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		maxOpenConns = 1
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	return db, nil
}

// BuildSQLServerDSN builds a sqlserver:// URL for the sa-style login used by local deployments.
func BuildSQLServerDSN(host, port, user, password, database string) string {
	if user == "" {
		user = "sa"
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", "disable")
	u.RawQuery = query.Encode()
	return u.String()
}

// NormalizeDBTime reinterprets a driver time as UTC without shifting the wall clock. SQL Server
// DATETIME2 values carry no zone.
func NormalizeDBTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Time{}
	}
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

// UnixMilli encodes t for integer time columns. The zero time encodes as 0.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli decodes integer time columns. 0 decodes as the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// IsUniqueViolation reports primary key or unique index violations for both drivers.
func IsUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
