package sqldistributor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"alluvial/internal/sqlutil"
)

// InitializeSchema creates the leases table and its index when missing. It never alters or drops
// existing objects and may be run any number of times.
func InitializeSchema(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) error {
	stmts, err := statementsFor(dialect, nil)
	if err != nil {
		return err
	}
	for _, stmt := range stmts.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize lease schema: %w", err)
		}
	}
	return nil
}

// RegisterResources inserts the named resources into scope, leaving existing rows untouched. It
// returns how many rows were added.
func RegisterResources(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, scope string, names []string) (int, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return 0, fmt.Errorf("scope is required")
	}
	names = lo.Uniq(lo.Map(names, func(name string, _ int) string {
		return strings.TrimSpace(name)
	}))
	if lo.Contains(names, "") {
		return 0, fmt.Errorf("resource names must not be empty")
	}

	stmts, err := statementsFor(dialect, nil)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin resource registration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	added := 0
	for _, name := range names {
		inserted, err := stmts.register(ctx, tx, scope, name)
		if err != nil {
			return 0, fmt.Errorf("register resource %q in scope %q: %w", name, scope, err)
		}
		if inserted {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit resource registration: %w", err)
	}
	return added, nil
}
