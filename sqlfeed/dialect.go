package sqlfeed

import (
	"fmt"

	"alluvial/internal/sqlutil"
)

// queries is the per-dialect SQL. Fetch queries take (limit, after[, lower, upper]) in that order.
type queries struct {
	schema          []string
	fetchAll        string
	fetchRange      string
	insert          string
	loadCheckpoint  string
	storeCheckpoint string
}

func queriesFor(dialect sqlutil.Dialect) (queries, error) {
	switch dialect {
	case sqlutil.SQLServer:
		return sqlServerQueries, nil
	case sqlutil.SQLite:
		return sqliteQueries, nil
	default:
		return queries{}, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
}

var sqlServerQueries = queries{
	schema: []string{
		`IF SCHEMA_ID(N'alluvial') IS NULL EXEC(N'CREATE SCHEMA alluvial')`,
		`IF OBJECT_ID(N'alluvial.Feed', N'U') IS NULL
CREATE TABLE alluvial.Feed (
  Position BIGINT NOT NULL,
  PartitionKey BIGINT NOT NULL,
  Body VARBINARY(MAX) NULL,
  CONSTRAINT PK_Feed PRIMARY KEY (Position)
)`,
		`IF NOT EXISTS (
  SELECT 1 FROM sys.indexes
  WHERE name = N'IX_Feed_PartitionKey_Position' AND object_id = OBJECT_ID(N'alluvial.Feed')
)
CREATE INDEX IX_Feed_PartitionKey_Position ON alluvial.Feed (PartitionKey, Position)`,
		`IF OBJECT_ID(N'alluvial.Checkpoints', N'U') IS NULL
CREATE TABLE alluvial.Checkpoints (
  Name NVARCHAR(400) NOT NULL,
  Position BIGINT NOT NULL,
  CONSTRAINT PK_Checkpoints PRIMARY KEY (Name)
)`,
	},
	fetchAll: `SELECT TOP (@p1) Position, PartitionKey, Body
FROM alluvial.Feed
WHERE Position > @p2
ORDER BY Position`,
	fetchRange: `SELECT TOP (@p1) Position, PartitionKey, Body
FROM alluvial.Feed
WHERE Position > @p2
  AND PartitionKey > @p3
  AND PartitionKey <= @p4
ORDER BY Position`,
	insert: `INSERT INTO alluvial.Feed (Position, PartitionKey, Body) VALUES (@p1, @p2, @p3)`,
	loadCheckpoint: `SELECT Position FROM alluvial.Checkpoints WHERE Name = @p1`,
	storeCheckpoint: `MERGE alluvial.Checkpoints WITH (HOLDLOCK) AS target
USING (SELECT @p1 AS Name, @p2 AS Position) AS source
ON target.Name = source.Name
WHEN MATCHED AND target.Position < source.Position THEN
  UPDATE SET Position = source.Position
WHEN NOT MATCHED THEN
  INSERT (Name, Position) VALUES (source.Name, source.Position);`,
}

var sqliteQueries = queries{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alluvial_feed (
  Position INTEGER NOT NULL PRIMARY KEY,
  PartitionKey INTEGER NOT NULL,
  Body BLOB NULL
)`,
		`CREATE INDEX IF NOT EXISTS IX_alluvial_feed_key_position ON alluvial_feed (PartitionKey, Position)`,
		`CREATE TABLE IF NOT EXISTS alluvial_checkpoints (
  Name TEXT NOT NULL PRIMARY KEY,
  Position INTEGER NOT NULL
)`,
	},
	fetchAll: `SELECT Position, PartitionKey, Body
FROM alluvial_feed
WHERE Position > ?2
ORDER BY Position
LIMIT ?1`,
	fetchRange: `SELECT Position, PartitionKey, Body
FROM alluvial_feed
WHERE Position > ?2
  AND PartitionKey > ?3
  AND PartitionKey <= ?4
ORDER BY Position
LIMIT ?1`,
	insert:         `INSERT INTO alluvial_feed (Position, PartitionKey, Body) VALUES (?, ?, ?)`,
	loadCheckpoint: `SELECT Position FROM alluvial_checkpoints WHERE Name = ?`,
	storeCheckpoint: `INSERT INTO alluvial_checkpoints (Name, Position) VALUES (?1, ?2)
ON CONFLICT (Name) DO UPDATE SET Position = excluded.Position
WHERE excluded.Position > alluvial_checkpoints.Position`,
}
