package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It keeps executions in a single-file database. Designed for:
//   - Development and single-node deployments with zero setup
//   - Surviving process restarts without an external database
//
// WAL mode is enabled so List and Load readers are not blocked by the writer.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type SQLiteStore[S any] struct {
	sqlStore[S]
	path string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT NOT NULL PRIMARY KEY,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, updated_at_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_owner ON executions(owner_id, status, updated_at_ns)`,
		`CREATE TABLE IF NOT EXISTS execution_checkpoints (
			execution_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at_ns INTEGER NOT NULL,
			PRIMARY KEY (execution_id, version)
		)`,
	},
	upsertLatest: `INSERT INTO executions (execution_id, owner_id, status, state, version, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			version = excluded.version,
			updated_at_ns = excluded.updated_at_ns`,
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./postgraph.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore[graph.State]("./postgraph.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	st := &SQLiteStore[S]{
		sqlStore: sqlStore[S]{db: db, d: sqliteDialect},
		path:     path,
	}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}
