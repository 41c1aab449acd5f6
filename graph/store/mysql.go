package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store[S].
//
// Designed for:
//   - Production deployments with several API replicas
//   - Executions that must survive process restarts
//   - Audit trails (every checkpoint is retained)
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type MySQLStore[S any] struct {
	sqlStore[S]
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id VARCHAR(64) NOT NULL PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			state JSON NOT NULL,
			version INT NOT NULL,
			updated_at_ns BIGINT NOT NULL,
			INDEX idx_executions_status (status, updated_at_ns),
			INDEX idx_executions_owner (owner_id, status, updated_at_ns)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS execution_checkpoints (
			execution_id VARCHAR(64) NOT NULL,
			version INT NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			state JSON NOT NULL,
			updated_at_ns BIGINT NOT NULL,
			PRIMARY KEY (execution_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsertLatest: `INSERT INTO executions (execution_id, owner_id, status, state, version, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			state = VALUES(state),
			version = VALUES(version),
			updated_at_ns = VALUES(updated_at_ns)`,
}

// NewMySQLStore connects to MySQL and creates the schema if needed.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Load the DSN from the
//	config file's ${ENV} expansion or the environment.
//
// Example:
//
//	st, err := store.NewMySQLStore[graph.State]("user:pass@tcp(localhost:3306)/postgraph")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st := &MySQLStore[S]{sqlStore: sqlStore[S]{db: db, d: mysqlDialect}}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Stats returns database connection pool statistics.
func (m *MySQLStore[S]) Stats() sql.DBStats {
	return m.db.Stats()
}
