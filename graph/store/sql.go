package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures the SQL differences between the database/sql backends.
type dialect struct {
	name string

	// schema is executed statement by statement on open.
	schema []string

	// upsertLatest writes the executions row for a checkpoint. Arguments are
	// execution_id, owner_id, status, state, version, updated_at_ns.
	upsertLatest string

	// numbered placeholders ($1, $2, ...) instead of '?'.
	numbered bool
}

// sqlStore is the database/sql implementation shared by the SQLite, MySQL and
// PostgreSQL stores.
//
// Schema:
//   - executions: latest checkpoint per execution (read path for Load and List)
//   - execution_checkpoints: append-only checkpoint history
//
// Both tables are written in one transaction, so readers of executions never
// observe a checkpoint whose history row is missing, nor a half-written state.
type sqlStore[S any] struct {
	db     *sql.DB
	d      dialect
	mu     sync.RWMutex
	closed bool
}

func (s *sqlStore[S]) createTables(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.d.name, err)
		}
	}
	return nil
}

// q rewrites '?' placeholders for dialects that number them.
func (s *sqlStore[S]) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore[S]) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return unavailable(op, errStoreClosed)
	}
	return nil
}

// Save appends a checkpoint and updates the latest row in one transaction.
func (s *sqlStore[S]) Save(ctx context.Context, rec Record[S]) (err error) {
	if err := validate(rec); err != nil {
		return err
	}
	if err := s.checkOpen("save"); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	updatedAt := rec.UpdatedAt.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var version int
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(MAX(version), 0) FROM execution_checkpoints WHERE execution_id = ?`),
		rec.ExecutionID,
	).Scan(&version)
	if err != nil {
		return unavailable("read version", err)
	}
	version++

	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO execution_checkpoints (execution_id, version, owner_id, status, state, updated_at_ns)
			VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ExecutionID, version, rec.OwnerID, string(rec.Status), string(stateJSON), updatedAt,
	)
	if err != nil {
		return unavailable("insert checkpoint", err)
	}

	_, err = tx.ExecContext(ctx, s.q(s.d.upsertLatest),
		rec.ExecutionID, rec.OwnerID, string(rec.Status), string(stateJSON), version, updatedAt,
	)
	if err != nil {
		return unavailable("upsert execution", err)
	}

	if err = tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Load returns the latest checkpoint.
func (s *sqlStore[S]) Load(ctx context.Context, executionID string) (Record[S], error) {
	if err := s.checkOpen("load"); err != nil {
		return Record[S]{}, err
	}

	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT execution_id, owner_id, status, state, version, updated_at_ns
			FROM executions WHERE execution_id = ?`),
		executionID,
	)
	rec, err := scanRecord[S](row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record[S]{}, ErrNotFound
	}
	if err != nil {
		return Record[S]{}, err
	}
	return rec, nil
}

// List returns latest checkpoints matching filter, most recent first.
func (s *sqlStore[S]) List(ctx context.Context, filter Filter) ([]Record[S], error) {
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}

	statuses := filter.statuses()
	args := make([]any, 0, len(statuses)+2)
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}

	query := `SELECT execution_id, owner_id, status, state, version, updated_at_ns
		FROM executions WHERE status IN (` + strings.Join(marks, ", ") + `)`
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY updated_at_ns DESC, execution_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, unavailable("list executions", err)
	}
	defer rows.Close()

	out := make([]Record[S], 0)
	for rows.Next() {
		rec, err := scanRecord[S](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list executions", err)
	}
	return out, nil
}

// History returns every checkpoint for executionID in version order.
func (s *sqlStore[S]) History(ctx context.Context, executionID string) ([]Record[S], error) {
	if err := s.checkOpen("history"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT execution_id, owner_id, status, state, version, updated_at_ns
			FROM execution_checkpoints WHERE execution_id = ? ORDER BY version ASC`),
		executionID,
	)
	if err != nil {
		return nil, unavailable("load history", err)
	}
	defer rows.Close()

	var out []Record[S]
	for rows.Next() {
		rec, err := scanRecord[S](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load history", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Close closes the connection pool. Calling Close more than once is safe.
func (s *sqlStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen("ping"); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord[S any](row rowScanner) (Record[S], error) {
	var (
		rec       Record[S]
		status    string
		stateJSON []byte
		updatedNs int64
	)
	err := row.Scan(&rec.ExecutionID, &rec.OwnerID, &status, &stateJSON, &rec.Version, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, unavailable("scan execution", err)
	}
	if err := json.Unmarshal(stateJSON, &rec.State); err != nil {
		return rec, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	rec.Status = Status(status)
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return rec, nil
}
