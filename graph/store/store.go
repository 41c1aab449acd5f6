// Package store provides checkpoint persistence for executions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested execution ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable indicates the backing storage could not be reached or did not
// accept the operation. It is transient: callers retry the whole operation and
// must not assume that any part of a write happened.
var ErrUnavailable = errors.New("store unavailable")

var errStoreClosed = errors.New("store is closed")

// Status is the externally visible lifecycle status of an execution.
type Status string

// Execution statuses.
const (
	StatusRunning       Status = "running"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusAwaitingAuth  Status = "awaiting_auth"
	StatusCompleted     Status = "completed"
	StatusTerminated    Status = "terminated"
)

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusAwaitingHuman, StatusAwaitingAuth, StatusCompleted, StatusTerminated:
		return true
	}
	return false
}

// ActiveStatuses are the statuses List returns when a Filter names none.
var ActiveStatuses = []Status{StatusRunning, StatusAwaitingHuman, StatusAwaitingAuth}

// Record is one persisted checkpoint of an execution.
//
// ExecutionID and OwnerID never change across the records of one execution.
// Version is assigned by the store on Save: the first checkpoint is version 1
// and every later Save appends version+1. Older versions are kept for audit
// and are never rewritten.
type Record[S any] struct {
	ExecutionID string
	OwnerID     string
	Status      Status
	State       S
	Version     int
	UpdatedAt   time.Time
}

// Filter selects executions for List.
type Filter struct {
	// Statuses to include. Empty means ActiveStatuses; terminal statuses are
	// only returned when named here.
	Statuses []Status

	// OwnerID restricts results to one owner. Empty means any owner.
	OwnerID string

	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// Store persists execution checkpoints.
//
// Implementations must make Save atomic with respect to Load and List on the
// same execution ID: a reader observes either the previous checkpoint or the
// new one, never a partial write. Saves for distinct execution IDs may run
// concurrently.
//
// Implementations:
//   - MemStore: in-process maps (tests, single-process development)
//   - SQLiteStore, MySQLStore, PostgresStore: database/sql backends
//   - RedisStore: key/value with set indexes
//   - MongoStore: document collections
//
// Type parameter S is the execution state type (must be JSON-serializable).
type Store[S any] interface {
	// Save appends a checkpoint. The store assigns rec.Version; rec.UpdatedAt
	// is stored as given (set to the current time when zero).
	//
	// Returns an error wrapping ErrUnavailable when storage cannot be reached.
	Save(ctx context.Context, rec Record[S]) error

	// Load returns the most recent checkpoint for executionID.
	//
	// Returns ErrNotFound if no checkpoint exists.
	Load(ctx context.Context, executionID string) (Record[S], error)

	// List returns the latest checkpoint of every execution matching filter,
	// most recently updated first.
	List(ctx context.Context, filter Filter) ([]Record[S], error)

	// History returns every checkpoint of executionID in version order.
	//
	// Returns ErrNotFound if no checkpoint exists.
	History(ctx context.Context, executionID string) ([]Record[S], error)
}

// statuses returns the effective status set of the filter.
func (f Filter) statuses() []Status {
	if len(f.Statuses) == 0 {
		return ActiveStatuses
	}
	return f.Statuses
}

// Matches reports whether rec satisfies the filter (ignoring Limit).
func (f Filter) Matches(status Status, ownerID string) bool {
	if f.OwnerID != "" && f.OwnerID != ownerID {
		return false
	}
	for _, s := range f.statuses() {
		if s == status {
			return true
		}
	}
	return false
}

// validate checks the invariant fields of a record before it is written.
func validate[S any](rec Record[S]) error {
	if rec.ExecutionID == "" {
		return errors.New("execution ID cannot be empty")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	return nil
}

// sortRecent orders records most recently updated first. Ties are broken by
// execution ID so results are deterministic.
func sortRecent[S any](records []Record[S]) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].ExecutionID < records[j].ExecutionID
	})
}

// applyLimit truncates records to the filter limit.
func applyLimit[S any](records []Record[S], limit int) []Record[S] {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// unavailable wraps a backend error so callers can detect it with
// errors.Is(err, ErrUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
