package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where restarts may lose executions
//
// States are copied through their JSON encoding on the way in and out, so the
// stored checkpoint can never be mutated through a caller's copy and the
// round-trip behaviour matches the database backends.
//
// MemStore is safe for concurrent use.
type MemStore[S any] struct {
	mu      sync.RWMutex
	history map[string][]Record[S] // executionID -> checkpoints in version order
	closed  bool
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemStore[graph.State]()
//	engine, err := graph.New(st, collaborators)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		history: make(map[string][]Record[S]),
	}
}

// Save appends a checkpoint.
func (m *MemStore[S]) Save(_ context.Context, rec Record[S]) error {
	if err := validate(rec); err != nil {
		return err
	}
	state, err := deepCopy(rec.State)
	if err != nil {
		return err
	}
	rec.State = state
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return unavailable("save", errStoreClosed)
	}
	prev := m.history[rec.ExecutionID]
	rec.Version = len(prev) + 1
	if len(prev) > 0 {
		rec.OwnerID = prev[0].OwnerID
	}
	m.history[rec.ExecutionID] = append(prev, rec)
	return nil
}

// Load returns the latest checkpoint.
func (m *MemStore[S]) Load(_ context.Context, executionID string) (Record[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record[S]{}, unavailable("load", errStoreClosed)
	}
	records := m.history[executionID]
	if len(records) == 0 {
		return Record[S]{}, ErrNotFound
	}
	return cloneRecord(records[len(records)-1])
}

// List returns latest checkpoints matching filter, most recent first.
func (m *MemStore[S]) List(_ context.Context, filter Filter) ([]Record[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, unavailable("list", errStoreClosed)
	}
	out := make([]Record[S], 0)
	for _, records := range m.history {
		latest := records[len(records)-1]
		if !filter.Matches(latest.Status, latest.OwnerID) {
			continue
		}
		rec, err := cloneRecord(latest)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecent(out)
	return applyLimit(out, filter.Limit), nil
}

// History returns every checkpoint for executionID.
func (m *MemStore[S]) History(_ context.Context, executionID string) ([]Record[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, unavailable("history", errStoreClosed)
	}
	records := m.history[executionID]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Record[S], 0, len(records))
	for _, r := range records {
		rec, err := cloneRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close marks the store unavailable. Subsequent operations fail with
// ErrUnavailable, which makes MemStore useful for exercising outage paths.
func (m *MemStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen reverses Close.
func (m *MemStore[S]) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

func cloneRecord[S any](rec Record[S]) (Record[S], error) {
	state, err := deepCopy(rec.State)
	if err != nil {
		return Record[S]{}, err
	}
	rec.State = state
	return rec, nil
}

// deepCopy copies a state through its JSON encoding.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return copied, nil
}
