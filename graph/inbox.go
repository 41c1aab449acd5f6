package graph

import (
	"context"
	"strings"
	"time"

	"github.com/dshills/postgraph/graph/store"
)

// InboxStatuses are the statuses that need a human.
var InboxStatuses = []Status{StatusAwaitingHuman, StatusAwaitingAuth}

// Summary is the inbox projection of an execution.
type Summary struct {
	ExecutionID string     `json:"execution_id"`
	OwnerID     string     `json:"owner_id"`
	Status      Status     `json:"status"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Interrupt   *Interrupt `json:"interrupt,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summarize projects an execution into its inbox summary.
func Summarize(x Execution) Summary {
	s := Summary{
		ExecutionID: x.ExecutionID,
		OwnerID:     x.OwnerID,
		Status:      x.Status,
		URL:         x.State.URL,
		Title:       x.State.Title,
		UpdatedAt:   x.UpdatedAt,
	}
	if x.State.Interrupt != nil {
		in := *x.State.Interrupt
		s.Interrupt = &in
	}
	return s
}

// Inbox lists the executions of ownerID waiting for a human decision or a
// reconnect, most recently updated first. It is a read projection over the
// checkpoint store and holds no state of its own.
//
// limit caps the result; zero returns everything.
func (e *Engine) Inbox(ctx context.Context, ownerID string, limit int) ([]Summary, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	recs, err := e.store.List(ctx, store.Filter{
		Statuses: InboxStatuses,
		OwnerID:  ownerID,
		Limit:    limit,
	})
	if err != nil {
		e.cfg.metrics.IncrementStoreErrors("list")
		return nil, err
	}
	out := make([]Summary, len(recs))
	for i, rec := range recs {
		out[i] = Summarize(executionFromRecord(rec))
	}
	return out, nil
}

// List returns executions matching statuses (active statuses when empty) and,
// when ownerID is set, that owner.
func (e *Engine) List(ctx context.Context, ownerID string, statuses []Status, limit int) ([]Summary, error) {
	recs, err := e.store.List(ctx, store.Filter{Statuses: statuses, OwnerID: ownerID, Limit: limit})
	if err != nil {
		e.cfg.metrics.IncrementStoreErrors("list")
		return nil, err
	}
	out := make([]Summary, len(recs))
	for i, rec := range recs {
		out[i] = Summarize(executionFromRecord(rec))
	}
	return out, nil
}
