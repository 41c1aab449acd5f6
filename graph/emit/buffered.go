package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped by
// execution ID.
//
// Use cases:
//   - Tests asserting which steps an execution ran
//   - Debugging a single execution from the CLI
//
// Warning: every event is retained until Clear is called.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.New(st, collab, graph.WithEmitter(emitter))
//
//	snap, _ := engine.Create(ctx, "alice", "https://example.com/post")
//	starts := emitter.GetHistoryWithFilter(snap.ExecutionID, emit.HistoryFilter{Msg: emit.MsgNodeStart})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	Step   string // Filter by step (empty = no filter)
	Msg    string // Filter by message (empty = no filter)
	MinSeq *int   // Minimum sequence number (nil = no filter)
	MaxSeq *int   // Maximum sequence number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of all events for executionID in emission order.
// Returns an empty slice if there are none.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns a copy of the events for executionID that
// match filter, in emission order.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[executionID]))
	for _, event := range b.events[executionID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Steps returns the Step of every node_start event for executionID, which is
// the path the execution took through the state machine.
func (b *BufferedEmitter) Steps(executionID string) []string {
	events := b.GetHistoryWithFilter(executionID, HistoryFilter{Msg: MsgNodeStart})
	steps := make([]string, len(events))
	for i, e := range events {
		steps[i] = e.Step
	}
	return steps
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Step != "" && event.Step != filter.Step {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}

// Clear removes stored events for executionID, or all events when
// executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
