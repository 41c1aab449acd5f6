package emit

// Event represents an observability event emitted while an execution advances.
//
// Events are emitted for execution lifecycle changes (created, resumed,
// interrupted, completed, terminated) and for every node boundary. They are
// observation only: losing an event never changes an execution's outcome.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// Seq orders events within one create or resume call (1-indexed).
	Seq int

	// Step is the state-machine step the event refers to, for example
	// "scraping" or "publishing_twitter". Empty for execution-level events.
	Step string

	// Msg is the event kind. See the Msg* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": node duration in milliseconds
	//   - "error": error details (marks the OTel span as failed)
	//   - "status": execution status after the event
	//   - "reason": termination reason
	//   - "platform": platform a publish/upload step targeted
	Meta map[string]interface{}
}

// Event kinds.
const (
	MsgExecutionCreated = "execution_created"
	MsgResumed          = "resumed"
	MsgNodeStart        = "node_start"
	MsgNodeEnd          = "node_end"
	MsgInterrupt        = "interrupt"
	MsgCompleted        = "completed"
	MsgTerminated       = "terminated"
	MsgCheckpointFailed = "checkpoint_failed"
)
