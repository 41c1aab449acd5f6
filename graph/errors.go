package graph

import (
	"errors"
	"strings"

	"github.com/dshills/postgraph/graph/store"
)

// ErrNotFound indicates the execution does not exist, or (for Resume) has
// already reached a terminal status.
var ErrNotFound = errors.New("execution not found")

// ErrStoreUnavailable indicates the checkpoint store could not be reached.
// No status transition happened; the caller retries the whole call.
var ErrStoreUnavailable = store.ErrUnavailable

// ErrNotAwaiting is returned by Resume when the execution is still running.
var ErrNotAwaiting = errors.New("execution is not awaiting input")

// ErrInvalidInput reports a malformed request (empty owner, unknown platform).
var ErrInvalidInput = errors.New("invalid input")

// ErrAuthRequired indicates the owner must reconnect a platform before the
// delegate can act. Delegate implementations wrap it.
var ErrAuthRequired = errors.New("authentication required")

// Collaborator failure classes. A *CollaboratorError matches the sentinel of
// its kind with errors.Is.
var (
	ErrScrapeFailed     = errors.New("scrape failed")
	ErrGenerationFailed = errors.New("generation failed")
	ErrUploadFailed     = errors.New("upload failed")
	ErrPublishFailed    = errors.New("publish failed")
)

// CollaboratorError is a terminal failure of an external collaborator,
// captured at the node boundary.
type CollaboratorError struct {
	// Kind is one of ErrScrapeFailed, ErrGenerationFailed, ErrUploadFailed,
	// ErrPublishFailed.
	Kind error

	// Step is the node that observed the failure.
	Step Step

	// Reason is the human-readable text stored as the termination reason.
	Reason string

	Cause error
}

func (e *CollaboratorError) Error() string {
	return e.Reason
}

func (e *CollaboratorError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the kind sentinel of e.
func (e *CollaboratorError) Is(target error) bool {
	return target == e.Kind
}

// AuthRequiredError routes an execution to awaiting_auth.
type AuthRequiredError struct {
	Platforms []Platform
	Reason    string
	Cause     error
}

func (e *AuthRequiredError) Error() string {
	names := make([]string, len(e.Platforms))
	for i, p := range e.Platforms {
		names[i] = string(p)
	}
	msg := "authentication required for " + strings.Join(names, ", ")
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Cause
}

// Is makes every AuthRequiredError match ErrAuthRequired.
func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NodeError wraps a failure of one node with the step it happened in.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// Step identifies which node produced this error.
	Step Step

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.Step != "" {
		return "node " + string(e.Step) + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
