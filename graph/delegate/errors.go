package delegate

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/postgraph/graph"
)

// ErrAuthRequired matches failures the owner must fix by reconnecting the
// platform. It is the same sentinel the engine routes to awaiting_auth.
var ErrAuthRequired = graph.ErrAuthRequired

// Class is the retry classification of a delegate failure.
type Class string

// Failure classes.
const (
	ClassTransient    Class = "transient"
	ClassAuthRequired Class = "auth_required"
	ClassFatal        Class = "fatal"
)

// Error is a classified delegate failure.
type Error struct {
	// Op is the remote operation: "publish_post" or "upload_media".
	Op string

	Platform graph.Platform
	Class    Class

	// Reason is the delegate's failure text.
	Reason string

	// Attempts is the number of calls made before giving up.
	Attempts int

	Cause error
}

func (e *Error) Error() string {
	msg := e.Op + " " + string(e.Platform) + ": " + e.Reason
	if e.Class != "" && e.Class != ClassFatal {
		msg += " (" + string(e.Class) + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes auth failures match ErrAuthRequired.
func (e *Error) Is(target error) bool {
	return target == ErrAuthRequired && e.Class == ClassAuthRequired
}

// ToolError is returned by a Caller when the remote tool rejected the call
// itself (for example, missing arguments).
type ToolError struct {
	Text string
}

func (e *ToolError) Error() string {
	return "tool error: " + e.Text
}

var (
	authMarkers      = []string{"401", "unauthorized", "invalid_token", "token expired", "reauth", "revoked"}
	transientMarkers = []string{"429", "rate limit", "too many requests", "503", "504", "timeout", "temporarily", "unavailable"}
)

// ClassifyReason derives a class from failure text when the delegate did not
// classify it.
func ClassifyReason(reason string) Class {
	lower := strings.ToLower(reason)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return ClassAuthRequired
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// classifyTransport classifies an error returned by the Caller.
func classifyTransport(err error) Class {
	var toolErr *ToolError
	switch {
	case errors.As(err, &toolErr):
		return ClassFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	}
	return ClassTransient
}

func parseClass(s string) (Class, bool) {
	switch Class(s) {
	case ClassTransient, ClassAuthRequired, ClassFatal:
		return Class(s), true
	}
	return "", false
}
