package graph

import "context"

// Node is one step of the execution state machine.
//
// A node receives a private copy of the state, performs its work (usually a
// single collaborator call), and returns the updated state together with the
// step to run next. Nodes never persist anything; the Engine checkpoints the
// returned state after every node.
//
// A node reports collaborator failures through NodeResult.Err. The Engine
// turns an *AuthRequiredError into awaiting_auth and every other error into
// terminated with the error text as the reason.
type Node interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state State) NodeResult
}

// NodeResult represents the output of a node execution.
type NodeResult struct {
	// State is the full updated state produced by this node.
	State State

	// Route specifies the next step.
	Route Next

	// Err contains any error that occurred during node execution.
	Err error
}

// Next specifies the next step after a node completes.
type Next struct {
	// To is the next step to run.
	To Step

	// Terminal stops the execution at To, which must be completed or
	// terminated.
	Terminal bool
}

// Stop returns a Next that ends the execution at a terminal step.
func Stop(step Step) Next {
	return Next{To: step, Terminal: true}
}

// Goto returns a Next that routes to the specified step.
func Goto(step Step) Next {
	return Next{To: step}
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	ingest := NodeFunc(func(ctx context.Context, s State) NodeResult {
//	    return NodeResult{State: s, Route: Goto(StepScraping)}
//	})
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements the Node interface for NodeFunc.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// terminate ends the execution with reason.
func terminate(s State, reason string) NodeResult {
	s.TerminateReason = reason
	s.Step = StepTerminated
	return NodeResult{State: s, Route: Stop(StepTerminated)}
}

// fail reports a node error; the Engine decides where it routes.
func fail(s State, err error) NodeResult {
	return NodeResult{State: s, Err: err}
}
