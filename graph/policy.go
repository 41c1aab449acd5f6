package graph

import "time"

// NodePolicy configures the execution behavior for a specific step.
//
// Policies are attached with WithNodePolicy. If not specified, the engine
// default from WithNodeTimeout is used.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node.
	// If zero, the engine default node timeout is used.
	Timeout time.Duration
}
