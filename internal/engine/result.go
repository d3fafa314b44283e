// Package engine drives sessions through their workflow graphs one step
// at a time: it resolves the current node, dispatches to the action
// handler for the node's kind, applies the returned result, and routes
// the next node from the reported outcome.
package engine

import (
	"time"

	"convoflow/engine/pkg/models"
)

// InvocationResult is the declarative outcome of one handler execution.
// Handlers never mutate the session; every requested change travels in
// this result.
type InvocationResult struct {
	// Outcome selects the next edge.
	Outcome string
	// Suspend parks the session until an external event matching
	// WaitCondition arrives, or Deadline passes.
	Suspend       bool
	WaitCondition string
	Deadline      *time.Time
	// VariableUpdates are merged into the session's bindings.
	VariableUpdates map[string]string
	// SideEffect describes what the handler did, for audit history only.
	SideEffect string
}

// QuotaContext carries the resolved account quota state into a handler
// execution.
type QuotaContext struct {
	Tier *models.Tier
	Now  time.Time
}

// StepResult reports where a session landed after one applied step.
type StepResult struct {
	SessionID     string
	Status        models.SessionStatus
	Outcome       string
	NodeID        string
	WaitCondition string
	Deadline      *time.Time
}
