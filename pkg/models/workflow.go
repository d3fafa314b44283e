// Package models defines the domain models for the workflow engine.
package models

import (
	"time"
)

// NodeKind identifies the action a node performs.
type NodeKind string

const (
	NodeAIResponse    NodeKind = "ai_response"
	NodeSendMessage   NodeKind = "send_message"
	NodeChannelRelay  NodeKind = "channel_relay"
	NodePaymentRitual NodeKind = "payment_ritual"
	NodeTerminate     NodeKind = "terminate"
)

// OutcomeDefault is the fallback edge guard followed when no specific
// guard matches a handler's reported outcome.
const OutcomeDefault = "default"

// Common outcome labels reported by handlers or the engine itself.
const (
	OutcomeContinue       = "continue"
	OutcomeSent           = "sent"
	OutcomeFailed         = "failed"
	OutcomeCompleted      = "completed"
	OutcomeConfirmed      = "confirmed"
	OutcomeExpired        = "expired"
	OutcomeTimeout        = "timeout"
	OutcomeQuotaExceeded  = "quota_exceeded"
	OutcomeAlreadyPending = "already_pending"
)

// Node is a single step definition within a workflow graph.
type Node struct {
	ID     string            `json:"id" db:"id"`
	Kind   NodeKind          `json:"kind" db:"kind"`
	Entry  bool              `json:"entry,omitempty" db:"entry"`
	Config map[string]string `json:"config,omitempty" db:"config"` // JSONB
}

// Edge connects two nodes. Outcome is the guard label the source node's
// reported outcome must match for the edge to be followed; empty is
// treated as "default".
type Edge struct {
	From    string `json:"from" db:"from_node"`
	To      string `json:"to" db:"to_node"`
	Outcome string `json:"outcome,omitempty" db:"outcome"`
}

// Workflow is an immutable (per version) directed graph of nodes and edges
// that sessions walk one node at a time.
type Workflow struct {
	ID        string    `json:"id" db:"id"` // Unique version ID
	Name      string    `json:"name" db:"name"`
	Version   int       `json:"version" db:"version"`
	Nodes     []Node    `json:"nodes" db:"nodes"`
	Edges     []Edge    `json:"edges" db:"edges"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EntryNode returns the node flagged as the graph's entry point.
func (w *Workflow) EntryNode() (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].Entry {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// EdgesFrom returns all edges leaving the given node, in definition order.
func (w *Workflow) EdgesFrom(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}
