// Package workflow validates workflow graphs at publish time. Sessions
// never see an invalid graph at run time.
package workflow

import (
	"fmt"
	"strings"

	"convoflow/engine/pkg/models"
)

// ValidationError lists everything wrong with a submitted workflow graph.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow: %s", strings.Join(e.Problems, "; "))
}

var knownKinds = map[models.NodeKind]bool{
	models.NodeAIResponse:    true,
	models.NodeSendMessage:   true,
	models.NodeChannelRelay:  true,
	models.NodePaymentRitual: true,
	models.NodeTerminate:     true,
}

// Validate checks the structural invariants of a workflow graph: exactly
// one entry node, known node kinds, edges referencing existing nodes,
// every non-terminal node with at least one outgoing edge, and no nodes
// unreachable from the entry.
func Validate(w *models.Workflow) error {
	var problems []string

	if len(w.Nodes) == 0 {
		problems = append(problems, "workflow has no nodes")
		return &ValidationError{Problems: problems}
	}

	nodes := make(map[string]*models.Node, len(w.Nodes))
	var entries int
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n
		if n.Entry {
			entries++
		}
		if !knownKinds[n.Kind] {
			problems = append(problems, fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind))
		}
	}
	if entries != 1 {
		problems = append(problems, fmt.Sprintf("workflow must have exactly one entry node, found %d", entries))
	}

	outgoing := make(map[string]int)
	adjacent := make(map[string][]string)
	for _, e := range w.Edges {
		if _, ok := nodes[e.From]; !ok {
			problems = append(problems, fmt.Sprintf("edge references unknown source node %q", e.From))
			continue
		}
		if _, ok := nodes[e.To]; !ok {
			problems = append(problems, fmt.Sprintf("edge references unknown target node %q", e.To))
			continue
		}
		outgoing[e.From]++
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	for id, n := range nodes {
		if n.Kind != models.NodeTerminate && outgoing[id] == 0 {
			problems = append(problems, fmt.Sprintf("non-terminal node %q has no outgoing edges", id))
		}
	}

	if entries == 1 {
		entry, _ := w.EntryNode()
		reached := map[string]bool{entry.ID: true}
		queue := []string{entry.ID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range adjacent[cur] {
				if !reached[next] {
					reached[next] = true
					queue = append(queue, next)
				}
			}
		}
		for id := range nodes {
			if !reached[id] {
				problems = append(problems, fmt.Sprintf("node %q is unreachable from the entry node", id))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
