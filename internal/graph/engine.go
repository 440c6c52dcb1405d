package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arcveil/pmpl/internal/cond"
)

// Engine holds read-only adjacency indices over a Graph. It mutates no node
// state; all mutable per-node status lives in the checkpoint manager.
type Engine struct {
	g             *Graph
	forwardEdges  map[string][]*Edge
	reverseEdges  map[string][]*Edge
	inDegree      map[string]int
}

// NewEngine builds adjacency indices for g in O(V+E).
func NewEngine(g *Graph) *Engine {
	e := &Engine{
		g:            g,
		forwardEdges: make(map[string][]*Edge, len(g.Nodes)),
		reverseEdges: make(map[string][]*Edge, len(g.Nodes)),
		inDegree:     make(map[string]int, len(g.Nodes)),
	}
	for id := range g.Nodes {
		e.inDegree[id] = 0
	}
	for _, edge := range g.Edges {
		if edge == nil {
			continue
		}
		e.forwardEdges[edge.Source] = append(e.forwardEdges[edge.Source], edge)
		e.reverseEdges[edge.Target] = append(e.reverseEdges[edge.Target], edge)
		if _, ok := g.Nodes[edge.Target]; ok {
			e.inDegree[edge.Target]++
		}
	}
	return e
}

// Forward returns the outgoing edges of id, in graph declaration order.
func (e *Engine) Forward(id string) []*Edge { return e.forwardEdges[id] }

// Reverse returns the incoming edges of id, in graph declaration order.
func (e *Engine) Reverse(id string) []*Edge { return e.reverseEdges[id] }

// ValidationError describes one validation defect: an unknown edge endpoint
// or a cycle path.
type ValidationError struct {
	UnknownEndpoints []string // node ids referenced by an edge but absent from Nodes, each reported once
	CyclePath        []string // v0 -> v1 -> ... -> v0, empty if the graph is acyclic
}

func (v *ValidationError) Error() string {
	var parts []string
	if len(v.UnknownEndpoints) > 0 {
		parts = append(parts, fmt.Sprintf("unknown node(s) referenced by edges: %s", strings.Join(v.UnknownEndpoints, ", ")))
	}
	if len(v.CyclePath) > 0 {
		parts = append(parts, fmt.Sprintf("cycle: %s", strings.Join(v.CyclePath, " -> ")))
	}
	return strings.Join(parts, "; ")
}

// Empty reports whether the validation error carries no defects.
func (v *ValidationError) Empty() bool {
	return len(v.UnknownEndpoints) == 0 && len(v.CyclePath) == 0
}

// Validate reports every edge endpoint naming an unknown node, and at least
// one concrete cycle path if the graph is not acyclic. It runs in O(V+E):
// a topological pass (Kahn's algorithm) over the subgraph induced by known
// endpoints, falling back to a DFS over the unvisited remainder to extract
// one concrete cycle.
func (e *Engine) Validate() *ValidationError {
	verr := &ValidationError{}

	seenUnknown := make(map[string]bool)
	for _, edge := range e.g.Edges {
		if edge == nil {
			continue
		}
		if _, ok := e.g.Nodes[edge.Source]; !ok && !seenUnknown[edge.Source] {
			seenUnknown[edge.Source] = true
			verr.UnknownEndpoints = append(verr.UnknownEndpoints, edge.Source)
		}
		if _, ok := e.g.Nodes[edge.Target]; !ok && !seenUnknown[edge.Target] {
			seenUnknown[edge.Target] = true
			verr.UnknownEndpoints = append(verr.UnknownEndpoints, edge.Target)
		}
	}
	sort.Strings(verr.UnknownEndpoints)

	// Kahn's algorithm restricted to known nodes; edges touching an unknown
	// endpoint are ignored here since they were already reported above.
	inDeg := make(map[string]int, len(e.g.Nodes))
	for id := range e.g.Nodes {
		inDeg[id] = 0
	}
	for _, edge := range e.g.Edges {
		if edge == nil {
			continue
		}
		if _, ok := e.g.Nodes[edge.Source]; !ok {
			continue
		}
		if _, ok := e.g.Nodes[edge.Target]; !ok {
			continue
		}
		inDeg[edge.Target]++
	}

	var queue []string
	for id, d := range inDeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue) // deterministic traversal order
	visited := make(map[string]bool, len(e.g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		var next []string
		for _, edge := range e.forwardEdges[id] {
			if _, ok := e.g.Nodes[edge.Target]; !ok {
				continue
			}
			inDeg[edge.Target]--
			if inDeg[edge.Target] == 0 {
				next = append(next, edge.Target)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(visited) < len(e.g.Nodes) {
		var remaining []string
		for id := range e.g.Nodes {
			if !visited[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		verr.CyclePath = e.findCyclePath(remaining)
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

// findCyclePath runs a DFS with a parent-index path stack over the
// unresolved node set to extract one concrete v0 -> v1 -> ... -> v0 cycle.
func (e *Engine) findCyclePath(remaining []string) []string {
	remainingSet := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		remainingSet[id] = true
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(remaining))
	for _, id := range remaining {
		color[id] = white
	}
	var stack []string
	onStack := make(map[string]int) // node id -> index in stack

	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		onStack[id] = len(stack) - 1
		defer func() {
			delete(onStack, id)
			stack = stack[:len(stack)-1]
			color[id] = black
		}()

		for _, edge := range e.forwardEdges[id] {
			if !remainingSet[edge.Target] {
				continue
			}
			switch color[edge.Target] {
			case white:
				if path := dfs(edge.Target); path != nil {
					return path
				}
			case gray:
				start := onStack[edge.Target]
				cycle := append([]string{}, stack[start:]...)
				cycle = append(cycle, edge.Target)
				return cycle
			}
		}
		return nil
	}

	for _, id := range remaining {
		if color[id] == white {
			if path := dfs(id); path != nil {
				return path
			}
		}
	}
	return remaining // unreachable if remaining is genuinely non-acyclic
}

// outcomeFields flattens a NodeOutcome into the field namespace the
// "output.<field>" condition grammar addresses. A nil outcome yields an
// empty map; field lookups against it simply fail to find a key.
func outcomeFields(o *NodeOutcome) map[string]any {
	if o == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"output_summary": o.OutputSummary,
		"duration":       o.Duration,
		"model_used":     o.ModelUsed,
		"error_details":  o.ErrorDetails,
		"commit_shas":    o.CommitSHAs,
		"merge_details":  o.MergeDetails,
	}
	if o.MergeSuccess != nil {
		m["merge_success"] = *o.MergeSuccess
	} else {
		m["merge_success"] = nil
	}
	return m
}

// isExplicitFailClause reports whether condition keys specifically off the
// failed status. It is the only clause a non-completed source can satisfy:
// "always", "status == \"pass\"", and any output.<field> comparison all
// require a completed source, per the graph engine's readiness rule.
func isExplicitFailClause(condition string) bool {
	c := strings.TrimSpace(condition)
	return c == `status == "fail"` || c == "status == 'fail'"
}

// EvaluateEdge evaluates edge's condition against the source node's recorded
// status and outcome. A failed or skipped source only activates the edge
// when condition explicitly keys off the failed status; every other
// condition, including "always", requires a completed source. Exposed so
// callers (the cycle driver's per-dispatch observability logging) can report
// edge activation without duplicating this gating policy.
func (e *Engine) EvaluateEdge(edge *Edge, status Status, outcome *NodeOutcome) (bool, error) {
	if status != StatusCompleted && !isExplicitFailClause(edge.Condition) {
		return false, nil
	}
	return cond.Evaluate(edge.Condition, string(status), outcomeFields(outcome))
}

// OutcomeLookup resolves a completed/failed/skipped node's recorded outcome,
// as tracked by the checkpoint manager. The engine itself holds no status.
type OutcomeLookup interface {
	Status(nodeID string) Status
	Outcome(nodeID string) (*NodeOutcome, bool)
}

// ReadySet returns the ids of every node that is not already terminal/in
// in_progress and whose incoming edges are all satisfied: every source is
// completed/failed/skipped and every incoming edge's condition evaluates
// true against that source's recorded outcome. A node with no incoming
// edges is always ready until it reaches a terminal state.
func (e *Engine) ReadySet(lookup OutcomeLookup) []string {
	var ready []string
	var ids []string
	for id := range e.g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		switch lookup.Status(id) {
		case StatusCompleted, StatusFailed, StatusSkipped, StatusInProgress:
			continue
		}

		incoming := e.reverseEdges[id]
		if len(incoming) == 0 {
			ready = append(ready, id)
			continue
		}

		allSatisfied := true
		for _, edge := range incoming {
			srcStatus := lookup.Status(edge.Source)
			if !srcStatus.Terminal() {
				allSatisfied = false
				break
			}
			outcome, _ := lookup.Outcome(edge.Source)
			ok, err := e.EvaluateEdge(edge, srcStatus, outcome)
			if err != nil || !ok {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, id)
		}
	}
	return ready
}
