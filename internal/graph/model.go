// Package graph holds the orchestrator's execution-DAG data model: typed
// nodes and edges, fidelity/status enums, and the outcome shape handlers
// return. The graph is immutable once built; all mutable per-node state
// lives in the checkpoint manager (see internal/checkpoint), keyed by node id.
package graph

import "fmt"

// NodeType classifies a node's role in the graph shape.
type NodeType string

const (
	NodeTask    NodeType = "task"
	NodeGate    NodeType = "gate"
	NodeFanOut  NodeType = "fan_out"
	NodeFanIn   NodeType = "fan_in"
	NodeDisc    NodeType = "discovery"
)

// Handler selects which execution plane runs a node.
type Handler string

const (
	HandlerSoftware  Handler = "software"
	HandlerContent   Handler = "content"
	HandlerDiscovery Handler = "discovery"
)

// Fidelity governs how much upstream context a node receives.
type Fidelity string

const (
	FidelityMinimal Fidelity = "minimal"
	FidelityPartial Fidelity = "partial"
	FidelityFull    Fidelity = "full"
)

// Status is a node's lifecycle state, tracked by the checkpoint manager.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusRetrying   Status = "retrying"
)

// Terminal reports whether the status can no longer change within a cycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Node is a unit of work in the execution DAG.
type Node struct {
	ID             string
	Name           string
	Type           NodeType
	NodeClass      string
	HandlerType    Handler
	ContextFid     Fidelity
	Inputs         map[string]any
	Criteria       []string
	ComplexityHint string // "simple" | "complex" | ""
	DiscoveryTools []string
	SourceMaterial []string
	PRDPath        string
	Branch         string
	OutputPath     string
	MaxRetries     int
	RetryTarget    string
}

// Edge is a directed connection between two nodes, gated by Condition.
type Edge struct {
	Source    string
	Target    string
	Condition string
}

// Graph is a validated-or-not (nodes, edges) pair plus an inferred/declared
// domain. Identity is structural: two graphs with the same node set and
// edge set (ignoring edge order) are equal for hashing purposes.
type Graph struct {
	Nodes  map[string]*Node
	Edges  []*Edge
	Domain string
}

// New builds a Graph from node and edge slices, indexing nodes by id.
func New(nodes []*Node, edges []*Edge, domain string) *Graph {
	g := &Graph{Nodes: make(map[string]*Node, len(nodes)), Domain: domain}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		g.Nodes[n.ID] = n
	}
	g.Edges = append(g.Edges, edges...)
	return g
}

// NodeOutcome is a handler's return value for a single node execution.
type NodeOutcome struct {
	Status         Status
	OutputSummary  string
	Artifacts      []ArtifactRef
	Duration       float64 // seconds
	ModelUsed      string
	ErrorDetails   string
	CommitSHAs     []string
	MergeSuccess   *bool
	MergeDetails   string
}

// ArtifactRef is a recorded artifact path plus its content fingerprint.
type ArtifactRef struct {
	Path   string `json:"path"`
	Blake3 string `json:"blake3"`
}

// Attr returns an Inputs string value, or def if absent/not a string.
func (n *Node) Attr(key, def string) string {
	if n == nil || n.Inputs == nil {
		return def
	}
	v, ok := n.Inputs[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
