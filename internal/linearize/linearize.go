// Package linearize converts planner signal payloads into graph.Graph
// values. next_graph payloads map onto the graph model directly; next_task
// payloads carry the legacy flat sprints[] form and are converted by the
// fan-out/fan-in rule described for this spec's linearization step.
package linearize

import (
	"fmt"

	"github.com/arcveil/pmpl/internal/graph"
)

// FromGraphEnvelope builds a Graph directly from a next_graph signal's
// nodes[]/edges[] lists.
func FromGraphEnvelope(fields map[string]any) (*graph.Graph, error) {
	rawNodes, _ := fields["nodes"].([]any)
	rawEdges, _ := fields["edges"].([]any)

	var nodes []*graph.Node
	for _, rn := range rawNodes {
		m, ok := rn.(map[string]any)
		if !ok {
			continue
		}
		n, err := nodeFromMap(m)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	var edges []*graph.Edge
	for _, re := range rawEdges {
		m, ok := re.(map[string]any)
		if !ok {
			continue
		}
		edges = append(edges, &graph.Edge{
			Source:    str(m, "source", ""),
			Target:    str(m, "target", ""),
			Condition: str(m, "condition", "always"),
		})
	}

	domain, _ := fields["domain"].(string)
	return graph.New(nodes, edges, domain), nil
}

func nodeFromMap(m map[string]any) (*graph.Node, error) {
	id := str(m, "id", "")
	if id == "" {
		return nil, fmt.Errorf("linearize: node missing id")
	}
	n := &graph.Node{
		ID:             id,
		Name:           str(m, "name", id),
		Type:           graph.NodeType(str(m, "type", string(graph.NodeTask))),
		NodeClass:      str(m, "node_class", ""),
		HandlerType:    graph.Handler(str(m, "handler", "")),
		ContextFid:     graph.Fidelity(str(m, "context_fidelity", string(graph.FidelityPartial))),
		ComplexityHint: str(m, "complexity_hint", ""),
		PRDPath:        str(m, "prd_path", ""),
		Branch:         str(m, "branch", ""),
		OutputPath:     str(m, "output_path", ""),
		RetryTarget:    str(m, "retry_target", ""),
	}
	if inputs, ok := m["inputs"].(map[string]any); ok {
		n.Inputs = inputs
	}
	if crit, ok := m["criteria"].([]any); ok {
		n.Criteria = toStrings(crit)
	}
	if tools, ok := m["discovery_tools"].([]any); ok {
		n.DiscoveryTools = toStrings(tools)
	}
	if src, ok := m["source_materials"].([]any); ok {
		n.SourceMaterial = toStrings(src)
	}
	if mr, ok := m["max_retries"].(int); ok {
		n.MaxRetries = mr
	} else if mrf, ok := m["max_retries"].(float64); ok {
		n.MaxRetries = int(mrf)
	}
	return n, nil
}

func str(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func toStrings(items []any) []string {
	var out []string
	for _, v := range items {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
