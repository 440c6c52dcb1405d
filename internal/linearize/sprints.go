package linearize

import (
	"regexp"
	"strconv"

	"github.com/arcveil/pmpl/internal/graph"
)

var sprintIDRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeSprintID(id string) string {
	return sprintIDRe.ReplaceAllString(id, "-")
}

// FromSprints converts a next_task signal's flat sprints[] list into a
// Graph. Sprints are walked left to right; a run of consecutive
// parallel_safe sprints forms a fan-out/fan-in block rooted at the
// nearest preceding sequential sprint and joined by the next one. A
// leading parallel run with no preceding sequential sprint is rooted at
// a synthetic fan_out node (id "fanout-root") instead of being dropped.
func FromSprints(fields map[string]any) (*graph.Graph, error) {
	rawSprints, _ := fields["sprints"].([]any)

	var nodes []*graph.Node
	var edges []*graph.Edge
	seen := map[string]int{}
	var prevIDs []string

	i, n := 0, len(rawSprints)
	for i < n {
		m, ok := rawSprints[i].(map[string]any)
		if !ok {
			i++
			continue
		}
		if parallelSafe, _ := m["parallel_safe"].(bool); !parallelSafe {
			id := uniqueSprintID(str(m, "id", ""), seen)
			nodes = append(nodes, sprintNode(m, id))
			for _, p := range prevIDs {
				edges = append(edges, &graph.Edge{Source: p, Target: id, Condition: "always"})
			}
			prevIDs = []string{id}
			i++
			continue
		}

		var runIDs []string
		for i < n {
			mm, ok := rawSprints[i].(map[string]any)
			if !ok {
				break
			}
			if ps, _ := mm["parallel_safe"].(bool); !ps {
				break
			}
			id := uniqueSprintID(str(mm, "id", ""), seen)
			nodes = append(nodes, sprintNode(mm, id))
			runIDs = append(runIDs, id)
			i++
		}

		roots := prevIDs
		if len(roots) == 0 {
			const rootID = "fanout-root"
			nodes = append(nodes, &graph.Node{ID: rootID, Name: rootID, Type: graph.NodeFanOut})
			roots = []string{rootID}
		}
		for _, root := range roots {
			for _, rid := range runIDs {
				edges = append(edges, &graph.Edge{Source: root, Target: rid, Condition: "always"})
			}
		}
		prevIDs = runIDs
	}

	return graph.New(nodes, edges, ""), nil
}

func sprintNode(m map[string]any, id string) *graph.Node {
	n := &graph.Node{
		ID:          id,
		Name:        str(m, "name", id),
		Type:        graph.NodeTask,
		NodeClass:   "implementation",
		HandlerType: graph.HandlerSoftware,
		ContextFid:  graph.FidelityPartial,
		Branch:      str(m, "branch", ""),
		PRDPath:     str(m, "prd_path", ""),
	}
	if crit, ok := m["criteria"].([]any); ok {
		n.Criteria = toStrings(crit)
	}
	inputs := map[string]any{}
	if desc, ok := m["description"].(string); ok && desc != "" {
		inputs["description"] = desc
	}
	if extra, ok := m["inputs"].(map[string]any); ok {
		for k, v := range extra {
			inputs[k] = v
		}
	}
	if len(inputs) > 0 {
		n.Inputs = inputs
	}
	return n
}

func uniqueSprintID(rawID string, seen map[string]int) string {
	base := sanitizeSprintID(rawID)
	count := seen[base]
	seen[base] = count + 1
	if count == 0 {
		return base
	}
	suffix := count + 1
	return base + "-" + strconv.Itoa(suffix)
}
