package cycledriver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arcveil/pmpl/internal/graph"
)

// buildPlannerContext assembles the text handed to the planning agent for
// one cycle: the roadmap, the cycle number, and (from cycle 2 onward) a
// categorized summary of the previous cycle's node outcomes so the planner
// can react to what just happened instead of re-deriving it from scratch.
func (d *Driver) buildPlannerContext(cycle int, roadmap string, prevOutcomes map[string]graph.NodeOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Planning cycle %d\n\n", cycle)

	if roadmap != "" {
		b.WriteString("## Roadmap\n\n")
		b.WriteString(roadmap)
		b.WriteString("\n\n")
	}

	if len(prevOutcomes) > 0 {
		b.WriteString("## Previous cycle outcomes\n\n")
		b.WriteString(categorizedSummary(prevOutcomes))
		b.WriteString("\n")
	}

	return b.String()
}

// categorizedSummary groups the previous cycle's outcomes by status, listing
// node ids in each bucket plus a one-line error detail for each failed node.
func categorizedSummary(outcomes map[string]graph.NodeOutcome) string {
	buckets := map[graph.Status][]string{}
	var ids []string
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := outcomes[id].Status
		buckets[st] = append(buckets[st], id)
	}

	order := []graph.Status{graph.StatusCompleted, graph.StatusFailed, graph.StatusSkipped}
	var b strings.Builder
	for _, st := range order {
		nodeIDs, ok := buckets[st]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", st, strings.Join(nodeIDs, ", "))
		if st == graph.StatusFailed {
			for _, id := range nodeIDs {
				if details := outcomes[id].ErrorDetails; details != "" {
					fmt.Fprintf(&b, "  - %s: %s\n", id, details)
				}
			}
		}
	}
	return b.String()
}
