package cycledriver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arcveil/pmpl/internal/graph"
)

// statusGlyph is the bracketed three-character status marker used in the ASCII
// graph-status rendering logged after each dispatch.
func statusGlyph(status graph.Status) string {
	switch status {
	case graph.StatusCompleted:
		return "[x]"
	case graph.StatusFailed:
		return "[!]"
	case graph.StatusSkipped:
		return "[-]"
	case graph.StatusInProgress:
		return "[~]"
	default:
		return "[ ]"
	}
}

// renderASCII draws one line per node, sorted by id, showing its status
// glyph and outgoing edges, for observability logging after each dispatch.
func renderASCII(g *graph.Graph, statusMap map[string]graph.Status) string {
	var ids []string
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	byID := map[string][]string{}
	for _, e := range g.Edges {
		byID[e.Source] = append(byID[e.Source], e.Target)
	}

	var lines []string
	for _, id := range ids {
		glyph := statusGlyph(statusMap[id])
		targets := byID[id]
		sort.Strings(targets)
		if len(targets) == 0 {
			lines = append(lines, fmt.Sprintf("%s %s", glyph, id))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s -> %s", glyph, id, strings.Join(targets, ", ")))
	}
	return strings.Join(lines, "\n")
}
