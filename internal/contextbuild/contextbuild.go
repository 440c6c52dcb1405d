// Package contextbuild composes the text passed to an executor for a given
// node at a given fidelity tier, checking the result against that tier's
// token budget (see Build for what an overrun does).
package contextbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arcveil/pmpl/internal/checkpoint"
	"github.com/arcveil/pmpl/internal/graph"
	"github.com/arcveil/pmpl/internal/logx"
)

const (
	minimalTokenBudget = 30_000
	partialTokenBudget = 60_000
	fullTokenBudget    = 100_000
	charsPerToken      = 4

	outcomesExcerptLen  = 500
	upstreamSummaryLen  = 500
)

var memoryFiles = []string{
	".ai/ARCHITECTURE.json",
	".ai/FILES.json",
	".ai/PATTERNS.md",
	".ai/QUICK.md",
	".ai/BUSINESS.json",
}

// Builder composes node-context text against one project root, reading
// checkpoint summaries via ckpt and upstream adjacency via eng.
type Builder struct {
	ProjectRoot string
	Checkpoint  *checkpoint.Manager
	Engine      *graph.Engine
	Log         *logx.Logger
}

func estimateTokens(s string) int { return len(s) / charsPerToken }

func (b *Builder) readFile(rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(b.ProjectRoot, rel))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (b *Builder) outcomesExcerpt() string {
	text, ok := b.readFile("tasks/OUTCOMES.md")
	if !ok {
		return ""
	}
	if len(text) > outcomesExcerptLen {
		return text[:outcomesExcerptLen]
	}
	return text
}

func (b *Builder) memoryFileListing() string {
	var sb strings.Builder
	sb.WriteString("Memory files:\n")
	for _, rel := range memoryFiles {
		if _, err := os.Stat(filepath.Join(b.ProjectRoot, rel)); err == nil {
			sb.WriteString(fmt.Sprintf("- %s: present\n", rel))
		} else {
			sb.WriteString(fmt.Sprintf("- %s: missing\n", rel))
		}
	}
	return sb.String()
}

func (b *Builder) nodeParamsText(n *graph.Node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Node: %s (%s)\n", n.ID, n.Name)
	fmt.Fprintf(&sb, "Type: %s  Class: %s  Handler: %s\n", n.Type, n.NodeClass, n.HandlerType)
	if len(n.Criteria) > 0 {
		sb.WriteString("Criteria:\n")
		for _, c := range n.Criteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if len(n.Inputs) > 0 {
		sb.WriteString("Inputs:\n")
		for k, v := range n.Inputs {
			fmt.Fprintf(&sb, "- %s: %v\n", k, v)
		}
	}
	return sb.String()
}

func (b *Builder) minimalBase(n *graph.Node) string {
	var sb strings.Builder
	sb.WriteString(b.nodeParamsText(n))
	sb.WriteString("\nOutcomes summary:\n")
	sb.WriteString(b.outcomesExcerpt())
	sb.WriteString("\n\n")
	sb.WriteString(b.memoryFileListing())
	return sb.String()
}

func (b *Builder) directUpstreamSection(n *graph.Node) string {
	var sb strings.Builder
	for _, edge := range b.Engine.Reverse(n.ID) {
		summary := b.Checkpoint.GetOutputSummary(edge.Source)
		if len(summary) > upstreamSummaryLen {
			summary = summary[:upstreamSummaryLen]
		}
		fmt.Fprintf(&sb, "\nUpstream %s summary: %s\n", edge.Source, summary)
		if contextMD, ok := b.readFile(filepath.Join("tasks", edge.Source, "CONTEXT.md")); ok {
			fmt.Fprintf(&sb, "Upstream %s CONTEXT.md:\n%s\n", edge.Source, contextMD)
		}
	}
	return sb.String()
}

// transitiveUpstream returns every node id reachable from n via reverse
// edges (i.e. every ancestor), BFS order.
func (b *Builder) transitiveUpstream(nodeID string) []string {
	visited := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range b.Engine.Reverse(id) {
			if !visited[edge.Source] {
				visited[edge.Source] = true
				order = append(order, edge.Source)
				queue = append(queue, edge.Source)
			}
		}
	}
	return order
}

func (b *Builder) fullUpstreamSection(n *graph.Node) string {
	var sb strings.Builder
	for _, id := range b.transitiveUpstream(n.ID) {
		summary := b.Checkpoint.GetOutputSummary(id)
		fmt.Fprintf(&sb, "\nFull upstream %s summary:\n%s\n", id, summary)
	}
	return sb.String()
}

// Build composes the context text for node n at the given fidelity.
// Minimal/partial overruns are logged as warnings but never change the
// output; full overrunning the 100K hard ceiling recursively downgrades to
// partial and logs the downgrade.
func (b *Builder) Build(n *graph.Node, fidelity graph.Fidelity) string {
	switch fidelity {
	case graph.FidelityMinimal:
		text := b.minimalBase(n)
		b.warnIfOver(text, minimalTokenBudget, n.ID, "minimal")
		return text
	case graph.FidelityPartial:
		text := b.minimalBase(n) + b.directUpstreamSection(n)
		b.warnIfOver(text, partialTokenBudget, n.ID, "partial")
		return text
	case graph.FidelityFull:
		text := b.minimalBase(n) + b.directUpstreamSection(n) + b.fullUpstreamSection(n)
		if estimateTokens(text) > fullTokenBudget {
			if b.Log != nil {
				b.Log.Warn("full-fidelity context exceeded 100K token ceiling; downgrading to partial", map[string]any{
					"node_id": n.ID,
				})
			}
			return b.Build(n, graph.FidelityPartial)
		}
		return text
	default:
		return b.minimalBase(n)
	}
}

func (b *Builder) warnIfOver(text string, budget int, nodeID, tier string) {
	if b.Log == nil {
		return
	}
	if estimateTokens(text) > budget {
		b.Log.Warn(fmt.Sprintf("%s-fidelity context exceeded its %d-token budget", tier, budget), map[string]any{
			"node_id": nodeID,
		})
	}
}
