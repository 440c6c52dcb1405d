package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arcveil/pmpl/internal/domain"
	"github.com/arcveil/pmpl/internal/graph"
)

// DiscoveryHandler produces a CONTEXT.md decision document for downstream
// planning nodes. It always writes the file itself regardless of agent
// behavior, so downstream nodes can assume it exists.
type DiscoveryHandler struct{}

func (h *DiscoveryHandler) Execute(ctx context.Context, in Input) graph.NodeOutcome {
	node := in.Node

	complexity := node.ComplexityHint
	if complexity != "simple" && complexity != "complex" {
		complexity = domain.Complexity(in.Context)
	}

	promptedIn := in
	promptedIn.Context = h.buildPrompt(in.Context, complexity)

	sig := invokeAgent(ctx, promptedIn, node.NodeClass, filepath.Join(in.ProjectRoot, "tasks", node.ID, "agent-log"))

	taskDir := filepath.Join(in.ProjectRoot, "tasks", node.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return failedOutcome(fmt.Sprintf("execution_failed: %v", err))
	}

	contextPath := filepath.Join(taskDir, "CONTEXT.md")
	doc := h.renderContextDoc(sig, complexity)
	if err := os.WriteFile(contextPath, []byte(doc), 0o644); err != nil {
		return failedOutcome(fmt.Sprintf("execution_failed: %v", err))
	}

	relArtifact := filepath.Join("tasks", node.ID, "CONTEXT.md")

	if sig.Type() == "skipped" {
		return graph.NodeOutcome{Status: graph.StatusSkipped, OutputSummary: sig.String("output_summary", "")}
	}
	if sig.Type() != "done" {
		details := sig.String("details", "")
		if details == "" {
			details = fmt.Sprintf("agent signaled %q", sig.Type())
		}
		return graph.NodeOutcome{
			Status:        graph.StatusFailed,
			ErrorDetails:  details,
			Artifacts:     []graph.ArtifactRef{{Path: relArtifact, Blake3: fingerprint(contextPath)}},
			OutputSummary: "",
		}
	}

	return graph.NodeOutcome{
		Status:        graph.StatusCompleted,
		OutputSummary: sig.String("approach", sig.String("output_summary", "")),
		Artifacts:     []graph.ArtifactRef{{Path: relArtifact, Blake3: fingerprint(contextPath)}},
	}
}

func (h *DiscoveryHandler) buildPrompt(baseContext, complexity string) string {
	if complexity == "simple" {
		return baseContext + "\n\n" +
			"Respond with a compact decision document (~2000 token budget) covering:\n" +
			"## Approach\n## Rationale\n## Constraints\n"
	}
	return baseContext + "\n\n" +
		"Respond with a decision document covering:\n" +
		"## Approach\n## Rationale\n## Constraints\n## Investigation Findings\n## Alternatives Considered\n" +
		"You may optionally invoke investigation and debate sub-tools before answering.\n"
}

func (h *DiscoveryHandler) renderContextDoc(sig interface {
	String(key, def string) string
}, complexity string) string {
	get := func(k string) string { return sig.String(k, "(not provided)") }
	doc := fmt.Sprintf(
		"## Approach\n%s\n\n## Rationale\n%s\n\n## Constraints\n%s\n",
		get("approach"), get("rationale"), get("constraints"),
	)
	if complexity == "complex" {
		doc += fmt.Sprintf(
			"\n## Investigation Findings\n%s\n\n## Alternatives Considered\n%s\n",
			get("investigation_findings"), get("alternatives_considered"),
		)
	}
	return doc
}
