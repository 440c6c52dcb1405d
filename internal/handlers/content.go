package handlers

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/arcveil/pmpl/internal/graph"
)

// fingerprint returns the hex-encoded BLAKE3 digest of a file's contents,
// or "" if it cannot be read. This is observational only: it is recorded
// alongside the artifact path but never consulted for validation decisions.
func fingerprint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// excludeGlobs reads the node's optional inputs.exclude_globs list.
func excludeGlobs(node *graph.Node) []string {
	raw, ok := node.Inputs["exclude_globs"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var globs []string
	for _, v := range list {
		if s, ok := v.(string); ok {
			globs = append(globs, s)
		}
	}
	return globs
}

func isExcluded(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// ContentHandler runs non-code production work with no git operations,
// then validates that the node actually produced artifacts.
type ContentHandler struct{}

func (h *ContentHandler) Execute(ctx context.Context, in Input) graph.NodeOutcome {
	node := in.Node
	sig := invokeAgent(ctx, in, node.NodeClass, filepath.Join(in.ProjectRoot, "tasks", node.ID, "agent-log"))

	switch sig.Type() {
	case "skipped":
		return graph.NodeOutcome{Status: graph.StatusSkipped, OutputSummary: sig.String("output_summary", "")}
	case "done":
		// fall through to artifact validation below
	default:
		details := sig.String("details", "")
		if details == "" {
			details = fmt.Sprintf("agent signaled %q", sig.Type())
		}
		return failedOutcome(details)
	}

	artifacts, err := h.collectArtifacts(in.ProjectRoot, node)
	if err != nil {
		return graph.NodeOutcome{
			Status:       graph.StatusFailed,
			ErrorDetails: fmt.Sprintf("missing_output: %v", err),
		}
	}
	return graph.NodeOutcome{
		Status:        graph.StatusCompleted,
		OutputSummary: sig.String("output_summary", ""),
		Artifacts:     artifacts,
	}
}

func (h *ContentHandler) collectArtifacts(projectRoot string, node *graph.Node) ([]graph.ArtifactRef, error) {
	globs := excludeGlobs(node)

	if node.OutputPath != "" {
		abs := filepath.Join(projectRoot, node.OutputPath)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("output_path %s does not exist", node.OutputPath)
		}
		if !info.IsDir() {
			return []graph.ArtifactRef{{Path: node.OutputPath, Blake3: fingerprint(abs)}}, nil
		}
		var artifacts []graph.ArtifactRef
		err = filepath.Walk(abs, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.Mode().IsRegular() {
				rel, _ := filepath.Rel(projectRoot, path)
				if isExcluded(rel, globs) {
					return nil
				}
				artifacts = append(artifacts, graph.ArtifactRef{Path: rel, Blake3: fingerprint(path)})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(artifacts) == 0 {
			return nil, fmt.Errorf("output_path %s is an empty directory", node.OutputPath)
		}
		return artifacts, nil
	}

	taskDir := filepath.Join(projectRoot, "tasks", node.ID)
	var artifacts []graph.ArtifactRef
	err := filepath.Walk(taskDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.Mode().IsRegular() {
			rel, _ := filepath.Rel(projectRoot, path)
			if isExcluded(rel, globs) {
				return nil
			}
			artifacts = append(artifacts, graph.ArtifactRef{Path: rel, Blake3: fingerprint(path)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no files produced under tasks/%s/", node.ID)
	}
	return artifacts, nil
}
