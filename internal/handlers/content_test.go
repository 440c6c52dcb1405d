package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arcveil/pmpl/internal/graph"
)

func TestCollectArtifactsOutputPathFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "report.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &ContentHandler{}
	node := &graph.Node{ID: "n1", OutputPath: "report.md"}
	artifacts, err := h.collectArtifacts(root, node)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 || artifacts[0].Path != "report.md" {
		t.Errorf("got %v", artifacts)
	}
	if artifacts[0].Blake3 == "" {
		t.Error("expected a blake3 fingerprint to be recorded")
	}
}

func TestCollectArtifactsOutputPathDirectoryWithExcludes(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "out")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "keep.md"), []byte("keep"), 0o644)
	os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("scratch"), 0o644)

	h := &ContentHandler{}
	node := &graph.Node{ID: "n1", OutputPath: "out", Inputs: map[string]any{
		"exclude_globs": []any{"**/*.tmp"},
	}}
	artifacts, err := h.collectArtifacts(root, node)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 || filepath.Base(artifacts[0].Path) != "keep.md" {
		t.Errorf("expected only keep.md, got %v", artifacts)
	}
}

func TestCollectArtifactsMissingOutputPathFails(t *testing.T) {
	root := t.TempDir()
	h := &ContentHandler{}
	node := &graph.Node{ID: "n1", OutputPath: "nope"}
	if _, err := h.collectArtifacts(root, node); err == nil {
		t.Error("expected error for missing output_path")
	}
}

func TestCollectArtifactsTaskDirFallback(t *testing.T) {
	root := t.TempDir()
	taskDir := filepath.Join(root, "tasks", "n1")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(taskDir, "a.txt"), []byte("a"), 0o644)

	h := &ContentHandler{}
	node := &graph.Node{ID: "n1"}
	artifacts, err := h.collectArtifacts(root, node)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 {
		t.Errorf("got %v", artifacts)
	}
}

func TestCollectArtifactsZeroFilesFails(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "tasks", "n1"), 0o755); err != nil {
		t.Fatal(err)
	}
	h := &ContentHandler{}
	node := &graph.Node{ID: "n1"}
	if _, err := h.collectArtifacts(root, node); err == nil {
		t.Error("expected missing_output error for zero files")
	}
}
