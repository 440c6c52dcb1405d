package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/arcveil/pmpl/internal/gitutil"
	"github.com/arcveil/pmpl/internal/graph"
)

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeNodeID(id string) string {
	return sanitizeRe.ReplaceAllString(id, "-")
}

const stashMessagePrefix = "pmpl-mainline-sync-stash"

// SoftwareHandler runs one implementation node in an isolated git worktree,
// then merges it to mainline, following a five-step contract with cleanup
// guaranteed on every exit path.
type SoftwareHandler struct{}

func (h *SoftwareHandler) Execute(ctx context.Context, in Input) graph.NodeOutcome {
	repoDir := in.ProjectRoot
	node := in.Node

	mainline, err := h.syncMainline(repoDir)
	if err != nil {
		return failedOutcome(err.Error())
	}

	worktreeDir := filepath.Join(repoDir, ".worktrees", sanitizeNodeID(node.ID))
	branch := node.Branch
	if branch == "" {
		branch = "pmpl/" + sanitizeNodeID(node.ID)
	}
	if err := h.createWorktree(repoDir, worktreeDir, branch, mainline); err != nil {
		return failedOutcome(fmt.Sprintf("branch_creation_failed: %v", err))
	}
	defer h.cleanup(repoDir, worktreeDir)

	sig := invokeAgent(ctx, in, node.NodeClass, filepath.Join(repoDir, "tasks", node.ID, "agent-log"))

	switch sig.Type() {
	case "skipped":
		return graph.NodeOutcome{Status: graph.StatusSkipped, OutputSummary: sig.String("output_summary", "")}
	case "done":
		return h.merge(repoDir, mainline, branch)
	default:
		details := sig.String("details", "")
		if details == "" {
			details = fmt.Sprintf("agent signaled %q", sig.Type())
		}
		return failedOutcome(details)
	}
}

func (h *SoftwareHandler) syncMainline(repoDir string) (string, error) {
	var mainline string
	if gitutil.BranchExists(repoDir, "main") {
		mainline = "main"
	} else if gitutil.BranchExists(repoDir, "master") {
		mainline = "master"
	} else {
		return "", fmt.Errorf("neither main nor master branch exists")
	}

	stashed, err := gitutil.StashPush(repoDir, stashMessagePrefix)
	if err != nil {
		return "", fmt.Errorf("stash uncommitted changes: %w", err)
	}
	if err := gitutil.CheckoutBranch(repoDir, mainline); err != nil {
		return "", fmt.Errorf("checkout %s: %w", mainline, err)
	}
	if stashed {
		if err := gitutil.StashPopByMessage(repoDir, stashMessagePrefix); err != nil {
			return "", fmt.Errorf("restore stashed changes: %w", err)
		}
	}
	return mainline, nil
}

func (h *SoftwareHandler) createWorktree(repoDir, worktreeDir, branch, mainline string) error {
	if _, err := os.Stat(worktreeDir); err == nil {
		_ = gitutil.RemoveWorktree(repoDir, worktreeDir)
		_ = os.RemoveAll(worktreeDir)
		_ = gitutil.PruneWorktrees(repoDir)
	}

	var err error
	if gitutil.BranchExists(repoDir, branch) {
		err = gitutil.AddWorktree(repoDir, worktreeDir, branch)
	} else {
		err = gitutil.AddWorktreeNewBranch(repoDir, worktreeDir, branch, mainline)
	}
	if err != nil {
		// stale-path retry
		_ = os.RemoveAll(worktreeDir)
		_ = gitutil.PruneWorktrees(repoDir)
		if gitutil.BranchExists(repoDir, branch) {
			return gitutil.AddWorktree(repoDir, worktreeDir, branch)
		}
		return gitutil.AddWorktreeNewBranch(repoDir, worktreeDir, branch, mainline)
	}
	return nil
}

func (h *SoftwareHandler) merge(repoDir, mainline, branch string) graph.NodeOutcome {
	out, mergeErr := gitutil.MergeBegin(repoDir, branch)
	if strings.Contains(out, "CONFLICT") {
		conflicted, _ := gitutil.ConflictedFiles(repoDir)
		branchDiff, _ := gitutil.DiffStat(repoDir, branch)
		mainDiff, _ := gitutil.DiffStat(repoDir, mainline)
		_ = gitutil.MergeAbort(repoDir)

		details := fmt.Sprintf(
			"merge conflict on branch %s:\nconflicted files: %v\nbranch diffstat:\n%s\nmainline diffstat:\n%s",
			branch, conflicted, branchDiff, mainDiff,
		)
		success := false
		return graph.NodeOutcome{
			Status:       graph.StatusFailed,
			ErrorDetails: details,
			MergeSuccess: &success,
			MergeDetails: details,
		}
	}
	if mergeErr != nil {
		success := false
		return graph.NodeOutcome{Status: graph.StatusFailed, ErrorDetails: mergeErr.Error(), MergeSuccess: &success}
	}

	commitMsg := fmt.Sprintf("Merge branch '%s' into %s", branch, mainline)
	if err := gitutil.MergeCommit(repoDir, commitMsg); err != nil {
		success := false
		return graph.NodeOutcome{Status: graph.StatusFailed, ErrorDetails: err.Error(), MergeSuccess: &success}
	}

	sha, _ := gitutil.HeadSHA(repoDir)
	success := true
	if err := gitutil.DeleteBranch(repoDir, branch); err != nil {
		// branch deletion failure is non-fatal by convention.
		_ = err
	}
	return graph.NodeOutcome{
		Status:        graph.StatusCompleted,
		OutputSummary: "merged to " + mainline,
		CommitSHAs:    []string{sha},
		MergeSuccess:  &success,
	}
}

func (h *SoftwareHandler) cleanup(repoDir, worktreeDir string) {
	if err := gitutil.RemoveWorktree(repoDir, worktreeDir); err != nil {
		_ = os.RemoveAll(worktreeDir)
	}
	_ = gitutil.PruneWorktrees(repoDir)
}

func failedOutcome(details string) graph.NodeOutcome {
	return graph.NodeOutcome{Status: graph.StatusFailed, ErrorDetails: details}
}
