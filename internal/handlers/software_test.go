package handlers

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/arcveil/pmpl/internal/gitutil"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestSanitizeNodeID(t *testing.T) {
	got := sanitizeNodeID("feature/add thing#1")
	if got != "feature-add-thing-1" {
		t.Errorf("got %q", got)
	}
}

func TestSyncMainlinePrefersMainOverMaster(t *testing.T) {
	repo := initTestRepo(t)
	h := &SoftwareHandler{}
	mainline, err := h.syncMainline(repo)
	if err != nil {
		t.Fatal(err)
	}
	if mainline != "main" {
		t.Errorf("got %q, want main", mainline)
	}
}

func TestSyncMainlineFailsWithNeitherBranch(t *testing.T) {
	repo := initTestRepo(t)
	// rename main away so neither main nor master exists
	cmd := exec.Command("git", "-C", repo, "branch", "-m", "main", "trunk")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("rename branch: %v\n%s", err, out)
	}
	h := &SoftwareHandler{}
	if _, err := h.syncMainline(repo); err == nil {
		t.Error("expected failure when neither main nor master exists")
	}
}

func TestCreateWorktreeNewBranch(t *testing.T) {
	repo := initTestRepo(t)
	h := &SoftwareHandler{}
	worktreeDir := filepath.Join(repo, ".worktrees", "node-1")
	if err := h.createWorktree(repo, worktreeDir, "pmpl/node-1", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(worktreeDir); err != nil {
		t.Errorf("expected worktree dir to exist: %v", err)
	}
	h.cleanup(repo, worktreeDir)
	if _, err := os.Stat(worktreeDir); err == nil {
		t.Error("expected worktree dir removed after cleanup")
	}
}

func TestMergeCleanFastForward(t *testing.T) {
	repo := initTestRepo(t)
	h := &SoftwareHandler{}
	worktreeDir := filepath.Join(repo, ".worktrees", "node-1")
	if err := h.createWorktree(repo, worktreeDir, "pmpl/node-1", "main"); err != nil {
		t.Fatal(err)
	}
	defer h.cleanup(repo, worktreeDir)

	if err := os.WriteFile(filepath.Join(worktreeDir, "feature.txt"), []byte("feature"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := gitutil.CommitAllowEmpty(worktreeDir, "add feature"); err != nil {
		t.Fatal(err)
	}

	outcome := h.merge(repo, "main", "pmpl/node-1")
	if outcome.Status != "completed" {
		t.Fatalf("expected completed merge, got %+v", outcome)
	}
	if outcome.MergeSuccess == nil || !*outcome.MergeSuccess {
		t.Error("expected MergeSuccess=true")
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("expected feature.txt to exist on mainline after merge")
	}
}

func TestMergeConflictAbortsAndReportsDetails(t *testing.T) {
	repo := initTestRepo(t)
	h := &SoftwareHandler{}

	// Mainline changes the same line the branch will change.
	if err := os.WriteFile(filepath.Join(repo, "initial.txt"), []byte("mainline change"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := gitutil.CommitAllowEmpty(repo, "mainline edits initial.txt"); err != nil {
		t.Fatal(err)
	}

	worktreeDir := filepath.Join(repo, ".worktrees", "node-1")
	if err := h.createWorktree(repo, worktreeDir, "pmpl/node-1", "main~1"); err != nil {
		t.Fatal(err)
	}
	defer h.cleanup(repo, worktreeDir)

	if err := os.WriteFile(filepath.Join(worktreeDir, "initial.txt"), []byte("branch change"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := gitutil.CommitAllowEmpty(worktreeDir, "branch edits initial.txt"); err != nil {
		t.Fatal(err)
	}

	outcome := h.merge(repo, "main", "pmpl/node-1")
	if outcome.Status != "failed" {
		t.Fatalf("expected failed outcome on conflict, got %+v", outcome)
	}
	if outcome.MergeSuccess == nil || *outcome.MergeSuccess {
		t.Error("expected MergeSuccess=false on conflict")
	}
	if outcome.ErrorDetails == "" {
		t.Error("expected conflict details in ErrorDetails")
	}
	// Remove the test's own worktree first: while it exists, git lists
	// .worktrees/ as untracked and the tree can never read as clean.
	h.cleanup(repo, worktreeDir)
	clean, err := gitutil.IsClean(repo)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("expected mainline working tree clean after merge abort")
	}
}
