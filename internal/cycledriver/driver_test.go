package cycledriver

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/arcveil/pmpl/internal/graph"
	"github.com/arcveil/pmpl/internal/handlers"
	"github.com/arcveil/pmpl/internal/signal"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	root := t.TempDir()
	d := New(Options{ProjectRoot: root, MaxCycles: 10})
	d.Sleep = func(time.Duration) {} // never actually sleep in tests
	return d
}

func completedOutcome() graph.NodeOutcome {
	return graph.NodeOutcome{Status: graph.StatusCompleted, OutputSummary: "done"}
}

func TestRunLinearTwoNodeSuccess(t *testing.T) {
	d := newTestDriver(t)

	plannerCalls := 0
	d.PlannerInvoke = func(ctx context.Context, promptContext, logDir string) signal.Signal {
		plannerCalls++
		if plannerCalls > 1 {
			return signal.Signal{"signal": "complete", "summary": "all work done"}
		}
		return signal.Signal{
			"signal": "next_graph",
			"nodes": []any{
				map[string]any{"id": "a", "handler": "software", "node_class": "implementation"},
				map[string]any{"id": "b", "handler": "software", "node_class": "implementation"},
			},
			"edges": []any{
				map[string]any{"source": "a", "target": "b", "condition": "always"},
			},
		}
	}
	dispatched := []string{}
	d.DispatchNode = func(ctx context.Context, in handlers.Input) graph.NodeOutcome {
		dispatched = append(dispatched, in.Node.ID)
		return completedOutcome()
	}

	res := d.Run(context.Background())
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", res.ExitCode, res.Reason)
	}
	if len(dispatched) != 2 || dispatched[0] != "a" || dispatched[1] != "b" {
		t.Fatalf("expected sequential dispatch a,b; got %v", dispatched)
	}
	if plannerCalls != 2 {
		t.Fatalf("expected 2 planner calls (graph cycle + completion cycle), got %d", plannerCalls)
	}
}

func TestRunStuckLoopAborts(t *testing.T) {
	d := newTestDriver(t)

	d.PlannerInvoke = func(ctx context.Context, promptContext, logDir string) signal.Signal {
		return signal.Signal{
			"signal": "next_graph",
			"nodes": []any{
				map[string]any{"id": "stuck", "handler": "software", "node_class": "implementation"},
			},
		}
	}
	d.DispatchNode = func(ctx context.Context, in handlers.Input) graph.NodeOutcome {
		return completedOutcome()
	}

	res := d.Run(context.Background())
	if res.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", res.ExitCode)
	}
	if !containsFold(res.Reason, "stuck") {
		t.Errorf("expected stuck-loop reason, got %q", res.Reason)
	}
}

func TestRunDeadlockDetected(t *testing.T) {
	d := newTestDriver(t)

	d.PlannerInvoke = func(ctx context.Context, promptContext, logDir string) signal.Signal {
		return signal.Signal{
			"signal": "next_graph",
			"nodes": []any{
				map[string]any{"id": "a", "handler": "software", "node_class": "implementation"},
				map[string]any{"id": "b", "handler": "software", "node_class": "implementation"},
			},
			"edges": []any{
				map[string]any{"source": "a", "target": "b", "condition": `status == "pass"`},
			},
		}
	}
	d.DispatchNode = func(ctx context.Context, in handlers.Input) graph.NodeOutcome {
		return graph.NodeOutcome{Status: graph.StatusFailed, ErrorDetails: "boom"}
	}

	res := d.Run(context.Background())
	if res.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", res.ExitCode)
	}
	if !containsFold(res.Reason, "deadlock") {
		t.Errorf("expected deadlock reason, got %q", res.Reason)
	}
}

func TestRunPlannerRetryBudgetExhausted(t *testing.T) {
	d := newTestDriver(t)

	calls := 0
	d.PlannerInvoke = func(ctx context.Context, promptContext, logDir string) signal.Signal {
		calls++
		return signal.Signal{"signal": "error", "error_type": "timeout", "details": "planner hung"}
	}

	res := d.Run(context.Background())
	if res.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", res.ExitCode)
	}
	// one retry allowed, so two calls total before the budget is exhausted.
	if calls != 2 {
		t.Fatalf("expected exactly 2 planner calls before budget exhaustion, got %d", calls)
	}
	if !containsFold(res.Reason, "timeout") {
		t.Errorf("expected timeout reason, got %q", res.Reason)
	}
}

func TestRunPlannerBlockedAborts(t *testing.T) {
	d := newTestDriver(t)
	d.PlannerInvoke = func(ctx context.Context, promptContext, logDir string) signal.Signal {
		return signal.Signal{"signal": "blocked", "reason": "missing credentials", "what_is_needed": "API key", "recommendation": "ask operator"}
	}

	res := d.Run(context.Background())
	if res.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", res.ExitCode)
	}
	if !containsFold(res.Reason, "blocked") {
		t.Errorf("expected blocked reason, got %q", res.Reason)
	}
}

func TestRunSingleNodeCompletesAndCreatesRunDir(t *testing.T) {
	root := t.TempDir()

	d := New(Options{ProjectRoot: root, MaxCycles: 5})
	d.Sleep = func(time.Duration) {}
	calls := 0
	d.PlannerInvoke = func(ctx context.Context, promptContext, logDir string) signal.Signal {
		calls++
		if calls > 1 {
			return signal.Signal{"signal": "complete", "summary": "done"}
		}
		return signal.Signal{
			"signal": "next_graph",
			"nodes": []any{
				map[string]any{"id": "only", "handler": "software", "node_class": "implementation"},
			},
		}
	}
	dispatches := 0
	d.DispatchNode = func(ctx context.Context, in handlers.Input) graph.NodeOutcome {
		dispatches++
		return completedOutcome()
	}
	if res := d.Run(context.Background()); res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", res.ExitCode, res.Reason)
	}
	if dispatches != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", dispatches)
	}

	entries, err := os.ReadDir(root + "/tasks")
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected a run directory under tasks/, err=%v entries=%v", err, entries)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
