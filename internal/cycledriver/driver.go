// Package cycledriver runs the planner/executor control loop: invoke the
// planning agent, normalize its signal into a Graph, validate it, then
// traverse the graph's ready set one node at a time until every node is
// terminal, feeding categorized outcomes back into the next cycle's
// planner context. It enforces a PM-error budget and a stuck-sprint
// restart contract across cycles.
package cycledriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arcveil/pmpl/internal/agentexec"
	"github.com/arcveil/pmpl/internal/checkpoint"
	"github.com/arcveil/pmpl/internal/contextbuild"
	"github.com/arcveil/pmpl/internal/domain"
	"github.com/arcveil/pmpl/internal/graph"
	"github.com/arcveil/pmpl/internal/handlers"
	"github.com/arcveil/pmpl/internal/linearize"
	"github.com/arcveil/pmpl/internal/logx"
	"github.com/arcveil/pmpl/internal/signal"
	"github.com/arcveil/pmpl/internal/style"
)

// stuckLoopWindow is N from the spec's "same node name three cycles in a
// row" stuck-loop diagnostic.
const stuckLoopWindow = 3

// errorBudgetKinds tracks one retry per kind of planner failure.
var errorBudgetKinds = []string{"timeout", "invocation_failed", "parse_failure", "invalid_graph"}

// Options configures one driver run.
type Options struct {
	ProjectRoot      string
	MaxCycles        int
	PlannerAgentName string
	PlannerModel     style.Config
	Stylesheet       *style.Stylesheet
	Log              *logx.Logger
}

// Result is the driver's terminal outcome.
type Result struct {
	ExitCode int
	Reason   string
}

// Driver runs the cycle outline in §4.11 until it reaches a terminal
// result. PlannerInvoke, DispatchNode and Sleep are overridable for tests;
// they default to real agent invocation, handler dispatch, and time.Sleep.
type Driver struct {
	opts Options
	log  *logx.Logger

	PlannerInvoke func(ctx context.Context, promptContext, logDir string) signal.Signal
	DispatchNode  func(ctx context.Context, in handlers.Input) graph.NodeOutcome
	Sleep         func(time.Duration)

	errorBudget   map[string]int
	sprintHistory []string
}

// New constructs a Driver with default collaborators wired to real agent
// invocation and handler dispatch.
func New(opts Options) *Driver {
	if opts.Log == nil {
		opts.Log = logx.New()
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = 50
	}
	budget := make(map[string]int, len(errorBudgetKinds))
	for _, k := range errorBudgetKinds {
		budget[k] = 1
	}
	d := &Driver{opts: opts, log: opts.Log, errorBudget: budget}
	d.PlannerInvoke = d.defaultPlannerInvoke
	d.DispatchNode = handlers.Dispatch
	d.Sleep = time.Sleep
	return d
}

func (d *Driver) defaultPlannerInvoke(ctx context.Context, promptContext, logDir string) signal.Signal {
	inv := agentexec.Invocation{
		ToolProfile:     d.opts.PlannerModel.ToolProfile,
		Model:           d.opts.PlannerModel.Model,
		ReasoningEffort: d.opts.PlannerModel.ReasoningEffort,
		AgentName:       d.opts.PlannerAgentName,
		Context:         promptContext,
		LogDir:          logDir,
	}
	if d.opts.PlannerModel.TimeoutSeconds > 0 {
		inv.Timeout = time.Duration(d.opts.PlannerModel.TimeoutSeconds) * time.Second
	}
	res, err := agentexec.Invoke(ctx, inv)
	if err != nil {
		errType := "execution_failed"
		switch {
		case errors.Is(err, agentexec.ErrTimeout):
			errType = "timeout"
		case errors.Is(err, agentexec.ErrInvocationFailed):
			errType = "invocation_failed"
		}
		return signal.Signal{"signal": "error", "error_type": errType, "details": err.Error()}
	}
	return signal.Parse(res.Stdout)
}

// Run executes cycles until the driver reaches a terminal state: planner
// completion, a blocking condition, or exhaustion of a retry budget.
func (d *Driver) Run(ctx context.Context) Result {
	var prevOutcomes map[string]graph.NodeOutcome
	cycle := 0

	for {
		cycle++
		if cycle > d.opts.MaxCycles {
			return Result{ExitCode: 1, Reason: "maximum cycles reached with no terminal signal"}
		}
		if ctxDone(ctx) {
			return Result{ExitCode: 1, Reason: "interrupted"}
		}

		roadmap := d.readRoadmap()
		promptContext := d.buildPlannerContext(cycle, roadmap, prevOutcomes)
		logDir := filepath.Join(d.opts.ProjectRoot, "tasks", fmt.Sprintf("cycle-%d", cycle), "planner-log")
		// Cancellation is checked between cycles and dispatches only; an
		// in-flight agent subprocess is not killed by it.
		sig := d.PlannerInvoke(context.WithoutCancel(ctx), promptContext, logDir)

		if sig.Type() == "error" {
			kind := errorBudgetKind(sig.String("error_type", ""))
			if !d.consumeBudget(kind) {
				return Result{ExitCode: 1, Reason: fmt.Sprintf("planner %s retry budget exhausted: %s", kind, sig.String("details", ""))}
			}
			d.log.Warn("planner error; consuming retry budget", map[string]any{"kind": kind, "details": sig.String("details", "")})
			d.backoff(kind, cycle)
			continue
		}

		switch sig.Type() {
		case "complete":
			return Result{ExitCode: 0, Reason: sig.String("summary", "complete")}
		case "blocked":
			reason := sig.String("reason", "")
			need := sig.String("what_is_needed", "")
			rec := sig.String("recommendation", "")
			d.log.Error("planner signaled blocked", map[string]any{"reason": reason, "what_is_needed": need, "recommendation": rec})
			return Result{ExitCode: 1, Reason: fmt.Sprintf("blocked: %s (need: %s; recommendation: %s)", reason, need, rec)}
		case "next_graph", "next_task":
			// proceed below
		default:
			if !d.consumeBudget("parse_failure") {
				return Result{ExitCode: 1, Reason: fmt.Sprintf("unrecognized planner signal %q; retry budget exhausted", sig.Type())}
			}
			d.log.Warn("unrecognized planner signal type; retrying", map[string]any{"signal_type": sig.Type()})
			d.backoff("parse_failure", cycle)
			continue
		}

		g, err := d.normalizeGraph(sig)
		if err == nil {
			eng := graph.NewEngine(g)
			if verr := eng.Validate(); verr != nil {
				err = verr
			} else if d.stuckLoop(g) {
				return Result{ExitCode: 1, Reason: "stuck: identical node set emitted for 3 consecutive cycles"}
			} else {
				outcomes, runResult := d.runGraph(ctx, g, eng)
				prevOutcomes = outcomes
				if runResult != nil {
					return *runResult
				}
				continue
			}
		}

		if !d.consumeBudget("invalid_graph") {
			return Result{ExitCode: 1, Reason: fmt.Sprintf("invalid graph: %v", err)}
		}
		d.log.Warn("invalid graph from planner; retrying", map[string]any{"error": err.Error()})
		d.backoff("invalid_graph", cycle)
	}
}

// runGraph opens (or resumes) the checkpoint for g and traverses its ready
// set to completion.
func (d *Driver) runGraph(ctx context.Context, g *graph.Graph, eng *graph.Engine) (map[string]graph.NodeOutcome, *Result) {
	runDir, err := d.openRunDir(g)
	if err != nil {
		return nil, &Result{ExitCode: 1, Reason: fmt.Sprintf("resume discovery failed: %v", err)}
	}
	ckpt, err := checkpoint.Open(runDir, g, d.log)
	if err != nil {
		return nil, &Result{ExitCode: 1, Reason: fmt.Sprintf("checkpoint open failed: %v", err)}
	}
	return d.traverse(ctx, g, eng, ckpt)
}

func (d *Driver) openRunDir(g *graph.Graph) (string, error) {
	tasksDir := filepath.Join(d.opts.ProjectRoot, "tasks")
	resumed, err := checkpoint.Resume(tasksDir, g)
	if err != nil {
		return "", err
	}
	if resumed != "" {
		return resumed, nil
	}
	return filepath.Join(tasksDir, "run-"+ulid.Make().String()), nil
}

func (d *Driver) normalizeGraph(sig signal.Signal) (*graph.Graph, error) {
	var g *graph.Graph
	var err error
	switch sig.Type() {
	case "next_graph":
		if verr := signal.ValidateGraphEnvelope(sig); verr != nil {
			return nil, fmt.Errorf("next_graph envelope: %w", verr)
		}
		g, err = linearize.FromGraphEnvelope(sig)
	case "next_task":
		if verr := signal.ValidateTaskEnvelope(sig); verr != nil {
			return nil, fmt.Errorf("next_task envelope: %w", verr)
		}
		g, err = linearize.FromSprints(sig)
	default:
		return nil, fmt.Errorf("unsupported signal type %q", sig.Type())
	}
	if err != nil {
		return nil, err
	}
	if g.Domain == "" {
		g.Domain = domain.Infer(d.readOutcomes())
	}
	return g, nil
}

func (d *Driver) stuckLoop(g *graph.Graph) bool {
	var ids []string
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sig := strings.Join(ids, ",")
	d.sprintHistory = append(d.sprintHistory, sig)

	n := len(d.sprintHistory)
	if n < stuckLoopWindow {
		return false
	}
	window := d.sprintHistory[n-stuckLoopWindow:]
	for _, s := range window[1:] {
		if s != window[0] {
			return false
		}
	}
	return true
}

func (d *Driver) consumeBudget(kind string) bool {
	remaining, ok := d.errorBudget[kind]
	if !ok {
		remaining = 1
	}
	if remaining <= 0 {
		return false
	}
	d.errorBudget[kind] = remaining - 1
	return true
}

func (d *Driver) backoff(kind string, cycle int) {
	if d.Sleep == nil {
		return
	}
	cfg := agentexec.DefaultBackoffConfig()
	delay := agentexec.DelayForAttempt(1, cfg, fmt.Sprintf("%s-%d", kind, cycle))
	d.Sleep(delay)
}

func errorBudgetKind(errType string) string {
	switch errType {
	case "timeout":
		return "timeout"
	case "invocation_failed":
		return "invocation_failed"
	case "no_signal", "empty_signal", "parse_error":
		return "parse_failure"
	default:
		return "parse_failure"
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// resolveModel selects node's model configuration. Only the primary
// (chain[0]) entry is consumed: node-level retries are explicitly out of
// scope for this driver, so the resolver's fallback chain is computed but
// left for a future retry-capable caller.
func (d *Driver) resolveModel(node *graph.Node) style.Config {
	fallback := style.Config{Provider: "anthropic", Model: "claude-sonnet", ReasoningEffort: "medium", ToolProfile: "claude", TimeoutSeconds: 600}
	if d.opts.Stylesheet == nil {
		return fallback
	}
	chain := d.opts.Stylesheet.Resolve(node.NodeClass)
	if len(chain) == 0 {
		return fallback
	}
	return chain[0]
}

func (d *Driver) traverse(ctx context.Context, g *graph.Graph, eng *graph.Engine, ckpt *checkpoint.Manager) (map[string]graph.NodeOutcome, *Result) {
	outcomes := map[string]graph.NodeOutcome{}
	promoted := map[string]bool{}

	for {
		if ctxDone(ctx) {
			return outcomes, &Result{ExitCode: 1, Reason: "interrupted"}
		}

		statusMap := ckpt.GetStatusMap()
		allTerminal := true
		for id := range g.Nodes {
			if !statusMap[id].Terminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			return outcomes, nil
		}

		ready := eng.ReadySet(ckpt)
		if len(ready) == 0 {
			desc := d.describeBlocked(g, eng, ckpt)
			d.log.Error("pipeline deadlock: ready set empty with non-terminal nodes", map[string]any{"blocked": desc})
			return outcomes, &Result{ExitCode: 1, Reason: fmt.Sprintf("deadlock: %s", desc)}
		}

		for _, id := range ready {
			if ctxDone(ctx) {
				return outcomes, &Result{ExitCode: 1, Reason: "interrupted"}
			}

			node := g.Nodes[id]
			model := d.resolveModel(node)

			fidelity := node.ContextFid
			if promoted[id] && fidelity == graph.FidelityMinimal {
				fidelity = graph.FidelityPartial
			}
			builder := &contextbuild.Builder{ProjectRoot: d.opts.ProjectRoot, Checkpoint: ckpt, Engine: eng, Log: d.log}
			ctxText := builder.Build(node, fidelity)

			if err := ckpt.RecordNodeStart(id, model.Model); err != nil {
				return outcomes, &Result{ExitCode: 1, Reason: fmt.Sprintf("checkpoint write failed: %v", err)}
			}

			in := handlers.Input{
				Node:        node,
				ProjectRoot: d.opts.ProjectRoot,
				Context:     ctxText,
				Model:       model,
				Timeout:     model.TimeoutSeconds,
				Log:         d.log,
			}
			outcome := d.DispatchNode(context.WithoutCancel(ctx), in)
			outcomes[id] = outcome

			if err := ckpt.RecordNodeCompletion(id, outcome); err != nil {
				return outcomes, &Result{ExitCode: 1, Reason: fmt.Sprintf("checkpoint write failed: %v", err)}
			}

			d.logEdgeEvaluations(node, eng, outcome)
			d.log.Info("graph status", map[string]any{"ascii": renderASCII(g, ckpt.GetStatusMap())})

			if outcome.Status == graph.StatusCompleted && node.HandlerType == graph.HandlerDiscovery {
				d.promoteDownstream(g, eng, node.ID, promoted)
			}
		}
	}
}

func (d *Driver) logEdgeEvaluations(node *graph.Node, eng *graph.Engine, outcome graph.NodeOutcome) {
	for _, edge := range eng.Forward(node.ID) {
		ok, err := eng.EvaluateEdge(edge, outcome.Status, &outcome)
		fields := map[string]any{"source": edge.Source, "target": edge.Target, "condition": edge.Condition, "activated": ok}
		if err != nil {
			fields["error"] = err.Error()
			d.log.Warn("edge condition evaluation error; edge deactivated", fields)
			continue
		}
		d.log.Info("edge condition evaluated", fields)
	}
}

// promoteDownstream walks every transitively reachable node from fromID and
// marks planning-class minimal-fidelity nodes as promoted for this cycle.
func (d *Driver) promoteDownstream(g *graph.Graph, eng *graph.Engine, fromID string, promoted map[string]bool) {
	visited := map[string]bool{fromID: true}
	queue := []string{fromID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range eng.Forward(id) {
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true
			queue = append(queue, edge.Target)
			if n, ok := g.Nodes[edge.Target]; ok && n.NodeClass == "planning" && n.ContextFid == graph.FidelityMinimal {
				promoted[edge.Target] = true
			}
		}
	}
}

func (d *Driver) describeBlocked(g *graph.Graph, eng *graph.Engine, ckpt *checkpoint.Manager) string {
	var ids []string
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []string
	for _, id := range ids {
		st := ckpt.Status(id)
		if st.Terminal() {
			continue
		}
		var unmet []string
		for _, e := range eng.Reverse(id) {
			unmet = append(unmet, fmt.Sprintf("%s(status=%s,cond=%s)", e.Source, ckpt.Status(e.Source), e.Condition))
		}
		lines = append(lines, fmt.Sprintf("%s waiting on [%s]", id, strings.Join(unmet, ", ")))
	}
	return strings.Join(lines, "; ")
}

func (d *Driver) readRoadmap() string {
	b, err := os.ReadFile(filepath.Join(d.opts.ProjectRoot, "tasks", "ROADMAP.md"))
	if err != nil {
		return ""
	}
	return string(b)
}

func (d *Driver) readOutcomes() string {
	b, err := os.ReadFile(filepath.Join(d.opts.ProjectRoot, "tasks", "OUTCOMES.md"))
	if err != nil {
		return ""
	}
	return string(b)
}
