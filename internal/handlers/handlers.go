// Package handlers implements the three node execution planes: software
// (git worktree + merge), content (artifact validation), and discovery
// (CONTEXT.md production), dispatched by handler type.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcveil/pmpl/internal/agentexec"
	"github.com/arcveil/pmpl/internal/graph"
	"github.com/arcveil/pmpl/internal/logx"
	"github.com/arcveil/pmpl/internal/signal"
	"github.com/arcveil/pmpl/internal/style"
)

// Input bundles everything a handler needs to execute one node.
type Input struct {
	Node        *graph.Node
	ProjectRoot string
	Context     string // pre-built context text for this node's fidelity
	Model       style.Config
	Timeout     int // seconds
	Log         *logx.Logger
}

// Handler executes one node and returns its outcome. There is no separate
// error return: every failure, including environment errors, is encoded in
// the returned NodeOutcome's Status/ErrorDetails.
type Handler interface {
	Execute(ctx context.Context, in Input) graph.NodeOutcome
}

// Dispatch selects a handler by node.HandlerType; an unknown handler type
// warns and falls back to the software handler, per the cycle driver spec.
func Dispatch(ctx context.Context, in Input) graph.NodeOutcome {
	switch in.Node.HandlerType {
	case graph.HandlerSoftware:
		return (&SoftwareHandler{}).Execute(ctx, in)
	case graph.HandlerContent:
		return (&ContentHandler{}).Execute(ctx, in)
	case graph.HandlerDiscovery:
		return (&DiscoveryHandler{}).Execute(ctx, in)
	default:
		if in.Log != nil {
			in.Log.Warn(fmt.Sprintf("unknown handler %q; falling back to software", in.Node.HandlerType), map[string]any{"node_id": in.Node.ID})
		}
		return (&SoftwareHandler{}).Execute(ctx, in)
	}
}

// invokeAgent is shared by all three handlers: build the ModelConfig-driven
// CLI invocation, parse the returned signal, and fold invocation-level
// errors into an `error` signal so callers have one failure shape.
func invokeAgent(ctx context.Context, in Input, agentName, logDir string) signal.Signal {
	inv := agentexec.Invocation{
		ToolProfile:     in.Model.ToolProfile,
		Model:           in.Model.Model,
		ReasoningEffort: in.Model.ReasoningEffort,
		AgentName:       agentName,
		Context:         in.Context,
		LogDir:          logDir,
	}
	if in.Timeout > 0 {
		inv.Timeout = time.Duration(in.Timeout) * time.Second
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
