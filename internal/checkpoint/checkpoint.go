// Package checkpoint persists in-flight run state to tasks/<run_id>/checkpoint.json,
// crash-safely and resumably, using a temp-file-then-rename write pattern
// and serving as the read/write node-status ledger for the run.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arcveil/pmpl/internal/graph"
	"github.com/arcveil/pmpl/internal/logx"
)

const summaryTruncateLen = 2000

// NodeCheckpoint is the persisted per-node record.
type NodeCheckpoint struct {
	Status        graph.Status `json:"status"`
	StartedAt     *string      `json:"started_at,omitempty"`
	CompletedAt   *string      `json:"completed_at,omitempty"`
	OutputSummary string       `json:"output_summary,omitempty"`
	ModelUsed     string       `json:"model_used,omitempty"`
	Artifacts     []graph.ArtifactRef `json:"artifacts"`
	ErrorDetails  string       `json:"error_details,omitempty"`
}

// State is the full persisted checkpoint document.
type State struct {
	RunID       string                    `json:"run_id"`
	GraphHash   string                    `json:"graph_hash"`
	CreatedAt   string                    `json:"created_at"`
	UpdatedAt   string                    `json:"updated_at"`
	GateRetries map[string]int            `json:"gate_retries"`
	Nodes       map[string]*NodeCheckpoint `json:"nodes"`
}

// Manager owns checkpoint.json for one run directory. It is the exclusive
// writer of that file; the graph engine holds no node status of its own.
type Manager struct {
	runDir string
	state  *State
	log    *logx.Logger
}

func checkpointPath(runDir string) string {
	return filepath.Join(runDir, "checkpoint.json")
}

// Open constructs (or resumes) a checkpoint manager for runDir against g.
// If runDir/checkpoint.json exists and its stored hash matches g's hash, it
// is adopted: missing nodes are inserted as pending, and any node still
// in_progress is reset to pending with a warning (crash recovery). A hash
// mismatch discards the prior checkpoint with a warning and starts fresh.
// If no file exists, a new state is created with every node pending and a
// freshly minted run_id.
func Open(runDir string, g *graph.Graph, log *logx.Logger) (*Manager, error) {
	if log == nil {
		log = logx.New()
	}
	hash, err := g.Hash()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: hash graph: %w", err)
	}

	m := &Manager{runDir: runDir, log: log}

	if existing, err := loadFile(checkpointPath(runDir)); err == nil {
		if existing.GraphHash == hash {
			reconcile(existing, g, log)
			m.state = existing
			return m, nil
		}
		log.Warn("pipeline definition changed; starting fresh checkpoint", map[string]any{
			"run_dir":        runDir,
			"old_graph_hash": existing.GraphHash,
			"new_graph_hash": hash,
		})
	} else if !os.IsNotExist(err) {
		log.Warn("checkpoint file unreadable; starting fresh", map[string]any{"run_dir": runDir, "error": err.Error()})
	}

	now := nowISO()
	state := &State{
		RunID:       ulid.Make().String(),
		GraphHash:   hash,
		CreatedAt:   now,
		UpdatedAt:   now,
		GateRetries: map[string]int{},
		Nodes:       map[string]*NodeCheckpoint{},
	}
	for id := range g.Nodes {
		state.Nodes[id] = &NodeCheckpoint{Status: graph.StatusPending, Artifacts: []graph.ArtifactRef{}}
	}
	m.state = state
	if err := m.persist(); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcile adds pending entries for graph nodes absent from the loaded
// state and resets any in_progress node to pending (crash recovery).
func reconcile(state *State, g *graph.Graph, log *logx.Logger) {
	if state.GateRetries == nil {
		state.GateRetries = map[string]int{}
	}
	if state.Nodes == nil {
		state.Nodes = map[string]*NodeCheckpoint{}
	}
	for id := range g.Nodes {
		nc, ok := state.Nodes[id]
		if !ok {
			state.Nodes[id] = &NodeCheckpoint{Status: graph.StatusPending, Artifacts: []graph.ArtifactRef{}}
			continue
		}
		if nc.Status == graph.StatusInProgress {
			log.Warn("resetting in_progress node to pending on resume", map[string]any{"node_id": id})
			nc.Status = graph.StatusPending
			nc.StartedAt = nil
			nc.CompletedAt = nil
		}
	}
}

// Resume scans tasks/run-*/checkpoint.json in reverse lexicographic order
// and returns the run directory of the newest file whose stored graph_hash
// matches g's hash, or "" if none matches.
func Resume(tasksDir string, g *graph.Graph) (string, error) {
	hash, err := g.Hash()
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(tasksDir, "run-*", "checkpoint.json"))
	if err != nil {
		return "", err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, path := range matches {
		state, err := loadFile(path)
		if err != nil {
			continue
		}
		if state.GraphHash == hash {
			return filepath.Dir(path), nil
		}
	}
	return "", nil
}

func loadFile(path string) (*State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &s, nil
}

// persist writes the full state via write-temp, fsync, rename, sorting
// node ids lexicographically for a deterministic on-disk form.
func (m *Manager) persist() error {
	m.state.UpdatedAt = nowISO()

	sortedNodes := make(map[string]*NodeCheckpoint, len(m.state.Nodes))
	var ids []string
	for id := range m.state.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sortedNodes[id] = m.state.Nodes[id]
	}

	type orderedState struct {
		RunID       string                     `json:"run_id"`
		GraphHash   string                     `json:"graph_hash"`
		CreatedAt   string                     `json:"created_at"`
		UpdatedAt   string                     `json:"updated_at"`
		GateRetries map[string]int             `json:"gate_retries"`
		Nodes       map[string]*NodeCheckpoint `json:"nodes"`
	}
	out := orderedState{
		RunID:       m.state.RunID,
		GraphHash:   m.state.GraphHash,
		CreatedAt:   m.state.CreatedAt,
		UpdatedAt:   m.state.UpdatedAt,
		GateRetries: m.state.GateRetries,
		Nodes:       sortedNodes,
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	if err := os.MkdirAll(m.runDir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", m.runDir, err)
	}

	tmp, err := os.CreateTemp(m.runDir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpName, checkpointPath(m.runDir)); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// RunID returns the checkpoint's run identifier.
func (m *Manager) RunID() string { return m.state.RunID }

// RecordNodeStart transitions id to in_progress, stamping the start time
// and clearing any prior completion fields.
func (m *Manager) RecordNodeStart(id, model string) error {
	nc, ok := m.state.Nodes[id]
	if !ok {
		nc = &NodeCheckpoint{}
		m.state.Nodes[id] = nc
	}
	now := nowISO()
	nc.Status = graph.StatusInProgress
	nc.StartedAt = &now
	nc.CompletedAt = nil
	nc.ModelUsed = model
	nc.OutputSummary = ""
	nc.ErrorDetails = ""
	nc.Artifacts = []graph.ArtifactRef{}
	return m.persist()
}

// RecordNodeCompletion transitions id to outcome.Status, stamping the end
// time and recording the summary/artifacts/error details. The summary is
// truncated to 2000 characters on write.
func (m *Manager) RecordNodeCompletion(id string, outcome graph.NodeOutcome) error {
	nc, ok := m.state.Nodes[id]
	if !ok {
		nc = &NodeCheckpoint{}
		m.state.Nodes[id] = nc
	}
	now := nowISO()
	nc.Status = outcome.Status
	nc.CompletedAt = &now
	nc.OutputSummary = truncate(outcome.OutputSummary, summaryTruncateLen)
	if outcome.ModelUsed != "" {
		nc.ModelUsed = outcome.ModelUsed
	}
	nc.Artifacts = outcome.Artifacts
	if nc.Artifacts == nil {
		nc.Artifacts = []graph.ArtifactRef{}
	}
	nc.ErrorDetails = outcome.ErrorDetails
	return m.persist()
}

// GetStatusMap returns the current status of every checkpointed node.
func (m *Manager) GetStatusMap() map[string]graph.Status {
	out := make(map[string]graph.Status, len(m.state.Nodes))
	for id, nc := range m.state.Nodes {
		out[id] = nc.Status
	}
	return out
}

// GetOutputSummary returns node id's recorded summary, or "" if unknown.
func (m *Manager) GetOutputSummary(id string) string {
	if nc, ok := m.state.Nodes[id]; ok {
		return nc.OutputSummary
	}
	return ""
}

// GetArtifacts returns node id's recorded artifacts.
func (m *Manager) GetArtifacts(id string) []graph.ArtifactRef {
	if nc, ok := m.state.Nodes[id]; ok {
		return nc.Artifacts
	}
	return nil
}

// Status implements graph.OutcomeLookup.
func (m *Manager) Status(id string) graph.Status {
	if nc, ok := m.state.Nodes[id]; ok {
		return nc.Status
	}
	return graph.StatusPending
}

// Outcome implements graph.OutcomeLookup by reconstructing a NodeOutcome
// from the persisted checkpoint fields.
func (m *Manager) Outcome(id string) (*graph.NodeOutcome, bool) {
	nc, ok := m.state.Nodes[id]
	if !ok {
		return nil, false
	}
	return &graph.NodeOutcome{
		Status:        nc.Status,
		OutputSummary: nc.OutputSummary,
		Artifacts:     nc.Artifacts,
		ModelUsed:     nc.ModelUsed,
		ErrorDetails:  nc.ErrorDetails,
	}, true
}

// InvalidateNodes performs a BFS over forward edges from each seed id,
// resetting every reached node (seed inclusive) back to pending with
// cleared fields, then persists once.
func (m *Manager) InvalidateNodes(ids []string, eng *graph.Engine) error {
	visited := make(map[string]bool)
	queue := append([]string{}, ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, edge := range eng.Forward(id) {
			if !visited[edge.Target] {
				queue = append(queue, edge.Target)
			}
		}
	}

	for id := range visited {
		nc, ok := m.state.Nodes[id]
		if !ok {
			nc = &NodeCheckpoint{}
			m.state.Nodes[id] = nc
		}
		nc.Status = graph.StatusPending
		nc.StartedAt = nil
		nc.CompletedAt = nil
		nc.OutputSummary = ""
		nc.ModelUsed = ""
		nc.ErrorDetails = ""
		nc.Artifacts = []graph.ArtifactRef{}
	}
	return m.persist()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
