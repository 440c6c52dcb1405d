package graph

import (
	"reflect"
	"sort"
	"testing"
)

type fakeLookup struct {
	status   map[string]Status
	outcomes map[string]*NodeOutcome
}

func (f *fakeLookup) Status(id string) Status {
	if s, ok := f.status[id]; ok {
		return s
	}
	return StatusPending
}

func (f *fakeLookup) Outcome(id string) (*NodeOutcome, bool) {
	o, ok := f.outcomes[id]
	return o, ok
}

func linearGraph() *Graph {
	return New(
		[]*Node{
			{ID: "a", Type: NodeTask},
			{ID: "b", Type: NodeTask},
			{ID: "c", Type: NodeTask},
		},
		[]*Edge{
			{Source: "a", Target: "b", Condition: "always"},
			{Source: "b", Target: "c", Condition: "always"},
		},
		"software",
	)
}

func TestValidateClean(t *testing.T) {
	e := NewEngine(linearGraph())
	if err := e.Validate(); err != nil {
		t.Fatalf("expected clean graph, got %v", err)
	}
}

func TestValidateUnknownEndpoint(t *testing.T) {
	g := New(
		[]*Node{{ID: "a", Type: NodeTask}},
		[]*Edge{{Source: "a", Target: "ghost", Condition: "always"}},
		"software",
	)
	e := NewEngine(g)
	err := e.Validate()
	if err == nil {
		t.Fatal("expected validation error for unknown endpoint")
	}
	if !reflect.DeepEqual(err.UnknownEndpoints, []string{"ghost"}) {
		t.Errorf("got unknown endpoints %v", err.UnknownEndpoints)
	}
}

func TestValidateCycle(t *testing.T) {
	g := New(
		[]*Node{{ID: "a", Type: NodeTask}, {ID: "b", Type: NodeTask}, {ID: "c", Type: NodeTask}},
		[]*Edge{
			{Source: "a", Target: "b", Condition: "always"},
			{Source: "b", Target: "c", Condition: "always"},
			{Source: "c", Target: "a", Condition: "always"},
		},
		"software",
	)
	e := NewEngine(g)
	err := e.Validate()
	if err == nil {
		t.Fatal("expected cycle to be detected")
	}
	if len(err.CyclePath) == 0 {
		t.Fatal("expected a non-empty cycle path")
	}
	if err.CyclePath[0] != err.CyclePath[len(err.CyclePath)-1] {
		t.Errorf("cycle path must start and end at the same node, got %v", err.CyclePath)
	}
}

func TestReadySetNoIncomingEdgesAlwaysReady(t *testing.T) {
	e := NewEngine(linearGraph())
	lookup := &fakeLookup{status: map[string]Status{}}
	ready := e.ReadySet(lookup)
	if !contains(ready, "a") {
		t.Errorf("expected root node a to be ready, got %v", ready)
	}
	if contains(ready, "b") || contains(ready, "c") {
		t.Errorf("downstream nodes should not be ready before upstream completes: %v", ready)
	}
}

func TestReadySetUnblocksOnUpstreamCompletion(t *testing.T) {
	e := NewEngine(linearGraph())
	lookup := &fakeLookup{
		status:   map[string]Status{"a": StatusCompleted},
		outcomes: map[string]*NodeOutcome{"a": {Status: StatusCompleted}},
	}
	ready := e.ReadySet(lookup)
	if !contains(ready, "b") {
		t.Errorf("expected b ready after a completes, got %v", ready)
	}
	if contains(ready, "c") {
		t.Errorf("c should not be ready until b completes, got %v", ready)
	}
}

func TestReadySetFailedUpstreamUnblocksFailConditionEdge(t *testing.T) {
	g := New(
		[]*Node{{ID: "a", Type: NodeTask}, {ID: "recover", Type: NodeTask}},
		[]*Edge{{Source: "a", Target: "recover", Condition: `status == "fail"`}},
		"software",
	)
	e := NewEngine(g)
	lookup := &fakeLookup{
		status:   map[string]Status{"a": StatusFailed},
		outcomes: map[string]*NodeOutcome{"a": {Status: StatusFailed}},
	}
	ready := e.ReadySet(lookup)
	if !contains(ready, "recover") {
		t.Errorf("expected recover node to be ready when upstream failed and edge condition matches, got %v", ready)
	}
}

func TestReadySetTerminalNodesExcluded(t *testing.T) {
	e := NewEngine(linearGraph())
	lookup := &fakeLookup{status: map[string]Status{"a": StatusCompleted, "b": StatusInProgress}}
	ready := e.ReadySet(lookup)
	if contains(ready, "a") || contains(ready, "b") {
		t.Errorf("completed/in_progress nodes must not reappear in the ready set: %v", ready)
	}
}

func TestHashStableUnderDeclarationOrder(t *testing.T) {
	g1 := New(
		[]*Node{{ID: "a", Type: NodeTask}, {ID: "b", Type: NodeTask}},
		[]*Edge{{Source: "a", Target: "b", Condition: "always"}},
		"software",
	)
	g2 := New(
		[]*Node{{ID: "b", Type: NodeTask}, {ID: "a", Type: NodeTask}},
		[]*Edge{{Source: "a", Target: "b", Condition: "always"}},
		"software",
	)
	h1, err := g1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := g2.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash should be stable under node declaration order: %s != %s", h1, h2)
	}
}

func TestHashChangesWithStructure(t *testing.T) {
	g1 := linearGraph()
	g2 := New(
		[]*Node{{ID: "a", Type: NodeTask}, {ID: "b", Type: NodeTask}},
		[]*Edge{{Source: "a", Target: "b", Condition: "always"}},
		"software",
	)
	h1, _ := g1.Hash()
	h2, _ := g2.Hash()
	if h1 == h2 {
		t.Error("structurally different graphs must not hash identically")
	}
}

func contains(haystack []string, needle string) bool {
	i := sort.SearchStrings(append([]string{}, haystack...), needle)
	return i < len(haystack) && haystack[i] == needle
}
