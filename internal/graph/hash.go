package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalNode and canonicalEdge give json.Marshal a stable field order;
// encoding/json additionally sorts any map[string]any keys it encounters,
// so Inputs round-trips deterministically too.
type canonicalNode struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	NodeClass      string         `json:"node_class"`
	Handler        string         `json:"handler"`
	ContextFid     string         `json:"context_fidelity"`
	Inputs         map[string]any `json:"inputs"`
	Criteria       []string       `json:"criteria"`
	ComplexityHint *string        `json:"complexity_hint"`
	DiscoveryTools []string       `json:"discovery_tools"`
	SourceMaterial []string       `json:"source_materials"`
	PRDPath        *string        `json:"prd_path"`
	Branch         *string        `json:"branch"`
	OutputPath     *string        `json:"output_path"`
	MaxRetries     int            `json:"max_retries"`
	RetryTarget    *string        `json:"retry_target"`
}

type canonicalEdge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition"`
}

type canonicalGraph struct {
	Nodes  []canonicalNode `json:"nodes"`
	Edges  []canonicalEdge `json:"edges"`
	Domain string          `json:"domain"`
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Canonicalize serializes the graph into a deterministic byte form: nodes
// sorted by id, edges sorted by (source, target, condition), enums as their
// string values, absent optionals as null.
func (g *Graph) Canonicalize() ([]byte, error) {
	cg := canonicalGraph{Domain: g.Domain}
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.Nodes[id]
		cg.Nodes = append(cg.Nodes, canonicalNode{
			ID:             n.ID,
			Name:           n.Name,
			Type:           string(n.Type),
			NodeClass:      n.NodeClass,
			Handler:        string(n.HandlerType),
			ContextFid:     string(n.ContextFid),
			Inputs:         n.Inputs,
			Criteria:       n.Criteria,
			ComplexityHint: optStr(n.ComplexityHint),
			DiscoveryTools: n.DiscoveryTools,
			SourceMaterial: n.SourceMaterial,
			PRDPath:        optStr(n.PRDPath),
			Branch:         optStr(n.Branch),
			OutputPath:     optStr(n.OutputPath),
			MaxRetries:     n.MaxRetries,
			RetryTarget:    optStr(n.RetryTarget),
		})
	}

	edges := make([]canonicalEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		edges = append(edges, canonicalEdge{Source: e.Source, Target: e.Target, Condition: e.Condition})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Condition < edges[j].Condition
	})
	cg.Edges = edges

	return json.Marshal(cg)
}

// Hash returns the hex-encoded SHA-256 of the graph's canonical serialization.
// Two graphs that differ only in declaration order hash identically.
func (g *Graph) Hash() (string, error) {
	b, err := g.Canonicalize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
