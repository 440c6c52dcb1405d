// Package style resolves a node's model configuration from a flat
// class-table YAML stylesheet (model routing only, not arbitrary node
// attributes), loaded with yaml.v3.
package style

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is one resolved model configuration: provider/model/effort/tool
// profile/timeout, plus an optional one-level fallback chain.
type Config struct {
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	ReasoningEffort string   `yaml:"reasoning_effort"`
	ToolProfile     string   `yaml:"tool_profile"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	Fallback        []Config `yaml:"fallback,omitempty"`
}

// Stylesheet is the on-disk model-stylesheet.yaml shape: a default class
// plus any number of named classes keyed by node_class.
type Stylesheet struct {
	Defaults Config            `yaml:"defaults"`
	Classes  map[string]Config `yaml:"classes"`
}

// builtinClasses applies when no stylesheet file exists on disk.
func builtinClasses() *Stylesheet {
	return &Stylesheet{
		Defaults: Config{
			Provider: "anthropic", Model: "claude-sonnet", ReasoningEffort: "medium",
			ToolProfile: "claude", TimeoutSeconds: 600,
		},
		Classes: map[string]Config{
			"planning": {
				Provider: "anthropic", Model: "claude-opus", ReasoningEffort: "high",
				ToolProfile: "claude", TimeoutSeconds: 900,
			},
			"implementation": {
				Provider: "anthropic", Model: "claude-sonnet", ReasoningEffort: "medium",
				ToolProfile: "claude", TimeoutSeconds: 1200,
			},
			"review": {
				Provider: "anthropic", Model: "claude-sonnet", ReasoningEffort: "medium",
				ToolProfile: "claude", TimeoutSeconds: 600,
			},
		},
	}
}

// Load reads a stylesheet file at path. A missing file is not an error: the
// built-in class table is returned instead.
func Load(path string) (*Stylesheet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return builtinClasses(), nil
		}
		return nil, err
	}
	var s Stylesheet
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	if s.Classes == nil {
		s.Classes = map[string]Config{}
	}
	return &s, nil
}

// Resolve picks the configuration for nodeClass: classes[nodeClass], then
// classes["default"], then the stylesheet's top-level defaults, then a
// hard-coded fallback. The returned chain is flattened: the primary
// configuration first, followed by each fallback entry with its own
// fallback cleared (fallback chains are depth-1 only).
func (s *Stylesheet) Resolve(nodeClass string) []Config {
	var primary Config
	switch {
	case classExists(s, nodeClass):
		primary = s.Classes[nodeClass]
	case classExists(s, "default"):
		primary = s.Classes["default"]
	case s.Defaults.Model != "":
		primary = s.Defaults
	default:
		primary = builtinClasses().Defaults
	}

	chain := []Config{flatten(primary)}
	for _, fb := range primary.Fallback {
		chain = append(chain, flatten(fb))
	}
	return chain
}

func classExists(s *Stylesheet, key string) bool {
	_, ok := s.Classes[key]
	return ok
}

func flatten(c Config) Config {
	c.Fallback = nil
	return c
}
