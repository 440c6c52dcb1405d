// Package signal parses an agent's captured stdout into the orchestrator
// signal protocol: a YAML-subset payload framed by a pair of
// `---ORCHESTRATOR_SIGNAL---` delimiters, decoded with yaml.v3. Parse does
// not check the payload's shape; ValidateGraphEnvelope and
// ValidateTaskEnvelope check the next_graph/next_task envelopes the planner
// emits against compiled jsonschema/v5 schemas.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const delimiter = "---ORCHESTRATOR_SIGNAL---"

const rawTailLimit = 500

// Signal is the decoded value-tree of one agent's final signal block. It
// always carries at least a "signal" key identifying the signal type.
type Signal map[string]any

// Type returns the signal's "signal" field, or "" if absent/non-string.
func (s Signal) Type() string {
	if v, ok := s["signal"].(string); ok {
		return v
	}
	return ""
}

// String returns s[key] coerced to a string, or def if absent.
func (s Signal) String(key, def string) string {
	if v, ok := s[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// Slice returns s[key] as a []any, or nil if absent/wrong type.
func (s Signal) Slice(key string) []any {
	if v, ok := s[key]; ok {
		if sl, ok := v.([]any); ok {
			return sl
		}
	}
	return nil
}

func errorSignal(errType, details, rawTail string) Signal {
	return Signal{
		"signal":     "error",
		"error_type": errType,
		"details":    details,
		"raw_tail":   rawTail,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Parse extracts the payload between the last two occurrences of the
// delimiter and decodes it as a YAML-subset mapping. Agents may echo the
// delimiter in examples earlier in their output; only the final pair is
// authoritative. Malformed input never panics: it returns a best-effort
// error signal instead.
func Parse(stdout string) Signal {
	idx := allIndexes(stdout, delimiter)
	if len(idx) < 2 {
		return errorSignal("no_signal", "fewer than two delimiter markers found", tail(stdout, rawTailLimit))
	}
	start := idx[len(idx)-2] + len(delimiter)
	end := idx[len(idx)-1]
	if start >= end {
		return errorSignal("empty_signal", "delimiter pair encloses no content", tail(stdout, rawTailLimit))
	}
	payload := strings.TrimSpace(stdout[start:end])
	if payload == "" {
		return errorSignal("empty_signal", "delimiter pair encloses no content", tail(stdout, rawTailLimit))
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(payload), &m); err != nil {
		return errorSignal("parse_error", err.Error(), tail(payload, rawTailLimit))
	}
	if m == nil {
		return errorSignal("empty_signal", "decoded payload is empty", tail(payload, rawTailLimit))
	}
	return Signal(m)
}

func allIndexes(s, sub string) []int {
	var out []int
	from := 0
	for {
		i := strings.Index(s[from:], sub)
		if i < 0 {
			return out
		}
		out = append(out, from+i)
		from += i + len(sub)
	}
}

// graphEnvelopeSchema validates the shape of a next_graph payload: a list
// of nodes, each with a non-empty string id, and an edges list whose items
// carry a source and a target.
const graphEnvelopeSchema = `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"}
        }
      }
    }
  }
}`

// taskEnvelopeSchema validates the shape of a next_task (legacy linear)
// payload: a flat list of sprints.
const taskEnvelopeSchema = `{
  "type": "object",
  "required": ["sprints"],
  "properties": {
    "sprints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var (
	graphSchema *jsonschema.Schema
	taskSchema  *jsonschema.Schema
)

func init() {
	graphSchema = mustCompile("next_graph.json", graphEnvelopeSchema)
	taskSchema = mustCompile("next_task.json", taskEnvelopeSchema)
}

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("signal: invalid embedded schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("signal: failed to compile embedded schema %s: %v", name, err))
	}
	return schema
}

// ValidateGraphEnvelope reports whether a next_graph signal payload
// satisfies the minimum nodes/edges shape.
func ValidateGraphEnvelope(s Signal) error {
	return validateAgainst(graphSchema, s)
}

// ValidateTaskEnvelope reports whether a next_task signal payload
// satisfies the minimum sprints shape.
func ValidateTaskEnvelope(s Signal) error {
	return validateAgainst(taskSchema, s)
}

func validateAgainst(schema *jsonschema.Schema, s Signal) error {
	b, err := json.Marshal(map[string]any(s))
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
