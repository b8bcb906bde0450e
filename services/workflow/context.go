package workflow

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ExecutionContext is the mutable state owned exclusively by one run: frozen
// node outputs, the global variable store, and the ordered log of node
// execution records. Access is strictly sequential within a run, so no
// locking is required; contexts are never shared across runs.
type ExecutionContext struct {
	RunID     string
	Variables map[string]any

	scope     *Scope
	outputs   map[string]map[string]any
	records   []NodeExecutionRecord
	recordIdx map[string]int
	warnings  []string
}

// NewExecutionContext creates a fresh context for a single run.
func NewExecutionContext() *ExecutionContext {
	vars := make(map[string]any)
	return &ExecutionContext{
		RunID:     uuid.New().String(),
		Variables: vars,
		scope:     NewScope(vars),
		outputs:   make(map[string]map[string]any),
		recordIdx: make(map[string]int),
	}
}

// Scope returns the run's template resolution scope chain.
func (c *ExecutionContext) Scope() *Scope { return c.scope }

// SetVariable writes a global variable, visible to every later node.
func (c *ExecutionContext) SetVariable(name string, value any) {
	c.Variables[name] = value
}

// Output returns a copy of a node's frozen output snapshot. Downstream nodes
// may mutate the copy without disturbing the recorded value.
func (c *ExecutionContext) Output(nodeID string) (map[string]any, bool) {
	out, ok := c.outputs[nodeID]
	if !ok {
		return nil, false
	}
	return deepCopyMap(out), true
}

// SetOutput freezes a node's output for the remainder of the run. The stored
// snapshot is a deep copy, detached from whatever the handler returned.
// Writing a second time for the same node is ignored; loop re-entry must go
// through ResetNode first.
func (c *ExecutionContext) SetOutput(nodeID string, output map[string]any) {
	if _, exists := c.outputs[nodeID]; exists {
		return
	}
	c.outputs[nodeID] = deepCopyMap(output)
}

// ResetNode clears a node's output and record so a loop construct can re-run
// its body subgraph. Only the topology resolver calls this, and only for
// nodes inside an iterating loop body.
func (c *ExecutionContext) ResetNode(nodeID string) {
	delete(c.outputs, nodeID)
}

// RecordNode appends a node execution record, or replaces the existing one
// for the same node (retries and loop iterations collapse to a single final
// record). Order of first appearance is preserved.
func (c *ExecutionContext) RecordNode(rec NodeExecutionRecord) {
	if idx, ok := c.recordIdx[rec.NodeID]; ok {
		c.records[idx] = rec
		return
	}
	c.recordIdx[rec.NodeID] = len(c.records)
	c.records = append(c.records, rec)
}

// Records returns the ordered log of node execution records.
func (c *ExecutionContext) Records() []NodeExecutionRecord {
	return c.records
}

// Warn attaches a non-fatal warning to the run.
func (c *ExecutionContext) Warn(message string) {
	c.warnings = append(c.warnings, message)
}

// Warnings returns warnings accumulated during the run.
func (c *ExecutionContext) Warnings() []string { return c.warnings }

// deepCopyMap clones a map through a JSON round trip, which also canonicalizes
// values to the JSON type set the rest of the engine assumes.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}
