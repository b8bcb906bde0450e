package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_OutputsFrozen(t *testing.T) {
	rc := NewExecutionContext()
	rc.SetOutput("a", map[string]any{"v": float64(1)})

	// A second write for the same node is ignored.
	rc.SetOutput("a", map[string]any{"v": float64(2)})
	out, ok := rc.Output("a")
	require.True(t, ok)
	assert.Equal(t, float64(1), out["v"])

	// Mutating the returned copy leaves the snapshot intact.
	out["v"] = float64(99)
	again, _ := rc.Output("a")
	assert.Equal(t, float64(1), again["v"])
}

func TestExecutionContext_ResetAllowsRewrite(t *testing.T) {
	rc := NewExecutionContext()
	rc.SetOutput("body", map[string]any{"iteration": float64(0)})
	rc.ResetNode("body")
	rc.SetOutput("body", map[string]any{"iteration": float64(1)})

	out, ok := rc.Output("body")
	require.True(t, ok)
	assert.Equal(t, float64(1), out["iteration"])
}

func TestExecutionContext_RecordReplacement(t *testing.T) {
	rc := NewExecutionContext()
	rc.RecordNode(NodeExecutionRecord{NodeID: "a", Status: NodeSuccess})
	rc.RecordNode(NodeExecutionRecord{NodeID: "b", Status: NodeFailed, Attempts: 1})
	rc.RecordNode(NodeExecutionRecord{NodeID: "b", Status: NodeSuccess, Attempts: 3})

	records := rc.Records()
	require.Len(t, records, 2, "one record per node")
	assert.Equal(t, "a", records[0].NodeID)
	assert.Equal(t, "b", records[1].NodeID, "order of first appearance is preserved")
	assert.Equal(t, NodeSuccess, records[1].Status)
	assert.Equal(t, 3, records[1].Attempts)
}

func TestExecutionContext_DistinctRuns(t *testing.T) {
	a := NewExecutionContext()
	b := NewExecutionContext()
	assert.NotEqual(t, a.RunID, b.RunID)

	a.SetVariable("x", float64(1))
	_, ok := b.Variables["x"]
	assert.False(t, ok)
}
