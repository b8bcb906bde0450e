package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_ResolveString_WholePlaceholderKeepsType(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{"count": float64(7), "active": true}})

	assert.Equal(t, float64(7), scope.ResolveString("{{input.count}}"))
	assert.Equal(t, true, scope.ResolveString("{{input.active}}"))
}

func TestScope_ResolveString_Embedded(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{"name": "Ada"}})

	assert.Equal(t, "Hello Ada", scope.ResolveString("Hello {{input.name}}"))
}

func TestScope_ResolveString_MissingPathIsEmpty(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{}})

	assert.Equal(t, "", scope.ResolveString("{{input.missing}}"))
	assert.Equal(t, "Hello ", scope.ResolveString("Hello {{input.missing}}"))
}

func TestScope_Precedence_LoopOverInputOverVars(t *testing.T) {
	vars := map[string]any{"x": "from-vars"}
	scope := NewScope(vars)

	assert.Equal(t, "from-vars", scope.ResolveString("{{x}}"))

	scope.Push(map[string]any{"x": "from-input"})
	assert.Equal(t, "from-input", scope.ResolveString("{{x}}"))

	scope.PushLoop(map[string]any{"x": "from-loop"})
	assert.Equal(t, "from-loop", scope.ResolveString("{{x}}"))

	scope.PopLoop()
	assert.Equal(t, "from-input", scope.ResolveString("{{x}}"))

	scope.Pop()
	assert.Equal(t, "from-vars", scope.ResolveString("{{x}}"))
	assert.Equal(t, 0, scope.Depth())
}

func TestScope_LoopFrameOutranksLaterInputLayer(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.PushLoop(map[string]any{"item": "apple", "index": float64(0)})
	// Dispatch pushes an input layer after the loop frame; loop context must
	// still win.
	scope.Push(map[string]any{"item": "shadowed", "input": map[string]any{}})

	assert.Equal(t, "apple", scope.ResolveString("{{item}}"))
}

func TestScope_VariablesVisibleMidRun(t *testing.T) {
	vars := map[string]any{}
	scope := NewScope(vars)

	assert.Equal(t, "", scope.ResolveString("{{vars.city}}"))
	vars["city"] = "Sydney"
	assert.Equal(t, "Sydney", scope.ResolveString("{{vars.city}}"))
	assert.Equal(t, "Sydney", scope.ResolveString("{{city}}"))
}

func TestResolveConfig_NormalizesLeaves(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{
		"n":    float64(3),
		"tags": []any{"a", "b"},
	}})

	resolved := ResolveConfig(map[string]any{
		"count":   "{{input.n}}",
		"literal": 5,
		"none":    nil,
		"tags":    "{{input.tags}}",
		"nested": map[string]any{
			"greeting": "hi {{input.n}}",
		},
	}, scope)

	assert.Equal(t, float64(3), resolved["count"])
	assert.Equal(t, float64(5), resolved["literal"])
	assert.Equal(t, "", resolved["none"])
	// A container landing in leaf position renders as canonical JSON text.
	assert.Equal(t, `["a","b"]`, resolved["tags"])

	nested, ok := resolved["nested"].(map[string]any)
	require.True(t, ok, "authored maps keep their structure")
	assert.Equal(t, "hi 3", nested["greeting"])
}

func TestResolveConfig_RawFieldsUntouched(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{"x": float64(5)}})

	resolved := ResolveConfig(map[string]any{
		"condition": "{{input.x}} > 3",
		"message":   "x is {{input.x}}",
	}, scope, "condition")

	assert.Equal(t, "{{input.x}} > 3", resolved["condition"])
	assert.Equal(t, "x is 5", resolved["message"])
}

func TestEvaluateCondition(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{"x": float64(5), "name": "Ada"}})

	met, err := EvaluateCondition("{{input.x}} > 3", scope)
	require.NoError(t, err)
	assert.True(t, met)

	met, err = EvaluateCondition("{{input.x}} > 10", scope)
	require.NoError(t, err)
	assert.False(t, met)

	// String values compare without manual quoting.
	met, err = EvaluateCondition("{{input.name}} == 'Ada'", scope)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestEvaluateExpression_MultiplePlaceholders(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{"a": float64(4), "b": float64(3)}})

	result, err := EvaluateExpression("{{input.a}} * {{input.b}} + 1", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(13), result)
}

func TestEvaluateCondition_InvalidExpression(t *testing.T) {
	scope := NewScope(map[string]any{})

	_, err := EvaluateCondition("{{input.x}} >", scope)
	require.Error(t, err)

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrValidation, ee.Kind)
}

func TestEvaluateSelector(t *testing.T) {
	scope := NewScope(map[string]any{})
	scope.Push(map[string]any{"input": map[string]any{"tier": "gold", "n": float64(2)}})

	match, err := EvaluateSelector("{{input.tier}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "gold", match)

	match, err = EvaluateSelector("{{input.n}} * 10", scope)
	require.NoError(t, err)
	assert.Equal(t, "20", match)
}
