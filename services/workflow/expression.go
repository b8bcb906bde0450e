package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/tidwall/gjson"
)

// templatePattern matches {{ path }} placeholders inside config strings.
var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope is the layered lookup chain for template resolution, consulted
// innermost-first: the current loop frame (item/index), then the current
// node's input object, then the run's global variable store. Loop frames
// live on their own stack so they outrank input layers regardless of push
// order; both stacks follow strict stack discipline so loop-scoped values
// never leak across iterations or into sibling branches.
type Scope struct {
	vars       map[string]any
	layers     []map[string]any
	loopFrames []map[string]any
}

// NewScope creates a scope over the run's live variable store. Variables are
// addressable both bare ({{x}}) and prefixed ({{vars.x}}), and writes made
// mid-run are visible to later lookups.
func NewScope(variables map[string]any) *Scope {
	return &Scope{vars: variables}
}

// Push adds an input layer on top of the chain.
func (s *Scope) Push(layer map[string]any) {
	s.layers = append(s.layers, layer)
}

// Pop removes the top input layer.
func (s *Scope) Pop() {
	if len(s.layers) > 0 {
		s.layers = s.layers[:len(s.layers)-1]
	}
}

// PushLoop adds a loop frame (item/index) for one iteration.
func (s *Scope) PushLoop(frame map[string]any) {
	s.loopFrames = append(s.loopFrames, frame)
}

// PopLoop removes the innermost loop frame at iteration end.
func (s *Scope) PopLoop() {
	if len(s.loopFrames) > 0 {
		s.loopFrames = s.loopFrames[:len(s.loopFrames)-1]
	}
}

// Depth returns the total layer count, used to assert stack discipline in tests.
func (s *Scope) Depth() int { return len(s.layers) + len(s.loopFrames) }

// Lookup resolves a dotted path against the chain: loop frames innermost
// first, then input layers, then the variable base.
func (s *Scope) Lookup(path string) (any, bool) {
	for i := len(s.loopFrames) - 1; i >= 0; i-- {
		if v, ok := lookupLayer(s.loopFrames[i], path); ok {
			return v, true
		}
	}
	for i := len(s.layers) - 1; i >= 0; i-- {
		if v, ok := lookupLayer(s.layers[i], path); ok {
			return v, true
		}
	}
	if rest, ok := strings.CutPrefix(path, "vars."); ok {
		return lookupLayer(s.vars, rest)
	}
	return lookupLayer(s.vars, path)
}

func lookupLayer(layer map[string]any, path string) (any, bool) {
	doc, err := json.Marshal(layer)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// ResolveString substitutes every {{path}} placeholder in tpl. A string that
// is exactly one placeholder resolves to the referenced value with its type
// intact; placeholders embedded in larger text render as strings. Unresolved
// paths render as the empty string rather than raising.
func (s *Scope) ResolveString(tpl string) any {
	trimmed := strings.TrimSpace(tpl)
	if m := templatePattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		v, ok := s.Lookup(m[1])
		if !ok {
			return ""
		}
		return v
	}
	return templatePattern.ReplaceAllStringFunc(tpl, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		v, ok := s.Lookup(path)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// ResolveConfig substitutes templates throughout config and normalizes every
// leaf to one of string, number or boolean: nil becomes the empty string,
// objects and arrays in leaf position become canonical JSON text. Authored
// maps and slices keep their structure so handlers can traverse nested
// settings. Keys listed in raw are copied through untouched (expression
// fields the executor evaluates itself).
func ResolveConfig(config map[string]any, scope *Scope, raw ...string) map[string]any {
	rawSet := make(map[string]bool, len(raw))
	for _, k := range raw {
		rawSet[k] = true
	}
	resolved := make(map[string]any, len(config))
	for k, v := range config {
		if rawSet[k] {
			resolved[k] = v
			continue
		}
		resolved[k] = resolveValue(v, scope)
	}
	return resolved
}

func resolveValue(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		return normalizeLeaf(scope.ResolveString(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveValue(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, scope)
		}
		return out
	default:
		return normalizeLeaf(v)
	}
}

// normalizeLeaf coerces a leaf value to string, float64 or bool. Handlers
// never receive an ambiguous runtime type.
func normalizeLeaf(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return val
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// stringify renders a resolved value for embedding in a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// EvaluateExpression evaluates an expression such as "{{input.x}} > 3"
// against the scope. Placeholders are rewritten to evaluation parameters
// rather than substituted as text, so string values compare without manual
// quoting. The bracket-escaped form keeps the generated names out of the
// identifier namespace, so user expressions cannot collide with them. An
// unresolved placeholder evaluates as nil.
func EvaluateExpression(expr string, scope *Scope) (any, error) {
	params := make(map[string]any)
	n := 0
	rewritten := templatePattern.ReplaceAllStringFunc(expr, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		name := fmt.Sprintf("__p%d", n)
		n++
		v, _ := scope.Lookup(path)
		params[name] = v
		return "[" + name + "]"
	})
	ev, err := govaluate.NewEvaluableExpression(rewritten)
	if err != nil {
		return nil, newError(ErrValidation, "", "invalid expression %q: %s", expr, err.Error())
	}
	result, err := ev.Evaluate(params)
	if err != nil {
		return nil, newError(ErrValidation, "", "evaluating %q: %s", expr, err.Error())
	}
	return result, nil
}

// EvaluateCondition evaluates expr and coerces the result to a boolean.
func EvaluateCondition(expr string, scope *Scope) (bool, error) {
	result, err := EvaluateExpression(expr, scope)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, newError(ErrValidation, "", "condition %q is not boolean (got %T)", expr, result)
	}
}

// EvaluateSelector resolves a switch expression to its match value. A bare
// placeholder resolves directly; anything else goes through expression
// evaluation. The result is rendered as a string for case comparison.
func EvaluateSelector(expr string, scope *Scope) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if m := templatePattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		v, _ := scope.Lookup(m[1])
		return stringify(v), nil
	}
	result, err := EvaluateExpression(expr, scope)
	if err != nil {
		return "", err
	}
	return stringify(result), nil
}
