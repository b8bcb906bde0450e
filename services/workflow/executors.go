package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TriggerExecutor handles manual, webhook and schedule trigger kinds. All
// origins are normalized to one initial input payload before the resolver
// begins, so the trigger itself just passes it along.
type TriggerExecutor struct{}

func (e *TriggerExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	return map[string]any{"message": "Run started"}, nil
}

// ErrorTriggerExecutor handles the "error_trigger" kind. It receives the
// failing node's error context as input whenever any other node fails.
type ErrorTriggerExecutor struct{}

func (e *ErrorTriggerExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	return map[string]any{"message": "Error trigger fired"}, nil
}

// IfElseExecutor evaluates its condition expression once and reports which
// branch to take. The resolver schedules exactly one labeled edge set.
type IfElseExecutor struct{}

func (e *IfElseExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	expr, _ := req.Config["condition"].(string)
	met, err := EvaluateCondition(expr, req.Run.Scope())
	if err != nil {
		return nil, err
	}
	branch := "false"
	if met {
		branch = "true"
	}
	return map[string]any{
		"branch":       branch,
		"conditionMet": met,
		"message":      fmt.Sprintf("Condition %q is %s", expr, branch),
	}, nil
}

// SwitchExecutor evaluates its expression once; the resolver matches the
// result against the ordered outgoing case labels, first match wins.
type SwitchExecutor struct{}

func (e *SwitchExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	expr, _ := req.Config["expression"].(string)
	match, err := EvaluateSelector(expr, req.Run.Scope())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"match":   match,
		"message": fmt.Sprintf("Switch resolved to %q", match),
	}, nil
}

// defaultMaxIterations is the loop safety ceiling when a node does not set one.
const defaultMaxIterations = 100

// LoopExecutor resolves the loop's collection and iteration ceiling. The
// engine drives the body subgraph; this executor only produces the plan.
// Iteration count is min(len(items), maxIterations); the ceiling is a hard
// limit, not advisory.
type LoopExecutor struct{}

func (e *LoopExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	items, err := resolveItems(req.Config["items"], req.Run.Scope())
	if err != nil {
		return nil, newError(ErrValidation, req.Node.ID, "%s", err.Error())
	}
	max := defaultMaxIterations
	if v, ok := toFloat64(req.Config["maxIterations"]); ok && v >= 0 {
		max = int(v)
	}
	count := len(items)
	if count > max {
		count = max
	}
	return map[string]any{
		"items":   items[:count],
		"count":   count,
		"message": fmt.Sprintf("Loop over %d of %d items", count, len(items)),
	}, nil
}

func resolveItems(raw any, scope *Scope) ([]any, error) {
	var resolved any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		resolved = scope.ResolveString(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, scope)
		}
		return out, nil
	default:
		resolved = v
	}
	switch v := resolved.(type) {
	case []any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var arr []any
		if err := json.Unmarshal([]byte(v), &arr); err == nil {
			return arr, nil
		}
		return nil, fmt.Errorf("loop items resolved to non-array string %q", v)
	default:
		return nil, fmt.Errorf("loop items resolved to %T, want array", resolved)
	}
}

// MergeExecutor combines the outputs of all configured upstream branches.
// The combination policy is per-node configuration, not an engine rule:
// "merge" (object merge), "concat" (array concat), "join" (key-based) or
// "waitAll" (outputs keyed by node id). The engine guarantees every upstream
// has reported before this runs, so the combination sees a consistent
// snapshot, never a partial set.
type MergeExecutor struct{}

// mergeBranch is one upstream contribution, in edge declaration order.
type mergeBranch struct {
	NodeID string
	Output map[string]any
}

func (e *MergeExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	branches := branchesFromInput(req.Input)
	mode, _ := req.Config["mode"].(string)
	if mode == "" {
		mode = "merge"
	}

	switch mode {
	case "merge":
		merged := make(map[string]any)
		for _, b := range branches {
			for k, v := range b.Output {
				merged[k] = v
			}
		}
		merged["message"] = fmt.Sprintf("Merged %d branches", len(branches))
		return merged, nil

	case "concat":
		var items []any
		for _, b := range branches {
			if arr, ok := b.Output["items"].([]any); ok {
				items = append(items, arr...)
				continue
			}
			items = append(items, b.Output)
		}
		return map[string]any{
			"items":   items,
			"message": fmt.Sprintf("Concatenated %d branches", len(branches)),
		}, nil

	case "join":
		key, _ := req.Config["key"].(string)
		if key == "" {
			return nil, newError(ErrValidation, req.Node.ID, "merge mode \"join\" requires a key")
		}
		joined := make(map[string]any)
		for _, b := range branches {
			kv, ok := b.Output[key]
			if !ok {
				continue
			}
			bucket := stringify(kv)
			entry, _ := joined[bucket].(map[string]any)
			if entry == nil {
				entry = make(map[string]any)
			}
			for k, v := range b.Output {
				entry[k] = v
			}
			joined[bucket] = entry
		}
		return map[string]any{
			"joined":  joined,
			"message": fmt.Sprintf("Joined %d branches on %q", len(branches), key),
		}, nil

	case "waitAll":
		byNode := make(map[string]any, len(branches))
		for _, b := range branches {
			byNode[b.NodeID] = b.Output
		}
		return map[string]any{
			"branches": byNode,
			"message":  fmt.Sprintf("Collected %d branches", len(branches)),
		}, nil

	default:
		return nil, newError(ErrValidation, req.Node.ID, "unknown merge mode %q", mode)
	}
}

func branchesFromInput(input map[string]any) []mergeBranch {
	raw, _ := input[mergeBranchesKey].([]any)
	out := make([]mergeBranch, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b := mergeBranch{}
		b.NodeID, _ = m["nodeId"].(string)
		b.Output, _ = m["output"].(map[string]any)
		out = append(out, b)
	}
	return out
}

// mergeBranchesKey is the input key under which the engine hands a merge node
// its upstream outputs in edge declaration order.
const mergeBranchesKey = "branches"

// StopErrorExecutor terminates the run with the configured message and code.
type StopErrorExecutor struct{}

func (e *StopErrorExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	message, _ := req.Config["message"].(string)
	if message == "" {
		message = "workflow stopped by stop_error node"
	}
	code, _ := req.Config["code"].(string)
	err := newError(ErrUserStop, req.Node.ID, "%s", message)
	if code != "" {
		err.Context = map[string]any{"code": code}
	}
	return nil, err
}

// SetExecutor writes configured values into the run's variable store and its
// own output. With keepExisting, values only fill keys absent from the input,
// making them defaults rather than overrides.
type SetExecutor struct{}

func (e *SetExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	values, _ := req.Config["values"].(map[string]any)
	keepExisting, _ := req.Config["keepExisting"].(bool)

	output := make(map[string]any, len(values)+1)
	assigned := 0
	for k, v := range values {
		if keepExisting {
			if existing, ok := req.Input[k]; ok && existing != nil && existing != "" {
				continue
			}
		}
		output[k] = v
		req.Run.SetVariable(k, v)
		assigned++
	}
	output["message"] = fmt.Sprintf("Set %d values", assigned)
	return output, nil
}

// LogExecutor emits a templated message into the run log.
type LogExecutor struct{}

func (e *LogExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	message, _ := req.Config["message"].(string)
	slog.Info("Workflow log", "runId", req.Run.RunID, "nodeId", req.Node.ID, "message", message)
	return map[string]any{"message": message}, nil
}

// NoopExecutor does nothing; the framework's pass-through preserves the input.
type NoopExecutor struct{}

func (e *NoopExecutor) Execute(_ context.Context, _ ExecRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

// HTTPDoer abstracts the HTTP transport for the http_request kind, keeping
// the engine core free of direct network calls and tests free of sockets.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns the default transport for http_request nodes.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultActionTimeout}
}

// HTTPRequestExecutor performs an HTTP call described by node config:
// method (default GET), url, headers, body. 5xx responses and transport
// timeouts classify as transient; 4xx as permanent.
type HTTPRequestExecutor struct {
	client HTTPDoer
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, req ExecRequest) (map[string]any, error) {
	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	url, _ := req.Config["url"].(string)

	var body io.Reader
	if raw, ok := req.Config["body"].(string); ok && raw != "" {
		body = bytes.NewBufferString(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, newError(ErrValidation, req.Node.ID, "build request: %s", err.Error())
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, stringify(v))
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err // classified at the dispatch boundary
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(ErrTransient, req.Node.ID, "read response: %s", err.Error())
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &EngineError{
			Kind: ErrTransient, NodeID: req.Node.ID,
			Message: fmt.Sprintf("%s %s returned status %d", method, url, resp.StatusCode),
			Context: map[string]any{"status": resp.StatusCode},
		}
	case resp.StatusCode >= 400:
		return nil, &EngineError{
			Kind: ErrPermanent, NodeID: req.Node.ID,
			Message: fmt.Sprintf("%s %s returned status %d", method, url, resp.StatusCode),
			Context: map[string]any{"status": resp.StatusCode},
		}
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		decoded = string(payload)
	}
	return map[string]any{
		"status":  float64(resp.StatusCode),
		"body":    decoded,
		"message": fmt.Sprintf("%s %s -> %d", method, url, resp.StatusCode),
	}, nil
}

// EmailExecutor drafts an email payload from templated subject and body.
// Delivery belongs to an external collaborator; the engine only produces the
// draft.
type EmailExecutor struct{}

func (e *EmailExecutor) Execute(_ context.Context, req ExecRequest) (map[string]any, error) {
	to, _ := req.Config["to"].(string)
	subject, _ := req.Config["subject"].(string)
	body, _ := req.Config["body"].(string)
	from, _ := req.Config["from"].(string)
	if from == "" {
		from = "workflows@example.com"
	}

	draft := map[string]any{
		"to":        to,
		"from":      from,
		"subject":   subject,
		"body":      body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return map[string]any{
		"emailDraft": draft,
		"message":    fmt.Sprintf("Email drafted for %s", to),
	}, nil
}
