package workflow

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDoer fakes the HTTP transport for http_request tests.
type stubDoer struct {
	status int
	body   string
	err    error
	seen   *http.Request
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.seen = req
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(strings.NewReader(d.body)),
		Header:     http.Header{},
	}, nil
}

func testRegistry() Registry {
	return NewRegistry(&stubDoer{status: 200, body: `{}`})
}

func TestDispatch_UnknownKind(t *testing.T) {
	rc := NewExecutionContext()
	_, err := testRegistry().Dispatch(context.Background(), Node{ID: "n", Kind: "teleport"}, nil, rc)

	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrValidation, ee.Kind)
}

func TestDispatch_PassthroughMergesInput(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "n", Kind: "log", Config: map[string]any{"message": "hi"}}

	out, err := testRegistry().Dispatch(context.Background(), node, map[string]any{"x": float64(1)}, rc)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["x"], "input keys flow through")
	assert.Equal(t, "hi", out["message"])
}

func TestDispatch_RequiredFieldEmptyAfterResolution(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "n", Kind: "http_request", Config: map[string]any{"url": "{{input.endpoint}}"}}

	_, err := testRegistry().Dispatch(context.Background(), node, map[string]any{}, rc)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrValidation, ee.Kind)
	assert.Contains(t, ee.Message, "url")
}

func TestDispatch_ScopePoppedAfterCall(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "n", Kind: KindNoop}

	_, err := testRegistry().Dispatch(context.Background(), node, map[string]any{"x": float64(1)}, rc)
	require.NoError(t, err)
	assert.Equal(t, 0, rc.Scope().Depth())
}

func TestIfElseExecutor_Branches(t *testing.T) {
	rc := NewExecutionContext()
	reg := testRegistry()
	node := Node{ID: "check", Kind: KindIfElse, Config: map[string]any{"condition": "{{input.x}} > 3"}}

	out, err := reg.Dispatch(context.Background(), node, map[string]any{"x": float64(5)}, rc)
	require.NoError(t, err)
	assert.Equal(t, "true", out["branch"])
	assert.Equal(t, true, out["conditionMet"])

	out, err = reg.Dispatch(context.Background(), node, map[string]any{"x": float64(2)}, rc)
	require.NoError(t, err)
	assert.Equal(t, "false", out["branch"])
}

func TestSwitchExecutor_Match(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "route", Kind: KindSwitch, Config: map[string]any{"expression": "{{input.tier}}"}}

	out, err := testRegistry().Dispatch(context.Background(), node, map[string]any{"tier": "gold"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "gold", out["match"])
}

func TestLoopExecutor_ClampsToMaxIterations(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "each", Kind: KindLoop, Config: map[string]any{
		"items":         []any{1, 2, 3, 4, 5, 6, 7},
		"maxIterations": float64(5),
	}}

	out, err := testRegistry().Dispatch(context.Background(), node, map[string]any{}, rc)
	require.NoError(t, err)
	assert.Equal(t, 5, out["count"])
	assert.Len(t, out["items"], 5)
}

func TestLoopExecutor_ItemsFromTemplate(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "each", Kind: KindLoop, Config: map[string]any{"items": "{{input.list}}"}}

	out, err := testRegistry().Dispatch(context.Background(), node,
		map[string]any{"list": []any{"a", "b"}}, rc)
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])
}

func TestLoopExecutor_NonArrayItems(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "each", Kind: KindLoop, Config: map[string]any{"items": "not json"}}

	_, err := testRegistry().Dispatch(context.Background(), node, map[string]any{}, rc)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrValidation, ee.Kind)
}

func TestSetExecutor_WritesVariables(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "vars", Kind: "set", Config: map[string]any{
		"values": map[string]any{"city": "Sydney"},
	}}

	out, err := testRegistry().Dispatch(context.Background(), node, map[string]any{}, rc)
	require.NoError(t, err)
	assert.Equal(t, "Sydney", out["city"])
	assert.Equal(t, "Sydney", rc.Variables["city"])
}

func TestSetExecutor_KeepExisting(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "vars", Kind: "set", Config: map[string]any{
		"values":       map[string]any{"x": float64(5)},
		"keepExisting": true,
	}}

	out, err := testRegistry().Dispatch(context.Background(), node, map[string]any{"x": float64(2)}, rc)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["x"], "existing input value wins")
	_, assigned := rc.Variables["x"]
	assert.False(t, assigned)

	out, err = testRegistry().Dispatch(context.Background(), node, map[string]any{}, rc)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out["x"], "absent key takes the default")
}

func TestMergeExecutor_Modes(t *testing.T) {
	exec := &MergeExecutor{}
	input := map[string]any{mergeBranchesKey: []any{
		map[string]any{"nodeId": "a", "output": map[string]any{"x": float64(1)}},
		map[string]any{"nodeId": "b", "output": map[string]any{"y": float64(2)}},
	}}

	out, err := exec.Execute(context.Background(), ExecRequest{
		Node: Node{ID: "m"}, Config: map[string]any{}, Input: input,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["x"])
	assert.Equal(t, float64(2), out["y"])

	out, err = exec.Execute(context.Background(), ExecRequest{
		Node: Node{ID: "m"}, Config: map[string]any{"mode": "waitAll"}, Input: input,
	})
	require.NoError(t, err)
	byNode, ok := out["branches"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, byNode, 2)

	out, err = exec.Execute(context.Background(), ExecRequest{
		Node: Node{ID: "m"}, Config: map[string]any{"mode": "concat"}, Input: input,
	})
	require.NoError(t, err)
	assert.Len(t, out["items"], 2)
}

func TestMergeExecutor_JoinRequiresKey(t *testing.T) {
	exec := &MergeExecutor{}
	_, err := exec.Execute(context.Background(), ExecRequest{
		Node: Node{ID: "m"}, Config: map[string]any{"mode": "join"}, Input: map[string]any{},
	})
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrValidation, ee.Kind)
}

func TestMergeExecutor_UnknownMode(t *testing.T) {
	exec := &MergeExecutor{}
	_, err := exec.Execute(context.Background(), ExecRequest{
		Node: Node{ID: "m"}, Config: map[string]any{"mode": "zip"}, Input: map[string]any{},
	})
	require.Error(t, err)
}

func TestStopErrorExecutor(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "halt", Kind: KindStopError, Config: map[string]any{
		"message": "payment limit exceeded",
		"code":    "LIMIT",
	}}

	_, err := testRegistry().Dispatch(context.Background(), node, map[string]any{}, rc)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrUserStop, ee.Kind)
	assert.Equal(t, "payment limit exceeded", ee.Message)
	assert.Equal(t, "LIMIT", ee.Context["code"])
}

func TestHTTPRequestExecutor_Success(t *testing.T) {
	rc := NewExecutionContext()
	doer := &stubDoer{status: 200, body: `{"ok":true}`}
	reg := NewRegistry(doer)
	node := Node{ID: "call", Kind: "http_request", Config: map[string]any{
		"url":    "https://example.com/api",
		"method": "post",
		"body":   `{"q":1}`,
	}}

	out, err := reg.Dispatch(context.Background(), node, map[string]any{}, rc)
	require.NoError(t, err)
	assert.Equal(t, float64(200), out["status"])
	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, body["ok"])

	require.NotNil(t, doer.seen)
	assert.Equal(t, "POST", doer.seen.Method)
	assert.Equal(t, "application/json", doer.seen.Header.Get("Content-Type"))
}

func TestHTTPRequestExecutor_ServerErrorIsTransient(t *testing.T) {
	rc := NewExecutionContext()
	reg := NewRegistry(&stubDoer{status: 503, body: ""})
	node := Node{ID: "call", Kind: "http_request", Config: map[string]any{"url": "https://example.com"}}

	_, err := reg.Dispatch(context.Background(), node, map[string]any{}, rc)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrTransient, ee.Kind)
	assert.Equal(t, 503, ee.Context["status"])
}

func TestHTTPRequestExecutor_ClientErrorIsPermanent(t *testing.T) {
	rc := NewExecutionContext()
	reg := NewRegistry(&stubDoer{status: 404, body: ""})
	node := Node{ID: "call", Kind: "http_request", Config: map[string]any{"url": "https://example.com"}}

	_, err := reg.Dispatch(context.Background(), node, map[string]any{}, rc)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrPermanent, ee.Kind)
}

func TestEmailExecutor_Draft(t *testing.T) {
	rc := NewExecutionContext()
	node := Node{ID: "notify", Kind: "email", Config: map[string]any{
		"to":      "ada@example.com",
		"subject": "Hello {{input.name}}",
		"body":    "Welcome aboard",
	}}

	out, err := testRegistry().Dispatch(context.Background(), node, map[string]any{"name": "Ada"}, rc)
	require.NoError(t, err)
	draft, ok := out["emailDraft"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ada@example.com", draft["to"])
	assert.Equal(t, "Hello Ada", draft["subject"])
}
