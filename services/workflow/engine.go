package workflow

import (
	"context"
	"log/slog"
	"time"
)

// maxSteps bounds total dispatches per run, loop iterations included.
const maxSteps = 1000

// Engine interprets a validated workflow graph: it asks the topology resolver
// for one node at a time, dispatches it through the registry wrapped in the
// fault handler, writes the outcome into the run's execution context, and
// repeats until no schedulable nodes remain. Runs are strictly sequential;
// distinct runs may execute concurrently with fully isolated contexts.
type Engine struct {
	registry Registry
}

// NewEngine creates an Engine with the given executor registry.
func NewEngine(registry Registry) *Engine {
	return &Engine{registry: registry}
}

// Execute validates the graph and runs it with the given initial input. A
// structural problem returns an error and no result; such a run never
// starts. Node-level failures return a RunResult with status "failed" and the
// full execution log preserved for diagnosis.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, input map[string]any) (*RunResult, error) {
	validated, repairs, err := ValidateGraph(wf)
	if err != nil {
		return nil, err
	}

	start, err := startTrigger(validated)
	if err != nil {
		return nil, err
	}

	r, err := NewResolver(validated, start.ID)
	if err != nil {
		return nil, err
	}

	rc := NewExecutionContext()
	for _, rep := range repairs {
		rc.Warn(rep.Message)
	}
	if input == nil {
		input = map[string]any{}
	}

	slog.Debug("Starting run", "runId", rc.RunID, "workflowId", wf.ID, "nodes", len(validated.Nodes))
	startedAt := time.Now()

	steps := 0
	fatal := e.runSubgraph(ctx, r, rc, input, &steps)

	status := RunSuccess
	if fatal != nil {
		if fatal.Kind == ErrCancelled {
			status = RunCancelled
		} else {
			status = RunFailed
		}
		if fatal.NodeID != "" {
			r.MarkFailed(fatal.NodeID)
		}
		e.fireErrorTrigger(ctx, r, rc, fatal, &steps)
	}

	for _, id := range r.SkipRemaining() {
		e.recordSkipped(r, rc, id)
	}
	// Pruned-branch nodes decided during the run also need skip records.
	for _, n := range validated.Nodes {
		if r.State(n.ID) == StateSkipped {
			e.recordSkipped(r, rc, n.ID)
		}
	}

	finishedAt := time.Now()
	result := &RunResult{
		RunID:      rc.RunID,
		WorkflowID: wf.ID,
		Status:     status,
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
		DurationMs: finishedAt.Sub(startedAt).Milliseconds(),
		Logs:       rc.Records(),
		Output:     finalOutput(r, rc),
		Warnings:   rc.Warnings(),
	}
	if fatal != nil {
		result.Error = fatal.Detail()
	}
	slog.Debug("Run finished", "runId", rc.RunID, "status", status, "steps", steps)
	return result, nil
}

// startTrigger picks the run's originating trigger: the first non-error
// trigger in declaration order. The validator guarantees one exists.
func startTrigger(wf *Workflow) (*Node, error) {
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if isTriggerKind(n.Kind) && n.Kind != KindErrorTrigger {
			return n, nil
		}
	}
	return nil, newError(ErrStructural, "", "graph has no trigger node")
}

// runSubgraph drives one resolver to completion: the main run, each loop
// iteration, and the error-trigger path all go through here. initialInput
// feeds seed nodes (the trigger, or loop body entries). Cancellation is
// cooperative, checked between node dispatches; in-flight calls are awaited.
func (e *Engine) runSubgraph(ctx context.Context, r *Resolver, rc *ExecutionContext, initialInput map[string]any, steps *int) *EngineError {
	for {
		if err := ctx.Err(); err != nil {
			return Classify(err, "")
		}
		n := r.Next()
		if n == nil {
			return nil
		}
		*steps++
		if *steps > maxSteps {
			return newError(ErrStructural, n.ID, "run exceeded maximum of %d steps", maxSteps)
		}
		if err := e.executeNode(ctx, r, rc, n, initialInput, steps); err != nil {
			return err
		}
	}
}

// executeNode assembles a node's input from its active upstream outputs,
// dispatches it, records the outcome, and reports the routing decision back
// to the resolver.
func (e *Engine) executeNode(ctx context.Context, r *Resolver, rc *ExecutionContext, n *Node, initialInput map[string]any, steps *int) *EngineError {
	nodeInput := e.buildInput(r, rc, n, initialInput)

	if n.Kind == KindLoop {
		return e.runLoop(ctx, r, rc, n, nodeInput, steps)
	}

	slog.Debug("Executing node", "runId", rc.RunID, "node", describeNode(n), "kind", n.Kind)
	started := time.Now()
	output, attempts, err := e.dispatchWithPolicy(ctx, *n, nodeInput, rc)
	finished := time.Now()

	rec := NodeExecutionRecord{
		NodeID:     n.ID,
		Kind:       n.Kind,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		DurationMs: finished.Sub(started).Milliseconds(),
		Attempts:   attempts,
		Input:      deepCopyMap(nodeInput),
	}
	if err != nil {
		rec.Status = NodeFailed
		rec.Error = err.Detail()
		rc.RecordNode(rec)
		return err
	}

	labels := e.route(r, rc, n, output)
	r.MarkSuccess(n.ID, labels)
	rc.SetOutput(n.ID, output)

	rec.Status = NodeSuccess
	rec.Output = deepCopyMap(output)
	rc.RecordNode(rec)
	return nil
}

// buildInput merges the frozen outputs of the node's active upstream sources
// in edge declaration order. Seed nodes (trigger, loop body entries) receive
// the subgraph's initial input; merge nodes receive every branch keyed for
// their combination policy.
func (e *Engine) buildInput(r *Resolver, rc *ExecutionContext, n *Node, initialInput map[string]any) map[string]any {
	sources := r.ActiveSources(n.ID)

	if n.Kind == KindMerge {
		branches := make([]any, 0, len(sources))
		for _, src := range sources {
			out, _ := rc.Output(src)
			branches = append(branches, map[string]any{"nodeId": src, "output": out})
		}
		return map[string]any{mergeBranchesKey: branches}
	}

	if len(sources) == 0 {
		return deepCopyMap(initialInput)
	}
	input := make(map[string]any)
	for _, src := range sources {
		out, _ := rc.Output(src)
		for k, v := range out {
			input[k] = v
		}
	}
	return input
}

// route converts a logic node's output into the set of outgoing edge labels
// to activate. nil means all edges.
func (e *Engine) route(r *Resolver, rc *ExecutionContext, n *Node, output map[string]any) []string {
	switch n.Kind {
	case KindIfElse:
		branch, _ := output["branch"].(string)
		return []string{branch}
	case KindSwitch:
		match, _ := output["match"].(string)
		label, ok := r.SwitchRoute(n.ID, match)
		if !ok {
			rc.Warn("switch " + describeNode(n) + " matched no case and has no default; no outgoing edges scheduled")
			slog.Warn("Switch matched nothing", "runId", rc.RunID, "node", describeNode(n), "match", match)
			return []string{}
		}
		return []string{label}
	default:
		return nil
	}
}

// dispatchWithPolicy is the fault handler around every dispatch: it retries
// transient failures per the node's error policy with a fixed delay, and
// substitutes the configured fallback output once retries exhaust. Attempts
// counts total executions; the caller records it on the single final record.
func (e *Engine) dispatchWithPolicy(ctx context.Context, n Node, input map[string]any, rc *ExecutionContext) (map[string]any, int, *EngineError) {
	policy := errorPolicyFrom(n.Config)
	attempts := 0
	for {
		attempts++
		output, err := e.registry.Dispatch(ctx, n, input, rc)
		if err == nil {
			return output, attempts, nil
		}
		ee := Classify(err, n.ID)

		if policy != nil && ee.Retryable() && attempts <= policy.MaxRetries {
			slog.Warn("Retrying node", "runId", rc.RunID, "nodeId", n.ID,
				"attempt", attempts, "maxRetries", policy.MaxRetries, "error", ee.Message)
			select {
			case <-ctx.Done():
				return nil, attempts, Classify(ctx.Err(), n.ID)
			case <-time.After(policy.RetryDelay):
			}
			continue
		}

		if policy != nil && policy.HasFallback && fallbackApplies(ee.Kind) {
			slog.Warn("Applying fallback output", "runId", rc.RunID, "nodeId", n.ID, "error", ee.Message)
			return resolveFallback(policy.Fallback, input, rc.Scope()), attempts, nil
		}
		return nil, attempts, ee
	}
}

// resolveFallback substitutes templates in a fallback map before it stands in
// as the node's output, with the failed dispatch's input addressable as
// {{input.*}} the same way the node's own config would see it.
func resolveFallback(fallback, input map[string]any, scope *Scope) map[string]any {
	scope.Push(map[string]any{"input": input})
	defer scope.Pop()
	resolved, ok := resolveValue(fallback, scope).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return resolved
}

// fallbackApplies excludes error kinds where substituting a fallback would
// mask intent: explicit stops, cancellation, and bad node config.
func fallbackApplies(kind ErrorKind) bool {
	switch kind {
	case ErrUserStop, ErrCancelled, ErrValidation:
		return false
	default:
		return true
	}
}

// runLoop executes a loop node: the registered executor resolves the
// collection and ceiling, then the body subgraph runs once per item with
// loop-scoped item/index pushed onto the scope chain and popped at iteration
// end. Per-iteration outputs accumulate into the loop's "results" array.
func (e *Engine) runLoop(ctx context.Context, r *Resolver, rc *ExecutionContext, n *Node, nodeInput map[string]any, steps *int) *EngineError {
	slog.Debug("Executing loop", "runId", rc.RunID, "node", describeNode(n))
	started := time.Now()

	plan, attempts, err := e.dispatchWithPolicy(ctx, *n, nodeInput, rc)
	rec := NodeExecutionRecord{
		NodeID:    n.ID,
		Kind:      n.Kind,
		StartedAt: started.UTC(),
		Attempts:  attempts,
		Input:     deepCopyMap(nodeInput),
	}
	if err != nil {
		rec.Status = NodeFailed
		rec.FinishedAt = time.Now().UTC()
		rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
		rec.Error = err.Detail()
		rc.RecordNode(rec)
		return err
	}

	items, _ := plan["items"].([]any)
	body, entries := r.LoopBody(n.ID)

	scope := rc.Scope()
	results := make([]any, 0, len(items))
	var lastSub *Resolver

	for i, item := range items {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Classify(ctxErr, n.ID)
		}
		for id := range body {
			rc.ResetNode(id)
		}
		seeds := make(map[string]bool)
		for _, entry := range entries {
			if body[entry] {
				seeds[entry] = true
			}
		}
		sub := r.subResolver(body, seeds)
		lastSub = sub

		iterInput := deepCopyMap(nodeInput)
		iterInput["item"] = item
		iterInput["index"] = float64(i)

		scope.PushLoop(map[string]any{"item": item, "index": float64(i)})
		iterErr := e.runSubgraph(ctx, sub, rc, iterInput, steps)
		scope.PopLoop()
		if iterErr != nil {
			rec.Status = NodeFailed
			rec.FinishedAt = time.Now().UTC()
			rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
			rec.Error = iterErr.Detail()
			rc.RecordNode(rec)
			for id := range body {
				r.Adopt(id, sub.State(id))
			}
			return iterErr
		}

		results = append(results, iterationResult(sub, rc))
	}

	// Body nodes were executed (or pruned) by the sub-resolvers; the main
	// resolver adopts the final iteration's view so it never re-emits them.
	for id := range body {
		if lastSub != nil {
			r.Adopt(id, lastSub.State(id))
		} else {
			r.Adopt(id, StateSkipped)
			e.recordSkipped(r, rc, id)
		}
	}

	output := deepCopyMap(plan)
	delete(output, "items")
	output["results"] = results
	output["count"] = float64(len(results))

	r.MarkSuccess(n.ID, []string{"done"})
	rc.SetOutput(n.ID, output)

	finished := time.Now()
	rec.Status = NodeSuccess
	rec.FinishedAt = finished.UTC()
	rec.DurationMs = finished.Sub(started).Milliseconds()
	rec.Output = deepCopyMap(output)
	rc.RecordNode(rec)
	return nil
}

// iterationResult collects one iteration's contribution: the output of the
// body's terminal node, or a map keyed by node id when the body fans out.
func iterationResult(sub *Resolver, rc *ExecutionContext) any {
	terminals := sub.Terminals()
	switch len(terminals) {
	case 0:
		return map[string]any{}
	case 1:
		out, _ := rc.Output(terminals[0])
		return out
	default:
		byNode := make(map[string]any, len(terminals))
		for _, id := range terminals {
			out, _ := rc.Output(id)
			byNode[id] = out
		}
		return byNode
	}
}

// fireErrorTrigger realizes global error interception: when any node fails
// fatally and the graph contains an error_trigger node, that trigger and its
// downstream subgraph run with the failing node's error context as input,
// independent of normal topological position. Explicit stops and
// cancellation do not fire it.
func (e *Engine) fireErrorTrigger(ctx context.Context, r *Resolver, rc *ExecutionContext, fatal *EngineError, steps *int) {
	if fatal.Kind == ErrUserStop || fatal.Kind == ErrCancelled {
		return
	}
	var trigger *Node
	for id, n := range r.nodes {
		if n.Kind == KindErrorTrigger {
			trigger = r.nodes[id]
			break
		}
	}
	if trigger == nil {
		return
	}

	reach := map[string]bool{trigger.ID: true}
	stack := []string{trigger.ID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range r.outgoing[cur] {
			if !reach[edge.Target] {
				reach[edge.Target] = true
				stack = append(stack, edge.Target)
			}
		}
	}

	errInput := map[string]any{
		"error": map[string]any{
			"kind":    string(fatal.Kind),
			"message": fatal.Message,
			"nodeId":  fatal.NodeID,
			"context": fatal.Context,
		},
	}

	sub := r.subResolver(reach, map[string]bool{trigger.ID: true})
	// The failure path must not mask the original error; secondary failures
	// are logged and surfaced as warnings only.
	if err := e.runSubgraph(ctx, sub, rc, errInput, steps); err != nil {
		rc.Warn("error path failed: " + err.Message)
		slog.Error("Error-trigger path failed", "runId", rc.RunID, "error", err.Message)
	}
	for id := range reach {
		if sub.State(id) == StatePending {
			continue
		}
		// The trigger itself starts out skipped in the main resolver; nodes
		// already decided by the main flow keep their decision.
		if st := r.State(id); st == StatePending || st == StateSkipped {
			r.Adopt(id, sub.State(id))
		}
	}
}

// recordSkipped writes a skip record for a node that never dispatched.
func (e *Engine) recordSkipped(r *Resolver, rc *ExecutionContext, nodeID string) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	rc.RecordNode(NodeExecutionRecord{NodeID: nodeID, Kind: n.Kind, Status: NodeSkipped})
}

// finalOutput assembles the run's output from terminal nodes: a single
// terminal's output directly, otherwise outputs keyed by node id.
func finalOutput(r *Resolver, rc *ExecutionContext) map[string]any {
	terminals := r.Terminals()
	switch len(terminals) {
	case 0:
		return nil
	case 1:
		out, _ := rc.Output(terminals[0])
		return out
	default:
		byNode := make(map[string]any, len(terminals))
		for _, id := range terminals {
			out, _ := rc.Output(id)
			byNode[id] = out
		}
		return byNode
	}
}
