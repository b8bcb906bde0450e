package workflow

import (
	"fmt"
	"sort"
)

// NodeState tracks a node's progress through one run.
type NodeState int

const (
	StatePending NodeState = iota
	StateSuccess
	StateSkipped
	StateFailed
)

func (s NodeState) recordStatus() string {
	switch s {
	case StateSuccess:
		return NodeSuccess
	case StateSkipped:
		return NodeSkipped
	case StateFailed:
		return NodeFailed
	default:
		return NodePending
	}
}

// Resolver computes a dependency-respecting execution order over a validated
// graph and applies the control-flow state machines: branch pruning for
// conditionals, join waiting for merges, and bounded re-entry for loops. It
// emits one node at a time; the engine dispatches it, reports the outcome and
// routing decision back, and asks for the next. Because scheduling is
// strictly sequential in topological order, a merge node is only ever emitted
// after every upstream branch has reported; join waiting falls out of the
// ordering rather than requiring separate synchronization.
type Resolver struct {
	wf       *Workflow
	nodes    map[string]*Node
	order    []string
	incoming map[string][]Edge
	outgoing map[string][]Edge

	states     map[string]NodeState
	edgeActive map[string]bool
	seeds      map[string]bool
	restrict   map[string]bool
}

// NewResolver prepares a resolver for a full run starting at the given
// trigger. Every other trigger (including error_trigger) is marked skipped up
// front; the error path is driven separately by the fault handler.
func NewResolver(wf *Workflow, startID string) (*Resolver, error) {
	r, err := newResolver(wf, nil, map[string]bool{startID: true})
	if err != nil {
		return nil, err
	}
	for _, n := range wf.Nodes {
		if isTriggerKind(n.Kind) && n.ID != startID {
			r.states[n.ID] = StateSkipped
		}
	}
	return r, nil
}

// subResolver restricts scheduling to a node subset with the given entry
// nodes, used for loop body iterations and the error-trigger path. Edges
// from outside the subset are ignored; entries dispatch unconditionally.
func (r *Resolver) subResolver(restrict map[string]bool, seeds map[string]bool) *Resolver {
	sub, _ := newResolver(r.wf, restrict, seeds)
	return sub
}

func newResolver(wf *Workflow, restrict map[string]bool, seeds map[string]bool) (*Resolver, error) {
	r := &Resolver{
		wf:         wf,
		nodes:      make(map[string]*Node, len(wf.Nodes)),
		incoming:   make(map[string][]Edge),
		outgoing:   make(map[string][]Edge),
		states:     make(map[string]NodeState, len(wf.Nodes)),
		edgeActive: make(map[string]bool),
		seeds:      seeds,
		restrict:   restrict,
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		r.nodes[n.ID] = n
		r.states[n.ID] = StatePending
	}
	back := loopBackEdges(wf.Nodes, wf.Edges)
	for _, e := range wf.Edges {
		if back[e.ID] {
			continue
		}
		r.outgoing[e.Source] = append(r.outgoing[e.Source], e)
		r.incoming[e.Target] = append(r.incoming[e.Target], e)
	}

	order, err := topoOrder(wf.Nodes, r.outgoing)
	if err != nil {
		return nil, err
	}
	r.order = order
	return r, nil
}

// topoOrder is Kahn's algorithm with ties broken by node declaration order,
// so scheduling is deterministic across runs of the same graph.
func topoOrder(nodes []Node, outgoing map[string][]Edge) ([]string, error) {
	index := make(map[string]int, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
		indegree[n.ID] = 0
	}
	for _, edges := range outgoing {
		for _, e := range edges {
			indegree[e.Target]++
		}
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, e := range outgoing[cur] {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				ready = append(ready, e.Target)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, newError(ErrStructural, "", "graph ordering failed: %d of %d nodes ordered (cycle?)", len(order), len(nodes))
	}
	return order, nil
}

func (r *Resolver) inScope(id string) bool {
	return r.restrict == nil || r.restrict[id]
}

// incomingInScope returns a node's incoming edges whose sources the resolver
// is tracking, in edge declaration order.
func (r *Resolver) incomingInScope(id string) []Edge {
	edges := r.incoming[id]
	if r.restrict == nil {
		return edges
	}
	var out []Edge
	for _, e := range edges {
		if r.restrict[e.Source] {
			out = append(out, e)
		}
	}
	return out
}

// Next returns the next schedulable node, or nil when no more nodes can run.
// Nodes whose every in-scope incoming edge is decided but inactive are marked
// skipped as the scan progresses (branch pruning); a node with at least one
// active incoming edge still runs even if other paths to it were pruned,
// which is what makes diamond-shaped joins behave.
func (r *Resolver) Next() *Node {
	for {
		progressed := false
		for _, id := range r.order {
			if !r.inScope(id) || r.states[id] != StatePending {
				continue
			}
			if r.seeds[id] {
				return r.nodes[id]
			}
			edges := r.incomingInScope(id)
			if len(edges) == 0 {
				// Unreachable within scope (e.g. non-seeded trigger).
				r.states[id] = StateSkipped
				progressed = true
				continue
			}
			decided := true
			active := false
			for _, e := range edges {
				if r.states[e.Source] == StatePending {
					decided = false
					break
				}
				if r.states[e.Source] == StateSuccess && r.edgeActive[e.ID] {
					active = true
				}
			}
			if !decided {
				continue
			}
			if !active {
				r.states[id] = StateSkipped
				progressed = true
				continue
			}
			if r.nodes[id].Kind == KindLoop && !r.loopBodyReady(id) {
				continue
			}
			return r.nodes[id]
		}
		if !progressed {
			return nil
		}
	}
}

// loopBodyReady reports whether every edge into the loop's body subgraph from
// outside it has a decided source, so iterations observe frozen upstream
// outputs.
func (r *Resolver) loopBodyReady(loopID string) bool {
	body, _ := r.LoopBody(loopID)
	for id := range body {
		for _, e := range r.incoming[id] {
			if e.Source == loopID || body[e.Source] {
				continue
			}
			if r.states[e.Source] == StatePending {
				return false
			}
		}
	}
	return true
}

// MarkSuccess records a successful node and activates its outgoing edges.
// With nil labels every outgoing edge activates; otherwise only edges whose
// label appears in the set do. This is how exactly-one-branch execution for
// conditionals and first-match-wins for switches are enforced.
func (r *Resolver) MarkSuccess(nodeID string, labels []string) {
	r.states[nodeID] = StateSuccess
	for _, e := range r.outgoing[nodeID] {
		if labels == nil {
			r.edgeActive[e.ID] = true
			continue
		}
		r.edgeActive[e.ID] = false
		for _, l := range labels {
			if e.Label == l {
				r.edgeActive[e.ID] = true
				break
			}
		}
	}
}

// MarkSkipped records a pruned node; its outgoing edges stay inactive.
func (r *Resolver) MarkSkipped(nodeID string) {
	r.states[nodeID] = StateSkipped
}

// MarkFailed records a fatally failed node.
func (r *Resolver) MarkFailed(nodeID string) {
	r.states[nodeID] = StateFailed
}

// Adopt copies a node decision made outside this resolver (loop body nodes
// executed by a sub-resolver, error-path nodes).
func (r *Resolver) Adopt(nodeID string, state NodeState) {
	r.states[nodeID] = state
}

// State returns the resolver's view of a node.
func (r *Resolver) State(nodeID string) NodeState {
	return r.states[nodeID]
}

// ActiveSources returns the sources of a node's active in-scope incoming
// edges, in edge declaration order, deduplicated. The engine assembles the
// node's input object from these.
func (r *Resolver) ActiveSources(nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.incomingInScope(nodeID) {
		if r.states[e.Source] != StateSuccess || !r.edgeActive[e.ID] {
			continue
		}
		if !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	return out
}

// SwitchRoute matches a switch result against the node's outgoing edge
// labels in declaration order, first match wins; a "default" edge is taken
// when no case matches. The second return reports whether any edge matched.
func (r *Resolver) SwitchRoute(nodeID, match string) (string, bool) {
	hasDefault := false
	for _, e := range r.outgoing[nodeID] {
		if e.Label == "default" {
			hasDefault = true
			continue
		}
		if e.Label == match {
			return e.Label, true
		}
	}
	if hasDefault {
		return "default", true
	}
	return "", false
}

// LoopBody returns the loop's body subgraph (every node reachable from its
// non-"done" outgoing edges, excluding direct "done" targets and the loop
// itself) and the body entry node ids in edge order.
func (r *Resolver) LoopBody(loopID string) (map[string]bool, []string) {
	doneTargets := make(map[string]bool)
	var entries []string
	for _, e := range r.outgoing[loopID] {
		if e.Label == "done" {
			doneTargets[e.Target] = true
		} else {
			entries = append(entries, e.Target)
		}
	}
	body := make(map[string]bool)
	stack := append([]string(nil), entries...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if body[cur] || doneTargets[cur] || cur == loopID {
			continue
		}
		body[cur] = true
		for _, e := range r.outgoing[cur] {
			stack = append(stack, e.Target)
		}
	}
	return body, entries
}

// SkipRemaining marks every still-pending in-scope node skipped and returns
// their ids in topological order. Used on fatal failure, stop_error and
// cancellation.
func (r *Resolver) SkipRemaining() []string {
	var skipped []string
	for _, id := range r.order {
		if r.inScope(id) && r.states[id] == StatePending {
			r.states[id] = StateSkipped
			skipped = append(skipped, id)
		}
	}
	return skipped
}

// Terminals returns nodes with no active outgoing edges that succeeded, in
// topological order. Their outputs form the run's final output. Loop body
// nodes are excluded: their per-iteration outputs are already aggregated into
// the loop's "results", so they must not leak in alongside it.
func (r *Resolver) Terminals() []string {
	inBody := make(map[string]bool)
	for _, id := range r.order {
		if r.inScope(id) && r.nodes[id].Kind == KindLoop {
			body, _ := r.LoopBody(id)
			for b := range body {
				inBody[b] = true
			}
		}
	}
	var out []string
	for _, id := range r.order {
		if !r.inScope(id) || r.states[id] != StateSuccess || inBody[id] {
			continue
		}
		hasActive := false
		for _, e := range r.outgoing[id] {
			if r.edgeActive[e.ID] && r.inScope(e.Target) {
				hasActive = true
				break
			}
		}
		if !hasActive {
			out = append(out, id)
		}
	}
	return out
}

// describeNode is a log-friendly node tag.
func describeNode(n *Node) string {
	if n.Name != "" {
		return fmt.Sprintf("%s (%s)", n.Name, n.ID)
	}
	return n.ID
}
