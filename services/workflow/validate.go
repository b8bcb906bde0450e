package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Node kinds with engine-level control-flow meaning.
const (
	KindIfElse    = "if_else"
	KindSwitch    = "switch"
	KindLoop      = "loop"
	KindMerge     = "merge"
	KindStopError = "stop_error"
	KindNoop      = "noop"

	KindManualTrigger   = "manual_trigger"
	KindWebhookTrigger  = "webhook_trigger"
	KindScheduleTrigger = "schedule_trigger"
	KindErrorTrigger    = "error_trigger"
)

// isTriggerKind reports whether a kind originates runs (zero incoming edges).
func isTriggerKind(kind string) bool {
	return strings.HasSuffix(kind, "_trigger")
}

// Repair describes one auto-repair applied by the validator.
type Repair struct {
	Kind    string `json:"kind"`
	NodeID  string `json:"nodeId"`
	Message string `json:"message"`
}

// Repair kinds.
const (
	RepairOrphanAttached       = "orphan_attached"
	RepairConditionalCompleted = "conditional_completed"
)

// ValidateGraph checks structural invariants on a raw graph and applies the
// auto-repair policies: orphan non-trigger nodes are wired to the first
// trigger in declaration order, and if_else nodes missing a labeled branch
// get a no-op terminal inserted. Fatal problems (dangling edges, duplicate
// ids, triggers with incoming edges, cycles not broken by a loop construct)
// are returned as structural errors and block the run entirely.
//
// The input graph is never mutated; repairs apply to the returned copy.
// Re-validating an already-valid graph applies no repairs.
func ValidateGraph(wf *Workflow) (*Workflow, []Repair, error) {
	out := &Workflow{
		ID:        wf.ID,
		Name:      wf.Name,
		Nodes:     append([]Node(nil), wf.Nodes...),
		Edges:     append([]Edge(nil), wf.Edges...),
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
	}

	var fatal []error
	var repairs []Repair

	nodeByID := make(map[string]*Node, len(out.Nodes))
	for i := range out.Nodes {
		n := &out.Nodes[i]
		if _, dup := nodeByID[n.ID]; dup {
			fatal = append(fatal, &EngineError{
				Kind: ErrStructural, NodeID: n.ID,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
				Context: map[string]any{"check": "duplicate_node"},
			})
			continue
		}
		nodeByID[n.ID] = n
	}

	incoming := make(map[string]int)
	for _, e := range out.Edges {
		if _, ok := nodeByID[e.Source]; !ok {
			fatal = append(fatal, &EngineError{
				Kind:    ErrStructural,
				Message: fmt.Sprintf("edge %q references unknown source %q", e.ID, e.Source),
				Context: map[string]any{"check": "dangling_edge", "edgeId": e.ID},
			})
			continue
		}
		if _, ok := nodeByID[e.Target]; !ok {
			fatal = append(fatal, &EngineError{
				Kind:    ErrStructural,
				Message: fmt.Sprintf("edge %q references unknown target %q", e.ID, e.Target),
				Context: map[string]any{"check": "dangling_edge", "edgeId": e.ID},
			})
			continue
		}
		incoming[e.Target]++
	}
	if len(fatal) > 0 {
		// Later checks assume a well-formed edge set.
		return nil, nil, errors.Join(fatal...)
	}

	// Triggers must have no incoming edges; everything else must have at least
	// one, or be auto-wired to the first trigger.
	firstTrigger := ""
	for _, n := range out.Nodes {
		if isTriggerKind(n.Kind) && n.Kind != KindErrorTrigger {
			firstTrigger = n.ID
			break
		}
	}
	if firstTrigger == "" {
		fatal = append(fatal, &EngineError{
			Kind:    ErrStructural,
			Message: "graph has no trigger node",
			Context: map[string]any{"check": "missing_trigger"},
		})
	}

	for _, n := range out.Nodes {
		if isTriggerKind(n.Kind) {
			if incoming[n.ID] > 0 {
				fatal = append(fatal, &EngineError{
					Kind: ErrStructural, NodeID: n.ID,
					Message: fmt.Sprintf("trigger node %q must not have incoming edges", n.ID),
					Context: map[string]any{"check": "trigger_incoming"},
				})
			}
			continue
		}
		if incoming[n.ID] == 0 && firstTrigger != "" {
			out.Edges = append(out.Edges, Edge{
				ID:     fmt.Sprintf("auto-edge-%s", n.ID),
				Source: firstTrigger,
				Target: n.ID,
			})
			incoming[n.ID]++
			repairs = append(repairs, Repair{
				Kind:    RepairOrphanAttached,
				NodeID:  n.ID,
				Message: fmt.Sprintf("orphan node %q wired to trigger %q", n.ID, firstTrigger),
			})
		}
	}

	// Every if_else must expose both labeled branches; missing ones get a
	// no-op terminal so exactly-one-branch execution stays well defined.
	for _, n := range out.Nodes {
		if n.Kind != KindIfElse {
			continue
		}
		labels := map[string]bool{}
		for _, e := range out.Edges {
			if e.Source == n.ID {
				labels[e.Label] = true
			}
		}
		for _, label := range []string{"true", "false"} {
			if labels[label] {
				continue
			}
			noopID := fmt.Sprintf("auto-noop-%s-%s", n.ID, label)
			out.Nodes = append(out.Nodes, Node{ID: noopID, Kind: KindNoop})
			out.Edges = append(out.Edges, Edge{
				ID:     fmt.Sprintf("auto-edge-%s-%s", n.ID, label),
				Source: n.ID,
				Target: noopID,
				Label:  label,
			})
			repairs = append(repairs, Repair{
				Kind:    RepairConditionalCompleted,
				NodeID:  n.ID,
				Message: fmt.Sprintf("if_else %q missing %q branch; no-op terminal inserted", n.ID, label),
			})
		}
	}

	if cycle := findIllegalCycle(out.Nodes, out.Edges); cycle != nil {
		fatal = append(fatal, &EngineError{
			Kind:    ErrStructural,
			Message: fmt.Sprintf("cycle outside a loop construct: %s", strings.Join(cycle, " -> ")),
			Context: map[string]any{"check": "illegal_cycle", "cycle": cycle},
		})
	}

	if len(fatal) > 0 {
		return nil, nil, errors.Join(fatal...)
	}
	return out, repairs, nil
}

// loopBackEdges identifies edges that close a recognized loop construct: an
// edge into a loop node whose source sits inside that loop's body subgraph.
// These edges are legal and excluded from dependency ordering.
func loopBackEdges(nodes []Node, edges []Edge) map[string]bool {
	kindOf := make(map[string]string, len(nodes))
	for _, n := range nodes {
		kindOf[n.ID] = n.Kind
	}
	back := make(map[string]bool)
	for _, n := range nodes {
		if n.Kind != KindLoop {
			continue
		}
		// Reach forward from the loop node without re-entering it.
		reach := map[string]bool{}
		stack := []string{n.ID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, e := range edges {
				if e.Source != cur || e.Target == n.ID {
					continue
				}
				if !reach[e.Target] {
					reach[e.Target] = true
					stack = append(stack, e.Target)
				}
			}
		}
		for _, e := range edges {
			if e.Target == n.ID && reach[e.Source] {
				back[e.ID] = true
			}
		}
	}
	return back
}

// findIllegalCycle runs a coloring DFS over the graph with loop-back edges
// removed. Returns the offending node sequence, or nil when acyclic.
func findIllegalCycle(nodes []Node, edges []Edge) []string {
	back := loopBackEdges(nodes, edges)
	adj := make(map[string][]string)
	for _, e := range edges {
		if back[e.ID] {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string(nil), path[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, n := range nodes {
		if color[n.ID] == white {
			if visit(n.ID) {
				return cycle
			}
		}
	}
	return nil
}
