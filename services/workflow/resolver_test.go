package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-diamond",
		Nodes: []Node{
			{ID: "trigger", Kind: KindManualTrigger},
			{ID: "left", Kind: "log"},
			{ID: "right", Kind: "log"},
			{ID: "join", Kind: KindMerge},
		},
		Edges: []Edge{
			{ID: "e1", Source: "trigger", Target: "left"},
			{ID: "e2", Source: "trigger", Target: "right"},
			{ID: "e3", Source: "left", Target: "join"},
			{ID: "e4", Source: "right", Target: "join"},
		},
	}
}

func TestResolver_DeterministicOrder(t *testing.T) {
	wf := diamondWorkflow()

	var orders [][]string
	for i := 0; i < 3; i++ {
		r, err := NewResolver(wf, "trigger")
		require.NoError(t, err)

		var order []string
		for n := r.Next(); n != nil; n = r.Next() {
			order = append(order, n.ID)
			r.MarkSuccess(n.ID, nil)
		}
		orders = append(orders, order)
	}

	assert.Equal(t, []string{"trigger", "left", "right", "join"}, orders[0])
	assert.Equal(t, orders[0], orders[1])
	assert.Equal(t, orders[0], orders[2])
}

func TestResolver_JoinWaitsForAllBranches(t *testing.T) {
	r, err := NewResolver(diamondWorkflow(), "trigger")
	require.NoError(t, err)

	assert.Equal(t, "trigger", r.Next().ID)
	r.MarkSuccess("trigger", nil)

	assert.Equal(t, "left", r.Next().ID)
	r.MarkSuccess("left", nil)

	// Right branch is still pending, so the join must not surface yet.
	assert.Equal(t, "right", r.Next().ID)
	r.MarkSuccess("right", nil)

	assert.Equal(t, "join", r.Next().ID)
	r.MarkSuccess("join", nil)
	assert.Nil(t, r.Next())

	assert.Equal(t, []string{"left", "right"}, r.ActiveSources("join"))
}

func TestResolver_BranchPruning(t *testing.T) {
	wf := &Workflow{
		ID: "wf-branch",
		Nodes: []Node{
			{ID: "trigger", Kind: KindManualTrigger},
			{ID: "check", Kind: KindIfElse},
			{ID: "yes", Kind: "log"},
			{ID: "no", Kind: "log"},
			{ID: "tail", Kind: "log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "trigger", Target: "check"},
			{ID: "e2", Source: "check", Target: "yes", Label: "true"},
			{ID: "e3", Source: "check", Target: "no", Label: "false"},
			{ID: "e4", Source: "yes", Target: "tail"},
			{ID: "e5", Source: "no", Target: "tail"},
		},
	}

	r, err := NewResolver(wf, "trigger")
	require.NoError(t, err)

	r.MarkSuccess(r.Next().ID, nil) // trigger
	assert.Equal(t, "check", r.Next().ID)
	r.MarkSuccess("check", []string{"true"})

	assert.Equal(t, "yes", r.Next().ID)
	r.MarkSuccess("yes", nil)

	// The false branch is pruned; tail still runs off its one active edge.
	assert.Equal(t, "tail", r.Next().ID)
	r.MarkSuccess("tail", nil)
	assert.Nil(t, r.Next())

	assert.Equal(t, StateSkipped, r.State("no"))
	assert.Equal(t, []string{"yes"}, r.ActiveSources("tail"))
}

func TestResolver_SwitchRoute(t *testing.T) {
	wf := &Workflow{
		ID: "wf-switch",
		Nodes: []Node{
			{ID: "trigger", Kind: KindManualTrigger},
			{ID: "route", Kind: KindSwitch},
			{ID: "a", Kind: "log"},
			{ID: "b", Kind: "log"},
			{ID: "other", Kind: "log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "trigger", Target: "route"},
			{ID: "e2", Source: "route", Target: "a", Label: "gold"},
			{ID: "e3", Source: "route", Target: "b", Label: "silver"},
			{ID: "e4", Source: "route", Target: "other", Label: "default"},
		},
	}
	r, err := NewResolver(wf, "trigger")
	require.NoError(t, err)

	label, ok := r.SwitchRoute("route", "silver")
	assert.True(t, ok)
	assert.Equal(t, "silver", label)

	label, ok = r.SwitchRoute("route", "bronze")
	assert.True(t, ok)
	assert.Equal(t, "default", label)
}

func TestResolver_SwitchRoute_NoMatchNoDefault(t *testing.T) {
	wf := &Workflow{
		ID: "wf-switch2",
		Nodes: []Node{
			{ID: "trigger", Kind: KindManualTrigger},
			{ID: "route", Kind: KindSwitch},
			{ID: "a", Kind: "log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "trigger", Target: "route"},
			{ID: "e2", Source: "route", Target: "a", Label: "gold"},
		},
	}
	r, err := NewResolver(wf, "trigger")
	require.NoError(t, err)

	_, ok := r.SwitchRoute("route", "bronze")
	assert.False(t, ok)
}

func TestResolver_Terminals(t *testing.T) {
	r, err := NewResolver(diamondWorkflow(), "trigger")
	require.NoError(t, err)

	for n := r.Next(); n != nil; n = r.Next() {
		r.MarkSuccess(n.ID, nil)
	}
	assert.Equal(t, []string{"join"}, r.Terminals())
}

func TestResolver_SkipRemaining(t *testing.T) {
	r, err := NewResolver(diamondWorkflow(), "trigger")
	require.NoError(t, err)

	r.MarkSuccess(r.Next().ID, nil) // trigger
	r.MarkFailed(r.Next().ID)       // left

	skipped := r.SkipRemaining()
	assert.Equal(t, []string{"right", "join"}, skipped)
}

func TestResolver_LoopBody(t *testing.T) {
	wf := &Workflow{
		ID: "wf-loop",
		Nodes: []Node{
			{ID: "trigger", Kind: KindManualTrigger},
			{ID: "each", Kind: KindLoop},
			{ID: "step1", Kind: "log"},
			{ID: "step2", Kind: "log"},
			{ID: "after", Kind: "log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "trigger", Target: "each"},
			{ID: "e2", Source: "each", Target: "step1"},
			{ID: "e3", Source: "step1", Target: "step2"},
			{ID: "e4", Source: "each", Target: "after", Label: "done"},
		},
	}
	r, err := NewResolver(wf, "trigger")
	require.NoError(t, err)

	body, entries := r.LoopBody("each")
	assert.Equal(t, map[string]bool{"step1": true, "step2": true}, body)
	assert.Equal(t, []string{"step1"}, entries)
}

func TestResolver_TerminalsExcludeLoopBody(t *testing.T) {
	wf := &Workflow{
		ID: "wf-loop-term",
		Nodes: []Node{
			{ID: "trigger", Kind: KindManualTrigger},
			{ID: "each", Kind: KindLoop},
			{ID: "body", Kind: "log"},
			{ID: "after", Kind: "log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "trigger", Target: "each"},
			{ID: "e2", Source: "each", Target: "body"},
			{ID: "e3", Source: "each", Target: "after", Label: "done"},
		},
	}
	r, err := NewResolver(wf, "trigger")
	require.NoError(t, err)

	r.MarkSuccess("trigger", nil)
	r.Adopt("body", StateSuccess) // executed by the loop's sub-resolver
	r.MarkSuccess("each", []string{"done"})
	r.MarkSuccess("after", nil)

	assert.Equal(t, []string{"after"}, r.Terminals())
}
