package engine

import (
	"context"
	"testing"
	"time"

	"github.com/meikuraledutech/pixelflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func child(n pixelflow.Node, group string) pixelflow.Node {
	n.ParentID = group
	return n
}

func container(id string) pixelflow.Node {
	return pixelflow.Node{ID: id, Type: pixelflow.TypeGroupContainer, Data: pixelflow.Data{"label": id}}
}

func diamond() pixelflow.Graph {
	return pixelflow.Graph{
		Nodes: []pixelflow.Node{
			container("grp"),
			child(generator("D", "d", 400, 400), "grp"),
			child(generator("C", "c", 400, 200), "grp"),
			child(generator("B", "b", 0, 200), "grp"),
			child(generator("A", "a", 200, 0), "grp"),
		},
		Edges: []pixelflow.Edge{
			{ID: "ab", Source: "A", Target: "B"},
			{ID: "ac", Source: "A", Target: "C"},
			{ID: "bd", Source: "B", Target: "D"},
			{ID: "cd", Source: "C", Target: "D"},
		},
	}
}

func TestPlan_TopologicalSoundness(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	order, err := s.Plan(diamond(), "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestPlan_TieBreak(t *testing.T) {
	g := pixelflow.Graph{Nodes: []pixelflow.Node{
		container("grp"),
		child(generator("right", "r", 500, 10), "grp"),
		child(generator("left", "l", 100, 40), "grp"),
		child(generator("below", "b", 0, 200), "grp"),
		child(generator("twinB", "t", 700, 0), "grp"),
		child(generator("twinA", "t", 700, 0), "grp"),
	}}
	s := NewScheduler(nil, nil, nil)

	first, err := s.Plan(g, "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right", "twinA", "twinB", "below"}, first)

	for i := 0; i < 5; i++ {
		again, err := s.Plan(g, "grp")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPlan_IgnoresBoundaryEdges(t *testing.T) {
	g := diamond()
	g.Nodes = append(g.Nodes, generator("outside", "o", 0, 0))
	g.Edges = append(g.Edges, pixelflow.Edge{ID: "oa", Source: "outside", Target: "A"})

	order, err := NewScheduler(nil, nil, nil).Plan(g, "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestPlan_UnlockedNodesJoinBackOfQueue(t *testing.T) {
	// C outranks B visually but only becomes ready after A, so B goes first.
	g := pixelflow.Graph{
		Nodes: []pixelflow.Node{
			container("grp"),
			child(generator("A", "a", 0, 0), "grp"),
			child(generator("B", "b", 0, 300), "grp"),
			child(generator("C", "c", 0, 100), "grp"),
		},
		Edges: []pixelflow.Edge{{ID: "ac", Source: "A", Target: "C"}},
	}

	order, err := NewScheduler(nil, nil, nil).Plan(g, "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestPlan_Cycle(t *testing.T) {
	g := pixelflow.Graph{
		Nodes: []pixelflow.Node{
			container("grp"),
			child(generator("A", "a", 0, 0), "grp"),
			child(generator("B", "b", 200, 0), "grp"),
			child(generator("C", "c", 400, 0), "grp"),
			child(generator("free", "f", 0, 300), "grp"),
		},
		Edges: []pixelflow.Edge{
			{ID: "ab", Source: "A", Target: "B"},
			{ID: "bc", Source: "B", Target: "C"},
			{ID: "ca", Source: "C", Target: "A"},
		},
	}

	order, err := NewScheduler(nil, nil, nil).Plan(g, "grp")
	assert.Nil(t, order)
	assert.ErrorIs(t, err, pixelflow.ErrCycleDetected)

	var cycle *pixelflow.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, "grp", cycle.Group)
	assert.Equal(t, []string{"A", "B", "C"}, cycle.Nodes)
}

func TestPlan_EmptyGroup(t *testing.T) {
	order, err := NewScheduler(nil, nil, nil).Plan(pixelflow.Graph{Nodes: []pixelflow.Node{container("grp")}}, "grp")
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestRunGroup_ThreadsResultsDownstream(t *testing.T) {
	store := newStore(t, diamond())
	gen := &scriptedGenerator{fn: func(req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		return pixelflow.GenerateResult{Image: "data:image/png;base64," + req.Prompt}, nil
	}}
	exec := NewExecutor(store, gen, nil, nil)
	sched := NewScheduler(store, exec, nil, WithStepDelay(0))

	report, err := sched.RunGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, report.Executed)
	assert.Len(t, report.Results, 4)

	reqs := gen.seen()
	require.Len(t, reqs, 4)
	assert.Empty(t, reqs[0].Images)
	assert.Equal(t, []string{"data:image/png;base64,a"}, reqs[1].Images)
	assert.Equal(t, []string{"data:image/png;base64,b", "data:image/png;base64,c"}, reqs[3].Images)
}

func TestRunGroup_FailureDoesNotAbort(t *testing.T) {
	store := newStore(t, diamond())
	gen := &scriptedGenerator{fn: func(req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		if req.Prompt == "b" {
			return pixelflow.GenerateResult{}, errScripted
		}
		return pixelflow.GenerateResult{Image: "data:image/png;base64," + req.Prompt}, nil
	}}
	sched := NewScheduler(store, NewExecutor(store, gen, nil, nil), nil, WithStepDelay(0))

	report, err := sched.RunGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, report.Executed)
	assert.NotContains(t, report.Results, "B")

	reqs := gen.seen()
	require.Len(t, reqs, 4)
	// B produced nothing, so D only sees C's fresh result.
	assert.Equal(t, []string{"data:image/png;base64,c"}, reqs[3].Images)

	b, _ := store.Node("B")
	assert.NotEmpty(t, b.Data.String("error"))
}

func TestRunGroup_SkipsNonGeneratorsAndEmptyPrompts(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{
		container("grp"),
		child(pixelflow.Node{ID: "txt", Type: pixelflow.TypeTextInput, Data: pixelflow.Data{"prompt": "hi"}}, "grp"),
		child(generator("empty", "", 200, 0), "grp"),
		child(generator("real", "go", 400, 0), "grp"),
	}})
	gen := &scriptedGenerator{}
	sched := NewScheduler(store, NewExecutor(store, gen, nil, nil), nil, WithStepDelay(0))

	report, err := sched.RunGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"txt", "empty", "real"}, report.Order)
	assert.Equal(t, []string{"real"}, report.Executed)
	assert.Equal(t, []string{"empty"}, report.Skipped)
}

func TestRunGroup_CycleRunsNothing(t *testing.T) {
	store := newStore(t, pixelflow.Graph{
		Nodes: []pixelflow.Node{
			container("grp"),
			child(generator("A", "a", 0, 0), "grp"),
			child(generator("B", "b", 200, 0), "grp"),
		},
		Edges: []pixelflow.Edge{{ID: "ab", Source: "A", Target: "B"}, {ID: "ba", Source: "B", Target: "A"}},
	})
	gen := &scriptedGenerator{}
	sched := NewScheduler(store, NewExecutor(store, gen, nil, nil), nil)

	_, err := sched.RunGroup(context.Background(), "grp")
	assert.ErrorIs(t, err, pixelflow.ErrCycleDetected)
	assert.Empty(t, gen.seen())
}

func TestRunGroup_NotAContainer(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{generator("g", "x", 0, 0)}})
	sched := NewScheduler(store, NewExecutor(store, &scriptedGenerator{}, nil, nil), nil)

	_, err := sched.RunGroup(context.Background(), "g")
	assert.ErrorIs(t, err, pixelflow.ErrNotContainer)
}

func TestRunGroup_CancelBetweenSteps(t *testing.T) {
	store := newStore(t, diamond())
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGenerator{fn: func(req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		cancel()
		return pixelflow.GenerateResult{Image: "data:image/png;base64," + req.Prompt}, nil
	}}
	sched := NewScheduler(store, NewExecutor(store, gen, nil, nil), nil, WithStepDelay(time.Hour))

	report, err := sched.RunGroup(ctx, "grp")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"A"}, report.Executed)
	assert.Len(t, gen.seen(), 1)
}
