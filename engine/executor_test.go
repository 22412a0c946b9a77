package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upstreamImage = "data:image/png;base64,UPSTREAM"

func TestExecute_EmptyPromptIsNoop(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{{
		ID:   "g",
		Type: pixelflow.TypeImageGenerator,
		Data: pixelflow.Data{"prompt": "   ", "result": "old", "error": "older"},
	}}})
	gen := &scriptedGenerator{}
	exec := NewExecutor(store, gen, nil, nil)

	before, _ := store.Node("g")
	result, err := exec.Execute(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.Empty(t, result)

	after, _ := store.Node("g")
	assert.Equal(t, before.Data, after.Data)
	assert.Empty(t, gen.seen())
}

func TestExecute_NonGeneratorIsNoop(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{{
		ID: "t", Type: pixelflow.TypeTextInput, Data: pixelflow.Data{"prompt": "hello"},
	}}})
	gen := &scriptedGenerator{}

	_, err := NewExecutor(store, gen, nil, nil).Execute(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Empty(t, gen.seen())
}

func TestExecute_UnknownNode(t *testing.T) {
	exec := NewExecutor(graph.New(nil), &scriptedGenerator{}, nil, nil)
	_, err := exec.Execute(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, pixelflow.ErrNodeNotFound)
}

func TestExecute_Success(t *testing.T) {
	store := newStore(t, pixelflow.Graph{
		Nodes: []pixelflow.Node{
			{ID: "src", Type: pixelflow.TypeImageUpload, Data: pixelflow.Data{"image": upstreamImage}},
			{ID: "g", Type: pixelflow.TypeImageGenerator, Data: pixelflow.Data{
				"prompt": "a lighthouse",
				"error":  "stale",
				"params": map[string]any{"model": "PRO", "aspectRatio": "16:9", "resolution": "2K", "camera": "low angle"},
			}},
		},
		Edges: []pixelflow.Edge{{ID: "e", Source: "src", Target: "g"}},
	})
	gen := &scriptedGenerator{}
	history := &memoryHistory{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exec := NewExecutor(store, gen, history, nil, WithClock(func() time.Time { return fixed }))

	result, err := exec.Execute(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,OK", result)

	n, _ := store.Node("g")
	assert.Equal(t, result, n.Data.String("result"))
	assert.NotContains(t, n.Data, "error")
	assert.False(t, n.Data.Bool("isLoading"))

	reqs := gen.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a lighthouse\n\nCamera: low angle", reqs[0].Prompt)
	assert.Equal(t, pixelflow.ModelPro, reqs[0].Model)
	assert.Equal(t, "16:9", reqs[0].AspectRatio)
	assert.Equal(t, "2K", reqs[0].Resolution)

	items := history.all()
	require.Len(t, items, 1)
	assert.Equal(t, reqs[0].Images, items[0].ReferenceImages)
	assert.Equal(t, []string{upstreamImage}, items[0].ReferenceImages)
	assert.Equal(t, "a lighthouse", items[0].Prompt)
	assert.Equal(t, "low angle", items[0].Camera)
	assert.Equal(t, fixed, items[0].CreatedAt)
}

func TestExecute_Failure(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{
		{ID: "g", Type: pixelflow.TypeImageGenerator, Data: pixelflow.Data{"prompt": "x", "result": "old"}},
	}})
	gen := &scriptedGenerator{fn: func(pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		return pixelflow.GenerateResult{}, errScripted
	}}
	history := &memoryHistory{}

	result, err := NewExecutor(store, gen, history, nil).Execute(context.Background(), "g", nil)
	assert.Empty(t, result)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, CategoryGeneric, genErr.Category)
	assert.ErrorIs(t, err, errScripted)

	n, _ := store.Node("g")
	assert.NotContains(t, n.Data, "result")
	assert.Equal(t, genErr.Message, n.Data.String("error"))
	assert.False(t, n.Data.Bool("isLoading"))
	assert.Empty(t, history.all())
}

func TestExecute_DemoCredentialSurfacedVerbatim(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{generator("g", "x", 0, 0)}})
	gen := &scriptedGenerator{fn: func(pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		return pixelflow.GenerateResult{}, pixelflow.ErrDemoCredential
	}}

	_, err := NewExecutor(store, gen, nil, nil).Execute(context.Background(), "g", nil)
	require.Error(t, err)

	n, _ := store.Node("g")
	assert.Equal(t, pixelflow.ErrDemoCredential.Error(), n.Data.String("error"))
}

func TestExecute_LoadingWhileInFlightAndBusyRejection(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{generator("g", "x", 0, 0)}})
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &scriptedGenerator{fn: func(pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		close(started)
		<-release
		return pixelflow.GenerateResult{Image: "data:image/png;base64,DONE"}, nil
	}}
	exec := NewExecutor(store, gen, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), "g", nil)
		done <- err
	}()
	<-started

	n, _ := store.Node("g")
	assert.True(t, n.Data.Bool("isLoading"))
	assert.True(t, exec.Running("g"))

	_, err := exec.Execute(context.Background(), "g", nil)
	assert.ErrorIs(t, err, pixelflow.ErrNodeBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, exec.Running("g"))

	n, _ = store.Node("g")
	assert.False(t, n.Data.Bool("isLoading"))
	assert.Equal(t, "data:image/png;base64,DONE", n.Data.String("result"))
}

func TestExecute_NodeDeletedMidFlight(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{generator("g", "x", 0, 0)}})
	history := &memoryHistory{}
	gen := &scriptedGenerator{fn: func(pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
		store.RemoveNodes("g")
		return pixelflow.GenerateResult{Text: "late"}, nil
	}}

	result, err := NewExecutor(store, gen, history, nil).Execute(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.Equal(t, "late", result)
	_, ok := store.Node("g")
	assert.False(t, ok)
}

func TestExecute_OverridesReachGenerator(t *testing.T) {
	store := newStore(t, pixelflow.Graph{
		Nodes: []pixelflow.Node{generator("a", "first", 0, 0), generator("b", "second", 400, 0)},
		Edges: []pixelflow.Edge{{ID: "ab", Source: "a", Target: "b"}},
	})
	gen := &scriptedGenerator{}

	_, err := NewExecutor(store, gen, nil, nil).Execute(context.Background(), "b", graph.Overrides{"a": upstreamImage})
	require.NoError(t, err)
	require.Len(t, gen.seen(), 1)
	assert.Equal(t, []string{upstreamImage}, gen.seen()[0].Images)
}

func TestExecute_HistoryFailureDoesNotFailRun(t *testing.T) {
	store := newStore(t, pixelflow.Graph{Nodes: []pixelflow.Node{generator("g", "x", 0, 0)}})
	history := &memoryHistory{err: errors.New("disk full")}

	result, err := NewExecutor(store, &scriptedGenerator{}, history, nil).Execute(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result)
}
