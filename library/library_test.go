package library

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/badgerkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryKV(t *testing.T) pixelflow.KV {
	t.Helper()
	kv, err := badgerkv.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestProjects_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewProjects(memoryKV(t))
	tick := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { tick = tick.Add(time.Minute); return tick }

	first, err := p.Create(ctx, "First")
	require.NoError(t, err)
	second, err := p.Create(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, "Untitled Project", second.Name)

	index, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, second.ID, index[0].ID)

	g := pixelflow.Graph{Nodes: []pixelflow.Node{
		{ID: "a", Type: pixelflow.TypeTextInput, Data: pixelflow.Data{}},
		{ID: "b", Type: pixelflow.TypeImageGenerator, Data: pixelflow.Data{}},
	}}
	meta, err := p.Save(ctx, first.ID, g)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NodeCount)

	index, _ = p.List(ctx)
	assert.Equal(t, first.ID, index[0].ID, "saved project moves to the front")

	loaded, err := p.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Graph.Nodes, 2)
	assert.NotNil(t, loaded.Graph.Edges)

	renamed, err := p.Rename(ctx, first.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Name)

	require.NoError(t, p.Delete(ctx, first.ID))
	_, err = p.Get(ctx, first.ID)
	assert.ErrorIs(t, err, pixelflow.ErrProjectNotFound)
	assert.ErrorIs(t, p.Delete(ctx, first.ID), pixelflow.ErrProjectNotFound)
	_, err = p.Save(ctx, "ghost", g)
	assert.ErrorIs(t, err, pixelflow.ErrProjectNotFound)
}

func TestProjects_RebuildsMissingIndex(t *testing.T) {
	ctx := context.Background()
	kv := memoryKV(t)
	p := NewProjects(kv)

	proj, err := p.Create(ctx, "Lost")
	require.NoError(t, err)
	_, err = p.Save(ctx, proj.ID, pixelflow.Graph{Nodes: []pixelflow.Node{{ID: "a", Type: pixelflow.TypeTextInput}}})
	require.NoError(t, err)
	require.NoError(t, kv.Del(ctx, KeyProjects))

	index, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, proj.ID, index[0].ID)
	assert.Equal(t, RecoveredName, index[0].Name)
	assert.Equal(t, 1, index[0].NodeCount)

	renamed, err := p.Rename(ctx, proj.ID, "Found")
	require.NoError(t, err)
	assert.Equal(t, "Found", renamed.Name)

	loaded, err := p.Get(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, "Found", loaded.Name)
	assert.Len(t, loaded.Graph.Nodes, 1)
}

// indexFailKV fails writes to the projects index while failIndex is set.
type indexFailKV struct {
	pixelflow.KV
	failIndex bool
}

func (f *indexFailKV) Set(ctx context.Context, key string, value any) error {
	if f.failIndex && key == KeyProjects {
		return errors.New("disk full")
	}
	return f.KV.Set(ctx, key, value)
}

func TestProjects_DeleteRemovesDocumentFirst(t *testing.T) {
	ctx := context.Background()
	base := memoryKV(t)
	kv := &indexFailKV{KV: base}
	p := NewProjects(kv)

	proj, err := p.Create(ctx, "Doomed")
	require.NoError(t, err)

	kv.failIndex = true
	require.Error(t, p.Delete(ctx, proj.ID))

	var g pixelflow.Graph
	found, err := base.Get(ctx, ProjectKey(proj.ID), &g)
	require.NoError(t, err)
	assert.False(t, found, "document must not outlive a failed delete")

	kv.failIndex = false
	require.NoError(t, p.Delete(ctx, proj.ID))
	index, err := p.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, index)
}

func TestHistory_RingBuffer(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(memoryKV(t))

	for i := 0; i < HistoryLimit+5; i++ {
		require.NoError(t, h.Append(ctx, pixelflow.HistoryItem{ID: fmt.Sprintf("h%d", i), Image: "img"}))
	}

	items, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, HistoryLimit)
	assert.Equal(t, fmt.Sprintf("h%d", HistoryLimit+4), items[0].ID, "newest first")
	assert.Equal(t, "h5", items[HistoryLimit-1].ID, "oldest five dropped")

	it, ok, err := h.Get(ctx, "h50")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "h50", it.ID)

	require.NoError(t, h.Clear(ctx))
	items, err = h.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTemplates_ExportImport(t *testing.T) {
	ctx := context.Background()
	tp := NewTemplates(memoryKV(t))

	saved, err := tp.Add(ctx, pixelflow.WorkflowTemplate{
		Name:  "Portrait",
		Tags:  []string{"people"},
		Nodes: []pixelflow.Node{{ID: "n1", Type: pixelflow.TypeTextInput, Data: pixelflow.Data{"prompt": "face"}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())

	doc, err := tp.Export(ctx, saved.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(doc), saved.ID)

	imported, err := tp.Import(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "Portrait (Imported)", imported.Name)
	assert.NotEqual(t, saved.ID, imported.ID)
	assert.Equal(t, []string{"people"}, imported.Tags)

	all, err := tp.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Portrait", all[0].Name, "import never overwrites")

	again, err := tp.Import(ctx, []byte(`{"id":"`+saved.ID+`","name":"Portrait","nodes":[{"id":"n1","type":"TEXT_INPUT","position":{"x":0,"y":0},"data":{}}]}`))
	require.NoError(t, err)
	assert.NotEqual(t, saved.ID, again.ID)
}

func TestTemplates_ImportRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	tp := NewTemplates(memoryKV(t))

	for name, doc := range map[string]string{
		"malformed":     `{"name": `,
		"missing nodes": `{"name": "x", "edges": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tp.Import(ctx, []byte(doc))
			assert.ErrorIs(t, err, pixelflow.ErrInvalidTemplate)
		})
	}

	all, err := tp.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTemplates_Delete(t *testing.T) {
	ctx := context.Background()
	tp := NewTemplates(memoryKV(t))

	saved, err := tp.Add(ctx, pixelflow.WorkflowTemplate{Name: "x", Nodes: []pixelflow.Node{{ID: "a", Type: pixelflow.TypeTextInput}}})
	require.NoError(t, err)

	require.NoError(t, tp.Delete(ctx, saved.ID))
	assert.ErrorIs(t, tp.Delete(ctx, saved.ID), pixelflow.ErrTemplateNotFound)
	_, err = tp.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, pixelflow.ErrTemplateNotFound)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	c := NewCredentials(memoryKV(t))

	key, err := c.APIKey(ctx)
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, c.SetAPIKey(ctx, "  real-key "))
	key, _ = c.APIKey(ctx)
	assert.Equal(t, "real-key", key)

	require.NoError(t, c.SetAPIKey(ctx, ""))
	key, _ = c.APIKey(ctx)
	assert.Empty(t, key)
}
