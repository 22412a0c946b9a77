// Package topology implements structural edits of a project graph: grouping
// and ungrouping, cascading deletes, template capture and instantiation, and
// the small chain helpers the canvas uses to grow a workflow.
package topology

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
)

const (
	// GroupPadding is the margin kept around grouped nodes.
	GroupPadding = 40.0
	// GroupHeader is the extra space reserved above grouped nodes for the title bar.
	GroupHeader = 40.0
	// ChainGap is the horizontal gap between a node and one created next to it.
	ChainGap = 100.0
)

// Editor applies topology edits to a graph store. Each edit is a single
// validated store update.
type Editor struct {
	store  *graph.Store
	logger *slog.Logger
}

func New(store *graph.Store, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{store: store, logger: logger.With("component", "topology")}
}

// NewNode returns a node of the given type with the default data the editor
// seeds new nodes with. The id is left empty.
func NewNode(typ pixelflow.NodeType, pos pixelflow.Position) pixelflow.Node {
	n := pixelflow.Node{Type: typ, Position: pos, Data: pixelflow.Data{}}
	switch {
	case typ == pixelflow.TypeTextInput:
		n.Data[pixelflow.KeyLabel] = "Prompt"
		n.Data[pixelflow.KeyPrompt] = ""
	case typ.IsImageSource():
		n.Data[pixelflow.KeyLabel] = "Image"
	case typ.IsGenerator():
		n.Data[pixelflow.KeyLabel] = "Generator"
		n.Data[pixelflow.KeyPrompt] = ""
		n.Data[pixelflow.KeyParams] = map[string]any{
			"model":       string(pixelflow.DefaultParams.Model),
			"aspectRatio": pixelflow.DefaultParams.AspectRatio,
		}
	case typ.IsContainer():
		n.Data[pixelflow.KeyLabel] = "Group"
	}
	return n
}

// Delete removes the given nodes. Deleting a container also deletes its
// children. Edges touching any removed node are pruned. It returns the ids
// actually removed.
func (e *Editor) Delete(ids ...string) []string {
	var removed []string
	_ = e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		drop := make(map[string]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		for _, n := range g.Nodes {
			if n.ParentID != "" && drop[n.ParentID] {
				drop[n.ID] = true
			}
		}
		nodes := g.Nodes[:0]
		for _, n := range g.Nodes {
			if drop[n.ID] {
				removed = append(removed, n.ID)
				continue
			}
			nodes = append(nodes, n)
		}
		g.Nodes = nodes
		edges := g.Edges[:0]
		for _, ed := range g.Edges {
			if !drop[ed.Source] && !drop[ed.Target] {
				edges = append(edges, ed)
			}
		}
		g.Edges = edges
		return g, nil
	})
	if len(removed) > 0 {
		e.logger.Debug("nodes deleted", "count", len(removed))
	}
	return removed
}

// AddNext creates a node of typ to the right of sourceID, in the same
// container, and connects source to it.
func (e *Editor) AddNext(sourceID string, typ pixelflow.NodeType) (string, error) {
	if !typ.Valid() || typ.IsContainer() {
		return "", fmt.Errorf("%w: cannot chain a %q node", pixelflow.ErrInvalidNode, typ)
	}
	var id string
	err := e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		src, ok := find(g, sourceID)
		if !ok {
			return g, fmt.Errorf("%w: %s", pixelflow.ErrNodeNotFound, sourceID)
		}
		if src.Type.IsContainer() {
			return g, fmt.Errorf("%w: containers have no output", pixelflow.ErrInvalidNode)
		}
		n := besideOf(src, typ)
		id = n.ID
		g.Nodes = deselectAll(g.Nodes)
		g.Nodes = append(g.Nodes, n)
		g.Edges = append(g.Edges, pixelflow.Edge{ID: uuid.NewString(), Source: src.ID, Target: n.ID})
		return g, nil
	})
	return id, err
}

// DeriveImage continues an edit chain from a generator: its current image
// result becomes the attached image of a new image input placed beside it.
func (e *Editor) DeriveImage(generatorID string) (string, error) {
	var id string
	err := e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		src, ok := find(g, generatorID)
		if !ok {
			return g, fmt.Errorf("%w: %s", pixelflow.ErrNodeNotFound, generatorID)
		}
		gen, ok := src.Variant().(pixelflow.GeneratorNode)
		if !ok || !pixelflow.IsImagePayload(gen.Result) {
			return g, fmt.Errorf("%w: %s has no image result", pixelflow.ErrInvalidNode, generatorID)
		}
		n := besideOf(src, pixelflow.TypeImageInput)
		n.Data[pixelflow.KeyImage] = gen.Result
		n.Data[pixelflow.KeyLabel] = "Edit"
		id = n.ID
		g.Nodes = deselectAll(g.Nodes)
		g.Nodes = append(g.Nodes, n)
		g.Edges = append(g.Edges, pixelflow.Edge{ID: uuid.NewString(), Source: src.ID, Target: n.ID})
		return g, nil
	})
	return id, err
}

// InsertFromHistory places a past generation back on the canvas as an image
// input at an absolute position.
func (e *Editor) InsertFromHistory(item pixelflow.HistoryItem, at pixelflow.Position) (string, error) {
	if item.Image == "" {
		return "", fmt.Errorf("%w: history item %s has no image", pixelflow.ErrInvalidNode, item.ID)
	}
	n := NewNode(pixelflow.TypeImageInput, at)
	n.ID = uuid.NewString()
	n.Selected = true
	n.Data[pixelflow.KeyImage] = item.Image
	n.Data[pixelflow.KeyPrompt] = item.Prompt
	err := e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		g.Nodes = append(deselectAll(g.Nodes), n)
		return g, nil
	})
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// Clear empties the canvas.
func (e *Editor) Clear() {
	e.store.Clear()
}

func besideOf(src pixelflow.Node, typ pixelflow.NodeType) pixelflow.Node {
	w, _ := src.Size()
	n := NewNode(typ, pixelflow.Position{X: src.Position.X + w + ChainGap, Y: src.Position.Y})
	n.ID = uuid.NewString()
	n.ParentID = src.ParentID
	n.Selected = true
	return n
}

func find(g pixelflow.Graph, id string) (pixelflow.Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return pixelflow.Node{}, false
}

func deselectAll(nodes []pixelflow.Node) []pixelflow.Node {
	for i := range nodes {
		nodes[i].Selected = false
	}
	return nodes
}
