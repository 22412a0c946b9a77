package topology

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
)

var callbackKey = regexp.MustCompile(`^on[A-Z]`)

// Capture returns the template payload for a selection: the selected nodes
// plus every node whose parent is already included, repeated until nothing
// changes, and the edges with both endpoints inside that set. Node data is
// copied with callback-style keys and the transient loading flag removed.
func (e *Editor) Capture(selectedIDs []string) ([]pixelflow.Node, []pixelflow.Edge, error) {
	g := e.store.Snapshot()

	included := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		if _, ok := find(g, id); ok {
			included[id] = true
		}
	}
	if len(included) == 0 {
		return nil, nil, pixelflow.ErrNothingSelected
	}
	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes {
			if !included[n.ID] && n.ParentID != "" && included[n.ParentID] {
				included[n.ID] = true
				changed = true
			}
		}
	}

	var nodes []pixelflow.Node
	for _, n := range g.Nodes {
		if !included[n.ID] {
			continue
		}
		for k := range n.Data {
			if k == pixelflow.KeyIsLoading || callbackKey.MatchString(k) {
				delete(n.Data, k)
			}
		}
		n.Selected = false
		nodes = append(nodes, n)
	}
	var edges []pixelflow.Edge
	for _, ed := range g.Edges {
		if included[ed.Source] && included[ed.Target] {
			edges = append(edges, ed)
		}
	}
	return nodes, edges, nil
}

// Instantiate merges a copy of tpl into the graph around target. Every node
// gets a fresh id. Parent links inside the template are remapped and keep
// their local positions; nodes whose parent is not part of the template are
// detached. Root-level nodes are then translated so their bounding box is
// centered on target. Edges are remapped with fresh ids, and edges pointing
// outside the template are dropped. The imported nodes become the selection.
func (e *Editor) Instantiate(tpl pixelflow.WorkflowTemplate, target pixelflow.Position) ([]string, error) {
	if len(tpl.Nodes) == 0 {
		return nil, fmt.Errorf("%w: template has no nodes", pixelflow.ErrInvalidTemplate)
	}

	idMap := make(map[string]string, len(tpl.Nodes))
	for _, n := range tpl.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node without id", pixelflow.ErrInvalidTemplate)
		}
		if _, dup := idMap[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %s", pixelflow.ErrInvalidTemplate, n.ID)
		}
		idMap[n.ID] = uuid.NewString()
	}

	imported := make([]pixelflow.Node, len(tpl.Nodes))
	var roots []pixelflow.Node
	for i, n := range tpl.Nodes {
		n = n.Clone()
		n.ID = idMap[n.ID]
		if parent, ok := idMap[n.ParentID]; ok && n.ParentID != "" {
			n.ParentID = parent
		} else {
			n.ParentID = ""
			roots = append(roots, n)
		}
		if n.Data == nil {
			n.Data = pixelflow.Data{}
		}
		delete(n.Data, pixelflow.KeyIsLoading)
		n.Selected = true
		imported[i] = n
	}

	if len(roots) > 0 {
		offset := target.Sub(Bounds(roots).Center())
		for i := range imported {
			if imported[i].ParentID == "" {
				imported[i].Position = imported[i].Position.Add(offset)
			}
		}
	}

	var edges []pixelflow.Edge
	for _, ed := range tpl.Edges {
		src, okS := idMap[ed.Source]
		dst, okT := idMap[ed.Target]
		if !okS || !okT {
			continue
		}
		ed.ID = uuid.NewString()
		ed.Source, ed.Target = src, dst
		edges = append(edges, ed)
	}

	err := e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		g.Nodes = append(deselectAll(g.Nodes), imported...)
		g.Edges = append(g.Edges, edges...)
		return g, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pixelflow.ErrInvalidTemplate, err)
	}

	ids := make([]string, len(imported))
	for i, n := range imported {
		ids[i] = n.ID
	}
	e.logger.Debug("template instantiated", "template", tpl.Name, "nodes", len(ids), "edges", len(edges))
	return ids, nil
}
