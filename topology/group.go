package topology

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
)

// Rect is an axis-aligned box in canvas coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Center returns the middle point of r.
func (r Rect) Center() pixelflow.Position {
	return pixelflow.Position{X: (r.MinX + r.MaxX) / 2, Y: (r.MinY + r.MaxY) / 2}
}

// Bounds returns the box enclosing nodes, whose positions are taken as given
// (callers pass absolute positions).
func Bounds(nodes []pixelflow.Node) Rect {
	r := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, n := range nodes {
		w, h := n.Size()
		r.MinX = math.Min(r.MinX, n.Position.X)
		r.MinY = math.Min(r.MinY, n.Position.Y)
		r.MaxX = math.Max(r.MaxX, n.Position.X+w)
		r.MaxY = math.Max(r.MaxY, n.Position.Y+h)
	}
	return r
}

// Group wraps the selection roots (selected nodes whose parent is not also
// selected) in a new container sized to their padded bounding box. Roots are
// re-parented with container-local positions; a root that was inside another
// group is lifted to absolute coordinates first. The new container becomes
// the only selected node.
func (e *Editor) Group(selectedIDs []string) (string, error) {
	containerID := uuid.NewString()
	err := e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		selected := make(map[string]bool, len(selectedIDs))
		for _, id := range selectedIDs {
			selected[id] = true
		}

		var roots []pixelflow.Node
		for _, n := range g.Nodes {
			if !selected[n.ID] || selected[n.ParentID] {
				continue
			}
			if n.Type.IsContainer() {
				return g, fmt.Errorf("%w: %s is already a group", pixelflow.ErrNestedGroup, n.ID)
			}
			abs := n
			abs.Position = graph.AbsolutePosition(g, n)
			roots = append(roots, abs)
		}
		if len(roots) < 2 {
			return g, pixelflow.ErrTooFewNodes
		}

		box := Bounds(roots)
		container := NewNode(pixelflow.TypeGroupContainer, pixelflow.Position{
			X: box.MinX - GroupPadding,
			Y: box.MinY - GroupPadding - GroupHeader,
		})
		container.ID = containerID
		container.Width = box.MaxX - box.MinX + 2*GroupPadding
		container.Height = box.MaxY - box.MinY + 2*GroupPadding + GroupHeader
		container.Selected = true

		abs := make(map[string]pixelflow.Position, len(roots))
		for _, r := range roots {
			abs[r.ID] = r.Position
		}

		nodes := make([]pixelflow.Node, 0, len(g.Nodes)+1)
		inserted := false
		for _, n := range g.Nodes {
			n.Selected = false
			if p, ok := abs[n.ID]; ok {
				if !inserted {
					nodes = append(nodes, container)
					inserted = true
				}
				n.ParentID = containerID
				n.Position = p.Sub(container.Position)
			}
			nodes = append(nodes, n)
		}
		g.Nodes = nodes
		return g, nil
	})
	if err != nil {
		return "", err
	}
	e.logger.Debug("group created", "group", containerID, "members", len(selectedIDs))
	return containerID, nil
}

// Ungroup moves every child of groupID back to absolute coordinates, selects
// them, and removes the container along with its edges.
func (e *Editor) Ungroup(groupID string) error {
	return e.store.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		container, ok := find(g, groupID)
		if !ok {
			return g, fmt.Errorf("%w: %s", pixelflow.ErrNodeNotFound, groupID)
		}
		if !container.Type.IsContainer() {
			return g, fmt.Errorf("%w: %s", pixelflow.ErrNotContainer, groupID)
		}

		nodes := g.Nodes[:0]
		for _, n := range g.Nodes {
			if n.ID == groupID {
				continue
			}
			if n.ParentID == groupID {
				n.Position = n.Position.Add(container.Position)
				n.ParentID = ""
				n.Selected = true
			}
			nodes = append(nodes, n)
		}
		g.Nodes = nodes

		edges := g.Edges[:0]
		for _, ed := range g.Edges {
			if ed.Source != groupID && ed.Target != groupID {
				edges = append(edges, ed)
			}
		}
		g.Edges = edges
		return g, nil
	})
}
