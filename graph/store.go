// Package graph holds the authoritative in-memory node/edge graph of an open
// project, the node data merge rule, and the input resolver that collects
// reference images for a node from its upstream edges.
package graph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
)

// Store is the canonical graph of one open project. Every read returns a deep
// copy and every write replaces the node/edge slices, so callers never share
// mutable state with the store.
type Store struct {
	mu        sync.RWMutex
	nodes     []pixelflow.Node
	edges     []pixelflow.Edge
	listeners []func()
	logger    *slog.Logger
}

// New creates an empty Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger.With("component", "graph-store")}
}

// OnChange registers fn to be called after every committed mutation.
// Callbacks run outside the store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Snapshot returns a deep copy of the current graph.
func (s *Store) Snapshot() pixelflow.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pixelflow.Graph{Nodes: s.nodes, Edges: s.edges}.Clone()
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (pixelflow.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.ID == id {
			return n.Clone(), true
		}
	}
	return pixelflow.Node{}, false
}

// Children returns copies of the nodes whose parent is parentID, in store order.
func (s *Store) Children(parentID string) []pixelflow.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pixelflow.Node
	for _, n := range s.nodes {
		if n.ParentID == parentID && parentID != "" {
			out = append(out, n.Clone())
		}
	}
	return out
}

// AddNodes appends nodes to the graph. Nodes without an id get a fresh uuid.
// The whole batch is rejected if the resulting graph violates an invariant.
func (s *Store) AddNodes(nodes ...pixelflow.Node) ([]string, error) {
	ids := make([]string, len(nodes))
	err := s.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		for i, n := range nodes {
			n = n.Clone()
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			if n.Data == nil {
				n.Data = pixelflow.Data{}
			}
			ids[i] = n.ID
			g.Nodes = append(g.Nodes, n)
		}
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RemoveNodes deletes the given nodes and prunes every edge touching them.
// Unknown ids are ignored. Returns the number of nodes removed.
func (s *Store) RemoveNodes(ids ...string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	removed := 0
	_ = s.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		nodes := g.Nodes[:0]
		for _, n := range g.Nodes {
			if drop[n.ID] {
				removed++
				continue
			}
			nodes = append(nodes, n)
		}
		g.Nodes = nodes
		g.Edges = pruneEdges(g.Edges, drop)
		return g, nil
	})
	return removed
}

// AddEdge connects source to target. An edge that already connects the same
// pair is not duplicated; its id is returned instead.
func (s *Store) AddEdge(e pixelflow.Edge) (string, error) {
	if e.Source == e.Target {
		return "", pixelflow.ErrSelfLoop
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	id := e.ID
	err := s.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		for _, existing := range g.Edges {
			if existing.Source == e.Source && existing.Target == e.Target {
				id = existing.ID
				return g, nil
			}
		}
		g.Edges = append(g.Edges, e)
		return g, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RemoveEdges deletes every edge matching pred and returns how many were removed.
func (s *Store) RemoveEdges(pred func(pixelflow.Edge) bool) int {
	removed := 0
	_ = s.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		edges := g.Edges[:0]
		for _, e := range g.Edges {
			if pred(e) {
				removed++
				continue
			}
			edges = append(edges, e)
		}
		g.Edges = edges
		return g, nil
	})
	return removed
}

// UpdateData merges patch into the node's data (see Merge) and returns the
// updated node.
func (s *Store) UpdateData(id string, patch pixelflow.Data) (pixelflow.Node, error) {
	var updated pixelflow.Node
	err := s.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		for i := range g.Nodes {
			if g.Nodes[i].ID != id {
				continue
			}
			merged, err := Merge(g.Nodes[i].Data, patch)
			if err != nil {
				return g, err
			}
			g.Nodes[i].Data = merged
			updated = g.Nodes[i].Clone()
			return g, nil
		}
		return g, fmt.Errorf("%w: %s", pixelflow.ErrNodeNotFound, id)
	})
	return updated, err
}

// Update runs fn against a deep copy of the graph and commits the returned
// graph if it passes Validate. fn returning an error aborts the update.
func (s *Store) Update(fn func(g pixelflow.Graph) (pixelflow.Graph, error)) error {
	s.mu.Lock()
	next, err := fn(pixelflow.Graph{Nodes: s.nodes, Edges: s.edges}.Clone())
	if err == nil {
		err = Validate(next)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.nodes, s.edges = next.Nodes, next.Edges
	s.mu.Unlock()
	s.notify()
	return nil
}

// ReplaceNodes rewrites the node list with fn and drops edges whose endpoints
// no longer exist.
func (s *Store) ReplaceNodes(fn func([]pixelflow.Node) []pixelflow.Node) error {
	return s.Update(func(g pixelflow.Graph) (pixelflow.Graph, error) {
		g.Nodes = fn(g.Nodes)
		alive := make(map[string]bool, len(g.Nodes))
		for _, n := range g.Nodes {
			alive[n.ID] = true
		}
		edges := g.Edges[:0]
		for _, e := range g.Edges {
			if alive[e.Source] && alive[e.Target] {
				edges = append(edges, e)
			}
		}
		g.Edges = edges
		return g, nil
	})
}

// Replace swaps the whole graph, as when a project document is loaded.
func (s *Store) Replace(g pixelflow.Graph) error {
	return s.Update(func(pixelflow.Graph) (pixelflow.Graph, error) {
		g = g.Clone()
		for i := range g.Nodes {
			if g.Nodes[i].Data == nil {
				g.Nodes[i].Data = pixelflow.Data{}
			}
		}
		return g, nil
	})
}

// Clear removes every node and edge.
func (s *Store) Clear() {
	_ = s.Replace(pixelflow.Graph{})
	s.logger.Debug("graph cleared")
}

func pruneEdges(edges []pixelflow.Edge, drop map[string]bool) []pixelflow.Edge {
	kept := edges[:0]
	for _, e := range edges {
		if drop[e.Source] || drop[e.Target] {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// Validate checks the structural invariants of g: unique non-empty node ids,
// known node types, single-level containment under existing containers, and
// edges whose endpoints exist and differ.
func Validate(g pixelflow.Graph) error {
	byID := make(map[string]pixelflow.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: empty id", pixelflow.ErrInvalidNode)
		}
		if !n.Type.Valid() {
			return fmt.Errorf("%w: %s has unknown type %q", pixelflow.ErrInvalidNode, n.ID, n.Type)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: %s", pixelflow.ErrDuplicateNode, n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range g.Nodes {
		if n.ParentID == "" {
			continue
		}
		if n.Type.IsContainer() {
			return fmt.Errorf("%w: %s", pixelflow.ErrNestedGroup, n.ID)
		}
		parent, ok := byID[n.ParentID]
		if !ok || !parent.Type.IsContainer() {
			return fmt.Errorf("%w: %s -> %s", pixelflow.ErrInvalidParent, n.ID, n.ParentID)
		}
	}
	for _, e := range g.Edges {
		if e.Source == e.Target {
			return fmt.Errorf("%w: %s", pixelflow.ErrSelfLoop, e.Source)
		}
		if _, ok := byID[e.Source]; !ok {
			return fmt.Errorf("%w: edge %s source %s", pixelflow.ErrNodeNotFound, e.ID, e.Source)
		}
		if _, ok := byID[e.Target]; !ok {
			return fmt.Errorf("%w: edge %s target %s", pixelflow.ErrNodeNotFound, e.ID, e.Target)
		}
	}
	return nil
}

// AbsolutePosition returns n's position in canvas coordinates, resolving a
// parent-local position through the parent found in g.
func AbsolutePosition(g pixelflow.Graph, n pixelflow.Node) pixelflow.Position {
	if n.ParentID == "" {
		return n.Position
	}
	for _, p := range g.Nodes {
		if p.ID == n.ParentID {
			return n.Position.Add(p.Position)
		}
	}
	return n.Position
}
