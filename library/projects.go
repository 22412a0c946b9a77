// Package library persists everything that outlives an open canvas: the
// projects index and per-project documents, the generation history, the
// workflow template library and the user's API key. All of it sits on a
// pixelflow.KV backend.
package library

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
)

// KV keys.
const (
	KeyProjects   = "projects"
	KeyHistory    = "history"
	KeyTemplates  = "workflow_templates"
	KeyCredential = "user_api_key"

	projectPrefix = "project:"
)

// ProjectKey returns the KV key of a project document.
func ProjectKey(id string) string { return projectPrefix + id }

// Projects manages the projects index and the per-project graph documents.
type Projects struct {
	kv  pixelflow.KV
	now func() time.Time
	mu  sync.Mutex
}

func NewProjects(kv pixelflow.KV) *Projects {
	return &Projects{kv: kv, now: time.Now}
}

// List returns the index, most recently updated first. When the index key is
// missing and the backend can list keys, the index is rebuilt from the stored
// project documents; the next write persists it.
func (p *Projects) List(ctx context.Context) ([]pixelflow.ProjectMeta, error) {
	var index []pixelflow.ProjectMeta
	found, err := p.kv.Get(ctx, KeyProjects, &index)
	if err != nil {
		return nil, fmt.Errorf("pixelflow: load projects index: %w", err)
	}
	if found {
		return index, nil
	}
	return p.rebuildIndex(ctx)
}

// RecoveredName names projects found without an index entry.
const RecoveredName = "Recovered Project"

func (p *Projects) rebuildIndex(ctx context.Context) ([]pixelflow.ProjectMeta, error) {
	lister, ok := p.kv.(pixelflow.KeyLister)
	if !ok {
		return nil, nil
	}
	keys, err := lister.Keys(ctx, projectPrefix)
	if err != nil {
		return nil, fmt.Errorf("pixelflow: list project documents: %w", err)
	}
	var index []pixelflow.ProjectMeta
	for _, key := range keys {
		var g pixelflow.Graph
		ok, err := p.kv.Get(ctx, key, &g)
		if err != nil {
			return nil, fmt.Errorf("pixelflow: load project %s: %w", key, err)
		}
		if !ok {
			continue
		}
		index = append(index, pixelflow.ProjectMeta{
			ID:        strings.TrimPrefix(key, projectPrefix),
			Name:      RecoveredName,
			UpdatedAt: p.now(),
			NodeCount: len(g.Nodes),
		})
	}
	return index, nil
}

// Create adds an empty project to the front of the index.
func (p *Projects) Create(ctx context.Context, name string) (pixelflow.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled Project"
	}
	proj := pixelflow.Project{
		ProjectMeta: pixelflow.ProjectMeta{ID: uuid.NewString(), Name: name, UpdatedAt: p.now()},
		Graph:       pixelflow.Graph{Nodes: []pixelflow.Node{}, Edges: []pixelflow.Edge{}},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	index, err := p.List(ctx)
	if err != nil {
		return pixelflow.Project{}, err
	}
	index = append([]pixelflow.ProjectMeta{proj.ProjectMeta}, index...)
	if err := pixelflow.SetAll(ctx, p.kv, map[string]any{
		ProjectKey(proj.ID): proj.Graph,
		KeyProjects:         index,
	}); err != nil {
		return pixelflow.Project{}, fmt.Errorf("pixelflow: create project: %w", err)
	}
	return proj, nil
}

// Get loads a project's meta and document.
func (p *Projects) Get(ctx context.Context, id string) (pixelflow.Project, error) {
	meta, err := p.meta(ctx, id)
	if err != nil {
		return pixelflow.Project{}, err
	}
	var g pixelflow.Graph
	if _, err := p.kv.Get(ctx, ProjectKey(id), &g); err != nil {
		return pixelflow.Project{}, fmt.Errorf("pixelflow: load project %s: %w", id, err)
	}
	if g.Nodes == nil {
		g.Nodes = []pixelflow.Node{}
	}
	if g.Edges == nil {
		g.Edges = []pixelflow.Edge{}
	}
	return pixelflow.Project{ProjectMeta: meta, Graph: g}, nil
}

func (p *Projects) meta(ctx context.Context, id string) (pixelflow.ProjectMeta, error) {
	index, err := p.List(ctx)
	if err != nil {
		return pixelflow.ProjectMeta{}, err
	}
	for _, m := range index {
		if m.ID == id {
			return m, nil
		}
	}
	return pixelflow.ProjectMeta{}, fmt.Errorf("%w: %s", pixelflow.ErrProjectNotFound, id)
}

// Save writes the document and refreshes the index entry (updatedAt and
// node count), moving the project to the front.
func (p *Projects) Save(ctx context.Context, id string, g pixelflow.Graph) (pixelflow.ProjectMeta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.List(ctx)
	if err != nil {
		return pixelflow.ProjectMeta{}, err
	}
	at := -1
	for i, m := range index {
		if m.ID == id {
			at = i
			break
		}
	}
	if at < 0 {
		return pixelflow.ProjectMeta{}, fmt.Errorf("%w: %s", pixelflow.ErrProjectNotFound, id)
	}

	meta := index[at]
	meta.UpdatedAt = p.now()
	meta.NodeCount = len(g.Nodes)
	index = append(index[:at], index[at+1:]...)
	index = append([]pixelflow.ProjectMeta{meta}, index...)
	if err := pixelflow.SetAll(ctx, p.kv, map[string]any{
		ProjectKey(id): g,
		KeyProjects:    index,
	}); err != nil {
		return pixelflow.ProjectMeta{}, fmt.Errorf("pixelflow: save project %s: %w", id, err)
	}
	return meta, nil
}

// Rename changes a project's display name.
func (p *Projects) Rename(ctx context.Context, id, name string) (pixelflow.ProjectMeta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.List(ctx)
	if err != nil {
		return pixelflow.ProjectMeta{}, err
	}
	for i := range index {
		if index[i].ID != id {
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			index[i].Name = name
		}
		index[i].UpdatedAt = p.now()
		if err := p.kv.Set(ctx, KeyProjects, index); err != nil {
			return pixelflow.ProjectMeta{}, fmt.Errorf("pixelflow: save projects index: %w", err)
		}
		return index[i], nil
	}
	return pixelflow.ProjectMeta{}, fmt.Errorf("%w: %s", pixelflow.ErrProjectNotFound, id)
}

// Delete removes the project from the index and drops its document.
func (p *Projects) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.List(ctx)
	if err != nil {
		return err
	}
	kept := index[:0]
	found := false
	for _, m := range index {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return fmt.Errorf("%w: %s", pixelflow.ErrProjectNotFound, id)
	}
	// Document first: a failed index write leaves an entry that Delete can
	// retry, never an unindexed document.
	if err := p.kv.Del(ctx, ProjectKey(id)); err != nil {
		return fmt.Errorf("pixelflow: delete project %s: %w", id, err)
	}
	if err := p.kv.Set(ctx, KeyProjects, kept); err != nil {
		return fmt.Errorf("pixelflow: save projects index: %w", err)
	}
	return nil
}
