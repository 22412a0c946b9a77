package library

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
)

// ImportSuffix is appended to the name of every imported template.
const ImportSuffix = " (Imported)"

// Templates is the workflow template library.
type Templates struct {
	kv  pixelflow.KV
	now func() time.Time
	mu  sync.Mutex
}

func NewTemplates(kv pixelflow.KV) *Templates {
	return &Templates{kv: kv, now: time.Now}
}

// List returns the library in insertion order.
func (t *Templates) List(ctx context.Context) ([]pixelflow.WorkflowTemplate, error) {
	var tpls []pixelflow.WorkflowTemplate
	if _, err := t.kv.Get(ctx, KeyTemplates, &tpls); err != nil {
		return nil, fmt.Errorf("pixelflow: load templates: %w", err)
	}
	return tpls, nil
}

// Get returns the template with the given id.
func (t *Templates) Get(ctx context.Context, id string) (pixelflow.WorkflowTemplate, error) {
	tpls, err := t.List(ctx)
	if err != nil {
		return pixelflow.WorkflowTemplate{}, err
	}
	for _, tpl := range tpls {
		if tpl.ID == id {
			return tpl, nil
		}
	}
	return pixelflow.WorkflowTemplate{}, fmt.Errorf("%w: %s", pixelflow.ErrTemplateNotFound, id)
}

// Add stores tpl as a new entry with a fresh id and creation time. It never
// replaces an existing template.
func (t *Templates) Add(ctx context.Context, tpl pixelflow.WorkflowTemplate) (pixelflow.WorkflowTemplate, error) {
	if len(tpl.Nodes) == 0 {
		return pixelflow.WorkflowTemplate{}, fmt.Errorf("%w: template has no nodes", pixelflow.ErrInvalidTemplate)
	}
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = t.now()
	tpl.Name = strings.TrimSpace(tpl.Name)
	if tpl.Name == "" {
		tpl.Name = "Untitled Workflow"
	}
	if tpl.Tags == nil {
		tpl.Tags = []string{}
	}
	if tpl.Edges == nil {
		tpl.Edges = []pixelflow.Edge{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tpls, err := t.List(ctx)
	if err != nil {
		return pixelflow.WorkflowTemplate{}, err
	}
	tpls = append(tpls, tpl)
	if err := t.kv.Set(ctx, KeyTemplates, tpls); err != nil {
		return pixelflow.WorkflowTemplate{}, fmt.Errorf("pixelflow: save templates: %w", err)
	}
	return tpl, nil
}

// Delete removes a template.
func (t *Templates) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tpls, err := t.List(ctx)
	if err != nil {
		return err
	}
	kept := tpls[:0]
	for _, tpl := range tpls {
		if tpl.ID != id {
			kept = append(kept, tpl)
		}
	}
	if len(kept) == len(tpls) {
		return fmt.Errorf("%w: %s", pixelflow.ErrTemplateNotFound, id)
	}
	if err := t.kv.Set(ctx, KeyTemplates, kept); err != nil {
		return fmt.Errorf("pixelflow: save templates: %w", err)
	}
	return nil
}

// exportDoc is the file shape of an exported template.
type exportDoc struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags"`
	Nodes       []pixelflow.Node `json:"nodes"`
	Edges       []pixelflow.Edge `json:"edges"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Export renders a template as an indented JSON document.
func (t *Templates) Export(ctx context.Context, id string) ([]byte, error) {
	tpl, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(exportDoc{
		Name:        tpl.Name,
		Description: tpl.Description,
		Tags:        tpl.Tags,
		Nodes:       tpl.Nodes,
		Edges:       tpl.Edges,
		CreatedAt:   tpl.CreatedAt,
	}, "", "  ")
}

// Import parses an exported document and adds it as a new template named
// with ImportSuffix. Any id or createdAt in the file is ignored.
func (t *Templates) Import(ctx context.Context, data []byte) (pixelflow.WorkflowTemplate, error) {
	var doc struct {
		Name        string           `json:"name"`
		Description string           `json:"description"`
		Tags        []string         `json:"tags"`
		Nodes       []pixelflow.Node `json:"nodes"`
		Edges       []pixelflow.Edge `json:"edges"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return pixelflow.WorkflowTemplate{}, fmt.Errorf("%w: %w", pixelflow.ErrInvalidTemplate, err)
	}
	if doc.Nodes == nil {
		return pixelflow.WorkflowTemplate{}, fmt.Errorf("%w: missing nodes", pixelflow.ErrInvalidTemplate)
	}
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = "Untitled Workflow"
	}
	return t.Add(ctx, pixelflow.WorkflowTemplate{
		Name:        name + ImportSuffix,
		Description: doc.Description,
		Tags:        doc.Tags,
		Nodes:       doc.Nodes,
		Edges:       doc.Edges,
	})
}
