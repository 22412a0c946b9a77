// Package pixelflow holds the data model shared by the PixelFlow node-graph engine:
// nodes, edges, projects, history items and workflow templates, plus the
// collaborator interfaces (KV persistence, image generation) the engine consumes.
package pixelflow

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// NodeType enumerates the kinds of vertices a project graph can hold.
type NodeType string

const (
	TypeTextInput      NodeType = "TEXT_INPUT"
	TypeImageInput     NodeType = "IMAGE_INPUT"
	TypeImageUpload    NodeType = "IMAGE_UPLOAD"
	TypeImageGenerator NodeType = "IMAGE_GENERATOR"
	TypeGroupContainer NodeType = "GROUP_CONTAINER"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case TypeTextInput, TypeImageInput, TypeImageUpload, TypeImageGenerator, TypeGroupContainer:
		return true
	}
	return false
}

// IsGenerator reports whether nodes of this type call the generation backend.
func (t NodeType) IsGenerator() bool { return t == TypeImageGenerator }

// IsImageSource reports whether nodes of this type carry an attached image.
// The two upload variants share the same behaviour.
func (t NodeType) IsImageSource() bool { return t == TypeImageInput || t == TypeImageUpload }

// IsContainer reports whether nodes of this type own child nodes.
func (t NodeType) IsContainer() bool { return t == TypeGroupContainer }

// Well-known keys of Node.Data.
const (
	KeyLabel     = "label"
	KeyPrompt    = "prompt"
	KeyImage     = "image"
	KeyPreview   = "preview"
	KeyParams    = "params"
	KeyResult    = "result"
	KeyError     = "error"
	KeyIsLoading = "isLoading"
)

// Position is a 2D canvas coordinate. It is local to the parent container
// when the node has a ParentID, absolute otherwise.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p translated by o.
func (p Position) Add(o Position) Position { return Position{X: p.X + o.X, Y: p.Y + o.Y} }

// Sub returns p translated by -o.
func (p Position) Sub(o Position) Position { return Position{X: p.X - o.X, Y: p.Y - o.Y} }

// Data is the free-form record attached to every node.
type Data map[string]any

// String returns the string stored under key, or "" when absent or not a string.
func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the bool stored under key.
func (d Data) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Clone returns a deep copy of d. Nested maps and slices are copied so the
// result shares no mutable state with d.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Data:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Model identifies a generation model tier.
type Model string

const (
	ModelFlash Model = "FLASH"
	ModelPro   Model = "PRO"
)

// GenerationParams is the parameter bundle edited field by field in the editor.
type GenerationParams struct {
	Model       Model  `json:"model,omitempty" mapstructure:"model"`
	AspectRatio string `json:"aspectRatio,omitempty" mapstructure:"aspectRatio"`
	Resolution  string `json:"resolution,omitempty" mapstructure:"resolution"`
	Camera      string `json:"camera,omitempty" mapstructure:"camera"`
}

// DefaultParams are applied to generator nodes that have no params bundle.
var DefaultParams = GenerationParams{Model: ModelFlash, AspectRatio: "1:1"}

// Node is a graph vertex. Width and Height hold the measured size; zero means
// the per-type default applies (see Size).
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	ParentID string   `json:"parentId,omitempty"`
	Width    float64  `json:"width,omitempty"`
	Height   float64  `json:"height,omitempty"`
	Selected bool     `json:"selected,omitempty"`
	Data     Data     `json:"data"`
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	n.Data = n.Data.Clone()
	return n
}

// Size returns the node's width and height, falling back to per-type defaults.
func (n Node) Size() (float64, float64) {
	w, h := n.Width, n.Height
	if w > 0 && h > 0 {
		return w, h
	}
	dw, dh := 300.0, 200.0
	switch {
	case n.Type.IsImageSource():
		dw, dh = 300, 300
	case n.Type.IsGenerator():
		dw, dh = 320, 420
	case n.Type.IsContainer():
		dw, dh = 400, 300
	}
	if w <= 0 {
		w = dw
	}
	if h <= 0 {
		h = dh
	}
	return w, h
}

// Params decodes the node's params bundle, filling gaps from DefaultParams.
func (n Node) Params() GenerationParams {
	p := DefaultParams
	raw, ok := n.Data[KeyParams]
	if !ok || raw == nil {
		return p
	}
	if gp, ok := raw.(GenerationParams); ok {
		raw = map[string]any{"model": gp.Model, "aspectRatio": gp.AspectRatio, "resolution": gp.Resolution, "camera": gp.Camera}
	}
	var decoded GenerationParams
	if err := mapstructure.Decode(raw, &decoded); err != nil {
		return p
	}
	if decoded.Model != "" {
		p.Model = decoded.Model
	}
	if decoded.AspectRatio != "" {
		p.AspectRatio = decoded.AspectRatio
	}
	p.Resolution = decoded.Resolution
	p.Camera = decoded.Camera
	return p
}

// Edge is a directed connection from Source's output to Target's input.
// Animated and Style are presentation-only.
type Edge struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Animated bool           `json:"animated,omitempty"`
	Style    map[string]any `json:"style,omitempty"`
}

// Graph is the serialized body of a project.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	copy(out.Edges, g.Edges)
	return out
}

// ProjectMeta is one entry of the projects index.
type ProjectMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
	NodeCount int       `json:"nodeCount"`
}

// Project is a named persisted document.
type Project struct {
	ProjectMeta
	Graph Graph `json:"graph"`
}

// HistoryItem records one completed generation.
type HistoryItem struct {
	ID              string    `json:"id"`
	Prompt          string    `json:"prompt"`
	Image           string    `json:"image"`
	Model           Model     `json:"model"`
	AspectRatio     string    `json:"aspectRatio"`
	Camera          string    `json:"camera,omitempty"`
	ReferenceImages []string  `json:"referenceImages,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// WorkflowTemplate is a reusable node/edge snapshot. Node ids inside a
// template are template-local and get remapped on every instantiation.
type WorkflowTemplate struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}
