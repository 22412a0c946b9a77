package graph

import (
	"testing"

	"github.com/meikuraledutech/pixelflow"
	"github.com/stretchr/testify/assert"
)

const (
	imgA = "data:image/png;base64,AAAA"
	imgB = "data:image/png;base64,BBBB"
	imgC = "data:image/jpeg;base64,CCCC"
)

func node(id string, typ pixelflow.NodeType, data pixelflow.Data) pixelflow.Node {
	return pixelflow.Node{ID: id, Type: typ, Data: data}
}

func edge(src, dst string) pixelflow.Edge {
	return pixelflow.Edge{ID: src + "-" + dst, Source: src, Target: dst}
}

func TestResolve_SourcePriority(t *testing.T) {
	tests := []struct {
		name     string
		source   pixelflow.Data
		expected []string
	}{
		{"result beats preview", pixelflow.Data{"result": imgA, "preview": imgB, "image": imgC}, []string{imgA}},
		{"preview when no result", pixelflow.Data{"preview": imgB, "image": imgC}, []string{imgB}},
		{"image as last resort", pixelflow.Data{"image": imgC}, []string{imgC}},
		{"text result is not an image", pixelflow.Data{"result": "just words", "preview": imgB}, []string{imgB}},
		{"nothing to contribute", pixelflow.Data{"prompt": "hi"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := pixelflow.Graph{
				Nodes: []pixelflow.Node{
					node("src", pixelflow.TypeImageGenerator, tt.source),
					node("dst", pixelflow.TypeImageGenerator, pixelflow.Data{"prompt": "go"}),
				},
				Edges: []pixelflow.Edge{edge("src", "dst")},
			}
			assert.Equal(t, tt.expected, Resolve(g, "dst", nil))
		})
	}
}

func TestResolve_OverridePrecedence(t *testing.T) {
	g := pixelflow.Graph{
		Nodes: []pixelflow.Node{
			node("src", pixelflow.TypeImageGenerator, pixelflow.Data{}),
			node("dst", pixelflow.TypeImageGenerator, pixelflow.Data{}),
		},
		Edges: []pixelflow.Edge{edge("src", "dst")},
	}

	assert.Equal(t, []string{imgB}, Resolve(g, "dst", Overrides{"src": imgB}))

	g.Nodes[0].Data["result"] = imgA
	assert.Equal(t, []string{imgB}, Resolve(g, "dst", Overrides{"src": imgB}), "stale store value must lose")
}

func TestResolve_OwnImageFirstAndNoDedup(t *testing.T) {
	g := pixelflow.Graph{
		Nodes: []pixelflow.Node{
			node("a", pixelflow.TypeImageUpload, pixelflow.Data{"image": imgA}),
			node("b", pixelflow.TypeImageInput, pixelflow.Data{"image": imgA}),
			node("self", pixelflow.TypeImageInput, pixelflow.Data{"image": imgC}),
		},
		Edges: []pixelflow.Edge{edge("a", "self"), edge("b", "self")},
	}

	assert.Equal(t, []string{imgC, imgA, imgA}, Resolve(g, "self", nil))
}

func TestResolve_IgnoresOutgoingEdges(t *testing.T) {
	g := pixelflow.Graph{
		Nodes: []pixelflow.Node{
			node("a", pixelflow.TypeImageGenerator, pixelflow.Data{"result": imgA}),
			node("b", pixelflow.TypeImageGenerator, pixelflow.Data{"result": imgB}),
		},
		Edges: []pixelflow.Edge{edge("a", "b")},
	}

	assert.Empty(t, Resolve(g, "a", nil))
	assert.Empty(t, Resolve(g, "missing", nil))
}

func TestResolve_GeneratorOwnImage(t *testing.T) {
	g := pixelflow.Graph{
		Nodes: []pixelflow.Node{
			node("up", pixelflow.TypeImageGenerator, pixelflow.Data{"result": imgB}),
			node("gen", pixelflow.TypeImageGenerator, pixelflow.Data{"prompt": "edit", "image": imgA}),
			node("solo", pixelflow.TypeImageGenerator, pixelflow.Data{"prompt": "edit", "image": imgC}),
		},
		Edges: []pixelflow.Edge{edge("up", "gen")},
	}

	assert.Equal(t, []string{imgA, imgB}, Resolve(g, "gen", nil))
	assert.Equal(t, []string{imgC}, Resolve(g, "solo", nil))
}
