package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator answers every request with fn and records what it saw.
type scriptedGenerator struct {
	mu       sync.Mutex
	requests []pixelflow.GenerateRequest
	fn       func(req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error)
}

func (g *scriptedGenerator) Generate(_ context.Context, req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.fn == nil {
		return pixelflow.GenerateResult{Image: "data:image/png;base64,OK"}, nil
	}
	return g.fn(req)
}

func (g *scriptedGenerator) seen() []pixelflow.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]pixelflow.GenerateRequest(nil), g.requests...)
}

type memoryHistory struct {
	mu    sync.Mutex
	items []pixelflow.HistoryItem
	err   error
}

func (h *memoryHistory) Append(_ context.Context, item pixelflow.HistoryItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.items = append(h.items, item)
	return nil
}

func (h *memoryHistory) all() []pixelflow.HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pixelflow.HistoryItem(nil), h.items...)
}

var errScripted = errors.New("scripted failure")

func newStore(t *testing.T, g pixelflow.Graph) *graph.Store {
	t.Helper()
	s := graph.New(nil)
	require.NoError(t, s.Replace(g))
	return s
}

func generator(id, prompt string, x, y float64) pixelflow.Node {
	return pixelflow.Node{
		ID:       id,
		Type:     pixelflow.TypeImageGenerator,
		Position: pixelflow.Position{X: x, Y: y},
		Data:     pixelflow.Data{"prompt": prompt},
	}
}
