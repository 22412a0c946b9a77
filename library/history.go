package library

import (
	"context"
	"fmt"
	"sync"

	"github.com/meikuraledutech/pixelflow"
)

// HistoryLimit bounds the number of stored history items.
const HistoryLimit = 100

// History is the global log of completed generations, newest first.
type History struct {
	kv pixelflow.KV
	mu sync.Mutex
}

func NewHistory(kv pixelflow.KV) *History {
	return &History{kv: kv}
}

// List returns the stored items, newest first.
func (h *History) List(ctx context.Context) ([]pixelflow.HistoryItem, error) {
	var items []pixelflow.HistoryItem
	if _, err := h.kv.Get(ctx, KeyHistory, &items); err != nil {
		return nil, fmt.Errorf("pixelflow: load history: %w", err)
	}
	return items, nil
}

// Append puts item at the front, dropping the oldest entries beyond HistoryLimit.
func (h *History) Append(ctx context.Context, item pixelflow.HistoryItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	items, err := h.List(ctx)
	if err != nil {
		return err
	}
	items = append([]pixelflow.HistoryItem{item}, items...)
	if len(items) > HistoryLimit {
		items = items[:HistoryLimit]
	}
	if err := h.kv.Set(ctx, KeyHistory, items); err != nil {
		return fmt.Errorf("pixelflow: save history: %w", err)
	}
	return nil
}

// Get returns a single item by id.
func (h *History) Get(ctx context.Context, id string) (pixelflow.HistoryItem, bool, error) {
	items, err := h.List(ctx)
	if err != nil {
		return pixelflow.HistoryItem{}, false, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, true, nil
		}
	}
	return pixelflow.HistoryItem{}, false, nil
}

// Clear deletes every item.
func (h *History) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.kv.Del(ctx, KeyHistory); err != nil {
		return fmt.Errorf("pixelflow: clear history: %w", err)
	}
	return nil
}
