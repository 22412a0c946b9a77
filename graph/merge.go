package graph

import (
	"fmt"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
	"github.com/meikuraledutech/pixelflow"
)

// Merge returns data with patch applied on top. Top-level keys in patch win,
// and a nil patch value removes the key. When both sides carry a params
// bundle the bundles are merged key by key, so setting one generation
// parameter keeps its siblings. Neither input is mutated.
func Merge(data, patch pixelflow.Data) (pixelflow.Data, error) {
	out := data.Clone()
	if out == nil {
		out = pixelflow.Data{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if k == pixelflow.KeyParams {
			merged, err := mergeParams(out[k], v)
			if err != nil {
				return nil, err
			}
			out[k] = merged
			continue
		}
		out[k] = pixelflow.Data{k: v}.Clone()[k]
	}
	return out, nil
}

func mergeParams(current, update any) (map[string]any, error) {
	currentMap, err := toStringMap(current)
	if err != nil {
		return nil, fmt.Errorf("pixelflow: merge params: %w", err)
	}
	updateMap, err := toStringMap(update)
	if err != nil {
		return nil, fmt.Errorf("pixelflow: merge params: %w", err)
	}
	if err := mergo.Merge(&currentMap, updateMap, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("pixelflow: merge params: %w", err)
	}
	// mergo keeps the destination on empty source values; an explicit empty
	// string or nil in the update still has to land.
	for k, v := range updateMap {
		switch v {
		case nil:
			delete(currentMap, k)
		case "":
			currentMap[k] = ""
		}
	}
	return currentMap, nil
}

func toStringMap(v any) (map[string]any, error) {
	out := map[string]any{}
	switch t := v.(type) {
	case nil:
		return out, nil
	case map[string]any:
		for k, vv := range t {
			out[k] = vv
		}
		return out, nil
	case pixelflow.Data:
		for k, vv := range t {
			out[k] = vv
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
