package graph

import "github.com/meikuraledutech/pixelflow"

// Overrides maps a node id to the result it produced earlier in the same run.
// They take precedence over whatever the graph snapshot holds for that node.
type Overrides map[string]string

// Resolve collects the reference images feeding nodeID, in order: the node's
// own attached image, whatever its type, then one entry per incoming edge in
// edge order. For each edge the source contributes its override, else an
// image-valued result, else its preview, else its attached image. Sources
// with nothing are skipped and duplicates are kept.
func Resolve(g pixelflow.Graph, nodeID string, overrides Overrides) []string {
	byID := make(map[string]pixelflow.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}

	var inputs []string
	if self, ok := byID[nodeID]; ok {
		if own := self.Data.String(pixelflow.KeyImage); own != "" {
			inputs = append(inputs, own)
		}
	}

	for _, e := range g.Edges {
		if e.Target != nodeID {
			continue
		}
		if v := overrides[e.Source]; v != "" {
			inputs = append(inputs, v)
			continue
		}
		src, ok := byID[e.Source]
		if !ok {
			continue
		}
		if v := sourceImage(src.Data); v != "" {
			inputs = append(inputs, v)
		}
	}
	return inputs
}

func sourceImage(d pixelflow.Data) string {
	if r := d.String(pixelflow.KeyResult); pixelflow.IsImagePayload(r) {
		return r
	}
	if p := d.String(pixelflow.KeyPreview); p != "" {
		return p
	}
	return d.String(pixelflow.KeyImage)
}
