package pixelflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNodeNotFound     = errors.New("pixelflow: node not found")
	ErrEdgeNotFound     = errors.New("pixelflow: edge not found")
	ErrProjectNotFound  = errors.New("pixelflow: project not found")
	ErrTemplateNotFound = errors.New("pixelflow: template not found")
	ErrDuplicateNode    = errors.New("pixelflow: duplicate node id")
	ErrInvalidNode      = errors.New("pixelflow: invalid node")
	ErrInvalidParent    = errors.New("pixelflow: parent is not a container in this graph")
	ErrNestedGroup      = errors.New("pixelflow: containers cannot be nested")
	ErrSelfLoop         = errors.New("pixelflow: edge source and target are the same node")
	ErrNotContainer     = errors.New("pixelflow: node is not a group container")
	ErrTooFewNodes      = errors.New("pixelflow: at least two nodes are required to group")
	ErrNothingSelected  = errors.New("pixelflow: no nodes selected")
	ErrNodeBusy         = errors.New("pixelflow: node is already running")
	ErrCycleDetected    = errors.New("pixelflow: cycle detected in group")
	ErrInvalidTemplate  = errors.New("pixelflow: invalid template")
	ErrSessionClosed    = errors.New("pixelflow: project session is closed")
	ErrDemoCredential   = errors.New("pixelflow: the demo API key cannot generate images, add your own key in settings")
)

// CycleError lists the group members that never became ready because they
// sit on, or downstream of, a dependency cycle.
type CycleError struct {
	Group string
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("pixelflow: cycle detected in group %s (unreachable: %s)", e.Group, strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// KV is the persistence contract. Values are JSON-encoded by implementations.
// Get reports false with a nil error when the key does not exist.
type KV interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Del(ctx context.Context, key string) error
	Close() error
}

// GenerateRequest is one call to the generation backend. Images are data URLs
// or bare base64 payloads.
type GenerateRequest struct {
	Prompt      string
	Images      []string
	Model       Model
	AspectRatio string
	Resolution  string
}

// GenerateResult carries either an image (as a data URL) or text.
type GenerateResult struct {
	Image string
	Text  string
}

// Value returns the payload stored on a node: the image when present, else the text.
func (r GenerateResult) Value() string {
	if r.Image != "" {
		return r.Image
	}
	return r.Text
}

// Generator is the external generative-image capability.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (GenerateResult, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	return f(ctx, req)
}

// BatchKV is implemented by backends that can write several keys atomically.
type BatchKV interface {
	KV
	SetMany(ctx context.Context, entries map[string]any) error
}

// SetAll writes entries atomically when kv supports it, one key at a time otherwise.
func SetAll(ctx context.Context, kv KV, entries map[string]any) error {
	if b, ok := kv.(BatchKV); ok {
		return b.SetMany(ctx, entries)
	}
	for k, v := range entries {
		if err := kv.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// KeyLister is implemented by backends that can enumerate keys by prefix.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}
