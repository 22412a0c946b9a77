// Package engine runs generator nodes: the Executor drives one node through
// its loading/result/error lifecycle and the Scheduler orders and runs every
// node of a group container.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/meikuraledutech/pixelflow/engine"

// HistoryRecorder receives one item per successful generation.
type HistoryRecorder interface {
	Append(ctx context.Context, item pixelflow.HistoryItem) error
}

// Executor runs single generator nodes against a graph store.
type Executor struct {
	store   *graph.Store
	gen     pixelflow.Generator
	history HistoryRecorder
	logger  *slog.Logger
	tracer  trace.Tracer
	runs    metric.Int64Counter
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) { e.tracer = tp.Tracer(instrumentationScope) }
}

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) ExecutorOption {
	return func(e *Executor) { e.runs = newRunCounter(mp) }
}

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor. history may be nil.
func NewExecutor(store *graph.Store, gen pixelflow.Generator, history HistoryRecorder, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:    store,
		gen:      gen,
		history:  history,
		logger:   logger.With("component", "executor"),
		tracer:   otel.GetTracerProvider().Tracer(instrumentationScope),
		runs:     newRunCounter(otel.GetMeterProvider()),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func newRunCounter(mp metric.MeterProvider) metric.Int64Counter {
	c, err := mp.Meter(instrumentationScope).Int64Counter(
		"pixelflow.generations",
		metric.WithDescription("Generator node executions by outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return c
}

// Running reports whether nodeID currently has a generation in flight.
func (e *Executor) Running(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[nodeID]
	return ok
}

func (e *Executor) acquire(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[nodeID]; busy {
		return false
	}
	e.inflight[nodeID] = struct{}{}
	return true
}

func (e *Executor) release(nodeID string) {
	e.mu.Lock()
	delete(e.inflight, nodeID)
	e.mu.Unlock()
}

// Execute generates an image for nodeID and writes the outcome back to the
// store. Nodes that are not generators, or have an empty prompt, are left
// untouched and yield "", nil. A failed generation is recorded on the node
// and returned as *GenerationError. ErrNodeBusy is returned when the node
// already has a run in flight.
func (e *Executor) Execute(ctx context.Context, nodeID string, overrides graph.Overrides) (string, error) {
	n, ok := e.store.Node(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", pixelflow.ErrNodeNotFound, nodeID)
	}
	gn, ok := n.Variant().(pixelflow.GeneratorNode)
	if !ok || gn.Prompt == "" {
		return "", nil
	}
	if !e.acquire(nodeID) {
		return "", fmt.Errorf("%w: %s", pixelflow.ErrNodeBusy, nodeID)
	}
	defer e.release(nodeID)

	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("pixelflow.node_id", nodeID),
		attribute.String("pixelflow.model", string(gn.Params.Model)),
	))
	defer span.End()

	if _, err := e.store.UpdateData(nodeID, pixelflow.Data{
		pixelflow.KeyResult:    nil,
		pixelflow.KeyError:     nil,
		pixelflow.KeyIsLoading: true,
	}); err != nil {
		return "", err
	}

	images := graph.Resolve(e.store.Snapshot(), nodeID, overrides)
	req := pixelflow.GenerateRequest{
		Prompt:      promptWithCamera(gn.Prompt, gn.Params.Camera),
		Images:      images,
		Model:       gn.Params.Model,
		AspectRatio: gn.Params.AspectRatio,
		Resolution:  gn.Params.Resolution,
	}
	span.SetAttributes(attribute.Int("pixelflow.reference_images", len(images)))
	e.logger.Debug("generating", "node", nodeID, "model", req.Model, "images", len(images))

	res, err := e.gen.Generate(ctx, req)
	if err != nil {
		category, msg := Classify(err)
		e.complete(nodeID, pixelflow.Data{pixelflow.KeyError: msg, pixelflow.KeyIsLoading: false})
		e.count(ctx, string(category))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(category))
		e.logger.Warn("generation failed", "node", nodeID, "category", category, "error", err)
		return "", &GenerationError{NodeID: nodeID, Category: category, Message: msg, Err: err}
	}

	value := res.Value()
	e.complete(nodeID, pixelflow.Data{
		pixelflow.KeyResult:    value,
		pixelflow.KeyError:     nil,
		pixelflow.KeyIsLoading: false,
	})
	e.count(ctx, "success")

	if e.history != nil {
		item := pixelflow.HistoryItem{
			ID:              uuid.NewString(),
			Prompt:          gn.Prompt,
			Image:           value,
			Model:           gn.Params.Model,
			AspectRatio:     gn.Params.AspectRatio,
			Camera:          gn.Params.Camera,
			ReferenceImages: images,
			CreatedAt:       e.now(),
		}
		if err := e.history.Append(ctx, item); err != nil {
			e.logger.Warn("history append failed", "node", nodeID, "error", err)
		}
	}
	return value, nil
}

// complete writes the terminal state. The node may have been deleted while
// the generation was in flight, in which case there is nothing to update.
func (e *Executor) complete(nodeID string, patch pixelflow.Data) {
	if _, err := e.store.UpdateData(nodeID, patch); err != nil {
		if errors.Is(err, pixelflow.ErrNodeNotFound) {
			e.logger.Debug("node removed during generation", "node", nodeID)
			return
		}
		e.logger.Error("write generation outcome", "node", nodeID, "error", err)
	}
}

func (e *Executor) count(ctx context.Context, outcome string) {
	if e.runs == nil {
		return
	}
	e.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func promptWithCamera(prompt, camera string) string {
	if camera == "" {
		return prompt
	}
	return prompt + "\n\nCamera: " + camera
}
