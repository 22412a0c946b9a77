package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultRowThreshold = 50.0
	DefaultStepDelay    = 500 * time.Millisecond
)

// NodeRunner executes a single node. *Executor satisfies it.
type NodeRunner interface {
	Execute(ctx context.Context, nodeID string, overrides graph.Overrides) (string, error)
}

// RunReport summarises one group run.
type RunReport struct {
	Group    string            `json:"group"`
	Order    []string          `json:"order"`
	Executed []string          `json:"executed"`
	Results  map[string]string `json:"results"`
	Skipped  []string          `json:"skipped"`
}

// Scheduler plans and runs the members of a group container in dependency
// order, one node at a time.
type Scheduler struct {
	store        *graph.Store
	runner       NodeRunner
	rowThreshold float64
	stepDelay    time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRowThreshold sets how far apart two nodes must be vertically to count
// as different rows when ordering independent nodes.
func WithRowThreshold(px float64) SchedulerOption {
	return func(s *Scheduler) { s.rowThreshold = px }
}

// WithStepDelay sets the pause between two consecutive executions.
func WithStepDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.stepDelay = d }
}

// WithSchedulerTracer overrides the global otel tracer provider.
func WithSchedulerTracer(tp trace.TracerProvider) SchedulerOption {
	return func(s *Scheduler) { s.tracer = tp.Tracer(instrumentationScope) }
}

func NewScheduler(store *graph.Store, runner NodeRunner, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		runner:       runner,
		rowThreshold: DefaultRowThreshold,
		stepDelay:    DefaultStepDelay,
		logger:       logger.With("component", "scheduler"),
		tracer:       otel.GetTracerProvider().Tracer(instrumentationScope),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Plan returns the execution order of the children of groupID using Kahn's
// algorithm over the edges internal to the group. The initial ready set is
// ordered top to bottom by row, then left to right, then by id; nodes unlocked
// later join the back of the queue in edge order. If some
// children can never become ready, Plan returns a *CycleError naming them.
func (s *Scheduler) Plan(g pixelflow.Graph, groupID string) ([]string, error) {
	return plan(g, groupID, s.rowThreshold)
}

func plan(g pixelflow.Graph, groupID string, rowThreshold float64) ([]string, error) {
	var members []pixelflow.Node
	for _, n := range g.Nodes {
		if groupID != "" && n.ParentID == groupID {
			members = append(members, n)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}

	rank := visualRank(g, members, rowThreshold)
	inSet := make(map[string]bool, len(members))
	for _, n := range members {
		inSet[n.ID] = true
	}

	indegree := make(map[string]int, len(members))
	next := make(map[string][]string, len(members))
	for _, e := range g.Edges {
		if !inSet[e.Source] || !inSet[e.Target] {
			continue
		}
		next[e.Source] = append(next[e.Source], e.Target)
		indegree[e.Target]++
	}

	var ready []string
	for _, n := range members {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return rank.less(ready[i], ready[j]) })

	order := make([]string, 0, len(members))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, succ := range next[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) < len(members) {
		var stuck []string
		for _, n := range members {
			if indegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return rank.less(stuck[i], stuck[j]) })
		return nil, &pixelflow.CycleError{Group: groupID, Nodes: stuck}
	}
	return order, nil
}

type rankKey struct {
	row int
	x   float64
}

type ranking map[string]rankKey

func (r ranking) less(a, b string) bool {
	ka, kb := r[a], r[b]
	if ka.row != kb.row {
		return ka.row < kb.row
	}
	if ka.x != kb.x {
		return ka.x < kb.x
	}
	return a < b
}

// visualRank buckets members into rows: walking the nodes top to bottom, a
// new row starts whenever a node sits more than threshold below the first
// node of the current row.
func visualRank(g pixelflow.Graph, members []pixelflow.Node, threshold float64) ranking {
	type placed struct {
		id  string
		pos pixelflow.Position
	}
	ps := make([]placed, len(members))
	for i, n := range members {
		ps[i] = placed{id: n.ID, pos: graph.AbsolutePosition(g, n)}
	}
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].pos.Y != ps[j].pos.Y {
			return ps[i].pos.Y < ps[j].pos.Y
		}
		return ps[i].id < ps[j].id
	})

	r := make(ranking, len(ps))
	row, rowTop := 0, ps[0].pos.Y
	for _, p := range ps {
		if p.pos.Y-rowTop > threshold {
			row++
			rowTop = p.pos.Y
		}
		r[p.id] = rankKey{row: row, x: p.pos.X}
	}
	return r
}

// RunGroup plans the group against the current graph and executes its
// generator nodes in order. Each node sees the results produced earlier in
// the same run through the overrides map. A node that fails keeps its error
// on the node and the run continues; only context cancellation stops it.
func (s *Scheduler) RunGroup(ctx context.Context, groupID string) (RunReport, error) {
	report := RunReport{Group: groupID, Results: map[string]string{}}

	if n, ok := s.store.Node(groupID); ok && !n.Type.IsContainer() {
		return report, pixelflow.ErrNotContainer
	}

	ctx, span := s.tracer.Start(ctx, "engine.run_group", trace.WithAttributes(
		attribute.String("pixelflow.group_id", groupID),
	))
	defer span.End()

	order, err := s.Plan(s.store.Snapshot(), groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		return report, err
	}
	report.Order = order
	if len(order) == 0 {
		s.logger.Debug("group has no members", "group", groupID)
		return report, nil
	}

	overrides := graph.Overrides{}
	ran := 0
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, ok := s.store.Node(id)
		if !ok {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		gn, ok := n.Variant().(pixelflow.GeneratorNode)
		if !ok {
			continue
		}
		if gn.Prompt == "" {
			report.Skipped = append(report.Skipped, id)
			continue
		}

		if ran > 0 && s.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(s.stepDelay):
			}
		}
		ran++

		result, err := s.runner.Execute(ctx, id, overrides)
		var genErr *GenerationError
		switch {
		case err == nil:
			report.Executed = append(report.Executed, id)
			if result != "" {
				overrides[id] = result
				report.Results[id] = result
			}
		case errors.As(err, &genErr):
			report.Executed = append(report.Executed, id)
		default:
			s.logger.Warn("node skipped", "group", groupID, "node", id, "error", err)
			report.Skipped = append(report.Skipped, id)
		}
	}

	s.logger.Info("group run finished", "group", groupID,
		"planned", len(order), "executed", len(report.Executed), "succeeded", len(report.Results))
	return report, nil
}
