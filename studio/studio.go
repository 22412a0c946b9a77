// Package studio wires the pieces that make up an open project: its graph
// store, autosave, executor, scheduler and topology editor.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/autosave"
	"github.com/meikuraledutech/pixelflow/engine"
	"github.com/meikuraledutech/pixelflow/graph"
	"github.com/meikuraledutech/pixelflow/library"
	"github.com/meikuraledutech/pixelflow/topology"
)

// Options tunes every session a Manager opens.
type Options struct {
	Debounce     time.Duration
	StepDelay    time.Duration
	RowThreshold float64
}

// Session is one open project.
type Session struct {
	ProjectID string
	Store     *graph.Store
	Editor    *topology.Editor
	Executor  *engine.Executor
	Scheduler *engine.Scheduler
	Saver     *autosave.Saver

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Go runs fn in the background, bound to the session's lifetime. Close
// cancels the context and waits for fn to return. After close, Go returns
// pixelflow.ErrSessionClosed and fn never runs.
func (s *Session) Go(fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pixelflow.ErrSessionClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return nil
}

// shutdown rejects further work, cancels in-flight runs and waits for them.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// RunNode executes a generator node in the background.
func (s *Session) RunNode(nodeID string, overrides graph.Overrides) error {
	return s.Go(func(ctx context.Context) {
		if _, err := s.Executor.Execute(ctx, nodeID, overrides); err != nil {
			s.logger.Warn("node run failed", "node", nodeID, "error", err)
		}
	})
}

// RunGroup executes a group in the background.
func (s *Session) RunGroup(groupID string) error {
	return s.Go(func(ctx context.Context) {
		report, err := s.Scheduler.RunGroup(ctx, groupID)
		if err != nil {
			s.logger.Warn("group run failed", "group", groupID, "error", err)
			return
		}
		s.logger.Info("group run finished", "group", groupID,
			"executed", len(report.Executed), "skipped", len(report.Skipped))
	})
}

func (s *Session) close(ctx context.Context) error {
	s.shutdown()
	return s.Saver.Close(ctx)
}

// Manager opens and closes sessions by project id.
type Manager struct {
	projects *library.Projects
	history  *library.History
	gen      pixelflow.Generator
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(projects *library.Projects, history *library.History, gen pixelflow.Generator, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		projects: projects,
		history:  history,
		gen:      gen,
		opts:     opts,
		logger:   logger.With("component", "studio"),
		sessions: make(map[string]*Session),
	}
}

// Open loads a project into a new session, or returns the session already
// open for it.
func (m *Manager) Open(ctx context.Context, projectID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[projectID]; ok {
		return s, nil
	}

	proj, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With("project", projectID)
	store := graph.New(logger)
	if err := store.Replace(proj.Graph); err != nil {
		return nil, fmt.Errorf("pixelflow: load project %s: %w", projectID, err)
	}

	var schedOpts []engine.SchedulerOption
	if m.opts.StepDelay > 0 {
		schedOpts = append(schedOpts, engine.WithStepDelay(m.opts.StepDelay))
	}
	if m.opts.RowThreshold > 0 {
		schedOpts = append(schedOpts, engine.WithRowThreshold(m.opts.RowThreshold))
	}

	var history engine.HistoryRecorder
	if m.history != nil {
		history = m.history
	}
	exec := engine.NewExecutor(store, m.gen, history, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ProjectID: projectID,
		Store:     store,
		Editor:    topology.New(store, logger),
		Executor:  exec,
		Scheduler: engine.NewScheduler(store, exec, logger, schedOpts...),
		logger:    logger,
		ctx:       runCtx,
		cancel:    cancel,
	}
	s.Saver = autosave.New(func(ctx context.Context) error {
		_, err := m.projects.Save(ctx, projectID, store.Snapshot())
		return err
	}, m.opts.Debounce, logger)
	store.OnChange(s.Saver.MarkDirty)

	m.sessions[projectID] = s
	logger.Info("project opened", "nodes", len(proj.Graph.Nodes), "edges", len(proj.Graph.Edges))
	return s, nil
}

// Session returns the open session for projectID.
func (m *Manager) Session(projectID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	return s, ok
}

// Close cancels in-flight runs and flushes unsaved edits. Closing a project
// that is not open is a no-op.
func (m *Manager) Close(ctx context.Context, projectID string) error {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	delete(m.sessions, projectID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.close(ctx); err != nil {
		return fmt.Errorf("pixelflow: close project %s: %w", projectID, err)
	}
	m.logger.Info("project closed", "project", projectID)
	return nil
}

// Discard drops a session without saving. Used when the project itself is deleted.
func (m *Manager) Discard(projectID string) {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	delete(m.sessions, projectID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Saver.Stop()
	s.shutdown()
}

// CloseAll closes every open session.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, m.Close(ctx, id))
	}
	return errors.Join(errs...)
}
