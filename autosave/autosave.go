// Package autosave debounces project persistence. A Saver moves from clean to
// dirty on every edit, and a quiet period after the last edit moves it
// through saving back to clean.
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period after the last edit before saving.
const DefaultDebounce = time.Second

type State int

const (
	Clean State = iota
	Dirty
	Saving
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	}
	return "unknown"
}

// SaveFunc persists the current state. It should snapshot whatever it saves
// at call time.
type SaveFunc func(ctx context.Context) error

// Saver runs SaveFunc after edits settle. Saves never overlap.
type Saver struct {
	save     SaveFunc
	debounce time.Duration
	logger   *slog.Logger

	saveMu sync.Mutex // held for the duration of a save

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	closed  bool
	lastErr error
	saved   time.Time
}

func New(save SaveFunc, debounce time.Duration, logger *slog.Logger) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{save: save, debounce: debounce, logger: logger.With("component", "autosave")}
}

// State returns the current save state.
func (s *Saver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error of the most recent failed save, cleared by the
// next successful one.
func (s *Saver) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SavedAt returns when the last successful save finished.
func (s *Saver) SavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

// MarkDirty records an edit and restarts the quiet period. An edit made
// while a save is running leaves the saver dirty so the edit is picked up by
// the next save.
func (s *Saver) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = Dirty
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn("autosave failed", "error", err)
		}
	})
}

// Flush saves immediately if there are unsaved edits.
func (s *Saver) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.state != Dirty {
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = Saving
	s.mu.Unlock()

	err := s.save(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		// Keep the edits pending; the next edit or Close retries.
		if s.state == Saving {
			s.state = Dirty
		}
		return err
	}
	s.saved = time.Now()
	if s.state == Saving {
		s.state = Clean
	}
	s.logger.Debug("saved", "state", s.state)
	return nil
}

// Close stops the timer and flushes pending edits. Later edits are ignored.
func (s *Saver) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return err
}

// Stop discards pending edits without saving and ignores later ones.
func (s *Saver) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = Clean
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
