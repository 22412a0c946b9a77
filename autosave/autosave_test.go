package autosave

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaver_DebounceCoalescesEdits(t *testing.T) {
	var saves atomic.Int32
	s := New(func(context.Context) error {
		saves.Add(1)
		return nil
	}, 20*time.Millisecond, nil)

	assert.Equal(t, Clean, s.State())
	for i := 0; i < 5; i++ {
		s.MarkDirty()
	}
	assert.Equal(t, Dirty, s.State())

	require.Eventually(t, func() bool { return s.State() == Clean }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), saves.Load())
	assert.False(t, s.SavedAt().IsZero())
}

func TestSaver_EditDuringSaveStaysDirty(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var saves atomic.Int32
	s := New(func(context.Context) error {
		if saves.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}, time.Hour, nil)

	s.MarkDirty()
	done := make(chan error, 1)
	go func() { done <- s.Flush(context.Background()) }()
	<-entered
	assert.Equal(t, Saving, s.State())

	s.MarkDirty()
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Dirty, s.State())

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Clean, s.State())
	assert.Equal(t, int32(2), saves.Load())
}

func TestSaver_CloseFlushesPendingEdits(t *testing.T) {
	var saves atomic.Int32
	s := New(func(context.Context) error {
		saves.Add(1)
		return nil
	}, time.Hour, nil)

	s.MarkDirty()
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, int32(1), saves.Load())
	assert.Equal(t, Clean, s.State())

	s.MarkDirty()
	assert.Equal(t, Clean, s.State(), "edits after close are ignored")
}

func TestSaver_FailedSaveStaysDirty(t *testing.T) {
	boom := errors.New("disk full")
	fail := atomic.Bool{}
	fail.Store(true)
	s := New(func(context.Context) error {
		if fail.Load() {
			return boom
		}
		return nil
	}, time.Hour, nil)

	s.MarkDirty()
	assert.ErrorIs(t, s.Flush(context.Background()), boom)
	assert.Equal(t, Dirty, s.State())
	assert.ErrorIs(t, s.LastError(), boom)

	fail.Store(false)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, Clean, s.State())
	assert.NoError(t, s.LastError())
}

func TestSaver_FlushWhenCleanIsNoop(t *testing.T) {
	called := false
	s := New(func(context.Context) error { called = true; return nil }, 0, nil)
	require.NoError(t, s.Flush(context.Background()))
	assert.False(t, called)
	assert.Equal(t, "clean", s.State().String())
}

func TestSaver_StopDiscardsPendingEdits(t *testing.T) {
	var saves atomic.Int32
	s := New(func(context.Context) error {
		saves.Add(1)
		return nil
	}, 10*time.Millisecond, nil)

	s.MarkDirty()
	s.Stop()
	s.MarkDirty()

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, Clean, s.State())
	assert.Equal(t, int32(0), saves.Load())
}
