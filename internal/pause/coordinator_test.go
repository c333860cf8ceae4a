package pause

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/internal/store/storetest"
)

func newCoordinator(t *testing.T, backoff time.Duration) (*Coordinator, *store.ChainStore) {
	t.Helper()
	s := store.NewChainStore(storetest.DB(t), storetest.Logger())
	return NewCoordinator(s, backoff, storetest.Logger()), s
}

func TestPauseScopeIsWholeChain(t *testing.T) {
	ctx := context.Background()
	c, s := newCoordinator(t, time.Millisecond)
	require.NoError(t, s.SaveChain(ctx, "root", []string{"j1", "j2", "j3"}))
	require.NoError(t, s.SaveChain(ctx, "elsewhere", []string{"x1"}))

	require.True(t, c.Pause(ctx, "j3"))
	for _, id := range []string{"root", "j1", "j2", "j3"} {
		assert.True(t, c.CheckPaused(ctx, id), id)
	}
	assert.False(t, c.CheckPaused(ctx, "x1"))

	require.True(t, c.Resume(ctx, "j1"))
	for _, id := range []string{"root", "j1", "j2", "j3"} {
		assert.False(t, c.CheckPaused(ctx, id), id)
		row, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, row.Status)
	}
}

func TestSetStateUnknownJobIsFalse(t *testing.T) {
	c, _ := newCoordinator(t, time.Millisecond)
	assert.False(t, c.Pause(context.Background(), "ghost"))
	assert.False(t, c.CheckPaused(context.Background(), "ghost"))
}

func TestSetStateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := storetest.DB(t)
	s := store.NewChainStore(db, storetest.Logger())
	c := NewCoordinator(s, time.Millisecond, storetest.Logger())
	require.NoError(t, s.SaveChain(ctx, "root", []string{"j1", "j2"}))
	require.True(t, c.Pause(ctx, "j1"))

	// the update runs inside the transaction, then the statement fails
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:fail_update", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("disk I/O error"))
	}))

	assert.False(t, c.Resume(ctx, "j2"))
	for _, id := range []string{"root", "j1", "j2"} {
		row, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, row.IsPaused, id)
		assert.Equal(t, StatePaused, row.Status, id)
		assert.True(t, c.CheckPaused(ctx, id), id)
	}
}

func TestGuardRunsOnceAfterResume(t *testing.T) {
	ctx := context.Background()
	c, s := newCoordinator(t, 5*time.Millisecond)
	require.NoError(t, s.SaveChain(ctx, "root", []string{"j1"}))
	require.True(t, c.Pause(ctx, "j1"))

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Guard(ctx, "j1", func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())

	require.True(t, c.Resume(ctx, "root"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("guard did not resume")
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestGuardAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, s := newCoordinator(t, 5*time.Millisecond)
	require.NoError(t, s.SaveChain(ctx, "root", []string{"j1"}))
	require.True(t, c.Pause(ctx, "j1"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Guard(ctx, "j1", func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuardPassesThroughError(t *testing.T) {
	c, _ := newCoordinator(t, time.Millisecond)
	err := c.Guard(context.Background(), "unpaused", func(context.Context) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}
