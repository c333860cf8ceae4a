// internal/pause/coordinator.go
package pause

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-evaluator/internal/store"
)

const (
	DefaultBackoff = 10 * time.Second

	StatePaused  = "PAUSED"
	StateRunning = "PROGRESS"
)

// Store is the slice of the chain store the coordinator needs.
type Store interface {
	IsPaused(ctx context.Context, jobID string) (bool, error)
	SetState(ctx context.Context, jobID, status string, paused bool) (int64, error)
}

var _ Store = (*store.ChainStore)(nil)

type Coordinator struct {
	store   Store
	backoff time.Duration
	logger  *slog.Logger
}

func NewCoordinator(s Store, backoff time.Duration, logger *slog.Logger) *Coordinator {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: s, backoff: backoff, logger: logger.With("component", "pause")}
}

// CheckPaused reports whether jobID is paused. Jobs without a row and lookup
// failures count as running.
func (c *Coordinator) CheckPaused(ctx context.Context, jobID string) bool {
	paused, err := c.store.IsPaused(ctx, jobID)
	if err != nil {
		c.logger.Warn("pause lookup failed", "job_id", jobID, "err", err)
		return false
	}
	return paused
}

// Guard blocks while jobID is paused, then runs fn once and returns its error.
func (c *Coordinator) Guard(ctx context.Context, jobID string, fn func(context.Context) error) error {
	for c.CheckPaused(ctx, jobID) {
		c.logger.Info("job paused, waiting", "job_id", jobID, "backoff", c.backoff)
		t := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SetState applies status and the pause flag to every job of the chain jobID
// belongs to. It returns false when the job is unknown or the update failed.
func (c *Coordinator) SetState(ctx context.Context, jobID, status string, paused bool) bool {
	n, err := c.store.SetState(ctx, jobID, status, paused)
	if err != nil {
		c.logger.Error("set chain state failed", "job_id", jobID, "status", status, "paused", paused, "err", err)
		return false
	}
	c.logger.Info("chain state changed", "job_id", jobID, "status", status, "paused", paused, "rows", n)
	return true
}

func (c *Coordinator) Pause(ctx context.Context, jobID string) bool {
	return c.SetState(ctx, jobID, StatePaused, true)
}

func (c *Coordinator) Resume(ctx context.Context, jobID string) bool {
	return c.SetState(ctx, jobID, StateRunning, false)
}
