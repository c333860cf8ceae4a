package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-evaluator/internal/progress"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

// TaskContext is what a running task knows about its own job.
type TaskContext struct {
	JobID   string
	ChainID string
	Task    string
	Logger  *slog.Logger

	worker *Worker
}

// ReportProgress stores PROGRESS metadata on the job record.
func (tc *TaskContext) ReportProgress(ctx context.Context, meta schema.ProgressMeta) error {
	meta.ChainID = tc.ChainID
	_, err := tc.worker.queue.Backend().Update(ctx, tc.JobID, func(r *queue.Record) error {
		if !queue.MarkProgress(r, meta) {
			return fmt.Errorf("%w: %s", queue.ErrRevoked, tc.JobID)
		}
		return nil
	})
	return err
}

// Run iterates input through progress.Run with this job's reporter and pause
// guard.
func (tc *TaskContext) Run(ctx context.Context, description string, input progress.Fields, fn progress.UnitFunc) (progress.Fields, error) {
	return progress.Run(ctx, progress.RunOptions{
		Task:        tc.Task,
		JobID:       tc.JobID,
		Description: description,
		Reporter:    tc,
		Guard:       tc.worker.guard,
		Logger:      tc.Logger,
	}, input, fn)
}

// Queue exposes the queue client, used by tasks that schedule chains.
func (tc *TaskContext) Queue() *queue.Client {
	return tc.worker.queue
}
