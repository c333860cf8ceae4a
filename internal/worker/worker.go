// internal/worker/worker.go
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-evaluator/internal/progress"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

type Options struct {
	// EventSubject receives lifecycle events on EventSubject + ".lifecycle".
	EventSubject string
	Concurrency  int
	// Guard blocks items of paused chains; nil disables pausing.
	Guard progress.Guarder
}

// Worker executes job envelopes delivered by the queue and moves each job
// through its lifecycle.
type Worker struct {
	queue    *queue.Client
	registry *Registry
	pub      queue.Publisher
	opts     Options
	guard    progress.Guarder
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func New(q *queue.Client, registry *Registry, pub queue.Publisher, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Worker{
		queue:    q,
		registry: registry,
		pub:      pub,
		opts:     opts,
		guard:    opts.Guard,
		logger:   logger.With("component", "worker"),
		sem:      make(chan struct{}, opts.Concurrency),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// HandleMessage decodes an envelope and runs it on its own goroutine. It
// blocks while all slots are busy.
func (w *Worker) HandleMessage(ctx context.Context, data []byte) {
	var env queue.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.logger.Error("decode envelope failed", "err", err)
		return
	}
	w.sem <- struct{}{}
	w.wg.Add(1)
	go func() {
		defer func() {
			<-w.sem
			w.wg.Done()
		}()
		if err := w.Handle(ctx, env); err != nil {
			w.logger.Warn("job failed", "job_id", env.JobID, "task", env.Task, "err", err)
		}
	}()
}

// HandleRevoke cancels the named job if it runs in this process.
func (w *Worker) HandleRevoke(_ context.Context, data []byte) {
	var req queue.RevokeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		w.logger.Error("decode revoke request failed", "err", err)
		return
	}
	if w.Cancel(req.JobID) {
		w.logger.Info("revoked running job", "job_id", req.JobID)
	}
}

func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		cancel(queue.ErrRevoked)
	}
	return ok
}

// Wait blocks until every job started by HandleMessage has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Handle runs one job to completion and dispatches the next link of its
// chain on success. On failure every remaining link is failed too, so that
// progress readers see the chain end.
func (w *Worker) Handle(ctx context.Context, env queue.Envelope) error {
	jobLogger := w.logger.With("job_id", env.JobID, "task", env.Task, "chain_id", env.ChainID)
	jobLogger.Info("received job", "next_links", len(env.Next))

	reg, lookupErr := w.registry.lookup(env.Task)

	var prior schema.JobState
	started, err := w.queue.Backend().Update(ctx, env.JobID, func(r *queue.Record) error {
		prior = r.State
		if !queue.MarkStarted(r) {
			return fmt.Errorf("%w: %s", queue.ErrRevoked, env.JobID)
		}
		return nil
	})
	if errors.Is(err, queue.ErrRevoked) {
		jobLogger.Info("skipping finished job", "state", prior)
		if prior == schema.StateTerminated {
			w.terminateRest(ctx, env, jobLogger)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("start job %s: %w", env.JobID, err)
	}
	w.publishLifecycle(env, schema.StateStarted, started.StartedAt, nil)

	if lookupErr != nil {
		return w.fail(ctx, env, started.StartedAt, lookupErr, jobLogger)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if reg.timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, reg.timeout)
		defer stop()
	}
	w.track(env.JobID, cancel)
	defer w.untrack(env.JobID)

	tc := &TaskContext{
		JobID:   env.JobID,
		ChainID: env.ChainID,
		Task:    env.Task,
		Logger:  jobLogger,
		worker:  w,
	}
	result, runErr := reg.fn(runCtx, tc, env.Args)

	if errors.Is(context.Cause(runCtx), queue.ErrRevoked) {
		jobLogger.Info("job revoked while running")
		if _, err := w.queue.Backend().Update(ctx, env.JobID, func(r *queue.Record) error {
			queue.MarkTerminated(r)
			return nil
		}); err != nil {
			jobLogger.Error("mark terminated failed", "err", err)
		}
		w.publishLifecycle(env, schema.StateTerminated, started.StartedAt, queue.ErrRevoked)
		w.terminateRest(ctx, env, jobLogger)
		return fmt.Errorf("job %s: %w", env.JobID, queue.ErrRevoked)
	}
	if runErr == nil && runCtx.Err() != nil {
		runErr = runCtx.Err()
	}
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("%w: %w", context.DeadlineExceeded, runErr)
		}
		return w.fail(ctx, env, started.StartedAt, runErr, jobLogger)
	}

	stored := true
	if _, err := w.queue.Backend().Update(ctx, env.JobID, func(r *queue.Record) error {
		stored = queue.MarkSucceeded(r, result)
		return nil
	}); err != nil {
		return fmt.Errorf("store result %s: %w", env.JobID, err)
	}
	if !stored {
		jobLogger.Info("job revoked before its result was stored")
		w.terminateRest(ctx, env, jobLogger)
		return nil
	}
	w.publishLifecycle(env, schema.StateSuccess, started.StartedAt, nil)
	jobLogger.Info("completed job", "processing_time_ms", time.Since(started.StartedAt).Milliseconds())

	if len(env.Next) == 0 {
		return nil
	}
	next := env.Next[0]
	args := result
	if next.Immutable {
		args = next.Args
	}
	if err := w.queue.Dispatch(queue.Envelope{
		JobID:   next.JobID,
		Task:    next.Task,
		ChainID: env.ChainID,
		Args:    args,
		Next:    env.Next[1:],
	}); err != nil {
		jobLogger.Error("dispatch next link failed", "next_job_id", next.JobID, "err", err)
		return err
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, env queue.Envelope, startedAt time.Time, cause error, logger *slog.Logger) error {
	failureType := classifyError(cause)
	logger.Error("job failed", "failure_type", failureType, "err", cause)
	if _, err := w.queue.Backend().Update(ctx, env.JobID, func(r *queue.Record) error {
		queue.MarkFailed(r, cause)
		return nil
	}); err != nil {
		logger.Error("mark failed failed", "err", err)
	}
	w.publishLifecycle(env, schema.StateFailure, startedAt, cause)

	upstream := fmt.Errorf("upstream job %s failed: %w", env.JobID, cause)
	for _, link := range env.Next {
		if _, err := w.queue.Backend().Update(ctx, link.JobID, func(r *queue.Record) error {
			queue.MarkFailed(r, upstream)
			return nil
		}); err != nil {
			logger.Warn("fail downstream job failed", "next_job_id", link.JobID, "err", err)
		}
	}
	return fmt.Errorf("job %s: %w", env.JobID, cause)
}

func (w *Worker) terminateRest(ctx context.Context, env queue.Envelope, logger *slog.Logger) {
	for _, link := range env.Next {
		if _, err := w.queue.Backend().Update(ctx, link.JobID, func(r *queue.Record) error {
			queue.MarkTerminated(r)
			return nil
		}); err != nil {
			logger.Warn("terminate downstream job failed", "next_job_id", link.JobID, "err", err)
		}
	}
}

func (w *Worker) track(jobID string, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	w.running[jobID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.running, jobID)
	w.mu.Unlock()
}

func (w *Worker) publishLifecycle(env queue.Envelope, state schema.JobState, startedAt time.Time, cause error) {
	if w.opts.EventSubject == "" {
		return
	}
	now := time.Now()
	event := schema.StageLifecycleEvent{
		JobID:      env.JobID,
		ChainID:    env.ChainID,
		Task:       env.Task,
		State:      state,
		StartedAt:  startedAt.UnixMilli(),
		HappenedAt: now.Unix(),
	}
	if state.Terminal() {
		event.FinishedAt = now.UnixMilli()
	}
	if cause != nil {
		event.Error = cause.Error()
		event.FailureType = classifyError(cause)
	}
	if err := w.pub.PublishJSON(w.opts.EventSubject+".lifecycle", event); err != nil {
		w.logger.Error("publish lifecycle event failed", "subject", w.opts.EventSubject, "state", state, "err", err)
	}
}
