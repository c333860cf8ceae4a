// internal/aggregate/aggregator.go
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-evaluator/internal/chain"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

// ResultKey is the map result field a scoring stage uses to report the
// evaluation result row it wrote.
const ResultKey = "evaluation_result_id"

const (
	DefaultConcurrency    = 16
	DefaultStreamInterval = time.Second
)

var DefaultStageNames = []string{
	"Check API Healthy",
	"Get QA Datasets",
	"Evaluate Pipeline",
	"Compute Response Score",
}

// ErrStreamDone is returned by an emit callback to end a stream early.
var ErrStreamDone = errors.New("stream done")

// ChainStore is the slice of store.ChainStore the aggregator writes to.
type ChainStore interface {
	SaveChain(ctx context.Context, rootID string, ids []string) error
	SetEvaluationResultID(ctx context.Context, jobID, resultID string) error
}

var _ ChainStore = (*store.ChainStore)(nil)

type Options struct {
	StageNames  []string
	Concurrency int
}

// Aggregator reads the state of every job of a batch and folds it into a
// BatchProgress report. Individual failures never abort a report.
type Aggregator struct {
	queue       *queue.Client
	resolver    *chain.Resolver
	store       ChainStore
	stageNames  []string
	concurrency int
	logger      *slog.Logger
}

func New(q *queue.Client, resolver *chain.Resolver, s ChainStore, opts Options, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	names := opts.StageNames
	if len(names) == 0 {
		names = DefaultStageNames
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Aggregator{
		queue:       q,
		resolver:    resolver,
		store:       s,
		stageNames:  names,
		concurrency: limit,
		logger:      logger.With("component", "aggregator"),
	}
}

// InspectJob reports one job. With cancel set the job is revoked and reported
// TERMINATED.
func (a *Aggregator) InspectJob(ctx context.Context, h *queue.Handle, stageName string, cancel bool) schema.ProgressSnapshot {
	snap := schema.ProgressSnapshot{
		ID:          h.ID(),
		StageName:   stageName,
		Description: "Waiting",
	}
	rec, err := h.Record(ctx)
	if err != nil {
		a.logger.Error("inspect job failed", "job_id", h.ID(), "err", err)
		snap.Description = "Processing Error"
		snap.Error = err.Error()
		return snap
	}
	snap.State = rec.State

	if rec.State == schema.StateSuccess {
		a.recordResultID(ctx, rec)
	}

	if cancel {
		if err := h.Revoke(ctx); err != nil {
			a.logger.Error("revoke failed", "job_id", h.ID(), "err", err)
			snap.Description = "Processing Error"
			snap.Error = err.Error()
			return snap
		}
		snap.State = schema.StateTerminated
		return snap
	}

	switch rec.State {
	case schema.StateSuccess:
		snap.Progress = 100
		snap.Description = "Completed"
	case schema.StateFailure:
		snap.Progress = 0
		snap.Description = "Failed"
		snap.Error = rec.Result.String()
		if snap.Error == "" {
			snap.Error = "Unknown error"
		}
	case schema.StateProgress:
		snap.Description = "Processing"
		if rec.Meta != nil {
			snap.Progress = schema.ClampPercent(rec.Meta.Progress)
			if rec.Meta.Description != "" {
				snap.Description = rec.Meta.Description
			}
		}
	case schema.StateStarted:
		snap.Description = "Started"
	}
	return snap
}

func (a *Aggregator) recordResultID(ctx context.Context, rec *queue.Record) {
	v, ok := rec.Result.Field(ResultKey)
	if !ok || v == nil {
		return
	}
	if err := a.store.SetEvaluationResultID(ctx, rec.ID, formatResultID(v)); err != nil {
		a.logger.Warn("store evaluation result id failed", "job_id", rec.ID, "err", err)
	}
}

// formatResultID renders an id that went through a JSON round trip, where
// integers come back as float64.
func formatResultID(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case json.Number:
		return n.String()
	case string:
		return n
	}
	return fmt.Sprint(v)
}

// AggregateTopic reports every job of one topic's chain, head first.
func (a *Aggregator) AggregateTopic(ctx context.Context, entry schema.TopicEntry, cancel bool, rootID string) schema.TopicProgress {
	tp := schema.TopicProgress{
		Topic: entry.Topic,
		State: schema.StatePending,
		Tasks: []schema.ProgressSnapshot{},
	}
	if entry.ChainResult == "" {
		a.logger.Warn("topic has no chain", "root_id", rootID, "topic", entry.Topic, "error", entry.Error)
		return tp
	}

	ids := a.resolver.Resolve(ctx, a.queue.Handle(entry.ChainResult))
	if len(ids) > 0 {
		if err := a.store.SaveChain(ctx, rootID, ids); err != nil {
			a.logger.Warn("save chain failed", "root_id", rootID, "topic", entry.Topic, "err", err)
		}
	}

	// head first
	handles := make([]*queue.Handle, len(ids))
	for i, id := range ids {
		handles[len(ids)-1-i] = a.queue.Handle(id)
	}

	tasks := make([]schema.ProgressSnapshot, len(handles))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, h := range handles {
		name := a.stageNames[i%len(a.stageNames)]
		g.Go(func() error {
			tasks[i] = a.InspectJob(ctx, h, name, cancel)
			return nil
		})
	}
	_ = g.Wait()

	completed := 0
	for _, t := range tasks {
		if t.State == schema.StateSuccess {
			completed++
		}
	}
	tp.Tasks = tasks
	tp.CompletedTasks = completed
	tp.TotalTasks = len(tasks)
	tp.Progress = schema.Percent(completed, len(tasks))
	if len(tasks) > 0 {
		// first stage decides the topic state
		tp.State = tasks[0].State
	}
	return tp
}

// AggregateBatch reports every topic of the batch whose root job is rootID.
func (a *Aggregator) AggregateBatch(ctx context.Context, rootID string, cancel bool) schema.BatchProgress {
	entries, ready, err := a.topics(ctx, rootID, cancel)
	if err != nil {
		a.logger.Error("aggregate batch failed", "root_id", rootID, "err", err)
		return schema.BatchProgress{
			State:  schema.BatchStateFailed,
			Topics: []schema.TopicProgress{},
			Error:  err.Error(),
		}
	}

	topics := make([]schema.TopicProgress, len(entries))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			topics[i] = a.AggregateTopic(ctx, entry, cancel, rootID)
			return nil
		})
	}
	_ = g.Wait()

	bp := schema.BatchProgress{
		Topics:      topics,
		TotalTopics: len(entries),
	}
	for _, t := range topics {
		bp.CompletedTasks += t.CompletedTasks
		bp.TotalTasks += t.TotalTasks
	}
	bp.Progress = schema.Percent(bp.CompletedTasks, bp.TotalTasks)
	bp.State = schema.BatchStateProgress
	if ready && bp.CompletedTasks == bp.TotalTasks {
		bp.State = schema.BatchStateSuccess
	}
	return bp
}

// topics loads the root job's topic entries. ready is false while the root
// job has not produced them yet, which is not an error.
func (a *Aggregator) topics(ctx context.Context, rootID string, cancel bool) (entries []schema.TopicEntry, ready bool, err error) {
	root := a.queue.Handle(rootID)
	rec, err := root.Record(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load batch %s: %w", rootID, err)
	}
	switch {
	case rec.State == schema.StateSuccess && rec.Result.Kind == schema.PayloadTopics:
		return rec.Result.Topics, true, nil
	case !rec.State.Terminal():
		if cancel {
			if err := root.Revoke(ctx); err != nil {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("batch %s terminated before scheduling", rootID)
		}
		return nil, false, nil
	case rec.State == schema.StateFailure:
		return nil, false, fmt.Errorf("batch %s failed: %s", rootID, rec.Result.String())
	case rec.State == schema.StateTerminated:
		return nil, false, fmt.Errorf("batch %s was terminated", rootID)
	}
	return nil, false, fmt.Errorf("batch %s has unexpected result kind %q", rootID, rec.Result.Kind)
}

// Terminate revokes every job of the batch.
func (a *Aggregator) Terminate(ctx context.Context, rootID string) schema.BatchProgress {
	a.logger.Info("terminating batch", "root_id", rootID)
	return a.AggregateBatch(ctx, rootID, true)
}

// Stream emits a report every interval until the batch finishes, every
// topic is terminated, emit fails or ctx ends. Returning ErrStreamDone from
// emit ends the stream without error.
func (a *Aggregator) Stream(ctx context.Context, rootID string, interval time.Duration, emit func(schema.BatchProgress) error) error {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		bp := a.AggregateBatch(ctx, rootID, false)
		if err := emit(bp); err != nil {
			if errors.Is(err, ErrStreamDone) {
				return nil
			}
			return err
		}
		if finished(bp) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func finished(bp schema.BatchProgress) bool {
	if bp.State == schema.BatchStateSuccess || bp.State == schema.BatchStateFailed {
		return true
	}
	terminated := 0
	for _, t := range bp.Topics {
		if t.TotalTasks == 0 {
			continue
		}
		if t.State != schema.StateTerminated {
			return false
		}
		terminated++
	}
	return terminated > 0
}
