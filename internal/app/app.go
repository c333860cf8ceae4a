// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"

	"github.com/tendant/simple-evaluator/internal/aggregate"
	"github.com/tendant/simple-evaluator/internal/bus"
	"github.com/tendant/simple-evaluator/internal/chain"
	"github.com/tendant/simple-evaluator/internal/config"
	"github.com/tendant/simple-evaluator/internal/evaluation"
	"github.com/tendant/simple-evaluator/internal/pause"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/internal/worker"
)

// Runtime holds the collaborators shared by the worker and the API server.
type Runtime struct {
	Config     config.Config
	Bus        *bus.Client
	DB         *gorm.DB
	Queue      *queue.Client
	Chains     *store.ChainStore
	Resolver   *chain.Resolver
	Aggregator *aggregate.Aggregator
	Pause      *pause.Coordinator

	logger  *slog.Logger
	closers []func()
}

// Open connects to NATS, the result backend and the database.
func Open(ctx context.Context, cfg config.Config, name string, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, logger: logger}

	nc, err := bus.Connect(cfg.NATSURL, name)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.NATSURL, err)
	}
	rt.Bus = nc
	rt.closers = append(rt.closers, nc.Close)
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	backend, err := rt.openBackend(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	db, err := store.Open(cfg.DatabaseType, cfg.DatabaseURL, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.DB = db
	rt.closers = append(rt.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	logger.Info("database ready", "database_type", cfg.DatabaseType)

	rt.Queue = queue.NewClient(backend, nc, queue.Options{
		JobSubject:    cfg.JobSubject,
		RevokeSubject: cfg.RevokeSubject,
	}, logger)
	rt.Chains = store.NewChainStore(db, logger)
	rt.Resolver = chain.NewResolver(rt.Queue, logger)
	rt.Aggregator = aggregate.New(rt.Queue, rt.Resolver, rt.Chains, aggregate.Options{
		StageNames:  cfg.StageNames,
		Concurrency: cfg.AggregateConcurrency,
	}, logger)
	rt.Pause = pause.NewCoordinator(rt.Chains, cfg.PauseBackoff, logger)
	return rt, nil
}

func (rt *Runtime) openBackend(ctx context.Context) (queue.Backend, error) {
	cfg := rt.Config
	switch cfg.ResultBackend {
	case config.ResultBackendRedis:
		b, err := queue.NewRedisBackend(ctx, cfg.RedisAddr, cfg.ResultBucket+":", cfg.ResultTTL)
		if err != nil {
			return nil, fmt.Errorf("open redis result backend: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = b.Close() })
		rt.logger.Info("result backend ready", "backend", "redis", "addr", cfg.RedisAddr)
		return b, nil
	case config.ResultBackendMemory:
		rt.logger.Warn("in-memory result backend, job state is not shared between processes")
		return queue.NewMemoryBackend(), nil
	default:
		b, err := queue.NewNATSBackend(rt.Bus.Conn(), cfg.ResultBucket, cfg.ResultTTL)
		if err != nil {
			return nil, fmt.Errorf("open NATS result backend: %w", err)
		}
		rt.logger.Info("result backend ready", "backend", "nats", "bucket", cfg.ResultBucket)
		return b, nil
	}
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// NewWorker builds a worker with every evaluation stage registered and the
// pause coordinator as its guard.
func (rt *Runtime) NewWorker() *worker.Worker {
	cfg := rt.Config
	httpClient := evaluation.NewHTTPClient(evaluation.HTTPClientConfig{
		JudgeEndpoint: cfg.JudgeEndpoint,
		JudgeAPIKey:   cfg.JudgeAPIKey,
		JudgeModel:    cfg.JudgeModel,
	})
	stages := evaluation.NewStages(evaluation.Dependencies{
		Questions: store.NewRepository[store.Question](rt.DB, rt.logger),
		Results:   store.NewRepository[store.EvaluationResult](rt.DB, rt.logger),
		Responses: store.NewRepository[store.ResponseRecord](rt.DB, rt.logger),
		Chains:    rt.Chains,
		Resolver:  rt.Resolver,
		Model:     httpClient,
		Judge:     httpClient,
		Health:    httpClient,
	}, evaluation.Config{
		HealthEndpoint:    cfg.HealthEndpoint,
		EvaluationTimeout: cfg.EvaluationTimeout,
	}, rt.logger)

	reg := worker.NewRegistry()
	stages.Register(reg)
	return worker.New(rt.Queue, reg, rt.Bus, worker.Options{
		EventSubject: cfg.EventSubject,
		Concurrency:  cfg.WorkerConcurrency,
		Guard:        rt.Pause,
	}, rt.logger)
}

// Serve subscribes w to the job queue group and the revoke broadcast.
func (rt *Runtime) Serve(w *worker.Worker) ([]*nats.Subscription, error) {
	cfg := rt.Config
	jobs, err := rt.Bus.QueueSubscribeJSON(cfg.JobSubject, cfg.WorkerQueue, w.HandleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", cfg.JobSubject, err)
	}
	revokes, err := rt.Bus.SubscribeJSON(cfg.RevokeSubject, w.HandleRevoke)
	if err != nil {
		_ = jobs.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.RevokeSubject, err)
	}
	rt.logger.Info("listening for jobs", "subject", cfg.JobSubject, "queue", cfg.WorkerQueue, "revoke_subject", cfg.RevokeSubject)
	return []*nats.Subscription{jobs, revokes}, nil
}

// SubmitBatch schedules a batch root job and returns its id.
func (rt *Runtime) SubmitBatch(ctx context.Context, papers []evaluation.TestPaper) (string, error) {
	h, err := evaluation.SubmitBatch(ctx, rt.Queue, papers)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}
