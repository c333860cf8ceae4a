// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/simple-evaluator/internal/app"
	"github.com/tendant/simple-evaluator/internal/config"
)

func main() {
	cfg, err := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"job_subject", cfg.JobSubject,
		"queue", cfg.WorkerQueue,
		"result_backend", cfg.ResultBackend,
		"database_type", cfg.DatabaseType,
		"concurrency", cfg.WorkerConcurrency,
		"evaluation_timeout", cfg.EvaluationTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, "evaluator-worker", logger)
	if err != nil {
		fatal(logger, "open runtime", err)
	}
	defer rt.Close()

	w := rt.NewWorker()
	subs, err := rt.Serve(w)
	if err != nil {
		fatal(logger, "subscribe worker", err, "job_subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
	}

	<-ctx.Done()
	logger.Info("worker shutting down, waiting for running jobs")
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	w.Wait()
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
