// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-evaluator/internal/api"
	"github.com/tendant/simple-evaluator/internal/app"
	"github.com/tendant/simple-evaluator/internal/config"
)

func main() {
	cfg, err := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("server starting", "http_addr", cfg.HTTPAddr, "nats_url", cfg.NATSURL, "result_backend", cfg.ResultBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, "evaluator-server", logger)
	if err != nil {
		fatal(logger, "open runtime", err)
	}
	defer rt.Close()

	// job state in memory is only visible to this process, so it runs its own worker
	if cfg.ResultBackend == config.ResultBackendMemory {
		w := rt.NewWorker()
		if _, err := rt.Serve(w); err != nil {
			fatal(logger, "start embedded worker", err)
		}
		logger.Info("embedded worker running")
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.Server{
			Progress:       rt.Aggregator,
			Pauser:         rt.Pause,
			Chains:         rt.Chains,
			Submit:         rt.SubmitBatch,
			StreamInterval: cfg.StreamInterval,
			Logger:         logger.With("component", "api"),
		}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "http server", err, "addr", cfg.HTTPAddr)
	}
	logger.Info("server stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
