// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/simple-evaluator/internal/aggregate"
	"github.com/tendant/simple-evaluator/internal/evaluation"
	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

// Progress reads and terminates batches.
type Progress interface {
	AggregateBatch(ctx context.Context, rootID string, cancel bool) schema.BatchProgress
	Terminate(ctx context.Context, rootID string) schema.BatchProgress
	Stream(ctx context.Context, rootID string, interval time.Duration, emit func(schema.BatchProgress) error) error
}

// Pauser flips the pause flag of a whole chain.
type Pauser interface {
	Pause(ctx context.Context, jobID string) bool
	Resume(ctx context.Context, jobID string) bool
}

// Chains reads the chain table.
type Chains interface {
	Get(ctx context.Context, jobID string) (*store.ChainRecord, error)
	EvaluationResultIDs(ctx context.Context, rootID string) ([]string, error)
}

// SubmitFunc schedules a batch and returns its root job id.
type SubmitFunc func(ctx context.Context, papers []evaluation.TestPaper) (string, error)

type Server struct {
	Progress       Progress
	Pauser         Pauser
	Chains         Chains
	Submit         SubmitFunc
	StreamInterval time.Duration
	Logger         *slog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", s.handleSubmit)
		r.Get("/batches/{id}/progress", s.handleProgress)
		r.Get("/batches/{id}/stream", s.handleStream)
		r.Post("/batches/{id}/terminate", s.handleTerminate)
		r.Get("/batches/{id}/results", s.handleResults)
		r.Post("/jobs/{id}/pause", s.handlePause)
		r.Post("/jobs/{id}/resume", s.handleResume)
	})
	return r
}

func (s Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.Submit == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("submission is not configured"))
		return
	}
	var body struct {
		TestPapers []evaluation.TestPaper `json:"test_papers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if len(body.TestPapers) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("test_papers is empty"))
		return
	}
	id, err := s.Submit(r.Context(), body.TestPapers)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("submit batch: %w", err))
		return
	}
	s.logger().Info("batch submitted", "task_id", id, "papers", len(body.TestPapers))
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id})
}

func (s Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Progress.AggregateBatch(r.Context(), chi.URLParam(r, "id"), false))
}

func (s Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Progress.Terminate(r.Context(), chi.URLParam(r, "id")))
}

func (s Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err := s.Progress.Stream(r.Context(), id, s.StreamInterval, func(bp schema.BatchProgress) error {
		raw, err := json.Marshal(bp)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger().Warn("progress stream ended", "root_id", id, "err", err)
	}
}

func (s Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ids, err := s.Chains.EvaluationResultIDs(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	nums, err := store.NumericResultIDs(ids)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "evaluation_result_ids": nums})
}

func (s Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var ok bool
	if paused {
		ok = s.Pauser.Pause(ctx, id)
	} else {
		ok = s.Pauser.Resume(ctx, id)
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "task_id": id})
		return
	}

	status := "resumed"
	if paused {
		status = "paused"
	}
	resp := map[string]any{"status": status, "task_id": id, "is_paused": paused}
	if rec, err := s.Chains.Get(ctx, id); err == nil {
		resp["is_paused"] = rec.IsPaused
		resp["state"] = rec.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

var _ Progress = (*aggregate.Aggregator)(nil)
