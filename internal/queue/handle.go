// internal/queue/handle.go
package queue

import (
	"context"

	"github.com/tendant/simple-evaluator/pkg/schema"
)

// Handle refers to one queued job. Every accessor reads the current record
// from the backend; nothing is cached.
type Handle struct {
	id     string
	client *Client
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Record(ctx context.Context) (*Record, error) {
	return h.client.backend.Load(ctx, h.id)
}

// Predecessor returns the job this one depends on, or nil for a chain head.
func (h *Handle) Predecessor(ctx context.Context) (*Handle, error) {
	rec, err := h.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Predecessor == "" {
		return nil, nil
	}
	return h.client.Handle(rec.Predecessor), nil
}

func (h *Handle) State(ctx context.Context) (schema.JobState, error) {
	rec, err := h.Record(ctx)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (h *Handle) Result(ctx context.Context) (schema.Payload, error) {
	rec, err := h.Record(ctx)
	if err != nil {
		return schema.Payload{}, err
	}
	return rec.Result, nil
}

// Info returns the progress metadata last published by the running job.
func (h *Handle) Info(ctx context.Context) (*schema.ProgressMeta, error) {
	rec, err := h.Record(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Meta, nil
}

func (h *Handle) Revoke(ctx context.Context) error {
	return h.client.Revoke(ctx, h.id)
}
