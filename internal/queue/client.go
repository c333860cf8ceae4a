// internal/queue/client.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tendant/simple-evaluator/pkg/schema"
)

// Publisher is the transport used to dispatch jobs. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Spec describes one job to schedule. An immutable link ignores its
// predecessor's result and receives Args instead.
type Spec struct {
	Task      string         `json:"task"`
	Args      schema.Payload `json:"args"`
	Immutable bool           `json:"immutable,omitempty"`
}

// Link is a pre-assigned, not yet dispatched job of a chain.
type Link struct {
	JobID string `json:"job_id"`
	Spec
}

// Envelope is the message a worker receives for one job.
type Envelope struct {
	JobID   string         `json:"job_id"`
	Task    string         `json:"task"`
	ChainID string         `json:"chain_id,omitempty"`
	Args    schema.Payload `json:"args"`
	Next    []Link         `json:"next,omitempty"`
}

// RevokeRequest is broadcast to every worker; the one running JobID cancels it.
type RevokeRequest struct {
	JobID string `json:"job_id"`
}

type Options struct {
	JobSubject    string
	RevokeSubject string
}

// Client submits, chains and revokes jobs, and hands out job handles.
type Client struct {
	backend Backend
	pub     Publisher
	opts    Options
	logger  *slog.Logger
}

func NewClient(backend Backend, pub Publisher, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		pub:     pub,
		opts:    opts,
		logger:  logger.With("component", "queue"),
	}
}

func (c *Client) Backend() Backend { return c.backend }

func (c *Client) Handle(id string) *Handle { return &Handle{id: id, client: c} }

// Submit schedules a single job.
func (c *Client) Submit(ctx context.Context, spec Spec) (*Handle, error) {
	return c.Chain(ctx, []Spec{spec})
}

// Chain pre-assigns ids to every spec, records them as PENDING with
// predecessor links, dispatches the head and returns the terminal handle.
func (c *Client) Chain(ctx context.Context, specs []Spec) (*Handle, error) {
	if len(specs) == 0 {
		return nil, errors.New("empty chain")
	}
	links := make([]Link, len(specs))
	for i, spec := range specs {
		if spec.Task == "" {
			return nil, fmt.Errorf("chain link %d: missing task", i)
		}
		links[i] = Link{JobID: uuid.NewString(), Spec: spec}
	}
	chainID := links[0].JobID
	for i, link := range links {
		predecessor := ""
		if i > 0 {
			predecessor = links[i-1].JobID
		}
		rec := NewRecord(link.Task, link.JobID, predecessor)
		rec.ChainID = chainID
		if err := c.backend.Store(ctx, rec); err != nil {
			return nil, fmt.Errorf("store job %s: %w", link.JobID, err)
		}
	}
	env := Envelope{
		JobID:   links[0].JobID,
		Task:    links[0].Task,
		ChainID: chainID,
		Args:    links[0].Args,
		Next:    links[1:],
	}
	if err := c.Dispatch(env); err != nil {
		return nil, err
	}
	c.logger.Info("chain scheduled", "chain_id", chainID, "links", len(links), "terminal", links[len(links)-1].JobID)
	return c.Handle(links[len(links)-1].JobID), nil
}

// Dispatch publishes an envelope on the job subject.
func (c *Client) Dispatch(env Envelope) error {
	if err := c.pub.PublishJSON(c.opts.JobSubject, env); err != nil {
		return fmt.Errorf("dispatch %s: %w", env.JobID, err)
	}
	return nil
}

// Revoke terminates a job that has not finished. Terminal jobs are left
// untouched, so revoking twice is harmless.
func (c *Client) Revoke(ctx context.Context, id string) error {
	var wasRunning bool
	_, err := c.backend.Update(ctx, id, func(r *Record) error {
		wasRunning = r.State == schema.StateStarted || r.State == schema.StateProgress
		MarkTerminated(r)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke %s: %w", id, err)
	}
	if wasRunning && c.opts.RevokeSubject != "" {
		if err := c.pub.PublishJSON(c.opts.RevokeSubject, RevokeRequest{JobID: id}); err != nil {
			return fmt.Errorf("broadcast revoke %s: %w", id, err)
		}
	}
	return nil
}
