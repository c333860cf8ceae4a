// internal/chain/resolver.go
package chain

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

// Resolver recovers every job id belonging to a pipeline from its terminal
// handle. It never fails: anomalies are logged and the ids found so far are
// returned.
type Resolver struct {
	queue  *queue.Client
	logger *slog.Logger
}

func NewResolver(q *queue.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{queue: q, logger: logger.With("component", "chain_resolver")}
}

// Resolve walks predecessors from terminal to the head, then adds the job ids
// carried by the head's result (ids produced by a fan-out the walk cannot
// see). Order is discovery order, tail to head, without duplicates.
func (r *Resolver) Resolve(ctx context.Context, terminal *queue.Handle) []string {
	ids := newIDSet()
	if terminal == nil {
		r.logger.Warn("resolve called without a handle")
		return ids.list()
	}

	head := terminal
	for h := terminal; h != nil; {
		if !ids.add(h.ID()) {
			r.logger.Warn("predecessor cycle detected", "job_id", h.ID())
			break
		}
		head = h
		prev, err := h.Predecessor(ctx)
		if err != nil {
			r.logger.Warn("predecessor lookup failed", "job_id", h.ID(), "err", err)
			return ids.list()
		}
		h = prev
	}

	result, err := head.Result(ctx)
	if err != nil {
		r.logger.Warn("head result lookup failed", "job_id", head.ID(), "err", err)
		return ids.list()
	}
	r.collect(result, ids, head.ID())
	return ids.list()
}

// ResolveEntries resolves every topic entry of a batch result that carries a
// chain result, in entry order.
func (r *Resolver) ResolveEntries(ctx context.Context, entries []schema.TopicEntry) [][]string {
	out := make([][]string, 0, len(entries))
	for i, entry := range entries {
		if entry.ChainResult == "" {
			r.logger.Warn("topic entry has no chain result", "index", i, "topic", entry.Topic, "status", entry.Status, "error", entry.Error)
			continue
		}
		out = append(out, r.Resolve(ctx, r.queue.Handle(entry.ChainResult)))
	}
	return out
}

func (r *Resolver) collect(p schema.Payload, ids *idSet, source string) {
	switch p.Kind {
	case schema.PayloadEmpty:
	case schema.PayloadID:
		r.addID(p.ID, ids, source)
	case schema.PayloadIDs:
		for _, id := range p.IDs {
			r.addID(id, ids, source)
		}
	case schema.PayloadComposite:
		for _, part := range p.Parts {
			r.collect(part, ids, source)
		}
	case schema.PayloadMap, schema.PayloadText, schema.PayloadTopics:
		// results that carry no job ids
	default:
		r.logger.Warn("unexpected payload kind", "job_id", source, "kind", p.Kind)
	}
}

func (r *Resolver) addID(raw string, ids *idSet, source string) {
	id, err := uuid.Parse(raw)
	if err != nil {
		r.logger.Warn("skipping non job id value", "job_id", source, "value", raw)
		return
	}
	ids.add(id.String())
}

type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet() *idSet { return &idSet{seen: make(map[string]struct{})} }

func (s *idSet) add(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *idSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
