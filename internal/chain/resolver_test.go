package chain

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

type nopPublisher struct{}

func (nopPublisher) PublishJSON(string, any) error { return nil }

func newClient() *queue.Client {
	return queue.NewClient(queue.NewMemoryBackend(), nopPublisher{}, queue.Options{JobSubject: "jobs"}, nil)
}

func fourStageChain(t *testing.T, c *queue.Client) *queue.Handle {
	t.Helper()
	h, err := c.Chain(context.Background(), []queue.Spec{
		{Task: "check_health", Immutable: true},
		{Task: "get_question_dataset", Immutable: true},
		{Task: "evaluation_pipeline"},
		{Task: "record_result"},
	})
	require.NoError(t, err)
	return h
}

func headOf(t *testing.T, ctx context.Context, h *queue.Handle) *queue.Handle {
	t.Helper()
	for {
		prev, err := h.Predecessor(ctx)
		require.NoError(t, err)
		if prev == nil {
			return h
		}
		h = prev
	}
}

func TestResolveWalksTailToHead(t *testing.T) {
	ctx := context.Background()
	c := newClient()
	terminal := fourStageChain(t, c)

	ids := NewResolver(c, nil).Resolve(ctx, terminal)

	require.Len(t, ids, 4)
	assert.Equal(t, terminal.ID(), ids[0])
	assert.Equal(t, headOf(t, ctx, terminal).ID(), ids[3])
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newClient()
	terminal := fourStageChain(t, c)
	r := NewResolver(c, nil)

	assert.Equal(t, r.Resolve(ctx, terminal), r.Resolve(ctx, terminal))
}

func TestResolveCollectsFanOutIDsFromHeadResult(t *testing.T) {
	ctx := context.Background()
	c := newClient()
	terminal := fourStageChain(t, c)
	head := headOf(t, ctx, terminal)

	fanA, fanB, fanC := uuid.NewString(), uuid.NewString(), uuid.NewString()
	_, err := c.Backend().Update(ctx, head.ID(), func(r *queue.Record) error {
		queue.MarkSucceeded(r, schema.CompositePayload(
			schema.IDPayload(fanA),
			schema.TextPayload("not an id"),
			schema.CompositePayload(schema.IDsPayload(fanB, fanC, "bogus", fanA)),
		))
		return nil
	})
	require.NoError(t, err)

	ids := NewResolver(c, nil).Resolve(ctx, terminal)

	require.Len(t, ids, 7)
	assert.Equal(t, []string{fanA, fanB, fanC}, ids[4:])
}

func TestResolveStopsAtBrokenPredecessor(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	c := queue.NewClient(backend, nopPublisher{}, queue.Options{JobSubject: "jobs"}, nil)

	tail := queue.NewRecord("record_result", "tail", "missing-parent")
	require.NoError(t, backend.Store(ctx, tail))

	ids := NewResolver(c, nil).Resolve(ctx, c.Handle("tail"))
	assert.Equal(t, []string{"tail", "missing-parent"}, ids)
}

func TestResolveEntriesSkipsEntriesWithoutChainResult(t *testing.T) {
	ctx := context.Background()
	c := newClient()
	first := fourStageChain(t, c)
	second := fourStageChain(t, c)

	out := NewResolver(c, nil).ResolveEntries(ctx, []schema.TopicEntry{
		{Topic: "math", ChainResult: first.ID()},
		{Topic: "law", Status: "error", Error: "setup failed"},
		{Topic: "history", ChainResult: second.ID()},
	})

	require.Len(t, out, 2)
	assert.Equal(t, first.ID(), out[0][0])
	assert.Equal(t, second.ID(), out[1][0])
}
