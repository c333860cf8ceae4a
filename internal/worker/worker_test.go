package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-evaluator/internal/progress"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

const jobSubject = "evaluator.jobs"

// loopback captures dispatched envelopes so a test can feed them back to the
// worker one at a time.
type loopback struct {
	mu        sync.Mutex
	envelopes []queue.Envelope
	events    []schema.StageLifecycleEvent
}

func (l *loopback) PublishJSON(subject string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case subject == jobSubject:
		var env queue.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		l.envelopes = append(l.envelopes, env)
	case strings.HasSuffix(subject, ".lifecycle"):
		var ev schema.StageLifecycleEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		l.events = append(l.events, ev)
	}
	return nil
}

func (l *loopback) pop() (queue.Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.envelopes) == 0 {
		return queue.Envelope{}, false
	}
	env := l.envelopes[0]
	l.envelopes = l.envelopes[1:]
	return env, true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	pub    *loopback
	client *queue.Client
	reg    *Registry
	worker *Worker
}

func newHarness(opts Options) *harness {
	pub := &loopback{}
	client := queue.NewClient(queue.NewMemoryBackend(), pub, queue.Options{JobSubject: jobSubject}, quietLogger())
	reg := NewRegistry()
	if opts.EventSubject == "" {
		opts.EventSubject = "evaluator.events"
	}
	return &harness{pub: pub, client: client, reg: reg, worker: New(client, reg, pub, opts, quietLogger())}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		env, ok := h.pub.pop()
		if !ok {
			return
		}
		_ = h.worker.Handle(context.Background(), env)
	}
}

func (h *harness) state(t *testing.T, id string) schema.JobState {
	t.Helper()
	s, err := h.client.Handle(id).State(context.Background())
	require.NoError(t, err)
	return s
}

func chainIDs(t *testing.T, terminal *queue.Handle) []string {
	t.Helper()
	var ids []string
	for h := terminal; h != nil; {
		ids = append([]string{h.ID()}, ids...)
		var err error
		h, err = h.Predecessor(context.Background())
		require.NoError(t, err)
	}
	return ids
}

func TestChainRunsInOrderAndPassesResults(t *testing.T) {
	h := newHarness(Options{})
	var order []string
	h.reg.Register("first", func(_ context.Context, tc *TaskContext, args schema.Payload) (schema.Payload, error) {
		order = append(order, tc.Task)
		return schema.TextPayload(args.Text + "+first"), nil
	})
	h.reg.Register("second", func(_ context.Context, tc *TaskContext, args schema.Payload) (schema.Payload, error) {
		order = append(order, tc.Task)
		return schema.TextPayload(args.Text + "+second"), nil
	})
	h.reg.Register("fixed", func(_ context.Context, tc *TaskContext, args schema.Payload) (schema.Payload, error) {
		order = append(order, tc.Task)
		return args, nil
	})

	terminal, err := h.client.Chain(context.Background(), []queue.Spec{
		{Task: "first", Args: schema.TextPayload("start")},
		{Task: "second"},
		{Task: "fixed", Args: schema.TextPayload("own args"), Immutable: true},
	})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, []string{"first", "second", "fixed"}, order)
	ids := chainIDs(t, terminal)
	for _, id := range ids {
		assert.Equal(t, schema.StateSuccess, h.state(t, id))
	}
	second, err := h.client.Handle(ids[1]).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "start+first+second", second.Text)
	last, err := terminal.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "own args", last.Text)

	var states []schema.JobState
	for _, ev := range h.pub.events {
		states = append(states, ev.State)
	}
	assert.Equal(t, []schema.JobState{
		schema.StateStarted, schema.StateSuccess,
		schema.StateStarted, schema.StateSuccess,
		schema.StateStarted, schema.StateSuccess,
	}, states)
}

func TestFailureFailsRemainingLinks(t *testing.T) {
	h := newHarness(Options{})
	h.reg.Register("ok", func(context.Context, *TaskContext, schema.Payload) (schema.Payload, error) {
		return schema.Payload{}, nil
	})
	h.reg.Register("broken", func(context.Context, *TaskContext, schema.Payload) (schema.Payload, error) {
		return schema.Payload{}, Permanent("dataset is empty")
	})

	terminal, err := h.client.Chain(context.Background(), []queue.Spec{{Task: "ok"}, {Task: "broken"}, {Task: "ok"}, {Task: "ok"}})
	require.NoError(t, err)
	h.drain(t)

	ids := chainIDs(t, terminal)
	assert.Equal(t, schema.StateSuccess, h.state(t, ids[0]))
	assert.Equal(t, schema.StateFailure, h.state(t, ids[1]))
	assert.Equal(t, schema.StateFailure, h.state(t, ids[2]))
	assert.Equal(t, schema.StateFailure, h.state(t, ids[3]))

	res, err := h.client.Handle(ids[1]).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dataset is empty", res.Text)

	last := h.pub.events[len(h.pub.events)-1]
	assert.Equal(t, schema.StateFailure, last.State)
	assert.Equal(t, schema.FailureTypePermanent, last.FailureType)
}

func TestUnknownTaskFails(t *testing.T) {
	h := newHarness(Options{})
	handle, err := h.client.Submit(context.Background(), queue.Spec{Task: "nope"})
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, schema.StateFailure, h.state(t, handle.ID()))
}

func TestRevokedPendingJobIsSkipped(t *testing.T) {
	h := newHarness(Options{})
	ran := false
	h.reg.Register("task", func(context.Context, *TaskContext, schema.Payload) (schema.Payload, error) {
		ran = true
		return schema.Payload{}, nil
	})
	terminal, err := h.client.Chain(context.Background(), []queue.Spec{{Task: "task"}, {Task: "task"}})
	require.NoError(t, err)
	ids := chainIDs(t, terminal)
	require.NoError(t, h.client.Revoke(context.Background(), ids[0]))

	h.drain(t)

	assert.False(t, ran)
	assert.Equal(t, schema.StateTerminated, h.state(t, ids[0]))
	assert.Equal(t, schema.StateTerminated, h.state(t, ids[1]))
}

func TestRevokeCancelsRunningJob(t *testing.T) {
	h := newHarness(Options{})
	started := make(chan struct{})
	h.reg.Register("slow", func(ctx context.Context, _ *TaskContext, _ schema.Payload) (schema.Payload, error) {
		close(started)
		<-ctx.Done()
		return schema.Payload{}, ctx.Err()
	})
	handle, err := h.client.Submit(context.Background(), queue.Spec{Task: "slow"})
	require.NoError(t, err)
	env, ok := h.pub.pop()
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- h.worker.Handle(context.Background(), env) }()
	<-started

	raw, err := json.Marshal(queue.RevokeRequest{JobID: handle.ID()})
	require.NoError(t, err)
	h.worker.HandleRevoke(context.Background(), raw)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrRevoked)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cancelled")
	}
	assert.Equal(t, schema.StateTerminated, h.state(t, handle.ID()))
}

func TestTimeoutMarksFailure(t *testing.T) {
	h := newHarness(Options{})
	h.reg.Register("stuck", func(ctx context.Context, _ *TaskContext, _ schema.Payload) (schema.Payload, error) {
		<-ctx.Done()
		return schema.Payload{}, errors.New("judge call aborted")
	}, WithTimeout(10*time.Millisecond))

	handle, err := h.client.Submit(context.Background(), queue.Spec{Task: "stuck"})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, schema.StateFailure, h.state(t, handle.ID()))
	last := h.pub.events[len(h.pub.events)-1]
	assert.Equal(t, schema.FailureTypeTimeout, last.FailureType)
}

func TestTaskContextReportsProgress(t *testing.T) {
	h := newHarness(Options{})
	var seen []schema.ProgressMeta
	h.reg.Register("items", func(ctx context.Context, tc *TaskContext, _ schema.Payload) (schema.Payload, error) {
		_, err := tc.Run(ctx, "questions", progress.Fields{"data": []any{1, 2}}, func(ctx context.Context, _ progress.View) (progress.Fields, error) {
			return progress.Fields{}, nil
		})
		info, _ := h.client.Handle(tc.JobID).Info(ctx)
		if info != nil {
			seen = append(seen, *info)
		}
		return schema.Payload{}, err
	})
	handle, err := h.client.Submit(context.Background(), queue.Spec{Task: "items"})
	require.NoError(t, err)
	h.drain(t)

	require.Len(t, seen, 1)
	assert.Equal(t, "Processing questions 2/2", seen[0].Description)
	assert.Equal(t, handle.ID(), seen[0].ChainID)
	assert.Equal(t, schema.StateSuccess, h.state(t, handle.ID()))
}

func TestHandleMessageRespectsConcurrency(t *testing.T) {
	h := newHarness(Options{Concurrency: 2})
	var mu sync.Mutex
	active, peak := 0, 0
	h.reg.Register("work", func(context.Context, *TaskContext, schema.Payload) (schema.Payload, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return schema.Payload{}, nil
	})
	for range 6 {
		_, err := h.client.Submit(context.Background(), queue.Spec{Task: "work"})
		require.NoError(t, err)
	}
	for {
		env, ok := h.pub.pop()
		if !ok {
			break
		}
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		h.worker.HandleMessage(context.Background(), raw)
	}
	h.worker.Wait()
	assert.LessOrEqual(t, peak, 2)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want schema.FailureType
	}{
		{nil, ""},
		{Permanent("bad"), schema.FailureTypePermanent},
		{queue.ErrRevoked, schema.FailureTypeRevoked},
		{context.DeadlineExceeded, schema.FailureTypeTimeout},
		{errors.New("dial tcp: connection refused"), schema.FailureTypeRetryable},
		{errors.New("question version not found"), schema.FailureTypePermanent},
		{errors.New("something odd"), schema.FailureTypeRetryable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyError(tt.err), "%v", tt.err)
	}
}
