package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-evaluator/internal/chain"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/internal/store/storetest"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

type nopPublisher struct{}

func (nopPublisher) PublishJSON(string, any) error { return nil }

type fixture struct {
	client *queue.Client
	store  *store.ChainStore
	agg    *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := storetest.Logger()
	c := queue.NewClient(queue.NewMemoryBackend(), nopPublisher{}, queue.Options{JobSubject: "jobs"}, logger)
	s := store.NewChainStore(storetest.DB(t), logger)
	return &fixture{
		client: c,
		store:  s,
		agg:    New(c, chain.NewResolver(c, logger), s, Options{Concurrency: 4}, logger),
	}
}

// chain schedules a four stage chain and returns its job ids head first.
func (f *fixture) chain(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	h, err := f.client.Chain(ctx, []queue.Spec{
		{Task: "check_health"},
		{Task: "get_question_dataset"},
		{Task: "evaluation_pipeline"},
		{Task: "record_result"},
	})
	require.NoError(t, err)
	var ids []string
	for h != nil {
		ids = append([]string{h.ID()}, ids...)
		h, err = h.Predecessor(ctx)
		require.NoError(t, err)
	}
	return ids
}

func (f *fixture) root(t *testing.T, id string, entries ...schema.TopicEntry) {
	t.Helper()
	rec := queue.NewRecord("start_evaluation_tasks", id, "")
	queue.MarkSucceeded(rec, schema.TopicsPayload(entries))
	require.NoError(t, f.client.Backend().Store(context.Background(), rec))
}

func (f *fixture) update(t *testing.T, id string, fn func(*queue.Record)) {
	t.Helper()
	_, err := f.client.Backend().Update(context.Background(), id, func(r *queue.Record) error {
		fn(r)
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) succeed(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		f.update(t, id, func(r *queue.Record) { queue.MarkSucceeded(r, schema.Payload{}) })
	}
}

func TestAggregateTopicHalfDone(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t)
	f.succeed(t, ids[0], ids[1])

	tp := f.agg.AggregateTopic(context.Background(), schema.TopicEntry{Topic: "math", ChainResult: ids[3]}, false, "root")

	assert.Equal(t, 2, tp.CompletedTasks)
	assert.Equal(t, 4, tp.TotalTasks)
	assert.InDelta(t, 50, tp.Progress, 0.001)
	assert.Equal(t, schema.StateSuccess, tp.State)
	require.Len(t, tp.Tasks, 4)
	for i, task := range tp.Tasks {
		assert.Equal(t, ids[i], task.ID)
		assert.Equal(t, DefaultStageNames[i], task.StageName)
	}
	assert.Equal(t, "Completed", tp.Tasks[0].Description)
	assert.Equal(t, "Waiting", tp.Tasks[2].Description)

	row, err := f.store.Get(context.Background(), "root")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, row.Members())
}

func TestStageNamesWrapAroundShortList(t *testing.T) {
	f := newFixture(t)
	f.agg = New(f.client, chain.NewResolver(f.client, storetest.Logger()), f.store, Options{StageNames: []string{"Prepare", "Run"}}, storetest.Logger())
	ids := f.chain(t)
	f.succeed(t, ids[0])

	tp := f.agg.AggregateTopic(context.Background(), schema.TopicEntry{Topic: "math", ChainResult: ids[3]}, false, "root")

	require.Len(t, tp.Tasks, 4)
	var names []string
	for _, task := range tp.Tasks {
		names = append(names, task.StageName)
	}
	assert.Equal(t, []string{"Prepare", "Run", "Prepare", "Run"}, names)
	// only the head has run, yet the topic reports its state
	assert.Equal(t, schema.StateSuccess, tp.State)
	assert.Equal(t, 1, tp.CompletedTasks)
}

func TestAggregateBatchSumsTopics(t *testing.T) {
	f := newFixture(t)
	done := f.chain(t)
	half := f.chain(t)
	f.succeed(t, done...)
	f.succeed(t, half[0], half[1])
	f.root(t, "root",
		schema.TopicEntry{Topic: "math", ChainResult: done[3]},
		schema.TopicEntry{Topic: "law", ChainResult: half[3]},
	)

	bp := f.agg.AggregateBatch(context.Background(), "root", false)

	assert.Equal(t, schema.BatchStateProgress, bp.State)
	assert.Equal(t, 6, bp.CompletedTasks)
	assert.Equal(t, 8, bp.TotalTasks)
	assert.Equal(t, 2, bp.TotalTopics)
	assert.InDelta(t, 75, bp.Progress, 0.001)
	require.Len(t, bp.Topics, 2)
	assert.Equal(t, "math", bp.Topics[0].Topic)
	assert.Equal(t, "law", bp.Topics[1].Topic)
}

func TestAggregateBatchSuccessWhenEverythingDone(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t)
	f.succeed(t, ids...)
	f.root(t, "root",
		schema.TopicEntry{Topic: "math", ChainResult: ids[3]},
		schema.TopicEntry{Topic: "law", Status: "error", Error: "dataset missing"},
	)

	bp := f.agg.AggregateBatch(context.Background(), "root", false)

	assert.Equal(t, schema.BatchStateSuccess, bp.State)
	assert.Equal(t, 2, bp.TotalTopics)
	assert.Equal(t, schema.StatePending, bp.Topics[1].State)
	assert.Empty(t, bp.Topics[1].Tasks)
}

func TestInspectJobStates(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t)
	ctx := context.Background()

	f.update(t, ids[0], func(r *queue.Record) { queue.MarkFailed(r, nil) })
	f.update(t, ids[1], func(r *queue.Record) { queue.MarkFailed(r, errors.New("judge timed out")) })
	f.update(t, ids[2], func(r *queue.Record) {
		queue.MarkProgress(r, schema.ProgressMeta{Progress: 40, Description: "Processing questions 2/5"})
	})
	f.update(t, ids[3], func(r *queue.Record) { queue.MarkStarted(r) })

	tests := []struct {
		id          string
		state       schema.JobState
		progress    float64
		description string
		err         string
	}{
		{ids[0], schema.StateFailure, 0, "Failed", "Unknown error"},
		{ids[1], schema.StateFailure, 0, "Failed", "judge timed out"},
		{ids[2], schema.StateProgress, 40, "Processing questions 2/5", ""},
		{ids[3], schema.StateStarted, 0, "Started", ""},
	}
	for _, tt := range tests {
		snap := f.agg.InspectJob(ctx, f.client.Handle(tt.id), "stage", false)
		assert.Equal(t, tt.state, snap.State, tt.id)
		assert.InDelta(t, tt.progress, snap.Progress, 0.001, tt.id)
		assert.Equal(t, tt.description, snap.Description, tt.id)
		assert.Equal(t, tt.err, snap.Error, tt.id)
	}
}

func TestInspectUnknownJob(t *testing.T) {
	f := newFixture(t)
	snap := f.agg.InspectJob(context.Background(), f.client.Handle("ghost"), "stage", false)
	assert.Equal(t, "Processing Error", snap.Description)
	assert.NotEmpty(t, snap.Error)
}

func TestTerminateRevokesUnfinishedJobs(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t)
	f.succeed(t, ids[0])
	f.root(t, "root", schema.TopicEntry{Topic: "math", ChainResult: ids[3]})
	ctx := context.Background()

	bp := f.agg.Terminate(ctx, "root")

	require.Len(t, bp.Topics, 1)
	for _, task := range bp.Topics[0].Tasks {
		assert.Equal(t, schema.StateTerminated, task.State)
	}
	state, err := f.client.Handle(ids[0]).State(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.StateSuccess, state)
	for _, id := range ids[1:] {
		state, err := f.client.Handle(id).State(ctx)
		require.NoError(t, err)
		assert.Equal(t, schema.StateTerminated, state, id)
	}
}

func TestAggregateBatchMissingRoot(t *testing.T) {
	f := newFixture(t)
	bp := f.agg.AggregateBatch(context.Background(), "ghost", false)

	assert.Equal(t, schema.BatchStateFailed, bp.State)
	assert.NotEmpty(t, bp.Error)
	assert.Empty(t, bp.Topics)
	assert.Zero(t, bp.TotalTasks)
	assert.Zero(t, bp.CompletedTasks)
}

func TestAggregateBatchRecordsEvaluationResultIDs(t *testing.T) {
	tests := []struct {
		name string
		id   any
		want string
	}{
		{"small", uint(42), "42"},
		{"seven digits", uint(1234567), "1234567"},
		{"large", uint(98765432101), "98765432101"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ids := f.chain(t)
			f.succeed(t, ids[:3]...)
			f.update(t, ids[3], func(r *queue.Record) {
				queue.MarkSucceeded(r, schema.MapPayload(map[string]any{ResultKey: tt.id}))
			})
			f.root(t, "root", schema.TopicEntry{Topic: "math", ChainResult: ids[3]})
			ctx := context.Background()

			bp := f.agg.AggregateBatch(ctx, "root", false)
			require.Equal(t, schema.BatchStateSuccess, bp.State)

			got, err := f.store.EvaluationResultIDs(ctx, "root")
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, got)
		})
	}
}

func TestTerminateKeepsEvaluationResultIDs(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t)
	f.succeed(t, ids[:3]...)
	f.update(t, ids[3], func(r *queue.Record) {
		queue.MarkSucceeded(r, schema.MapPayload(map[string]any{ResultKey: uint(2000001)}))
	})
	f.root(t, "root", schema.TopicEntry{Topic: "math", ChainResult: ids[3]})
	ctx := context.Background()

	bp := f.agg.Terminate(ctx, "root")
	require.Len(t, bp.Topics, 1)
	for _, task := range bp.Topics[0].Tasks {
		assert.Equal(t, schema.StateTerminated, task.State)
	}

	got, err := f.store.EvaluationResultIDs(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"2000001"}, got)
}

func TestStreamStopsWhenBatchSucceeds(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t)
	f.succeed(t, ids...)
	f.root(t, "root", schema.TopicEntry{Topic: "math", ChainResult: ids[3]})

	var emitted []schema.BatchProgress
	err := f.agg.Stream(context.Background(), "root", time.Millisecond, func(bp schema.BatchProgress) error {
		emitted = append(emitted, bp)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, schema.BatchStateSuccess, emitted[0].State)
}

func TestStreamStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Backend().Store(context.Background(), queue.NewRecord("start_evaluation_tasks", "root", "")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	count := 0
	err := f.agg.Stream(ctx, "root", 5*time.Millisecond, func(bp schema.BatchProgress) error {
		count++
		assert.Equal(t, schema.BatchStateProgress, bp.State)
		return nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, count, 1)
}

func TestStreamStopsWhenEmitFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Backend().Store(context.Background(), queue.NewRecord("start_evaluation_tasks", "root", "")))

	err := f.agg.Stream(context.Background(), "root", time.Millisecond, func(schema.BatchProgress) error {
		return ErrStreamDone
	})
	assert.NoError(t, err)
}
