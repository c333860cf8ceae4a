// internal/evaluation/stages.go
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-evaluator/internal/aggregate"
	"github.com/tendant/simple-evaluator/internal/chain"
	"github.com/tendant/simple-evaluator/internal/progress"
	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/internal/worker"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

const (
	TaskStartBatch   = "start_evaluation_tasks"
	TaskCheckHealth  = "check_health"
	TaskGetDataset   = "get_question_dataset"
	TaskEvaluate     = "evaluation_pipeline"
	TaskRecordResult = "record_result"
)

const (
	papersKey    = "test_papers"
	verdictsKey  = "evaluation_response_list"
	waitHumanKey = "wait_for_human"
	healthKey    = "health_endpoint"
)

// HealthChecker probes a model provider before a paper starts.
type HealthChecker interface {
	Healthy(ctx context.Context, endpoint string) (bool, error)
}

type Config struct {
	HealthEndpoint    string
	EvaluationTimeout time.Duration
}

type Dependencies struct {
	Questions *store.Repository[store.Question]
	Results   *store.Repository[store.EvaluationResult]
	Responses *store.Repository[store.ResponseRecord]
	Chains    aggregate.ChainStore
	Resolver  *chain.Resolver
	Model     ModelClient
	Judge     Judge
	Health    HealthChecker
}

// Stages implements the tasks of an evaluation batch.
type Stages struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
}

func NewStages(deps Dependencies, cfg Config, logger *slog.Logger) *Stages {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = time.Hour
	}
	return &Stages{deps: deps, cfg: cfg, logger: logger.With("component", "evaluation")}
}

func (s *Stages) Register(reg *worker.Registry) {
	reg.Register(TaskStartBatch, s.StartBatch)
	reg.Register(TaskCheckHealth, s.CheckHealth)
	reg.Register(TaskGetDataset, s.GetDataset)
	reg.Register(TaskEvaluate, s.Evaluate, worker.WithTimeout(s.cfg.EvaluationTimeout))
	reg.Register(TaskRecordResult, s.RecordResult)
}

// BatchArgs builds the root job arguments for a list of papers.
func BatchArgs(papers []TestPaper) (schema.Payload, error) {
	list := make([]any, 0, len(papers))
	for _, p := range papers {
		fields, err := toFields(p)
		if err != nil {
			return schema.Payload{}, err
		}
		list = append(list, fields)
	}
	return schema.MapPayload(map[string]any{papersKey: list}), nil
}

// SubmitBatch schedules the root job of a batch and returns its handle. The
// handle id is the batch id every progress query uses.
func SubmitBatch(ctx context.Context, q *queue.Client, papers []TestPaper) (*queue.Handle, error) {
	if len(papers) == 0 {
		return nil, fmt.Errorf("no test papers")
	}
	args, err := BatchArgs(papers)
	if err != nil {
		return nil, err
	}
	return q.Submit(ctx, queue.Spec{Task: TaskStartBatch, Args: args})
}

// StartBatch creates a result row and a four stage chain per paper. A paper
// that cannot be set up is reported as an error entry and its result row is
// soft-deleted.
func (s *Stages) StartBatch(ctx context.Context, tc *worker.TaskContext, args schema.Payload) (schema.Payload, error) {
	raw, _ := args.Field(papersKey)
	var papers []TestPaper
	if err := fromFields(raw, &papers); err != nil {
		return schema.Payload{}, worker.Permanent(fmt.Sprintf("invalid test papers: %v", err))
	}
	tc.Logger.Info("starting evaluation batch", "papers", len(papers))

	entries := make([]schema.TopicEntry, 0, len(papers))
	for _, paper := range papers {
		paper.ResultID = 0
		entry, err := s.startPaper(ctx, tc, &paper)
		if err != nil {
			tc.Logger.Error("evaluation setup failed", "model_id", paper.ModelID, "err", err)
			if paper.ResultID != 0 {
				s.deps.Results.SoftDelete(ctx, paper.ResultID)
			}
			entries = append(entries, schema.TopicEntry{
				Topic:   paper.TopicLabel(),
				ModelID: paper.ModelID,
				Status:  "error",
				Error:   err.Error(),
			})
			continue
		}
		entries = append(entries, entry)
	}
	return schema.TopicsPayload(entries), nil
}

func (s *Stages) startPaper(ctx context.Context, tc *worker.TaskContext, paper *TestPaper) (schema.TopicEntry, error) {
	if err := paper.Validate(); err != nil {
		return schema.TopicEntry{}, err
	}
	result := &store.EvaluationResult{
		ModelID:           paper.ModelID,
		UserID:            paper.UserID,
		QuestionVersionID: paper.Version,
		EvaluationType:    paper.EvaluationType,
	}
	if !s.deps.Results.Add(ctx, result) {
		return schema.TopicEntry{}, fmt.Errorf("create evaluation result for %s", paper.ModelID)
	}
	paper.ResultID = result.ID

	health := paper.HealthEndpoint
	if health == "" {
		health = s.cfg.HealthEndpoint
	}
	paperFields, err := toFields(paper)
	if err != nil {
		return schema.TopicEntry{}, err
	}
	terminal, err := tc.Queue().Chain(ctx, []queue.Spec{
		{Task: TaskCheckHealth, Args: schema.MapPayload(map[string]any{healthKey: health}), Immutable: true},
		{Task: TaskGetDataset, Args: schema.MapPayload(paperFields), Immutable: true},
		{Task: TaskEvaluate},
		{Task: TaskRecordResult},
	})
	if err != nil {
		return schema.TopicEntry{}, err
	}

	// membership is recorded now so the chain can be paused before anyone polls
	if ids := s.deps.Resolver.Resolve(ctx, terminal); len(ids) > 0 {
		if err := s.deps.Chains.SaveChain(ctx, tc.JobID, ids); err != nil {
			tc.Logger.Warn("save chain failed", "terminal", terminal.ID(), "err", err)
		}
	}
	tc.Logger.Info("evaluation chain scheduled", "model_id", paper.ModelID, "result_id", paper.ResultID, "terminal", terminal.ID())
	return schema.TopicEntry{
		Topic:       paper.TopicLabel(),
		ModelID:     paper.ModelID,
		ResultID:    paper.ResultID,
		ChainResult: terminal.ID(),
		Status:      "scheduled",
	}, nil
}

// CheckHealth probes the health endpoint. An unhealthy provider is logged,
// not fatal.
func (s *Stages) CheckHealth(ctx context.Context, tc *worker.TaskContext, args schema.Payload) (schema.Payload, error) {
	endpoint, _ := args.Field(healthKey)
	out, err := tc.Run(ctx, "Checking health for API", progress.Fields{healthKey: endpoint}, func(ctx context.Context, v progress.View) (progress.Fields, error) {
		ep, _ := v.Get(healthKey).(string)
		if ep == "" || s.deps.Health == nil {
			return progress.Fields{"healthy": true}, nil
		}
		tc.Logger.Info("checking API health", "endpoint", ep)
		ok, err := s.deps.Health.Healthy(ctx, ep)
		if err != nil {
			tc.Logger.Error("API health check error", "endpoint", ep, "err", err)
		}
		if !ok {
			tc.Logger.Error("API health check failed", "endpoint", ep)
		}
		return progress.Fields{"healthy": ok}, nil
	})
	if err != nil {
		return schema.Payload{}, err
	}
	return schema.MapPayload(out), nil
}

// GetDataset attaches the paper's questions under "data".
func (s *Stages) GetDataset(ctx context.Context, tc *worker.TaskContext, args schema.Payload) (schema.Payload, error) {
	out, err := tc.Run(ctx, TaskGetDataset, progress.Fields(args.Fields), func(ctx context.Context, v progress.View) (progress.Fields, error) {
		fields := v.Fields()
		var paper TestPaper
		if err := fromFields(fields, &paper); err != nil {
			return nil, worker.Permanent(fmt.Sprintf("invalid test paper: %v", err))
		}
		questions, ok := s.deps.Questions.Where(ctx, "question_category = ? AND question_version_id = ?", paper.EvaluationType, paper.Version)
		if !ok {
			return nil, fmt.Errorf("load questions for %s v%d", paper.EvaluationType, paper.Version)
		}
		if len(questions) == 0 {
			return nil, worker.Permanent(fmt.Sprintf("no questions found for %s version %d", paper.EvaluationType, paper.Version))
		}
		if paper.ResultID != 0 {
			s.deps.Results.Update(ctx, &store.EvaluationResult{ID: paper.ResultID, QuestionVersionID: paper.Version})
		}
		data := make([]any, 0, len(questions))
		for _, q := range questions {
			item, err := toFields(itemFromQuestion(q))
			if err != nil {
				return nil, err
			}
			data = append(data, item)
		}
		fields[progress.DataKey] = data
		tc.Logger.Info("question dataset loaded", "evaluation_type", paper.EvaluationType, "version", paper.Version, "questions", len(data))
		return fields, nil
	})
	if err != nil {
		return schema.Payload{}, err
	}
	return schema.MapPayload(out), nil
}

// Evaluate asks the examinee every question and grades each answer.
func (s *Stages) Evaluate(ctx context.Context, tc *worker.TaskContext, args schema.Payload) (schema.Payload, error) {
	var paper TestPaper
	if err := fromFields(args.Fields, &paper); err != nil {
		return schema.Payload{}, worker.Permanent(fmt.Sprintf("invalid test paper: %v", err))
	}
	tc.Logger.Info("processing evaluation", "model_id", paper.ModelID)

	out, err := tc.Run(ctx, TaskEvaluate, progress.Fields(args.Fields), func(ctx context.Context, v progress.View) (progress.Fields, error) {
		raw, ok := v.Item()
		if !ok {
			return nil, worker.Permanent("evaluation input has no questions")
		}
		var item QuestionItem
		if err := fromFields(raw, &item); err != nil {
			return nil, worker.Permanent(fmt.Sprintf("invalid question: %v", err))
		}
		verdict, err := s.evaluateQuestion(ctx, tc, paper, item)
		if err != nil {
			return nil, err
		}
		return progress.Fields{verdictsKey: []any{string(verdict)}}, nil
	})
	if err != nil {
		return schema.Payload{}, err
	}
	out[waitHumanKey] = false
	tc.Logger.Info("finished evaluation", "model_id", paper.ModelID)
	return schema.MapPayload(out), nil
}

func (s *Stages) evaluateQuestion(ctx context.Context, tc *worker.TaskContext, paper TestPaper, item QuestionItem) (Verdict, error) {
	record := &store.ResponseRecord{ResultID: paper.ResultID, QuestionID: item.QuestionID}
	if !s.deps.Responses.Add(ctx, record) {
		return VerdictUnknown, fmt.Errorf("create response record for question %d", item.QuestionID)
	}

	answer, err := s.deps.Model.Answer(ctx, paper.ModelEndpoint, BuildPrompt(item))
	if err != nil {
		return VerdictUnknown, err
	}

	grader, err := GetGrader(item.GroundtruthType, s.deps.Judge)
	if err != nil {
		tc.Logger.Warn("unsupported groundtruth type, falling back to judge", "groundtruth_type", item.GroundtruthType, "err", err)
		grader = &JudgeGrader{judge: s.deps.Judge}
	}
	verdict, err := grader.Grade(ctx, item, answer)
	if err != nil {
		// an ungradable answer counts as incorrect
		tc.Logger.Error("grading failed", "question_id", item.QuestionID, "grader", grader.Name(), "err", err)
	}
	tc.Logger.Debug("graded", "question_id", item.QuestionID, "response", answer, "answer", item.GroundtruthContent, "verdict", verdict)

	record.ModelResponse = answer
	record.Verdict = string(verdict)
	record.Status = store.StatusActive
	s.deps.Responses.Update(ctx, record)
	return verdict, nil
}

// RecordResult scores the paper and returns the result row id.
func (s *Stages) RecordResult(ctx context.Context, tc *worker.TaskContext, args schema.Payload) (schema.Payload, error) {
	var in struct {
		TestPaper
		Verdicts  []string `json:"evaluation_response_list"`
		WaitHuman bool     `json:"wait_for_human"`
	}
	if err := fromFields(args.Fields, &in); err != nil {
		return schema.Payload{}, worker.Permanent(fmt.Sprintf("invalid evaluation result: %v", err))
	}
	if in.ResultID == 0 {
		return schema.Payload{}, worker.Permanent("evaluation result has no result_id")
	}

	score := ComputeScore(in.Verdicts)
	status := store.StatusActive
	if in.WaitHuman {
		status = store.StatusWaitingHuman
	}
	update := &store.EvaluationResult{ID: in.ResultID, ResultScore: score, Status: status}
	if row, ok := s.deps.Results.Get(ctx, in.ResultID); ok {
		update.Duration = int64(time.Since(row.CreatedAt).Seconds())
	}
	if !s.deps.Results.Update(ctx, update) {
		return schema.Payload{}, fmt.Errorf("update evaluation result %d", in.ResultID)
	}
	tc.Logger.Info("final score", "result_id", in.ResultID, "score", score, "status", status)
	return schema.MapPayload(map[string]any{aggregate.ResultKey: in.ResultID}), nil
}
