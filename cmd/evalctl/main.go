// cmd/evalctl/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-evaluator/internal/app"
	"github.com/tendant/simple-evaluator/internal/config"
	"github.com/tendant/simple-evaluator/internal/evaluation"
	"github.com/tendant/simple-evaluator/internal/store"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

const usage = `usage: evalctl <command> [flags]

commands:
  seed -file questions.yaml [-limit N] [-execute]   load a question dataset
  submit -file papers.yaml [-execute]               schedule an evaluation batch
  progress <batch-id>                               print batch progress
  watch <batch-id>                                  print progress until the batch ends
  results <batch-id>                                print evaluation result ids
  terminate <batch-id>                              revoke every job of a batch
  pause <job-id>                                    pause the chain of a job
  resume <job-id>                                   resume the chain of a job
`

type paperFile struct {
	TestPapers []evaluation.TestPaper `yaml:"test_papers"`
}

type questionFile struct {
	Questions []struct {
		Version            uint   `yaml:"version"`
		Category           string `yaml:"category"`
		Content            string `yaml:"content"`
		GroundtruthContent string `yaml:"groundtruth_content"`
		GroundtruthType    string `yaml:"groundtruth_type"`
		GroundtruthSet     string `yaml:"groundtruth_set"`
	} `yaml:"questions"`
}

type options struct {
	File   string
	Limit  int
	DryRun bool
	Args   []string
}

func main() {
	cfg, err := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fatal(logger, "load config", err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	opts, err := parseOptions(cmd, os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx := context.Background()
	switch cmd {
	case "seed":
		questions, err := loadQuestions(opts.File, opts.Limit)
		if err != nil {
			fatal(logger, "load questions", err, "file", opts.File)
		}
		if opts.DryRun {
			logger.Info("dry run, nothing written", "questions", len(questions))
			return
		}
		db, err := store.Open(cfg.DatabaseType, cfg.DatabaseURL, logger)
		if err != nil {
			fatal(logger, "open database", err)
		}
		repo := store.NewRepository[store.Question](db, logger)
		inserted := 0
		for i := range questions {
			if repo.Add(ctx, &questions[i]) {
				inserted++
			}
		}
		logger.Info("seed complete", "found", len(questions), "inserted", inserted, "failed", len(questions)-inserted)
		return
	case "submit":
		papers, err := loadPapers(opts.File)
		if err != nil {
			fatal(logger, "load papers", err, "file", opts.File)
		}
		for _, p := range papers {
			if err := p.Validate(); err != nil {
				fatal(logger, "invalid paper", err, "model_id", p.ModelID)
			}
			logger.Info("paper", "model_id", p.ModelID, "evaluation_type", p.EvaluationType, "version", p.Version)
		}
		if opts.DryRun {
			logger.Info("dry run, nothing submitted", "papers", len(papers))
			return
		}
	}

	rt, err := app.Open(ctx, cfg, "evalctl", logger)
	if err != nil {
		fatal(logger, "open runtime", err)
	}
	defer rt.Close()

	var out any
	switch cmd {
	case "submit":
		papers, _ := loadPapers(opts.File)
		id, err := rt.SubmitBatch(ctx, papers)
		if err != nil {
			fatal(logger, "submit batch", err)
		}
		out = map[string]any{"task_id": id}
	case "progress":
		out = rt.Aggregator.AggregateBatch(ctx, opts.Args[0], false)
	case "watch":
		err := rt.Aggregator.Stream(ctx, opts.Args[0], cfg.StreamInterval, func(bp schema.BatchProgress) error {
			return printJSON(bp)
		})
		if err != nil {
			fatal(logger, "watch batch", err)
		}
	case "results":
		stored, err := rt.Chains.EvaluationResultIDs(ctx, opts.Args[0])
		if err != nil {
			fatal(logger, "load results", err)
		}
		ids, err := store.NumericResultIDs(stored)
		if err != nil {
			fatal(logger, "load results", err)
		}
		out = map[string]any{"task_id": opts.Args[0], "evaluation_result_ids": ids}
	case "terminate":
		out = rt.Aggregator.Terminate(ctx, opts.Args[0])
	case "pause", "resume":
		var ok bool
		if cmd == "pause" {
			ok = rt.Pause.Pause(ctx, opts.Args[0])
		} else {
			ok = rt.Pause.Resume(ctx, opts.Args[0])
		}
		if !ok {
			fatal(logger, cmd+" failed", fmt.Errorf("unknown job %s", opts.Args[0]))
		}
		out = map[string]any{"status": cmd + "d", "task_id": opts.Args[0]}
	}
	if out != nil {
		if err := printJSON(out); err != nil {
			fatal(logger, "write output", err)
		}
	}
}

// parseOptions validates the flags and positional arguments of cmd.
func parseOptions(cmd string, args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	switch cmd {
	case "seed", "submit":
		fs.StringVar(&opts.File, "file", "", "YAML file to load")
		fs.BoolVar(&opts.DryRun, "dry-run", true, "Show what would be done without writing anything")
		if cmd == "seed" {
			fs.IntVar(&opts.Limit, "limit", 0, "Maximum number of questions to load (0 = unlimited)")
		}
		var execute bool
		fs.BoolVar(&execute, "execute", false, "Actually write (disables dry-run)")
		if err := fs.Parse(args); err != nil {
			return options{}, err
		}
		if execute {
			opts.DryRun = false
		}
		if opts.File == "" {
			return options{}, fmt.Errorf("%s: -file is required", cmd)
		}
	case "progress", "watch", "results", "terminate", "pause", "resume":
		if err := fs.Parse(args); err != nil {
			return options{}, err
		}
		if fs.NArg() != 1 {
			return options{}, fmt.Errorf("%s: expected exactly one id", cmd)
		}
	default:
		return options{}, fmt.Errorf("unknown command %q", cmd)
	}
	opts.Args = fs.Args()
	return opts, nil
}

func loadPapers(path string) ([]evaluation.TestPaper, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f paperFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.TestPapers) == 0 {
		return nil, fmt.Errorf("%s has no test_papers", path)
	}
	return f.TestPapers, nil
}

func loadQuestions(path string, limit int) ([]store.Question, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f questionFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]store.Question, 0, len(f.Questions))
	for i, q := range f.Questions {
		if limit > 0 && len(out) >= limit {
			break
		}
		if q.Category == "" || q.Content == "" {
			return nil, fmt.Errorf("question %d: category and content are required", i)
		}
		if _, err := evaluation.GetGrader(q.GroundtruthType, nil); err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		out = append(out, store.Question{
			QuestionVersionID:  q.Version,
			QuestionCategory:   q.Category,
			QuestionContent:    q.Content,
			GroundtruthContent: q.GroundtruthContent,
			GroundtruthType:    q.GroundtruthType,
			GroundtruthSet:     q.GroundtruthSet,
			CreatedAt:          time.Now().UTC(),
		})
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
