// internal/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ResultBackendNATS   = "nats"
	ResultBackendRedis  = "redis"
	ResultBackendMemory = "memory"
)

type Config struct {
	NATSURL       string
	JobSubject    string
	WorkerQueue   string
	RevokeSubject string
	EventSubject  string

	ResultBackend string
	ResultBucket  string
	ResultTTL     time.Duration
	RedisAddr     string

	DatabaseType string
	DatabaseURL  string

	HTTPAddr string

	WorkerConcurrency    int
	AggregateConcurrency int
	PauseBackoff         time.Duration
	EvaluationTimeout    time.Duration
	StreamInterval       time.Duration

	HealthEndpoint string
	JudgeEndpoint  string
	JudgeAPIKey    string
	JudgeModel     string

	StageNames []string
	LogLevel   slog.Level
}

// Pipeline is the optional YAML pipeline definition named by PIPELINE_FILE.
type Pipeline struct {
	StageNames        []string `yaml:"stage_names"`
	HealthEndpoint    string   `yaml:"health_endpoint"`
	EvaluationTimeout string   `yaml:"evaluation_timeout"`
	PauseBackoff      string   `yaml:"pause_backoff"`
}

// Load reads .env if present, then the environment, then PIPELINE_FILE.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		JobSubject:     getenv("JOB_SUBJECT", "evaluator.jobs"),
		WorkerQueue:    getenv("WORKER_QUEUE", "evaluator-workers"),
		RevokeSubject:  getenv("REVOKE_SUBJECT", "evaluator.revoke"),
		EventSubject:   getenv("EVENT_SUBJECT", "evaluator.events"),
		ResultBackend:  strings.ToLower(getenv("RESULT_BACKEND", ResultBackendNATS)),
		ResultBucket:   getenv("RESULT_BUCKET", "evaluator_results"),
		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),
		DatabaseType:   strings.ToLower(getenv("DATABASE_TYPE", "sqlite")),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		HealthEndpoint: getenv("HEALTH_ENDPOINT", ""),
		JudgeEndpoint:  getenv("JUDGE_ENDPOINT", ""),
		JudgeAPIKey:    getenv("JUDGE_API_KEY", ""),
		JudgeModel:     getenv("JUDGE_MODEL", "gpt-4o"),
	}

	switch cfg.ResultBackend {
	case ResultBackendNATS, ResultBackendRedis, ResultBackendMemory:
	default:
		return Config{}, fmt.Errorf("invalid RESULT_BACKEND %q (want nats, redis or memory)", cfg.ResultBackend)
	}
	switch cfg.DatabaseType {
	case "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return Config{}, fmt.Errorf("invalid DATABASE_TYPE %q (want sqlite or postgres)", cfg.DatabaseType)
	}

	var err error
	if cfg.WorkerConcurrency, err = parsePositiveInt(getenv("WORKER_CONCURRENCY", "4"), "WORKER_CONCURRENCY"); err != nil {
		return Config{}, err
	}
	if cfg.AggregateConcurrency, err = parsePositiveInt(getenv("AGGREGATE_CONCURRENCY", "16"), "AGGREGATE_CONCURRENCY"); err != nil {
		return Config{}, err
	}
	if cfg.ResultTTL, err = parseDuration(getenv("RESULT_TTL", "24h"), "RESULT_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.PauseBackoff, err = parseDuration(getenv("PAUSE_BACKOFF", "10s"), "PAUSE_BACKOFF"); err != nil {
		return Config{}, err
	}
	if cfg.EvaluationTimeout, err = parseDuration(getenv("EVALUATION_TIMEOUT", "3600"), "EVALUATION_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.StreamInterval, err = parseDuration(getenv("STREAM_INTERVAL", "1s"), "STREAM_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLevel(getenv("LOG_LEVEL", "info")); err != nil {
		return Config{}, err
	}

	if path := getenv("PIPELINE_FILE", ""); path != "" {
		if err := cfg.applyPipelineFile(path); err != nil {
			return Config{}, fmt.Errorf("load PIPELINE_FILE: %w", err)
		}
	}
	return cfg, nil
}

func (c *Config) applyPipelineFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p Pipeline
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(p.StageNames) > 0 {
		c.StageNames = p.StageNames
	}
	if p.HealthEndpoint != "" {
		c.HealthEndpoint = p.HealthEndpoint
	}
	if p.EvaluationTimeout != "" {
		if c.EvaluationTimeout, err = parseDuration(p.EvaluationTimeout, "evaluation_timeout"); err != nil {
			return err
		}
	}
	if p.PauseBackoff != "" {
		if c.PauseBackoff, err = parseDuration(p.PauseBackoff, "pause_backoff"); err != nil {
			return err
		}
	}
	return nil
}

// NewLogger builds the process logger and installs it as the default.
func NewLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

// parseDuration accepts Go durations ("90s", "1h") or plain seconds.
func parseDuration(value string, name string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}
