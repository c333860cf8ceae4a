// internal/progress/monitor.go
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-evaluator/pkg/schema"
)

// Reporter publishes PROGRESS metadata for the job being executed.
type Reporter interface {
	ReportProgress(ctx context.Context, meta schema.ProgressMeta) error
}

// Monitor counts completed units of one job and reports after each.
type Monitor struct {
	reporter    Reporter
	logger      *slog.Logger
	total       int
	current     int
	description string
	start       time.Time
}

func NewMonitor(reporter Reporter, total int, description string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reporter:    reporter,
		logger:      logger,
		total:       total,
		description: description,
		start:       time.Now(),
	}
}

func (m *Monitor) Current() int { return m.current }
func (m *Monitor) Total() int   { return m.total }

// Advance marks one more unit done and publishes the new state. A failed
// publish is logged; progress reporting never fails the job.
func (m *Monitor) Advance(ctx context.Context) schema.ProgressMeta {
	m.current++
	meta := schema.ProgressMeta{
		Current:     m.current,
		Total:       m.total,
		Progress:    schema.Percent(m.current, m.total),
		Description: fmt.Sprintf("Processing %s %d/%d", m.description, m.current, m.total),
		ElapsedMs:   time.Since(m.start).Milliseconds(),
	}
	if m.reporter != nil {
		if err := m.reporter.ReportProgress(ctx, meta); err != nil {
			m.logger.Warn("progress report failed", "err", err)
		}
	}
	m.logger.Debug("progress", "current", meta.Current, "total", meta.Total, "progress", meta.Progress)
	return meta
}
