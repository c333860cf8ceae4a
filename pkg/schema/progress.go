// pkg/schema/progress.go
package schema

// BatchState is the overall state reported for a batch submission.
type BatchState string

const (
	BatchStateSuccess  BatchState = "SUCCESS"
	BatchStateProgress BatchState = "PROGRESS"
	BatchStateFailed   BatchState = "FAILED"
)

type ProgressSnapshot struct {
	ID          string   `json:"id"`
	StageName   string   `json:"name"`
	State       JobState `json:"status"`
	Progress    float64  `json:"progress"`
	Description string   `json:"description"`
	Error       string   `json:"error,omitempty"`
}

type TopicProgress struct {
	Topic          string             `json:"topic"`
	State          JobState           `json:"status"`
	Tasks          []ProgressSnapshot `json:"tasks"`
	CompletedTasks int                `json:"completed_tasks"`
	TotalTasks     int                `json:"total_tasks"`
	Progress       float64            `json:"progress"`
}

type BatchProgress struct {
	State          BatchState      `json:"state"`
	Progress       float64         `json:"total_progress"`
	Topics         []TopicProgress `json:"topics"`
	CompletedTasks int             `json:"completed_tasks"`
	TotalTasks     int             `json:"total_tasks"`
	TotalTopics    int             `json:"total_topics"`
	Error          string          `json:"error,omitempty"`
}

// Percent returns done/total*100 clamped to [0,100], or 0 when total is 0.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return ClampPercent(float64(done) / float64(total) * 100)
}

func ClampPercent(p float64) float64 {
	switch {
	case p < 0 || p != p:
		return 0
	case p > 100:
		return 100
	}
	return p
}
