// internal/queue/record.go
package queue

import (
	"time"

	"github.com/tendant/simple-evaluator/pkg/schema"
)

// Record is the stored state of one job. The worker executing the job is the
// only writer apart from Revoke; once State is terminal the record is frozen.
type Record struct {
	ID          string               `json:"id"`
	Task        string               `json:"task"`
	Predecessor string               `json:"predecessor,omitempty"`
	ChainID     string               `json:"chain_id,omitempty"`
	State       schema.JobState      `json:"state"`
	Result      schema.Payload       `json:"result"`
	Meta        *schema.ProgressMeta `json:"meta,omitempty"`
	Revoked     bool                 `json:"revoked,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	FinishedAt  time.Time            `json:"finished_at,omitempty"`
}

func NewRecord(task, id, predecessor string) *Record {
	return &Record{
		ID:          id,
		Task:        task,
		Predecessor: predecessor,
		State:       schema.StatePending,
		CreatedAt:   time.Now().UTC(),
	}
}

// The Mark helpers return false when the record is already terminal and the
// transition was ignored.

func MarkStarted(r *Record) bool {
	if r.State.Terminal() {
		return false
	}
	r.State = schema.StateStarted
	r.StartedAt = time.Now().UTC()
	return true
}

func MarkProgress(r *Record, meta schema.ProgressMeta) bool {
	if r.State.Terminal() {
		return false
	}
	r.State = schema.StateProgress
	r.Meta = &meta
	return true
}

func MarkSucceeded(r *Record, result schema.Payload) bool {
	if r.State.Terminal() {
		return false
	}
	r.State = schema.StateSuccess
	r.Result = result
	r.FinishedAt = time.Now().UTC()
	return true
}

func MarkFailed(r *Record, err error) bool {
	if r.State.Terminal() {
		return false
	}
	r.State = schema.StateFailure
	r.Result = schema.Payload{}
	if err != nil {
		r.Result = schema.TextPayload(err.Error())
	}
	r.FinishedAt = time.Now().UTC()
	return true
}

func MarkTerminated(r *Record) bool {
	if r.State.Terminal() {
		return false
	}
	r.State = schema.StateTerminated
	r.Revoked = true
	r.FinishedAt = time.Now().UTC()
	return true
}
