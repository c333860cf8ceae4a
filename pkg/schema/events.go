// pkg/schema/events.go
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JobState is the lifecycle state of one queued job.
type JobState string

const (
	StatePending    JobState = "PENDING"
	StateStarted    JobState = "STARTED"
	StateProgress   JobState = "PROGRESS"
	StateSuccess    JobState = "SUCCESS"
	StateFailure    JobState = "FAILURE"
	StateTerminated JobState = "TERMINATED"
)

// Terminal reports whether a job in this state can no longer change.
func (s JobState) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateTerminated
}

type PayloadKind string

const (
	PayloadEmpty     PayloadKind = ""
	PayloadID        PayloadKind = "id"
	PayloadIDs       PayloadKind = "ids"
	PayloadComposite PayloadKind = "composite"
	PayloadMap       PayloadKind = "map"
	PayloadText      PayloadKind = "text"
	PayloadTopics    PayloadKind = "topics"
)

// Payload is the result of a job. Exactly one of the value fields is
// meaningful, selected by Kind.
type Payload struct {
	Kind   PayloadKind    `json:"kind,omitempty"`
	ID     string         `json:"id,omitempty"`
	IDs    []string       `json:"ids,omitempty"`
	Parts  []Payload      `json:"parts,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Text   string         `json:"text,omitempty"`
	Topics []TopicEntry   `json:"topics,omitempty"`
}

func IDPayload(id string) Payload         { return Payload{Kind: PayloadID, ID: id} }
func IDsPayload(ids ...string) Payload    { return Payload{Kind: PayloadIDs, IDs: ids} }
func TextPayload(text string) Payload     { return Payload{Kind: PayloadText, Text: text} }
func MapPayload(m map[string]any) Payload { return Payload{Kind: PayloadMap, Fields: m} }

func CompositePayload(parts ...Payload) Payload {
	return Payload{Kind: PayloadComposite, Parts: parts}
}

func TopicsPayload(entries []TopicEntry) Payload {
	return Payload{Kind: PayloadTopics, Topics: entries}
}

// IsEmpty reports whether the payload carries no value at all.
func (p Payload) IsEmpty() bool {
	switch p.Kind {
	case PayloadEmpty:
		return true
	case PayloadID:
		return p.ID == ""
	case PayloadIDs:
		return len(p.IDs) == 0
	case PayloadComposite:
		return len(p.Parts) == 0
	case PayloadMap:
		return len(p.Fields) == 0
	case PayloadText:
		return p.Text == ""
	case PayloadTopics:
		return len(p.Topics) == 0
	}
	return true
}

// String renders the payload as text, used for error reporting.
func (p Payload) String() string {
	switch p.Kind {
	case PayloadText:
		return p.Text
	case PayloadID:
		return p.ID
	case PayloadIDs:
		return strings.Join(p.IDs, ",")
	case PayloadEmpty:
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p.Kind)
	}
	return string(b)
}

// Field returns a value from a map payload.
func (p Payload) Field(key string) (any, bool) {
	if p.Kind != PayloadMap || p.Fields == nil {
		return nil, false
	}
	v, ok := p.Fields[key]
	return v, ok
}

// TopicEntry is one element of a batch root result. ChainResult holds the
// terminal job id of the topic's chain and is empty when submission failed.
type TopicEntry struct {
	Topic       string `json:"topic"`
	ModelID     string `json:"model_id,omitempty"`
	ResultID    uint   `json:"result_id,omitempty"`
	ChainResult string `json:"chain_result,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProgressMeta is published by a running job while it iterates its items.
type ProgressMeta struct {
	Current     int     `json:"current"`
	Total       int     `json:"total"`
	Progress    float64 `json:"progress"`
	Description string  `json:"description"`
	ElapsedMs   int64   `json:"elapsed_ms"`
	ChainID     string  `json:"chain_id,omitempty"`
}

type FailureType string

const (
	FailureTypeRetryable FailureType = "retryable"
	FailureTypePermanent FailureType = "permanent"
	FailureTypeTimeout   FailureType = "timeout"
	FailureTypeRevoked   FailureType = "revoked"
)

// StageLifecycleEvent is published whenever a worker moves a job between states.
type StageLifecycleEvent struct {
	JobID       string      `json:"job_id"`
	ChainID     string      `json:"chain_id,omitempty"`
	Task        string      `json:"task"`
	State       JobState    `json:"state"`
	Error       string      `json:"error,omitempty"`
	FailureType FailureType `json:"failure_type,omitempty"`
	StartedAt   int64       `json:"started_at,omitempty"`
	FinishedAt  int64       `json:"finished_at,omitempty"`
	HappenedAt  int64       `json:"happened_at"`
}
