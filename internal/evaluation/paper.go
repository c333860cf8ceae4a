package evaluation

import (
	"encoding/json"
	"fmt"

	"github.com/tendant/simple-evaluator/internal/store"
)

// TestPaper is one examinee model evaluated against one question category.
type TestPaper struct {
	Topic          string `json:"topic,omitempty" yaml:"topic"`
	ModelID        string `json:"model_id" yaml:"model_id"`
	ModelEndpoint  string `json:"model_endpoint" yaml:"model_endpoint"`
	EvaluationType string `json:"evaluation_type" yaml:"evaluation_type"`
	Version        uint   `json:"version" yaml:"version"`
	UserID         string `json:"user_id,omitempty" yaml:"user_id"`
	ResultID       uint   `json:"result_id,omitempty" yaml:"-"`
	HealthEndpoint string `json:"health_endpoint,omitempty" yaml:"health_endpoint"`
}

func (p TestPaper) Validate() error {
	switch {
	case p.ModelID == "":
		return fmt.Errorf("invalid test paper: missing model_id")
	case p.ModelEndpoint == "":
		return fmt.Errorf("invalid test paper: missing model_endpoint")
	case p.EvaluationType == "":
		return fmt.Errorf("invalid test paper: missing evaluation_type")
	}
	return nil
}

// TopicLabel names the paper in progress reports.
func (p TestPaper) TopicLabel() string {
	if p.Topic != "" {
		return p.Topic
	}
	return p.EvaluationType
}

// QuestionItem is one dataset element as it travels through a chain.
type QuestionItem struct {
	QuestionID         uint   `json:"question_id"`
	QuestionVersionID  uint   `json:"question_version_id"`
	QuestionCategory   string `json:"question_category"`
	QuestionContent    string `json:"question_content"`
	GroundtruthContent string `json:"groundtruth_content"`
	GroundtruthType    string `json:"groundtruth_type"`
	GroundtruthSet     string `json:"groundtruth_set"`
}

func itemFromQuestion(q store.Question) QuestionItem {
	return QuestionItem{
		QuestionID:         q.ID,
		QuestionVersionID:  q.QuestionVersionID,
		QuestionCategory:   q.QuestionCategory,
		QuestionContent:    q.QuestionContent,
		GroundtruthContent: q.GroundtruthContent,
		GroundtruthType:    q.GroundtruthType,
		GroundtruthSet:     q.GroundtruthSet,
	}
}

// toFields converts a struct into the generic field map carried by payloads.
func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fromFields decodes a field map, or any JSON-shaped value, into out.
func fromFields(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
