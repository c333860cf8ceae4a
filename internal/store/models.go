package store

import "time"

// Soft delete sets Status to StatusDeleted; rows are never removed.
const (
	StatusDeleted      = 0
	StatusActive       = 1
	StatusWaitingHuman = 4
)

// Question is one dataset item.
type Question struct {
	ID                 uint      `gorm:"column:question_id;primaryKey" json:"question_id"`
	QuestionVersionID  uint      `gorm:"column:question_version_id;index" json:"question_version_id"`
	QuestionCategory   string    `gorm:"column:question_category;size:128;index" json:"question_category"`
	QuestionContent    string    `gorm:"column:question_content" json:"question_content"`
	GroundtruthContent string    `gorm:"column:groundtruth_content" json:"groundtruth_content"`
	GroundtruthType    string    `gorm:"column:groundtruth_type;size:64" json:"groundtruth_type"`
	GroundtruthSet     string    `gorm:"column:groundtruth_set" json:"groundtruth_set"`
	Status             int       `gorm:"column:status;not null;default:1" json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

func (Question) TableName() string { return "question" }
func (q Question) GetID() uint    { return q.ID }
func (Question) PrimaryKey() string {
	return "question_id"
}

// EvaluationResult is the scored outcome of one test paper.
type EvaluationResult struct {
	ID                uint      `gorm:"column:result_id;primaryKey" json:"result_id"`
	ModelID           string    `gorm:"column:model_id;size:128" json:"model_id"`
	UserID            string    `gorm:"column:user_id;size:128" json:"user_id"`
	QuestionVersionID uint      `gorm:"column:question_version_id" json:"question_version_id"`
	EvaluationType    string    `gorm:"column:evaluation_type;size:64" json:"evaluation_type"`
	ResultScore       int       `gorm:"column:result_score" json:"result_score"`
	Duration          int64     `gorm:"column:duration" json:"duration"`
	Status            int       `gorm:"column:status;not null;default:1" json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

func (EvaluationResult) TableName() string { return "evaluation_result" }
func (r EvaluationResult) GetID() uint    { return r.ID }
func (EvaluationResult) PrimaryKey() string {
	return "result_id"
}

// ResponseRecord is the examinee's answer to one question and its verdict.
type ResponseRecord struct {
	ID            uint      `gorm:"column:result_record_id;primaryKey" json:"result_record_id"`
	ResultID      uint      `gorm:"column:result_id;index" json:"result_id"`
	QuestionID    uint      `gorm:"column:question_id" json:"question_id"`
	ModelResponse string    `gorm:"column:model_response" json:"model_response"`
	Verdict       string    `gorm:"column:verdict;size:32" json:"verdict"`
	Status        int       `gorm:"column:status;not null;default:1" json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

func (ResponseRecord) TableName() string { return "response_record" }
func (r ResponseRecord) GetID() uint    { return r.ID }
func (ResponseRecord) PrimaryKey() string {
	return "result_record_id"
}
