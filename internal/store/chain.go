// internal/store/chain.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

// ChainRecord is one row of the chain/pause table. A root row lists every
// member of its chain; member rows point back at the root.
type ChainRecord struct {
	JobID              string         `gorm:"column:job_id;primaryKey;size:64" json:"job_id"`
	RootID             string         `gorm:"column:root_id;size:64;index" json:"root_id"`
	MemberIDs          datatypes.JSON `gorm:"column:member_ids" json:"member_ids"`
	IsPaused           bool           `gorm:"column:is_paused;not null;default:false" json:"is_paused"`
	Status             string         `gorm:"column:status;size:32" json:"status"`
	EvaluationResultID *string        `gorm:"column:evaluation_result_id;size:64" json:"evaluation_result_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (ChainRecord) TableName() string { return "chain_status" }

// Members decodes MemberIDs; a malformed column reads as empty.
func (r ChainRecord) Members() []string {
	if len(r.MemberIDs) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(r.MemberIDs, &ids); err != nil {
		return nil
	}
	return ids
}

// ChainStore is shared by the submitter (membership), the workers (pause flag,
// result ids) and the progress reader.
type ChainStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewChainStore(db *gorm.DB, logger *slog.Logger) *ChainStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainStore{db: db, logger: logger.With("store", "chain_status")}
}

// SaveChain merges ids into the root's member list and points every member at
// rootID. Existing members are never dropped. New member rows inherit the
// root's pause state.
func (s *ChainStore) SaveChain(ctx context.Context, rootID string, ids []string) error {
	if rootID == "" {
		return fmt.Errorf("save chain: empty root id")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root ChainRecord
		err := tx.Where("job_id = ?", rootID).Take(&root).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load root %s: %w", rootID, err)
		}

		merged := mergeIDs(root.Members(), ids)
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode members: %w", err)
		}
		root.JobID = rootID
		root.RootID = rootID
		root.MemberIDs = datatypes.JSON(raw)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"root_id", "member_ids", "updated_at"}),
		}).Create(&root).Error; err != nil {
			return fmt.Errorf("upsert root %s: %w", rootID, err)
		}

		for _, id := range ids {
			if id == rootID {
				continue
			}
			member := ChainRecord{
				JobID:    id,
				RootID:   rootID,
				IsPaused: root.IsPaused,
				Status:   root.Status,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "job_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"root_id", "updated_at"}),
			}).Create(&member).Error; err != nil {
				return fmt.Errorf("upsert member %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *ChainStore) Get(ctx context.Context, jobID string) (*ChainRecord, error) {
	var row ChainRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// IsPaused reports the pause flag of jobID; a job without a row is not paused.
func (s *ChainStore) IsPaused(ctx context.Context, jobID string) (bool, error) {
	var rows []ChainRecord
	if err := s.db.WithContext(ctx).
		Select("is_paused").
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return rows[0].IsPaused, nil
}

// SetState sets status and pause flag on the whole chain jobID belongs to, in
// one transaction. It returns the number of rows changed.
func (s *ChainStore) SetState(ctx context.Context, jobID, status string, paused bool) (int64, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ChainRecord
		err := tx.Where("job_id = ?", jobID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return err
		}
		rootID := row.RootID
		if rootID == "" {
			rootID = jobID
		}
		s.logger.Info("changing chain state", "job_id", jobID, "root_id", rootID, "current_status", row.Status, "current_paused", row.IsPaused)

		res := tx.Model(&ChainRecord{}).
			Where("job_id = ? OR root_id = ?", rootID, rootID).
			Updates(map[string]any{
				"status":     status,
				"is_paused":  paused,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// SetEvaluationResultID cross-references the evaluation result produced by jobID.
func (s *ChainStore) SetEvaluationResultID(ctx context.Context, jobID, resultID string) error {
	res := s.db.WithContext(ctx).
		Model(&ChainRecord{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"evaluation_result_id": resultID,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// EvaluationResultIDs lists the result ids cross-referenced by members of rootID.
func (s *ChainStore) EvaluationResultIDs(ctx context.Context, rootID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&ChainRecord{}).
		Where("root_id = ? AND evaluation_result_id IS NOT NULL", rootID).
		Order("job_id").
		Pluck("evaluation_result_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// NumericResultIDs parses stored evaluation result ids back into the row ids
// the scoring stage reported.
func NumericResultIDs(ids []string) ([]uint64, error) {
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("evaluation result id %q: %w", id, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func mergeIDs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
