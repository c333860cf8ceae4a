package store

import (
	"context"
	"log/slog"
	"sync"

	"gorm.io/gorm"
)

// Entity is a table the generic repository can manage.
type Entity interface {
	TableName() string
	PrimaryKey() string
	GetID() uint
}

type OperationStatus string

const (
	OperationSuccess OperationStatus = "Success"
	OperationFailed  OperationStatus = "Failed"
)

// Operation describes the most recent call made through a Repository.
type Operation struct {
	Type   string          `json:"operation_type"`
	Table  string          `json:"operation_table"`
	ID     uint            `json:"operation_id,omitempty"`
	Status OperationStatus `json:"status"`
}

// Repository performs CRUD on one entity type. Failures are logged and
// reported through the bool result and LastOperation, never returned.
type Repository[T Entity] struct {
	db     *gorm.DB
	logger *slog.Logger

	mu   sync.Mutex
	last Operation
}

func NewRepository[T Entity](db *gorm.DB, logger *slog.Logger) *Repository[T] {
	if logger == nil {
		logger = slog.Default()
	}
	var zero T
	return &Repository[T]{db: db, logger: logger.With("table", zero.TableName())}
}

func (r *Repository[T]) table() string {
	var zero T
	return zero.TableName()
}

func (r *Repository[T]) record(op string, id uint, err error) bool {
	status := OperationSuccess
	if err != nil {
		status = OperationFailed
		r.logger.Error("repository operation failed", "operation", op, "id", id, "err", err)
	}
	r.mu.Lock()
	r.last = Operation{Type: op, Table: r.table(), ID: id, Status: status}
	r.mu.Unlock()
	return err == nil
}

func (r *Repository[T]) LastOperation() Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Add inserts entity and fills in its generated key. A zero Status becomes
// StatusActive through the column default.
func (r *Repository[T]) Add(ctx context.Context, entity *T) bool {
	err := r.db.WithContext(ctx).Create(entity).Error
	var id uint
	if err == nil {
		id = (*entity).GetID()
		r.logger.Debug("record inserted", "id", id)
	}
	return r.record("add", id, err)
}

// Update writes the non-zero fields of entity to the row with its key.
func (r *Repository[T]) Update(ctx context.Context, entity *T) bool {
	id := (*entity).GetID()
	err := r.db.WithContext(ctx).Model(entity).Updates(entity).Error
	return r.record("update", id, err)
}

// SoftDelete marks the row deleted by zeroing its status.
func (r *Repository[T]) SoftDelete(ctx context.Context, id uint) bool {
	var zero T
	res := r.db.WithContext(ctx).
		Model(new(T)).
		Where(zero.PrimaryKey()+" = ?", id).
		Update("status", StatusDeleted)
	err := res.Error
	if err == nil && res.RowsAffected == 0 {
		err = ErrNotFound
	}
	return r.record("soft_delete", id, err)
}

func (r *Repository[T]) Get(ctx context.Context, id uint) (*T, bool) {
	var zero T
	var out T
	err := r.db.WithContext(ctx).Where(zero.PrimaryKey()+" = ?", id).Take(&out).Error
	if !r.record("get", id, err) {
		return nil, false
	}
	return &out, true
}

// SelectAll returns every row, soft-deleted ones included.
func (r *Repository[T]) SelectAll(ctx context.Context) ([]T, bool) {
	var out []T
	err := r.db.WithContext(ctx).Find(&out).Error
	return out, r.record("select_all", 0, err)
}

// Where returns the active rows matching query.
func (r *Repository[T]) Where(ctx context.Context, query string, args ...any) ([]T, bool) {
	var out []T
	var zero T
	err := r.db.WithContext(ctx).
		Where(query, args...).
		Where("status <> ?", StatusDeleted).
		Order(zero.PrimaryKey()).
		Find(&out).Error
	return out, r.record("select", 0, err)
}
