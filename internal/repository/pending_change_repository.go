package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PendingChangeRepository interface {
	WithTx(tx *gorm.DB) PendingChangeRepository
	Upsert(ctx context.Context, c *models.PendingChange) error
	Get(ctx context.Context, projectID uuid.UUID, path string) (*models.PendingChange, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.PendingChange, error)
	CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error)
	DeleteByProject(ctx context.Context, projectID uuid.UUID) (int64, error)
	DeleteSnapshot(ctx context.Context, snapshot []models.PendingChange) (int64, error)
}

type pendingChangeRepository struct {
	db *gorm.DB
}

func NewPendingChangeRepository(db *gorm.DB) PendingChangeRepository {
	return &pendingChangeRepository{db: db}
}

func (r *pendingChangeRepository) WithTx(tx *gorm.DB) PendingChangeRepository {
	return NewPendingChangeRepository(tx)
}

// Upsert writes c as the single row for (project_id, path) in one statement.
// An existing row keeps its id and created_at and has its revision bumped.
func (r *pendingChangeRepository) Upsert(ctx context.Context, c *models.PendingChange) error {
	now := time.Now().UTC()
	c.UpdatedAt = now
	if c.Revision == 0 {
		c.Revision = 1
	}
	updates := append(
		clause.AssignmentColumns([]string{"action", "content", "content_hash", "size", "updated_at"}),
		clause.Assignment{Column: clause.Column{Name: "revision"}, Value: gorm.Expr("pending_changes.revision + 1")},
	)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
		DoUpdates: updates,
	}).Create(c).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "upsert pending change failed")
	}
	return nil
}

func (r *pendingChangeRepository) Get(ctx context.Context, projectID uuid.UUID, path string) (*models.PendingChange, error) {
	var out models.PendingChange
	err := r.db.WithContext(ctx).Where("project_id = ? AND path = ?", projectID, path).First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "pending change not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get pending change failed")
	}
	return &out, nil
}

func (r *pendingChangeRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.PendingChange, error) {
	var out []models.PendingChange
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("path ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list pending changes failed")
	}
	return out, nil
}

func (r *pendingChangeRepository) CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.PendingChange{}).Where("project_id = ?", projectID).Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count pending changes failed")
	}
	return n, nil
}

func (r *pendingChangeRepository) DeleteByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.PendingChange{})
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "clear pending changes failed")
	}
	return res.RowsAffected, nil
}

// DeleteSnapshot removes exactly the rows in snapshot. A row re-staged after
// the snapshot was taken has a newer revision and survives.
func (r *pendingChangeRepository) DeleteSnapshot(ctx context.Context, snapshot []models.PendingChange) (int64, error) {
	var total int64
	for _, c := range snapshot {
		res := r.db.WithContext(ctx).
			Where("id = ? AND revision = ?", c.ID, c.Revision).
			Delete(&models.PendingChange{})
		if res.Error != nil {
			return total, appErr.Wrap(res.Error, appErr.CodeInternal, "delete committed changes failed")
		}
		total += res.RowsAffected
	}
	return total, nil
}
