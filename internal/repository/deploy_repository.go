package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"gorm.io/gorm"
)

type DeployRepository interface {
	BaseRepository[models.DeployAttempt]
	WithTx(tx *gorm.DB) DeployRepository
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DeployAttempt, error)
	GetLatestByProject(ctx context.Context, projectID uuid.UUID, dest *models.DeployAttempt) error
	GetActiveByProject(ctx context.Context, projectID uuid.UUID) (*models.DeployAttempt, error)
	// ListStalled returns active attempts not updated since before.
	ListStalled(ctx context.Context, before time.Time) ([]models.DeployAttempt, error)
	// UpdateFrom applies fields only while the attempt is still in status from.
	// It reports whether the row was updated.
	UpdateFrom(ctx context.Context, attemptID uuid.UUID, from models.DeployStatus, fields map[string]any) (bool, error)
	IncrementPolls(ctx context.Context, attemptID uuid.UUID) error
	AppendLog(ctx context.Context, attemptID uuid.UUID, level, message string) error
	ListLogs(ctx context.Context, attemptID uuid.UUID) ([]models.DeployLog, error)
}

var activeStatuses = []models.DeployStatus{models.DeployPending, models.DeployBuilding, models.DeployDeploying}

type deployRepository struct {
	BaseRepository[models.DeployAttempt]
	db *gorm.DB
}

func NewDeployRepository(db *gorm.DB) DeployRepository {
	return &deployRepository{BaseRepository: NewBaseRepository[models.DeployAttempt](db, "deploy attempt"), db: db}
}

func (r *deployRepository) WithTx(tx *gorm.DB) DeployRepository {
	return NewDeployRepository(tx)
}

func (r *deployRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DeployAttempt, error) {
	var out []models.DeployAttempt
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deploy attempts failed")
	}
	return out, nil
}

func (r *deployRepository) GetLatestByProject(ctx context.Context, projectID uuid.UUID, dest *models.DeployAttempt) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, "no deploy attempts found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get latest deploy attempt failed")
	}
	return nil
}

func (r *deployRepository) GetActiveByProject(ctx context.Context, projectID uuid.UUID) (*models.DeployAttempt, error) {
	var out models.DeployAttempt
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status IN ?", projectID, activeStatuses).
		Order("created_at DESC").First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "no active deploy attempt")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get active deploy attempt failed")
	}
	return &out, nil
}

func (r *deployRepository) ListStalled(ctx context.Context, before time.Time) ([]models.DeployAttempt, error) {
	var out []models.DeployAttempt
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", activeStatuses, before).
		Order("updated_at ASC").Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list stalled deploy attempts failed")
	}
	return out, nil
}

func (r *deployRepository) UpdateFrom(ctx context.Context, attemptID uuid.UUID, from models.DeployStatus, fields map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.DeployAttempt{}).
		Where("id = ? AND status = ?", attemptID, from).Updates(fields)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "update deploy attempt failed")
	}
	return res.RowsAffected > 0, nil
}

func (r *deployRepository) IncrementPolls(ctx context.Context, attemptID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.DeployAttempt{}).Where("id = ?", attemptID).
		UpdateColumns(map[string]any{
			"poll_count": gorm.Expr("poll_count + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "record poll failed")
	}
	return nil
}

func (r *deployRepository) AppendLog(ctx context.Context, attemptID uuid.UUID, level, message string) error {
	entry := &models.DeployLog{AttemptID: attemptID, Level: level, Message: message}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "append deploy log failed")
	}
	return nil
}

func (r *deployRepository) ListLogs(ctx context.Context, attemptID uuid.UUID) ([]models.DeployLog, error) {
	var out []models.DeployLog
	if err := r.db.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deploy logs failed")
	}
	return out, nil
}
