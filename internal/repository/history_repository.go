package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"gorm.io/gorm"
)

// HistoryRepository persists commits and the per-path file history they own.
type HistoryRepository interface {
	WithTx(tx *gorm.DB) HistoryRepository
	CreateCommit(ctx context.Context, c *models.Commit) error
	CreateFiles(ctx context.Context, rows []models.FileHistory) error
	GetCommit(ctx context.Context, projectID, commitID uuid.UUID) (*models.Commit, error)
	LatestCommit(ctx context.Context, projectID uuid.UUID) (*models.Commit, error)
	ListCommits(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Commit, error)
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]models.FileHistory, error)
	ListFilesByCommit(ctx context.Context, commitID uuid.UUID) ([]models.FileHistory, error)
	ListPath(ctx context.Context, projectID uuid.UUID, path string) ([]models.FileHistory, error)
}

type historyRepository struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepository{db: db}
}

func (r *historyRepository) WithTx(tx *gorm.DB) HistoryRepository {
	return NewHistoryRepository(tx)
}

func (r *historyRepository) CreateCommit(ctx context.Context, c *models.Commit) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create commit failed")
	}
	return nil
}

func (r *historyRepository) CreateFiles(ctx context.Context, rows []models.FileHistory) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create file history failed")
	}
	return nil
}

func (r *historyRepository) GetCommit(ctx context.Context, projectID, commitID uuid.UUID) (*models.Commit, error) {
	var out models.Commit
	err := r.db.WithContext(ctx).Where("project_id = ? AND id = ?", projectID, commitID).First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "commit not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get commit failed")
	}
	return &out, nil
}

func (r *historyRepository) LatestCommit(ctx context.Context, projectID uuid.UUID) (*models.Commit, error) {
	var out models.Commit
	err := r.db.WithContext(ctx).Where("project_id = ?", projectID).
		Order("created_at DESC").Order("id DESC").First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "project has no commits")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get latest commit failed")
	}
	return &out, nil
}

func (r *historyRepository) ListCommits(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Commit, error) {
	var out []models.Commit
	q := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list commits failed")
	}
	return out, nil
}

// ListFiles returns every history row of the project without ordering;
// callers resolve the newest row per path with FileHistory.Newer.
func (r *historyRepository) ListFiles(ctx context.Context, projectID uuid.UUID) ([]models.FileHistory, error) {
	var out []models.FileHistory
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list file history failed")
	}
	return out, nil
}

func (r *historyRepository) ListFilesByCommit(ctx context.Context, commitID uuid.UUID) ([]models.FileHistory, error) {
	var out []models.FileHistory
	if err := r.db.WithContext(ctx).Where("commit_id = ?", commitID).Order("path ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list commit files failed")
	}
	return out, nil
}

func (r *historyRepository) ListPath(ctx context.Context, projectID uuid.UUID, path string) ([]models.FileHistory, error) {
	var out []models.FileHistory
	err := r.db.WithContext(ctx).Where("project_id = ? AND path = ?", projectID, path).
		Order("created_at DESC").Order("commit_id DESC").Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list path history failed")
	}
	return out, nil
}
