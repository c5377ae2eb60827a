package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	BaseRepository[models.Project]
	WithTx(tx *gorm.DB) ProjectRepository
	ListByUser(ctx context.Context, userID string) ([]models.Project, error)
	UpdateDeployFields(ctx context.Context, projectID uuid.UUID, fields map[string]any) error
	DeleteCascade(ctx context.Context, projectID uuid.UUID) error
}

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db, "project"), db: db}
}

func (r *projectRepository) WithTx(tx *gorm.DB) ProjectRepository {
	return NewProjectRepository(tx)
}

func (r *projectRepository) ListByUser(ctx context.Context, userID string) ([]models.Project, error) {
	var out []models.Project
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list projects by user failed")
	}
	return out, nil
}

// UpdateDeployFields writes the deploy-owned columns of a project. Callers
// outside the deploy state machine must not use it.
func (r *projectRepository) UpdateDeployFields(ctx context.Context, projectID uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Updates(fields)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update project deploy fields failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	return nil
}

// DeleteCascade removes a project and every record that depends on it in one
// transaction. Blob bytes live in the content store and are removed there.
func (r *projectRepository) DeleteCascade(ctx context.Context, projectID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := tx.Model(&models.DeployAttempt{}).Select("id").Where("project_id = ?", projectID)
		steps := []*gorm.DB{
			tx.Where("attempt_id IN (?)", attempts).Delete(&models.DeployLog{}),
			tx.Where("project_id = ?", projectID).Delete(&models.DeployAttempt{}),
			tx.Where("project_id = ?", projectID).Delete(&models.FileHistory{}),
			tx.Where("project_id = ?", projectID).Delete(&models.Commit{}),
			tx.Where("project_id = ?", projectID).Delete(&models.PendingChange{}),
			tx.Where("project_id = ?", projectID).Delete(&models.ProjectLock{}),
		}
		for _, s := range steps {
			if s.Error != nil {
				return s.Error
			}
		}
		res := tx.Delete(&models.Project{}, "id = ?", projectID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return appErr.New(appErr.CodeNotFound, "project not found")
		}
		return nil
	})
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return err
		}
		return appErr.Wrap(err, appErr.CodeInternal, "delete project failed")
	}
	return nil
}
