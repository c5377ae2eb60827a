package services

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/provider"
	"github.com/sitesync/engine/internal/repository"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ProjectService interface {
	CreateProject(ctx context.Context, userID string, input *CreateProjectInput) (*models.Project, error)
	GetProject(ctx context.Context, projectID uuid.UUID, userID string) (*models.Project, error)
	ListProjects(ctx context.Context, userID string) ([]models.Project, error)
	// DeleteProject removes the project with every dependent record and its
	// stored blobs, then deletes its provider site on a best-effort basis.
	DeleteProject(ctx context.Context, projectID uuid.UUID, userID string) error
	// Status summarizes what a realtime client needs to render the project.
	Status(ctx context.Context, projectID uuid.UUID) (*ProjectStatus, error)
}

type CreateProjectInput struct {
	Name         string               `json:"name" validate:"required,max=120"`
	TemplateKind string               `json:"templateKind" validate:"omitempty,oneof=static vite"`
	Settings     models.BuildSettings `json:"settings"`
}

type ProjectStatus struct {
	DeployStatus   models.ProjectStatus
	URL            *string
	PendingChanges int64
}

type projectService struct {
	projectRepo repository.ProjectRepository
	changeRepo  repository.PendingChangeRepository
	deployRepo  repository.DeployRepository
	store       contentstore.Store
	provider    provider.Provider
	validate    *validator.Validate
}

func NewProjectService(
	projectRepo repository.ProjectRepository,
	changeRepo repository.PendingChangeRepository,
	deployRepo repository.DeployRepository,
	store contentstore.Store,
	p provider.Provider,
) ProjectService {
	return &projectService{
		projectRepo: projectRepo,
		changeRepo:  changeRepo,
		deployRepo:  deployRepo,
		store:       store,
		provider:    p,
		validate:    validator.New(),
	}
}

var _ ProjectService = (*projectService)(nil)

func (s *projectService) CreateProject(ctx context.Context, userID string, input *CreateProjectInput) (*models.Project, error) {
	logger.L().Info("create project called", zap.String("user_id", userID), zap.String("name", input.Name))
	if err := s.validate.Struct(input); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid project input")
	}
	kind := input.TemplateKind
	if kind == "" {
		kind = "static"
	}
	p := &models.Project{
		UserID:       userID,
		Name:         input.Name,
		TemplateKind: kind,
		Settings:     datatypes.NewJSONType(input.Settings),
	}
	if err := s.projectRepo.Create(ctx, p); err != nil {
		return nil, err
	}
	logger.L().Info("project created", zap.String("project_id", p.ID.String()), zap.String("user_id", userID))
	return p, nil
}

func (s *projectService) GetProject(ctx context.Context, projectID uuid.UUID, userID string) (*models.Project, error) {
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}
	if userID != "" && p.UserID != userID {
		return nil, appErr.New(appErr.CodeForbidden, "user does not own project")
	}
	return &p, nil
}

func (s *projectService) ListProjects(ctx context.Context, userID string) ([]models.Project, error) {
	return s.projectRepo.ListByUser(ctx, userID)
}

func (s *projectService) DeleteProject(ctx context.Context, projectID uuid.UUID, userID string) error {
	log := logger.Project(projectID)
	p, err := s.GetProject(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if _, err := s.deployRepo.GetActiveByProject(ctx, projectID); err == nil {
		return appErr.New(appErr.CodeDeployInProgress, "cannot delete a project while a deploy is in progress")
	} else if !appErr.IsCode(err, appErr.CodeNotFound) {
		return err
	}

	if err := s.projectRepo.DeleteCascade(ctx, projectID); err != nil {
		log.Error("delete project failed", zap.Error(err))
		return err
	}
	log.Info("project deleted")

	// Rows go first so no history can point at a removed blob. Bytes left
	// behind by a failure here are unreferenced and logged by prefix.
	if s.store != nil {
		prefix := contentstore.ProjectPrefix(projectID)
		n, err := s.store.DeletePrefix(ctx, prefix)
		if err != nil {
			log.Error("delete project blobs failed", zap.String("prefix", prefix), zap.Error(err))
		} else {
			log.Info("project blobs deleted", zap.Int("count", n))
		}
	}

	if p.ProviderSiteID != "" && s.provider != nil {
		if err := s.provider.DeleteSite(ctx, p.ProviderSiteID); err != nil {
			log.Warn("delete provider site failed", zap.String("site_id", p.ProviderSiteID), zap.Error(err))
		}
	}
	return nil
}

func (s *projectService) Status(ctx context.Context, projectID uuid.UUID) (*ProjectStatus, error) {
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}
	n, err := s.changeRepo.CountByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &ProjectStatus{DeployStatus: p.DeployStatus, URL: p.LiveURL, PendingChanges: n}, nil
}
