package services

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/repository"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/sitesync/engine/pkg/metrics"
	"github.com/sitesync/engine/pkg/utils"
	"go.uber.org/zap"
)

// LedgerService manages the per-project set of uncommitted edits.
type LedgerService interface {
	// Stage upserts the edit for (project, path). Staging different paths of
	// one project concurrently is safe; the last write to a path wins and the
	// room sees staged events for a path in revision order.
	Stage(ctx context.Context, projectID uuid.UUID, input StageInput) (*models.PendingChange, error)
	// List returns the ledger ordered by path.
	List(ctx context.Context, projectID uuid.UUID) ([]models.PendingChange, error)
	Count(ctx context.Context, projectID uuid.UUID) (int64, error)
	// Discard empties the ledger and announces it to the project room once.
	Discard(ctx context.Context, projectID uuid.UUID) (int64, error)
}

type StageInput struct {
	Path    string              `json:"path" validate:"required"`
	Action  models.ChangeAction `json:"action" validate:"required"`
	Content []byte              `json:"content"`
}

type ledgerService struct {
	projectRepo repository.ProjectRepository
	changeRepo  repository.PendingChangeRepository
	publisher   events.Publisher
	paths       pathLocks
}

const pathLockSlots = 64

// pathLocks serializes the upsert and publish of one (project, path) inside
// this process. Paths sharing a slot also wait on each other.
type pathLocks [pathLockSlots]sync.Mutex

func (l *pathLocks) lock(projectID uuid.UUID, path string) func() {
	h := fnv.New32a()
	h.Write(projectID[:])
	h.Write([]byte(path))
	m := &l[h.Sum32()%pathLockSlots]
	m.Lock()
	return m.Unlock
}

func NewLedgerService(projectRepo repository.ProjectRepository, changeRepo repository.PendingChangeRepository, pub events.Publisher) LedgerService {
	return &ledgerService{projectRepo: projectRepo, changeRepo: changeRepo, publisher: pub}
}

var _ LedgerService = (*ledgerService)(nil)

func (s *ledgerService) Stage(ctx context.Context, projectID uuid.UUID, input StageInput) (*models.PendingChange, error) {
	if !input.Action.Valid() {
		return nil, appErr.New(appErr.CodeInvalid, "action must be one of added, modified, deleted")
	}
	path, err := contentstore.NormalizePath(input.Path)
	if err != nil {
		return nil, err
	}
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}

	content := input.Content
	if input.Action == models.ActionDeleted {
		content = nil
	}
	if content == nil {
		content = []byte{}
	}
	change := &models.PendingChange{
		ProjectID:   projectID,
		Path:        path,
		Action:      input.Action,
		Content:     content,
		ContentHash: utils.ContentHash(content),
		Size:        int64(len(content)),
	}
	unlock := s.paths.lock(projectID, path)
	defer unlock()
	if err := s.changeRepo.Upsert(ctx, change); err != nil {
		logger.Project(projectID).Error("stage change failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	stored, err := s.changeRepo.Get(ctx, projectID, path)
	if err != nil {
		return nil, err
	}
	metrics.StagedChanges.WithLabelValues(string(input.Action)).Inc()
	logger.Project(projectID).Debug("change staged", zap.String("path", path), zap.String("action", string(stored.Action)), zap.Int64("revision", stored.Revision))

	publish(ctx, s.publisher, events.Event{
		ProjectID: projectID,
		Type:      events.TypeFileChangeStaged,
		Payload:   events.FileChangeStaged{Path: path, Action: string(stored.Action), Revision: stored.Revision},
		Exclude:   events.Origin(ctx),
	})
	return stored, nil
}

func (s *ledgerService) List(ctx context.Context, projectID uuid.UUID) ([]models.PendingChange, error) {
	return s.changeRepo.ListByProject(ctx, projectID)
}

func (s *ledgerService) Count(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return s.changeRepo.CountByProject(ctx, projectID)
}

func (s *ledgerService) Discard(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return 0, err
	}
	n, err := s.changeRepo.DeleteByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	logger.Project(projectID).Info("pending changes discarded", zap.Int64("count", n))
	publish(ctx, s.publisher, events.Event{
		ProjectID: projectID,
		Type:      events.TypeDiscardSuccess,
		Payload:   events.DiscardSuccess{Discarded: int(n)},
	})
	return n, nil
}
