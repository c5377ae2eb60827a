package services

import (
	"context"
	"fmt"
	"sort"
	"time"

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
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// CommitService freezes the ledger into commits and resolves project trees
// from history.
type CommitService interface {
	Commit(ctx context.Context, projectID uuid.UUID, input CommitInput) (*models.Commit, error)
	// LatestFiles returns the current tree: for each path ever committed, the
	// content of its newest non-deleted history record.
	LatestFiles(ctx context.Context, projectID uuid.UUID) (map[string][]byte, error)
	// Tree returns the newest non-deleted history record per path, sorted by path.
	Tree(ctx context.Context, projectID uuid.UUID) ([]models.FileHistory, error)
	ListCommits(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Commit, error)
	GetCommit(ctx context.Context, projectID, commitID uuid.UUID) (*CommitDetail, error)
	PathHistory(ctx context.Context, projectID uuid.UUID, path string) ([]models.FileHistory, error)
}

type CommitInput struct {
	Message string `json:"message"`
	Author  string `json:"author"`
}

type CommitDetail struct {
	Commit models.Commit        `json:"commit"`
	Files  []models.FileHistory `json:"files"`
}

// CommitOptions tunes a CommitService.
type CommitOptions struct {
	// LockTTL bounds how long a crashed commit can hold the project.
	LockTTL time.Duration
	// Parallelism caps concurrent content store calls per operation.
	Parallelism int
}

type commitService struct {
	db          *gorm.DB
	projectRepo repository.ProjectRepository
	changeRepo  repository.PendingChangeRepository
	historyRepo repository.HistoryRepository
	lockRepo    repository.LockRepository
	store       contentstore.Store
	publisher   events.Publisher
	opts        CommitOptions
}

func NewCommitService(
	db *gorm.DB,
	projectRepo repository.ProjectRepository,
	changeRepo repository.PendingChangeRepository,
	historyRepo repository.HistoryRepository,
	lockRepo repository.LockRepository,
	store contentstore.Store,
	pub events.Publisher,
	opts CommitOptions,
) CommitService {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	return &commitService{
		db:          db,
		projectRepo: projectRepo,
		changeRepo:  changeRepo,
		historyRepo: historyRepo,
		lockRepo:    lockRepo,
		store:       store,
		publisher:   pub,
		opts:        opts,
	}
}

var _ CommitService = (*commitService)(nil)

func (s *commitService) Commit(ctx context.Context, projectID uuid.UUID, input CommitInput) (*models.Commit, error) {
	log := logger.Project(projectID)
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}

	holder := uuid.NewString()
	ok, err := s.lockRepo.TryAcquire(ctx, projectID, models.LockCommit, holder, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.Commits.WithLabelValues("conflict").Inc()
		return nil, appErr.New(appErr.CodeCommitInProgress, "a commit is already in progress for this project")
	}
	defer func() {
		if err := s.lockRepo.Release(context.WithoutCancel(ctx), projectID, models.LockCommit, holder); err != nil {
			log.Warn("release commit lock failed", zap.Error(err))
		}
	}()

	snapshot, err := s.changeRepo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		metrics.Commits.WithLabelValues("empty").Inc()
		return nil, appErr.New(appErr.CodeInvalid, "no pending changes to commit")
	}

	commitID, err := uuid.NewV7()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "generate commit id failed")
	}
	message := input.Message
	if message == "" {
		message = fmt.Sprintf("Update %d file(s)", len(snapshot))
	}

	// Blobs land under the new commit id before any row references them. A
	// failure here leaves only unreferenced blobs behind.
	if err := s.putBlobs(ctx, projectID, commitID, snapshot); err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		log.Error("commit aborted: content store write failed", zap.String("commit_id", commitID.String()), zap.Error(err))
		return nil, err
	}

	now := time.Now().UTC()
	commit := &models.Commit{
		ID:        commitID,
		ProjectID: projectID,
		Message:   message,
		FileCount: len(snapshot),
		Author:    input.Author,
		CreatedAt: now,
	}
	rows := make([]models.FileHistory, 0, len(snapshot))
	for _, c := range snapshot {
		row := models.FileHistory{
			ProjectID:   projectID,
			CommitID:    commitID,
			Path:        c.Path,
			ContentHash: c.ContentHash,
			Size:        c.Size,
			CreatedAt:   now,
		}
		if c.Action == models.ActionDeleted {
			row.Deleted = true
			row.ContentHash = ""
			row.Size = 0
		} else {
			row.ContentKey = contentstore.Key(projectID, commitID, c.Path)
		}
		rows = append(rows, row)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		history := s.historyRepo.WithTx(tx)
		if err := history.CreateCommit(ctx, commit); err != nil {
			return err
		}
		if err := history.CreateFiles(ctx, rows); err != nil {
			return err
		}
		_, err := s.changeRepo.WithTx(tx).DeleteSnapshot(ctx, snapshot)
		return err
	})
	if err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		log.Error("commit transaction failed", zap.String("commit_id", commitID.String()), zap.Error(err))
		return nil, err
	}

	metrics.Commits.WithLabelValues("success").Inc()
	log.Info("commit created", zap.String("commit_id", commitID.String()), zap.Int("file_count", commit.FileCount))
	publish(ctx, s.publisher, events.Event{
		ProjectID: projectID,
		Type:      events.TypeCommitCreated,
		Payload: events.CommitCreated{
			CommitID:  commitID.String(),
			Message:   commit.Message,
			FileCount: commit.FileCount,
		},
	})
	return commit, nil
}

func (s *commitService) putBlobs(ctx context.Context, projectID, commitID uuid.UUID, changes []models.PendingChange) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, c := range changes {
		if c.Action == models.ActionDeleted {
			continue
		}
		c := c
		g.Go(func() error {
			return s.store.Put(gctx, contentstore.Key(projectID, commitID, c.Path), c.Content)
		})
	}
	return g.Wait()
}

func (s *commitService) Tree(ctx context.Context, projectID uuid.UUID) ([]models.FileHistory, error) {
	rows, err := s.historyRepo.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return latestPerPath(rows), nil
}

// latestPerPath keeps the newest record per path and drops tombstones.
func latestPerPath(rows []models.FileHistory) []models.FileHistory {
	newest := make(map[string]models.FileHistory, len(rows))
	for _, r := range rows {
		if cur, ok := newest[r.Path]; !ok || r.Newer(cur) {
			newest[r.Path] = r
		}
	}
	out := make([]models.FileHistory, 0, len(newest))
	for _, r := range newest {
		if r.Deleted {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *commitService) LatestFiles(ctx context.Context, projectID uuid.UUID) (map[string][]byte, error) {
	tree, err := s.Tree(ctx, projectID)
	if err != nil {
		return nil, err
	}

	contents := make([][]byte, len(tree))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for i, rec := range tree {
		i, rec := i, rec
		g.Go(func() error {
			data, err := s.store.Get(gctx, rec.ContentKey)
			if err != nil {
				if appErr.IsCode(err, appErr.CodeNotFound) {
					return appErr.Wrap(err, appErr.CodeDataIntegrity, "history references missing content for "+rec.Path).
						WithMeta("commit_id", rec.CommitID.String())
				}
				return err
			}
			if rec.ContentHash != "" && utils.ContentHash(data) != rec.ContentHash {
				return appErr.New(appErr.CodeDataIntegrity, "stored content does not match recorded hash for "+rec.Path).
					WithMeta("commit_id", rec.CommitID.String())
			}
			contents[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Project(projectID).Error("resolve latest files failed", zap.Error(err))
		return nil, err
	}

	out := make(map[string][]byte, len(tree))
	for i, rec := range tree {
		out[rec.Path] = contents[i]
	}
	return out, nil
}

func (s *commitService) ListCommits(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Commit, error) {
	return s.historyRepo.ListCommits(ctx, projectID, limit)
}

func (s *commitService) GetCommit(ctx context.Context, projectID, commitID uuid.UUID) (*CommitDetail, error) {
	c, err := s.historyRepo.GetCommit(ctx, projectID, commitID)
	if err != nil {
		return nil, err
	}
	files, err := s.historyRepo.ListFilesByCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return &CommitDetail{Commit: *c, Files: files}, nil
}

func (s *commitService) PathHistory(ctx context.Context, projectID uuid.UUID, path string) ([]models.FileHistory, error) {
	clean, err := contentstore.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return s.historyRepo.ListPath(ctx, projectID, clean)
}
