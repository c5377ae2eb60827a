package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/repository"
	"github.com/sitesync/engine/internal/testutil"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleBuild(ctx context.Context, attemptID uuid.UUID) error {
	return m.Called(ctx, attemptID).Error(0)
}

func (m *mockScheduler) SchedulePoll(ctx context.Context, attemptID uuid.UUID, delay time.Duration) error {
	return m.Called(ctx, attemptID, delay).Error(0)
}

// hookStore runs beforePut ahead of every Put and can fail selected keys.
type hookStore struct {
	contentstore.Store
	mu        sync.Mutex
	beforePut func(key string) error
}

func (h *hookStore) Put(ctx context.Context, key string, data []byte) error {
	h.mu.Lock()
	hook := h.beforePut
	h.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}
	return h.Store.Put(ctx, key, data)
}

type harness struct {
	db       *gorm.DB
	project  *models.Project
	events   *testutil.Recorder
	store    *hookStore
	sched    *mockScheduler
	projects repository.ProjectRepository
	changes  repository.PendingChangeRepository
	history  repository.HistoryRepository
	deploys  repository.DeployRepository
	locks    repository.LockRepository
	ledger   LedgerService
	commits  CommitService
	deploy   DeployService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	h := &harness{
		db:       db,
		project:  testutil.NewProject(t, db, "site"),
		events:   &testutil.Recorder{},
		store:    &hookStore{Store: contentstore.NewDBStore(db)},
		sched:    &mockScheduler{},
		projects: repository.NewProjectRepository(db),
		changes:  repository.NewPendingChangeRepository(db),
		history:  repository.NewHistoryRepository(db),
		deploys:  repository.NewDeployRepository(db),
		locks:    repository.NewLockRepository(db),
	}
	h.ledger = NewLedgerService(h.projects, h.changes, h.events)
	h.commits = NewCommitService(db, h.projects, h.changes, h.history, h.locks, h.store, h.events, CommitOptions{})
	h.deploy = NewDeployService(db, h.projects, h.history, h.deploys, h.locks, h.sched, h.events, DeployServiceOptions{})
	return h
}

func (h *harness) stage(t *testing.T, path string, action models.ChangeAction, content string) {
	t.Helper()
	if _, err := h.ledger.Stage(context.Background(), h.project.ID, StageInput{Path: path, Action: action, Content: []byte(content)}); err != nil {
		t.Fatalf("stage %s: %v", path, err)
	}
}

func (h *harness) commit(t *testing.T, message string, files map[string]string) *models.Commit {
	t.Helper()
	for p, c := range files {
		h.stage(t, p, models.ActionModified, c)
	}
	c, err := h.commits.Commit(context.Background(), h.project.ID, CommitInput{Message: message})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return c
}
