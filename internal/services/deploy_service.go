package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/repository"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/sitesync/engine/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeployService owns the deploy attempt state machine. It is the only writer
// of a project's deploy status and live URL.
type DeployService interface {
	// Trigger starts an attempt for commitID, or for the latest commit when
	// commitID is uuid.Nil. It fails with CodeDeployInProgress while another
	// attempt of the project is active.
	Trigger(ctx context.Context, projectID, commitID uuid.UUID) (*models.DeployAttempt, error)
	// Transition moves an attempt to the given status. Transitions that are not
	// allowed from the attempt's current status fail with CodeConflict.
	Transition(ctx context.Context, attemptID uuid.UUID, to models.DeployStatus, opts TransitionOptions) (*models.DeployAttempt, error)
	Cancel(ctx context.Context, projectID, attemptID uuid.UUID) (*models.DeployAttempt, error)
	Get(ctx context.Context, attemptID uuid.UUID) (*models.DeployAttempt, error)
	List(ctx context.Context, projectID uuid.UUID) ([]models.DeployAttempt, error)
	Logs(ctx context.Context, attemptID uuid.UUID) ([]models.DeployLog, error)
	// Log appends a user-visible line without changing state.
	Log(ctx context.Context, attemptID uuid.UUID, level, message string) error
	// RecordPoll counts a provider status poll on the attempt.
	RecordPoll(ctx context.Context, attemptID uuid.UUID) error
	// SetProviderSite remembers the provider site created for a project.
	SetProviderSite(ctx context.Context, projectID uuid.UUID, siteID string) error
	// ExpireStalled fails every active attempt that made no progress within
	// the configured window and reports how many it failed.
	ExpireStalled(ctx context.Context) (int, error)
}

type DeployServiceOptions struct {
	// StaleAfter is how long an active attempt may go without an update
	// before it is failed and the project is freed for a new deploy.
	StaleAfter time.Duration
}

// TransitionOptions carries the data a transition records alongside the status.
type TransitionOptions struct {
	Message          string
	Error            string
	URL              string
	ProviderDeployID string
}

// allowedTransitions is the deploy attempt state machine.
var allowedTransitions = map[models.DeployStatus][]models.DeployStatus{
	models.DeployPending:   {models.DeployBuilding, models.DeployFailed, models.DeployCancelled},
	models.DeployBuilding:  {models.DeployDeploying, models.DeployFailed, models.DeployCancelled},
	models.DeployDeploying: {models.DeploySuccess, models.DeployFailed},
}

// CanTransition reports whether an attempt in from may move to to.
func CanTransition(from, to models.DeployStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type deployService struct {
	db          *gorm.DB
	projectRepo repository.ProjectRepository
	historyRepo repository.HistoryRepository
	deployRepo  repository.DeployRepository
	lockRepo    repository.LockRepository
	scheduler   Scheduler
	publisher   events.Publisher
	opts        DeployServiceOptions
}

func NewDeployService(
	db *gorm.DB,
	projectRepo repository.ProjectRepository,
	historyRepo repository.HistoryRepository,
	deployRepo repository.DeployRepository,
	lockRepo repository.LockRepository,
	scheduler Scheduler,
	pub events.Publisher,
	opts DeployServiceOptions,
) DeployService {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	return &deployService{
		db:          db,
		projectRepo: projectRepo,
		historyRepo: historyRepo,
		deployRepo:  deployRepo,
		lockRepo:    lockRepo,
		scheduler:   scheduler,
		publisher:   pub,
		opts:        opts,
	}
}

var _ DeployService = (*deployService)(nil)

func (s *deployService) Trigger(ctx context.Context, projectID, commitID uuid.UUID) (*models.DeployAttempt, error) {
	log := logger.Project(projectID)
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}

	var commit *models.Commit
	var err error
	if commitID == uuid.Nil {
		commit, err = s.historyRepo.LatestCommit(ctx, projectID)
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, appErr.New(appErr.CodeInvalid, "project has no commits to deploy")
		}
	} else {
		commit, err = s.historyRepo.GetCommit(ctx, projectID, commitID)
	}
	if err != nil {
		return nil, err
	}

	s.reclaimStalled(ctx, projectID)

	attempt := &models.DeployAttempt{
		ID:        uuid.New(),
		ProjectID: projectID,
		CommitID:  commit.ID,
		Status:    models.DeployPending,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.lockRepo.WithTx(tx).TryAcquire(ctx, projectID, models.LockDeploy, attempt.ID.String(), 0)
		if err != nil {
			return err
		}
		if !ok {
			return appErr.New(appErr.CodeDeployInProgress, "a deploy is already in progress for this project")
		}
		deploys := s.deployRepo.WithTx(tx)
		if err := deploys.Create(ctx, attempt); err != nil {
			return err
		}
		if err := deploys.AppendLog(ctx, attempt.ID, "info", fmt.Sprintf("Deploy queued for commit %s", commit.ID)); err != nil {
			return err
		}
		return s.projectRepo.WithTx(tx).UpdateDeployFields(ctx, projectID, map[string]any{
			"deploy_status": models.ProjectStatusPending,
		})
	})
	if err != nil {
		if appErr.IsCode(err, appErr.CodeDeployInProgress) {
			log.Info("deploy rejected: another attempt is active")
		} else {
			log.Error("create deploy attempt failed", zap.Error(err))
		}
		return nil, err
	}

	metrics.DeployTransitions.WithLabelValues(string(models.DeployPending)).Inc()
	log.Info("deploy attempt created", zap.String("attempt_id", attempt.ID.String()), zap.String("commit_id", commit.ID.String()))
	s.announce(ctx, attempt, "")

	if s.scheduler == nil {
		log.Warn("scheduler not configured, attempt will not run", zap.String("attempt_id", attempt.ID.String()))
		return attempt, nil
	}
	if err := s.scheduler.ScheduleBuild(ctx, attempt.ID); err != nil {
		log.Error("enqueue build failed", zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		_, _ = s.Transition(context.WithoutCancel(ctx), attempt.ID, models.DeployFailed, TransitionOptions{
			Message: "Could not schedule build",
			Error:   err.Error(),
		})
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "schedule build failed")
	}
	return attempt, nil
}

func (s *deployService) Transition(ctx context.Context, attemptID uuid.UUID, to models.DeployStatus, opts TransitionOptions) (*models.DeployAttempt, error) {
	var attempt models.DeployAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deploys := s.deployRepo.WithTx(tx)
		if err := deploys.GetByID(ctx, attemptID, &attempt); err != nil {
			return err
		}
		from := attempt.Status
		if !CanTransition(from, to) {
			return appErr.New(appErr.CodeConflict, fmt.Sprintf("deploy attempt cannot move from %s to %s", from, to)).
				WithMeta("status", string(from))
		}

		now := time.Now().UTC()
		fields := map[string]any{"status": to, "updated_at": now}
		if opts.Error != "" {
			fields["error_message"] = opts.Error
			attempt.ErrorMessage = opts.Error
		}
		if opts.ProviderDeployID != "" {
			fields["provider_deploy_id"] = opts.ProviderDeployID
			attempt.ProviderDeployID = opts.ProviderDeployID
		}
		if opts.URL != "" {
			url := opts.URL
			fields["url"] = url
			attempt.URL = &url
		}
		ok, err := deploys.UpdateFrom(ctx, attemptID, from, fields)
		if err != nil {
			return err
		}
		if !ok {
			return appErr.New(appErr.CodeConflict, "deploy attempt changed concurrently")
		}
		attempt.Status = to
		attempt.UpdatedAt = now

		level := "info"
		if to == models.DeployFailed {
			level = "error"
		}
		if err := deploys.AppendLog(ctx, attemptID, level, transitionLine(to, opts)); err != nil {
			return err
		}

		project := map[string]any{"deploy_status": to.ProjectStatus()}
		if opts.ProviderDeployID != "" {
			project["provider_deploy_id"] = opts.ProviderDeployID
		}
		if to == models.DeploySuccess && opts.URL != "" {
			project["live_url"] = opts.URL
		}
		if err := s.projectRepo.WithTx(tx).UpdateDeployFields(ctx, attempt.ProjectID, project); err != nil {
			return err
		}

		if to.Terminal() {
			return s.lockRepo.WithTx(tx).Release(ctx, attempt.ProjectID, models.LockDeploy, attemptID.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DeployTransitions.WithLabelValues(string(to)).Inc()
	logger.Attempt(attempt.ProjectID, attemptID).Info("deploy transition", zap.String("status", string(to)))
	s.announce(ctx, &attempt, opts.Error)
	return &attempt, nil
}

func transitionLine(to models.DeployStatus, opts TransitionOptions) string {
	msg := opts.Message
	if msg == "" {
		switch to {
		case models.DeployBuilding:
			msg = "Build started"
		case models.DeployDeploying:
			msg = "Artifact uploaded, waiting for provider"
		case models.DeploySuccess:
			msg = "Deploy is live"
		case models.DeployFailed:
			msg = "Deploy failed"
		case models.DeployCancelled:
			msg = "Deploy cancelled"
		default:
			msg = "Status changed to " + string(to)
		}
	}
	if opts.Error != "" {
		msg += ": " + opts.Error
	}
	if opts.URL != "" && to == models.DeploySuccess {
		msg += " at " + opts.URL
	}
	return msg
}

func (s *deployService) announce(ctx context.Context, a *models.DeployAttempt, errMsg string) {
	publish(ctx, s.publisher, events.Event{
		ProjectID: a.ProjectID,
		Type:      events.TypeDeployStatusUpdate,
		Payload: events.DeployStatusUpdate{
			Status:    string(a.Status.ProjectStatus()),
			Phase:     string(a.Status),
			AttemptID: a.ID.String(),
			URL:       a.URL,
			Error:     errMsg,
		},
	})
}

func (s *deployService) Cancel(ctx context.Context, projectID, attemptID uuid.UUID) (*models.DeployAttempt, error) {
	a, err := s.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.ProjectID != projectID {
		return nil, appErr.New(appErr.CodeNotFound, "deploy attempt not found")
	}
	if a.Status == models.DeployDeploying {
		return nil, appErr.New(appErr.CodeConflict, "deploy has already been handed to the provider")
	}
	return s.Transition(ctx, attemptID, models.DeployCancelled, TransitionOptions{Message: "Deploy cancelled by user"})
}

// reclaimStalled fails the project's active attempt when it stopped making
// progress, so a lost task cannot hold the deploy lock forever.
func (s *deployService) reclaimStalled(ctx context.Context, projectID uuid.UUID) {
	a, err := s.deployRepo.GetActiveByProject(ctx, projectID)
	if err != nil {
		if !appErr.IsCode(err, appErr.CodeNotFound) {
			logger.Project(projectID).Warn("active attempt lookup failed", zap.Error(err))
		}
		return
	}
	if time.Since(a.UpdatedAt) < s.opts.StaleAfter {
		return
	}
	s.expire(ctx, a)
}

func (s *deployService) ExpireStalled(ctx context.Context) (int, error) {
	stalled, err := s.deployRepo.ListStalled(ctx, time.Now().UTC().Add(-s.opts.StaleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stalled {
		if s.expire(ctx, &stalled[i]) {
			n++
		}
	}
	return n, nil
}

func (s *deployService) expire(ctx context.Context, a *models.DeployAttempt) bool {
	log := logger.Attempt(a.ProjectID, a.ID)
	_, err := s.Transition(ctx, a.ID, models.DeployFailed, TransitionOptions{
		Message: "Deploy stalled",
		Error:   fmt.Sprintf("no progress while %s since %s", a.Status, a.UpdatedAt.UTC().Format(time.RFC3339)),
	})
	if err != nil {
		if !appErr.IsCode(err, appErr.CodeConflict) {
			log.Error("expire stalled attempt failed", zap.Error(err))
		}
		return false
	}
	log.Warn("stalled deploy attempt failed", zap.String("status", string(a.Status)), zap.Time("updated_at", a.UpdatedAt))
	return true
}

func (s *deployService) Get(ctx context.Context, attemptID uuid.UUID) (*models.DeployAttempt, error) {
	var a models.DeployAttempt
	if err := s.deployRepo.GetByID(ctx, attemptID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *deployService) List(ctx context.Context, projectID uuid.UUID) ([]models.DeployAttempt, error) {
	return s.deployRepo.ListByProject(ctx, projectID)
}

func (s *deployService) Logs(ctx context.Context, attemptID uuid.UUID) ([]models.DeployLog, error) {
	return s.deployRepo.ListLogs(ctx, attemptID)
}

func (s *deployService) Log(ctx context.Context, attemptID uuid.UUID, level, message string) error {
	return s.deployRepo.AppendLog(ctx, attemptID, level, message)
}

func (s *deployService) RecordPoll(ctx context.Context, attemptID uuid.UUID) error {
	return s.deployRepo.IncrementPolls(ctx, attemptID)
}

func (s *deployService) SetProviderSite(ctx context.Context, projectID uuid.UUID, siteID string) error {
	return s.projectRepo.UpdateDeployFields(ctx, projectID, map[string]any{"provider_site_id": siteID})
}
