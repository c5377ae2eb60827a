package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sitesync/engine/internal/builder"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/provider"
	"github.com/sitesync/engine/internal/services"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/sitesync/engine/pkg/metrics"
	"go.uber.org/zap"
)

type DeployOptions struct {
	PollInterval      time.Duration
	PollRetryInterval time.Duration
	// MaxPolls fails an attempt whose provider never settles.
	MaxPolls int
}

// DeployTaskHandler drives deploy attempts from pending to a terminal state.
// Every state change goes through DeployService.
type DeployTaskHandler struct {
	deploySvc  services.DeployService
	commitSvc  services.CommitService
	projectSvc services.ProjectService
	builder    builder.Builder
	provider   provider.Provider
	scheduler  services.Scheduler
	opts       DeployOptions
	// finalTry reports whether the running task has no retries left.
	finalTry func(ctx context.Context) bool
}

func NewDeployTaskHandler(
	deploySvc services.DeployService,
	commitSvc services.CommitService,
	projectSvc services.ProjectService,
	b builder.Builder,
	p provider.Provider,
	scheduler services.Scheduler,
	opts DeployOptions,
) *DeployTaskHandler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollRetryInterval <= 0 {
		opts.PollRetryInterval = 30 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 720
	}
	return &DeployTaskHandler{
		deploySvc:  deploySvc,
		commitSvc:  commitSvc,
		projectSvc: projectSvc,
		builder:    b,
		provider:   p,
		scheduler:  scheduler,
		opts:       opts,
		finalTry:   lastAttempt,
	}
}

// Register binds the handler to its task types.
func (h *DeployTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDeployBuild, h.HandleBuild)
	mux.HandleFunc(TypeDeployPoll, h.HandlePoll)
	mux.HandleFunc(TypeDeploySweep, h.HandleSweep)
}

func (h *DeployTaskHandler) HandleBuild(ctx context.Context, t *asynq.Task) (err error) {
	id, err := parsePayload(t)
	if err != nil {
		logger.L().Error("invalid build task payload", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	defer h.recover(id, &err)
	return h.giveUp(ctx, id, h.build(ctx, id))
}

func (h *DeployTaskHandler) HandlePoll(ctx context.Context, t *asynq.Task) (err error) {
	id, err := parsePayload(t)
	if err != nil {
		logger.L().Error("invalid poll task payload", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	defer h.recover(id, &err)
	return h.giveUp(ctx, id, h.poll(ctx, id))
}

// HandleSweep fails attempts whose tasks were lost, releasing their projects.
func (h *DeployTaskHandler) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := h.deploySvc.ExpireStalled(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.L().Warn("stalled deploy attempts failed", zap.Int("count", n))
	}
	return nil
}

// giveUp lets asynq retry err while retries remain. On the final try the
// attempt is failed so it cannot stay active with no task driving it.
func (h *DeployTaskHandler) giveUp(ctx context.Context, attemptID uuid.UUID, err error) error {
	if err == nil || !h.finalTry(ctx) {
		return err
	}
	logger.L().Error("deploy task out of retries, failing attempt", zap.String("attempt_id", attemptID.String()), zap.Error(err))
	h.fail(ctx, attemptID, "gave up after repeated errors: "+err.Error())
	return nil
}

// recover keeps a panic in one attempt from taking the worker down and
// marks the attempt failed.
func (h *DeployTaskHandler) recover(attemptID uuid.UUID, err *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.L().Error("deploy task panicked", zap.String("attempt_id", attemptID.String()), zap.Any("panic", r), zap.Stack("stack"))
	h.fail(context.Background(), attemptID, fmt.Sprintf("internal error: %v", r))
	*err = fmt.Errorf("panic: %v: %w", r, asynq.SkipRetry)
}

func (h *DeployTaskHandler) build(ctx context.Context, attemptID uuid.UUID) error {
	attempt, err := h.deploySvc.Get(ctx, attemptID)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			logger.L().Warn("build task for unknown attempt dropped", zap.String("attempt_id", attemptID.String()))
			return nil
		}
		return err
	}
	log := logger.Attempt(attempt.ProjectID, attempt.ID)

	switch attempt.Status {
	case models.DeployPending:
		if _, err := h.deploySvc.Transition(ctx, attemptID, models.DeployBuilding, services.TransitionOptions{}); err != nil {
			return h.stopOnConflict(log, err)
		}
	case models.DeployBuilding:
		log.Info("resuming interrupted build")
	case models.DeployDeploying:
		log.Info("build already handed off, resuming polling")
		return h.scheduler.SchedulePoll(ctx, attemptID, h.opts.PollInterval)
	default:
		log.Info("build task for finished attempt ignored", zap.String("status", string(attempt.Status)))
		return nil
	}

	project, err := h.projectSvc.GetProject(ctx, attempt.ProjectID, "")
	if err != nil {
		return h.failOrRetry(ctx, attemptID, err)
	}
	files, err := h.commitSvc.LatestFiles(ctx, attempt.ProjectID)
	if err != nil {
		return h.failOrRetry(ctx, attemptID, err)
	}

	artifact, err := h.builder.Build(ctx, &builder.Request{
		ProjectID:    attempt.ProjectID,
		AttemptID:    attemptID,
		TemplateKind: project.TemplateKind,
		Settings:     project.Settings.Data(),
		Files:        files,
		Log: func(level, message string) {
			if err := h.deploySvc.Log(ctx, attemptID, level, message); err != nil {
				log.Warn("append build log failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		log.Error("build failed", zap.Error(err))
		h.fail(ctx, attemptID, err.Error())
		return nil
	}
	_ = h.deploySvc.Log(ctx, attemptID, "info", fmt.Sprintf("Build produced %d file(s)", len(artifact.Files)))

	// A cancel that landed during the build wins; nothing is uploaded.
	if current, err := h.deploySvc.Get(ctx, attemptID); err == nil && current.Status != models.DeployBuilding {
		log.Info("attempt left building during build, not uploading", zap.String("status", string(current.Status)))
		return nil
	}

	siteID := project.ProviderSiteID
	if siteID == "" {
		siteID, err = h.provider.CreateSite(ctx, provider.Site{ProjectID: project.ID, Name: project.Name})
		if err != nil {
			return h.failOrRetry(ctx, attemptID, err)
		}
		if err := h.deploySvc.SetProviderSite(ctx, project.ID, siteID); err != nil {
			return err
		}
		log.Info("provider site created", zap.String("provider", h.provider.Name()), zap.String("site_id", siteID))
	}

	deployID, err := h.provider.CreateDeploy(ctx, siteID, artifact)
	if err != nil {
		return h.failOrRetry(ctx, attemptID, err)
	}
	if _, err := h.deploySvc.Transition(ctx, attemptID, models.DeployDeploying, services.TransitionOptions{
		ProviderDeployID: deployID,
		Message:          "Uploaded to " + h.provider.Name() + " as deploy " + deployID,
	}); err != nil {
		return h.stopOnConflict(log, err)
	}
	return h.scheduler.SchedulePoll(ctx, attemptID, h.opts.PollInterval)
}

func (h *DeployTaskHandler) poll(ctx context.Context, attemptID uuid.UUID) error {
	attempt, err := h.deploySvc.Get(ctx, attemptID)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil
		}
		return err
	}
	if attempt.Status != models.DeployDeploying {
		// Terminal or cancelled attempts simply stop polling.
		return nil
	}
	log := logger.Attempt(attempt.ProjectID, attempt.ID)
	if err := h.deploySvc.RecordPoll(ctx, attemptID); err != nil {
		log.Warn("record poll failed", zap.Error(err))
	}
	if attempt.PollCount+1 > h.opts.MaxPolls {
		metrics.ProviderPolls.WithLabelValues("timeout").Inc()
		h.fail(ctx, attemptID, fmt.Sprintf("provider did not finish after %d status checks", h.opts.MaxPolls))
		return nil
	}

	st, err := h.provider.GetDeployStatus(ctx, attempt.ProviderDeployID)
	if err != nil {
		if appErr.IsTransient(err) {
			metrics.ProviderPolls.WithLabelValues("transient_error").Inc()
			log.Warn("provider status check failed, retrying later", zap.Duration("in", h.opts.PollRetryInterval), zap.Error(err))
			return h.scheduler.SchedulePoll(ctx, attemptID, h.opts.PollRetryInterval)
		}
		metrics.ProviderPolls.WithLabelValues("error").Inc()
		h.fail(ctx, attemptID, err.Error())
		return nil
	}

	switch st.State {
	case provider.StateReady:
		metrics.ProviderPolls.WithLabelValues("ready").Inc()
		url := st.URL
		if project, err := h.projectSvc.GetProject(ctx, attempt.ProjectID, ""); err == nil && project.ProviderSiteID != "" {
			if canonical, err := h.provider.GetSiteURL(ctx, project.ProviderSiteID); err == nil && canonical != "" {
				url = canonical
			} else if err != nil {
				log.Warn("canonical url lookup failed, using deploy url", zap.Error(err))
			}
		}
		_, err := h.deploySvc.Transition(ctx, attemptID, models.DeploySuccess, services.TransitionOptions{URL: url})
		return h.stopOnConflict(log, err)
	case provider.StateError:
		metrics.ProviderPolls.WithLabelValues("failed").Inc()
		msg := st.Error
		if msg == "" {
			msg = h.provider.Name() + " reported a failed deploy"
		}
		_, err := h.deploySvc.Transition(ctx, attemptID, models.DeployFailed, services.TransitionOptions{Error: msg})
		return h.stopOnConflict(log, err)
	default:
		metrics.ProviderPolls.WithLabelValues("pending").Inc()
		return h.scheduler.SchedulePoll(ctx, attemptID, h.opts.PollInterval)
	}
}

// failOrRetry hands transient errors back to asynq for a retry and fails the
// attempt for everything else, or once retries are used up.
func (h *DeployTaskHandler) failOrRetry(ctx context.Context, attemptID uuid.UUID, err error) error {
	if appErr.IsTransient(err) && !h.finalTry(ctx) {
		logger.L().Warn("transient deploy error, task will retry", zap.String("attempt_id", attemptID.String()), zap.Error(err))
		return err
	}
	h.fail(ctx, attemptID, err.Error())
	return nil
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}

func (h *DeployTaskHandler) fail(ctx context.Context, attemptID uuid.UUID, msg string) {
	_, err := h.deploySvc.Transition(context.WithoutCancel(ctx), attemptID, models.DeployFailed, services.TransitionOptions{Error: msg})
	if err != nil && !appErr.IsCode(err, appErr.CodeConflict) {
		logger.L().Error("mark attempt failed", zap.String("attempt_id", attemptID.String()), zap.Error(err))
	}
}

// stopOnConflict ends the task quietly when the attempt moved on without us,
// such as a cancel racing a transition.
func (h *DeployTaskHandler) stopOnConflict(log *zap.Logger, err error) error {
	if err == nil {
		return nil
	}
	if appErr.IsCode(err, appErr.CodeConflict) {
		log.Info("attempt changed concurrently, stopping", zap.Error(err))
		return nil
	}
	return err
}
