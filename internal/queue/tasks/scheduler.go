package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sitesync/engine/internal/services"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	TypeDeployBuild = "deploy:build"
	TypeDeployPoll  = "deploy:poll"
	TypeDeploySweep = "deploy:sweep"

	// QueueDeploys is the asynq queue deploy tasks run on.
	QueueDeploys = "deploys"
)

// DeployPayload is the task payload for build and poll tasks.
type DeployPayload struct {
	AttemptID string `json:"attempt_id"`
}

func newDeployTask(typ string, attemptID uuid.UUID) (*asynq.Task, error) {
	b, err := json.Marshal(DeployPayload{AttemptID: attemptID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, b), nil
}

func parsePayload(t *asynq.Task) (uuid.UUID, error) {
	var p DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(p.AttemptID)
}

// Enqueuer is the subset of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqScheduler persists deploy work in Redis so an attempt resumes after
// a worker restart.
type AsynqScheduler struct {
	client       Enqueuer
	queue        string
	buildTimeout time.Duration
}

func NewAsynqScheduler(client Enqueuer, queue string, buildTimeout time.Duration) *AsynqScheduler {
	if queue == "" {
		queue = "default"
	}
	if buildTimeout <= 0 {
		buildTimeout = 10 * time.Minute
	}
	return &AsynqScheduler{client: client, queue: queue, buildTimeout: buildTimeout}
}

var _ services.Scheduler = (*AsynqScheduler)(nil)

func (s *AsynqScheduler) ScheduleBuild(ctx context.Context, attemptID uuid.UUID) error {
	task, err := newDeployTask(TypeDeployBuild, attemptID)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode build task failed")
	}
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(s.buildTimeout+2*time.Minute),
		asynq.TaskID("build:"+attemptID.String()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.L().Info("build already enqueued", zap.String("attempt_id", attemptID.String()))
		return nil
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue build task failed")
	}
	logger.L().Info("build enqueued", zap.String("attempt_id", attemptID.String()), zap.String("task_id", info.ID))
	return nil
}

func (s *AsynqScheduler) SchedulePoll(ctx context.Context, attemptID uuid.UUID, delay time.Duration) error {
	task, err := newDeployTask(TypeDeployPoll, attemptID)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode poll task failed")
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.ProcessIn(delay),
	)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue poll task failed")
	}
	return nil
}

// PeriodicRegistrar is the part of asynq.Scheduler the sweep needs.
type PeriodicRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterSweep runs the stalled-attempt sweep every interval. Unique keeps
// schedulers on several workers from piling up duplicate sweeps.
func RegisterSweep(r PeriodicRegistrar, every time.Duration) error {
	_, err := r.Register("@every "+every.String(), asynq.NewTask(TypeDeploySweep, nil),
		asynq.Queue(QueueDeploys), asynq.Unique(every))
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "register deploy sweep failed")
	}
	return nil
}
