package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/stretchr/testify/require"
)

type enqueued struct {
	task *asynq.Task
	opts map[asynq.OptionType]any
}

type fakeEnqueuer struct {
	got []enqueued
	err error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := map[asynq.OptionType]any{}
	for _, o := range opts {
		m[o.Type()] = o.Value()
	}
	f.got = append(f.got, enqueued{task: task, opts: m})
	return &asynq.TaskInfo{ID: "t-1"}, nil
}

func TestScheduleBuild(t *testing.T) {
	f := &fakeEnqueuer{}
	s := NewAsynqScheduler(f, "deploys", 5*time.Minute)
	id := uuid.New()

	require.NoError(t, s.ScheduleBuild(context.Background(), id))
	require.Len(t, f.got, 1)
	got := f.got[0]
	require.Equal(t, TypeDeployBuild, got.task.Type())
	parsed, err := parsePayload(got.task)
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.Equal(t, "deploys", got.opts[asynq.QueueOpt])
	require.Equal(t, "build:"+id.String(), got.opts[asynq.TaskIDOpt])
	require.Equal(t, 7*time.Minute, got.opts[asynq.TimeoutOpt])
}

func TestScheduleBuildTwiceIsNotAnError(t *testing.T) {
	s := NewAsynqScheduler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, "", 0)
	require.NoError(t, s.ScheduleBuild(context.Background(), uuid.New()))
}

func TestSchedulePollDelay(t *testing.T) {
	f := &fakeEnqueuer{}
	s := NewAsynqScheduler(f, "", 0)
	id := uuid.New()

	require.NoError(t, s.SchedulePoll(context.Background(), id, 30*time.Second))
	require.Len(t, f.got, 1)
	require.Equal(t, TypeDeployPoll, f.got[0].task.Type())
	require.Equal(t, 30*time.Second, f.got[0].opts[asynq.ProcessInOpt])
	require.Equal(t, "default", f.got[0].opts[asynq.QueueOpt])
}

func TestScheduleFailureIsTransient(t *testing.T) {
	s := NewAsynqScheduler(&fakeEnqueuer{err: errors.New("redis down")}, "", 0)
	err := s.ScheduleBuild(context.Background(), uuid.New())
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	err = s.SchedulePoll(context.Background(), uuid.New(), time.Second)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
}

type fakeRegistrar struct {
	spec string
	task *asynq.Task
	opts map[asynq.OptionType]any
}

func (f *fakeRegistrar) Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error) {
	f.spec, f.task, f.opts = cronspec, task, map[asynq.OptionType]any{}
	for _, o := range opts {
		f.opts[o.Type()] = o.Value()
	}
	return "entry-1", nil
}

func TestRegisterSweep(t *testing.T) {
	r := &fakeRegistrar{}
	require.NoError(t, RegisterSweep(r, time.Minute))
	require.Equal(t, "@every 1m0s", r.spec)
	require.Equal(t, TypeDeploySweep, r.task.Type())
	require.Equal(t, QueueDeploys, r.opts[asynq.QueueOpt])
	require.Equal(t, time.Minute, r.opts[asynq.UniqueOpt])
}
