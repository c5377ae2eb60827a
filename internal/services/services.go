// Package services implements the sync-and-deploy core: the pending change
// ledger, commits and history, the deploy state machine and projects.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

// Scheduler enqueues durable deploy work. Implementations must survive a
// process restart between scheduling and execution.
type Scheduler interface {
	ScheduleBuild(ctx context.Context, attemptID uuid.UUID) error
	SchedulePoll(ctx context.Context, attemptID uuid.UUID, delay time.Duration) error
}

// publish delivers ev and logs delivery failures. Durable state is already
// written when events go out, so a lost event never fails the operation.
func publish(ctx context.Context, pub events.Publisher, ev events.Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		logger.Project(ev.ProjectID).Warn("publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
