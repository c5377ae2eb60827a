package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockRepository guards per-project critical sections with lock rows.
type LockRepository interface {
	WithTx(tx *gorm.DB) LockRepository
	// TryAcquire inserts the lock row. It returns false, without error, when
	// another holder already owns an unexpired lock of the same kind.
	TryAcquire(ctx context.Context, projectID uuid.UUID, kind models.LockKind, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, projectID uuid.UUID, kind models.LockKind, holder string) error
}

type lockRepository struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) LockRepository {
	return &lockRepository{db: db}
}

func (r *lockRepository) WithTx(tx *gorm.DB) LockRepository {
	return NewLockRepository(tx)
}

func (r *lockRepository) TryAcquire(ctx context.Context, projectID uuid.UUID, kind models.LockKind, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	lock := models.ProjectLock{ProjectID: projectID, Kind: kind, Holder: holder, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		lock.ExpiresAt = &exp
	}

	ok, err := r.insert(ctx, &lock)
	if err != nil || ok {
		return ok, err
	}

	// A crashed holder leaves its row behind; reclaim it once it has expired.
	res := r.db.WithContext(ctx).
		Where("project_id = ? AND kind = ? AND expires_at IS NOT NULL AND expires_at < ?", projectID, kind, now).
		Delete(&models.ProjectLock{})
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "reclaim expired lock failed")
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return r.insert(ctx, &lock)
}

func (r *lockRepository) insert(ctx context.Context, lock *models.ProjectLock) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(lock)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "acquire lock failed")
	}
	return res.RowsAffected > 0, nil
}

func (r *lockRepository) Release(ctx context.Context, projectID uuid.UUID, kind models.LockKind, holder string) error {
	res := r.db.WithContext(ctx).
		Where("project_id = ? AND kind = ? AND holder = ?", projectID, kind, holder).
		Delete(&models.ProjectLock{})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "release lock failed")
	}
	return nil
}
