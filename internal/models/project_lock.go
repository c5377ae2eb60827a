package models

import (
	"time"

	"github.com/google/uuid"
)

// LockKind names the per-project critical section a ProjectLock guards.
type LockKind string

const (
	LockCommit LockKind = "commit"
	LockDeploy LockKind = "deploy"
)

// ProjectLock is a lock row. The composite primary key makes acquisition a
// single conditional insert, so two processes cannot both hold a kind.
type ProjectLock struct {
	ProjectID uuid.UUID  `gorm:"type:uuid;primaryKey" json:"project_id"`
	Kind      LockKind   `gorm:"type:varchar(16);primaryKey" json:"kind"`
	Holder    string     `gorm:"type:varchar(64);not null" json:"holder"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}
