package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChangeAction describes what happened to a path since the last commit.
type ChangeAction string

const (
	ActionAdded    ChangeAction = "added"
	ActionModified ChangeAction = "modified"
	ActionDeleted  ChangeAction = "deleted"
)

// Valid reports whether a is one of the known actions.
func (a ChangeAction) Valid() bool {
	switch a {
	case ActionAdded, ActionModified, ActionDeleted:
		return true
	}
	return false
}

// PendingChange is one unsaved edit. (project_id, path) is unique: new edits
// to the same path overwrite the row in place and bump Revision.
type PendingChange struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_pending_project_path,priority:1" json:"project_id"`
	Path        string       `gorm:"type:varchar(1024);not null;uniqueIndex:idx_pending_project_path,priority:2" json:"path"`
	Action      ChangeAction `gorm:"type:varchar(16);not null" json:"action"`
	Content     []byte       `json:"-"`
	ContentHash string       `gorm:"type:char(64);not null" json:"content_hash"`
	Size        int64        `gorm:"not null" json:"size"`
	Revision    int64        `gorm:"not null;default:1" json:"revision"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (c *PendingChange) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
