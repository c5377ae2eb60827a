package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Commit is an immutable snapshot boundary. IDs are UUIDv7 so that, for equal
// creation times, the lexically greater id is the later commit.
type Commit struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index:idx_commits_project_created,priority:1" json:"project_id"`
	Message   string    `gorm:"type:text" json:"message"`
	FileCount int       `gorm:"not null" json:"file_count"`
	Author    string    `gorm:"type:varchar(128)" json:"author"`
	CreatedAt time.Time `gorm:"index:idx_commits_project_created,priority:2" json:"created_at"`
}

func (c *Commit) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		c.ID = id
	}
	return nil
}

// FileHistory records one path as of one commit. Rows are append-only; a
// deleted path is recorded as a tombstone with no content key.
type FileHistory struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index:idx_history_project_path,priority:1" json:"project_id"`
	CommitID    uuid.UUID `gorm:"type:uuid;not null;index" json:"commit_id"`
	Path        string    `gorm:"type:varchar(1024);not null;index:idx_history_project_path,priority:2" json:"path"`
	ContentKey  string    `gorm:"type:text" json:"content_key"`
	ContentHash string    `gorm:"type:varchar(64)" json:"content_hash"`
	Size        int64     `json:"size"`
	Diff        *string   `gorm:"type:text" json:"diff,omitempty"`
	Deleted     bool      `gorm:"not null;default:false" json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *FileHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// Newer reports whether h supersedes other for the same path: strictly later
// creation time, then the greater commit id.
func (h FileHistory) Newer(other FileHistory) bool {
	if !h.CreatedAt.Equal(other.CreatedAt) {
		return h.CreatedAt.After(other.CreatedAt)
	}
	return h.CommitID.String() > other.CommitID.String()
}
