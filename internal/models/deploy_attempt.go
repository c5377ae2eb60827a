package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeployStatus is the state of a single DeployAttempt.
type DeployStatus string

const (
	DeployPending   DeployStatus = "pending"
	DeployBuilding  DeployStatus = "building"
	DeployDeploying DeployStatus = "deploying"
	DeploySuccess   DeployStatus = "success"
	DeployFailed    DeployStatus = "failed"
	DeployCancelled DeployStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s DeployStatus) Terminal() bool {
	return s == DeploySuccess || s == DeployFailed || s == DeployCancelled
}

// ProjectStatus is the project-level status this attempt state surfaces as.
func (s DeployStatus) ProjectStatus() ProjectStatus {
	switch s {
	case DeployPending:
		return ProjectStatusPending
	case DeployBuilding, DeployDeploying:
		return ProjectStatusBuilding
	case DeploySuccess:
		return ProjectStatusReady
	case DeployFailed:
		return ProjectStatusFailed
	case DeployCancelled:
		return ProjectStatusCancelled
	}
	return ProjectStatusNone
}

// DeployAttempt is one run of the build, deploy and poll state machine.
type DeployAttempt struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID        uuid.UUID    `gorm:"type:uuid;not null;index" json:"project_id"`
	CommitID         uuid.UUID    `gorm:"type:uuid;not null;index" json:"commit_id"`
	Status           DeployStatus `gorm:"type:varchar(32);index;not null" json:"status"`
	ProviderDeployID string       `gorm:"type:varchar(128)" json:"provider_deploy_id"`
	URL              *string      `gorm:"type:text" json:"url"`
	ErrorMessage     string       `gorm:"type:text" json:"error_message"`
	PollCount        int          `gorm:"not null;default:0" json:"poll_count"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (d *DeployAttempt) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// DeployLog is one ordered, user-visible line of a deploy attempt's log.
type DeployLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AttemptID uuid.UUID `gorm:"type:uuid;not null;index" json:"attempt_id"`
	Level     string    `gorm:"type:varchar(16);not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
