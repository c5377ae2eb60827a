package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProjectStatus is the deploy state a project exposes to clients.
type ProjectStatus string

const (
	// ProjectStatusNone means the project has never been deployed.
	ProjectStatusNone      ProjectStatus = ""
	ProjectStatusPending   ProjectStatus = "pending"
	ProjectStatusBuilding  ProjectStatus = "building"
	ProjectStatusReady     ProjectStatus = "ready"
	ProjectStatusFailed    ProjectStatus = "failed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// Project is the aggregate root for a user's site. DeployStatus, LiveURL and
// the provider identifiers are written only by the deploy state machine.
type Project struct {
	ID               uuid.UUID                         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           string                            `gorm:"type:varchar(64);index" json:"user_id"`
	Name             string                            `gorm:"not null" json:"name" validate:"required"`
	TemplateKind     string                            `gorm:"type:varchar(32);not null;default:static" json:"template_kind" validate:"required,oneof=static vite"`
	DeployStatus     ProjectStatus                     `gorm:"type:varchar(32);index" json:"deploy_status"`
	LiveURL          *string                           `gorm:"type:text" json:"live_url"`
	ProviderSiteID   string                            `gorm:"type:varchar(128)" json:"provider_site_id"`
	ProviderDeployID string                            `gorm:"type:varchar(128)" json:"provider_deploy_id"`
	Settings         datatypes.JSONType[BuildSettings] `json:"settings"`
	CreatedAt        time.Time                         `json:"created_at"`
	UpdatedAt        time.Time                         `json:"updated_at"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// BuildSettings overrides how the builder produces a project's artifact.
// Empty fields fall back to the template defaults.
type BuildSettings struct {
	InstallCommand string `json:"installCommand,omitempty"`
	BuildCommand   string `json:"buildCommand,omitempty"`
	OutputDir      string `json:"outputDir,omitempty"`
}
