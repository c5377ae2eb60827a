package types

import "github.com/sitesync/engine/internal/models"

type ProjectCreateRequest struct {
	Name         string               `json:"name" validate:"required,max=120"`
	TemplateKind string               `json:"templateKind" validate:"omitempty,oneof=static vite"`
	Settings     models.BuildSettings `json:"settings"`
}

// StageChangeRequest carries file content as text, as agents send it.
type StageChangeRequest struct {
	Path    string `json:"path" validate:"required"`
	Action  string `json:"action" validate:"required,oneof=added modified deleted"`
	Content string `json:"content"`
}

type CommitRequest struct {
	Message string `json:"message" validate:"max=500"`
	// Deploy starts a deploy of the new commit right away.
	Deploy bool `json:"deploy"`
}

type DeployTriggerRequest struct {
	// CommitID defaults to the latest commit.
	CommitID string `json:"commitId" validate:"omitempty,uuid"`
}
