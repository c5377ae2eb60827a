package types

import "github.com/sitesync/engine/internal/models"

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"page_size,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

type ProjectStatusResponse struct {
	DeployStatus   string  `json:"deployStatus"`
	URL            *string `json:"url"`
	PendingChanges int64   `json:"pendingChanges"`
}

// CommitResponse reports a commit and, when one was requested, the deploy
// it started or why it could not start.
type CommitResponse struct {
	Commit      *models.Commit        `json:"commit"`
	Deploy      *models.DeployAttempt `json:"deploy,omitempty"`
	DeployError *APIError             `json:"deployError,omitempty"`
}
