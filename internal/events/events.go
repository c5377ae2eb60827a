// Package events defines the server-originated events that fan out to a
// project's realtime room, and the Publisher seam they travel through.
package events

import (
	"context"

	"github.com/google/uuid"
)

// Server to client event names.
const (
	TypeAuthenticated      = "authenticated"
	TypeFileChangeStaged   = "file_change_staged"
	TypeCommitCreated      = "commit_created"
	TypeDeployStatusUpdate = "deploy_status_update"
	TypeAgentConnected     = "agent_connected"
	TypeAgentDisconnected  = "agent_disconnected"
	TypeSaveSuccess        = "save_success"
	TypeDiscardSuccess     = "discard_success"
	TypeStatus             = "status"
	TypeError              = "error"
)

// Event is addressed to every session in a project room. Exclude, when set,
// names the session that caused the event and should not receive its echo.
// Target, when set, narrows delivery to that one session.
type Event struct {
	ProjectID uuid.UUID
	Type      string
	Payload   any
	Exclude   string
	Target    string
}

// Publisher delivers events to project rooms. Implementations must preserve
// the order of calls made for the same project.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// FileChangeStaged carries the ledger revision of the path. Stages of one path
// from different API processes can interleave, so clients keep the highest
// revision seen per path.
type FileChangeStaged struct {
	Path     string `json:"path"`
	Action   string `json:"action"`
	Revision int64  `json:"revision"`
}

type CommitCreated struct {
	CommitID  string `json:"commitId"`
	Message   string `json:"message"`
	FileCount int    `json:"fileCount"`
}

type DeployStatusUpdate struct {
	Status    string  `json:"status"`
	Phase     string  `json:"phase,omitempty"`
	AttemptID string  `json:"attemptId,omitempty"`
	URL       *string `json:"url,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type AgentPresence struct {
	ProjectID string `json:"projectId"`
}

type SaveSuccess struct {
	CommitID  string `json:"commitId"`
	FileCount int    `json:"fileCount"`
}

type DiscardSuccess struct {
	Discarded int `json:"discarded"`
}

type Authenticated struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Status struct {
	DeployStatus   string  `json:"deployStatus"`
	URL            *string `json:"url,omitempty"`
	PendingChanges int     `json:"pendingChanges"`
	AgentConnected bool    `json:"agentConnected"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type originKey struct{}

// WithOrigin marks ctx as acting on behalf of a realtime session.
func WithOrigin(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, originKey{}, sessionID)
}

// Origin returns the session id set by WithOrigin, or "".
func Origin(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}

// Discard drops every event. Useful where no room can be listening.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
