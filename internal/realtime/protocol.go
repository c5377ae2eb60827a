// Package realtime admits websocket clients into project rooms, relays their
// commands into the ledger and commit path, and fans server events out to
// every session of a room.
package realtime

import (
	"encoding/json"
)

// Client to server command names.
const (
	CmdAuthenticate      = "authenticate"
	CmdStageChange       = "stage_change"
	CmdSaveAllChanges    = "save_all_changes"
	CmdDiscardAllChanges = "discard_all_changes"
	CmdGetStatus         = "get_status"
)

// ClientKind is the role a session announces in its handshake.
type ClientKind string

const (
	KindDashboard ClientKind = "dashboard"
	KindToolbar   ClientKind = "toolbar"
	KindAgent     ClientKind = "agent"
)

func (k ClientKind) Valid() bool {
	switch k {
	case KindDashboard, KindToolbar, KindAgent:
		return true
	}
	return false
}

// Envelope is the frame of every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthenticatePayload struct {
	ProjectID  string     `json:"projectId"`
	ClientKind ClientKind `json:"clientKind"`
	Token      string     `json:"token,omitempty"`
}

type StageChangePayload struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Content string `json:"content"`
}

type SaveAllChangesPayload struct {
	Message string `json:"message,omitempty"`
}

func encode(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, dst)
}
