package event

import "github.com/steward-ai/steward/pkg/types"

// SessionCreatedData is the payload for session.created.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the payload for session.updated.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionIdleData is the payload for session.idle.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// MessageUpdatedData is the payload for message.updated.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// PartUpdatedData is the payload for message.part.updated. Delta carries the
// streamed text increment when one exists.
type PartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

// PermissionAskedData is the payload for permission.asked.
type PermissionAskedData struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PermissionRepliedData is the payload for permission.replied.
type PermissionRepliedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Reply     string `json:"reply"` // "once" | "always" | "reject"
}

// PlanAskedData is the payload for plan.asked. CallID ties the dialog back
// to the tool call that raised it.
type PlanAskedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	CallID    string `json:"callID"`
	Plan      string `json:"plan"`
}

// PlanRepliedData is the payload for plan.replied.
type PlanRepliedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Approved  bool   `json:"approved"`
}

// TodoUpdatedData is the payload for todo.updated.
type TodoUpdatedData struct {
	SessionID string           `json:"sessionID"`
	Todos     []types.TodoInfo `json:"todos"`
}

// ConfigUpdatedData is the payload for config.updated.
type ConfigUpdatedData struct {
	Path string `json:"path"`
}
