// Package types provides the core data records shared across steward.
package types

// PermissionMode controls how tool permissions are resolved for a session.
type PermissionMode string

const (
	ModeDefault     PermissionMode = "default"
	ModePlan        PermissionMode = "plan"
	ModeAcceptEdits PermissionMode = "acceptEdits"
	ModeBypass      PermissionMode = "bypassPermissions"
)

// SessionStatus is the current processing state of a session.
type SessionStatus string

const (
	StatusIdle  SessionStatus = "idle"
	StatusBusy  SessionStatus = "busy"
	StatusRetry SessionStatus = "retry"
)

// Session represents one conversation thread. A session spawned to serve a
// subagent task carries the parent session's id in ParentID.
type Session struct {
	ID        string         `json:"id"`
	ParentID  *string        `json:"parentID,omitempty"`
	Directory string         `json:"directory"`
	Title     string         `json:"title"`
	Mode      PermissionMode `json:"mode"`
	Status    SessionStatus  `json:"status"`

	// EngineSessionID is the upstream query-engine handle, persisted so a
	// later prompt can resume the engine-side conversation.
	EngineSessionID string `json:"engineSessionID,omitempty"`

	Summary SessionSummary `json:"summary"`
	Time    SessionTime    `json:"time"`
}

// SessionSummary aggregates code-change statistics for a session.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff represents the change to a single file between two snapshots.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

// SessionTime contains timestamps for a session, unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// TodoStatus is the progress state of a single todo entry.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoInfo is one entry of a session's todo list.
type TodoInfo struct {
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Priority string     `json:"priority,omitempty"`
}
