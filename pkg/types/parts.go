package types

import "encoding/json"

// Part represents one typed fragment of a message's content. Part ids are
// ULIDs, unique within a message and sortable to reconstruct emission order.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// Tool call states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// TextPart represents a text content part.
type TextPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "text"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *TextPart) PartType() string { return "text" }
func (p *TextPart) PartID() string { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "reasoning"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string { return "reasoning" }
func (p *ReasoningPart) PartID() string { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }

// RedactedReasoningPart holds opaque reasoning the provider withheld.
type RedactedReasoningPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "redacted-reasoning"
	Data      string `json:"data,omitempty"`
}

func (p *RedactedReasoningPart) PartType() string { return "redacted-reasoning" }
func (p *RedactedReasoningPart) PartID() string { return p.ID }
func (p *RedactedReasoningPart) PartSessionID() string { return p.SessionID }

// FilePart represents a file attachment.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "file"
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

func (p *FilePart) PartType() string { return "file" }
func (p *FilePart) PartID() string { return p.ID }
func (p *FilePart) PartSessionID() string { return p.SessionID }

// ToolPart records one tool call and its lifecycle
// (pending -> running -> completed | error).
type ToolPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "tool"
	CallID    string `json:"callID"`
	Tool      string `json:"tool"`
	State     string `json:"state"`

	// RawInput accumulates streamed input JSON text; Input is the parsed
	// object, defaulting to empty when the raw text does not parse.
	RawInput string         `json:"rawInput,omitempty"`
	Input    map[string]any `json:"input"`

	Title    *string        `json:"title,omitempty"`
	Output   *string        `json:"output,omitempty"`
	Error    *string        `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     PartTime       `json:"time,omitempty"`
}

func (p *ToolPart) PartType() string { return "tool" }
func (p *ToolPart) PartID() string { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }

// StepStartPart marks the beginning of one assistant turn.
type StepStartPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
	Snapshot  string `json:"snapshot,omitempty"`
}

func (p *StepStartPart) PartType() string { return "step-start" }
func (p *StepStartPart) PartID() string { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }

// StepFinishPart marks the end of one assistant turn.
type StepFinishPart struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	MessageID string      `json:"messageID"`
	Type      string      `json:"type"` // always "step-finish"
	Snapshot  string      `json:"snapshot,omitempty"`
	Cost      float64     `json:"cost"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

func (p *StepFinishPart) PartType() string { return "step-finish" }
func (p *StepFinishPart) PartID() string { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }

// SnapshotPart carries a bare snapshot handle.
type SnapshotPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "snapshot"
	Snapshot  string `json:"snapshot"`
}

func (p *SnapshotPart) PartType() string { return "snapshot" }
func (p *SnapshotPart) PartID() string { return p.ID }
func (p *SnapshotPart) PartSessionID() string { return p.SessionID }

// PatchPart summarizes the file-level changes produced during a turn.
type PatchPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "patch"
	Hash      string   `json:"hash"`
	Files     []string `json:"files"`
}

func (p *PatchPart) PartType() string { return "patch" }
func (p *PatchPart) PartID() string { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }

// AgentPart records a delegation to a named agent.
type AgentPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "agent"
	Name      string `json:"name"`
}

func (p *AgentPart) PartType() string { return "agent" }
func (p *AgentPart) PartID() string { return p.ID }
func (p *AgentPart) PartSessionID() string { return p.SessionID }

// SubtaskPart links a message to the child session serving a task tool call.
type SubtaskPart struct {
	ID             string `json:"id"`
	SessionID      string `json:"sessionID"`
	MessageID      string `json:"messageID"`
	Type           string `json:"type"` // always "subtask"
	ChildSessionID string `json:"childSessionID"`
	Description    string `json:"description,omitempty"`
}

func (p *SubtaskPart) PartType() string { return "subtask" }
func (p *SubtaskPart) PartID() string { return p.ID }
func (p *SubtaskPart) PartSessionID() string { return p.SessionID }

// RetryPart records one retried engine query attempt.
type RetryPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "retry"
	Attempt   int    `json:"attempt"`
	Error     string `json:"error,omitempty"`
	Time      int64  `json:"time"`
}

func (p *RetryPart) PartType() string { return "retry" }
func (p *RetryPart) PartID() string { return p.ID }
func (p *RetryPart) PartSessionID() string { return p.SessionID }

// CompactionPart marks where the engine compacted earlier history.
type CompactionPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "compaction"
	Summary   string `json:"summary,omitempty"`
}

func (p *CompactionPart) PartType() string { return "compaction" }
func (p *CompactionPart) PartID() string { return p.ID }
func (p *CompactionPart) PartSessionID() string { return p.SessionID }

// RawPart is used for JSON unmarshaling of parts.
type RawPart struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// UnmarshalPart decodes a JSON part into its concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var raw RawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var p Part
	switch raw.Type {
	case "reasoning":
		p = &ReasoningPart{}
	case "redacted-reasoning":
		p = &RedactedReasoningPart{}
	case "file":
		p = &FilePart{}
	case "tool":
		p = &ToolPart{}
	case "step-start":
		p = &StepStartPart{}
	case "step-finish":
		p = &StepFinishPart{}
	case "snapshot":
		p = &SnapshotPart{}
	case "patch":
		p = &PatchPart{}
	case "agent":
		p = &AgentPart{}
	case "subtask":
		p = &SubtaskPart{}
	case "retry":
		p = &RetryPart{}
	case "compaction":
		p = &CompactionPart{}
	default:
		// Unknown types decode as text so old records stay readable.
		p = &TextPart{}
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
