// Package engine defines the boundary to the external agent-query engine:
// the tagged event stream it yields, the query surface steward drives it
// through, and the tool-gating callback it calls back into.
package engine

import "encoding/json"

// Event is one item of a session's event sequence. The concrete types form
// a closed union.
type Event interface{ isEvent() }

// Content block types.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
)

// ContentBlock is one content element of an assistant or user event.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`     // text
	Thinking string `json:"thinking,omitempty"` // thinking
	Data     string `json:"data,omitempty"`     // redacted_thinking

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is the engine's token accounting for a message or turn.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Reasoning  int `json:"reasoning"`
	CacheRead  int `json:"cacheRead"`
	CacheWrite int `json:"cacheWrite"`
}

// SystemEvent announces stream lifecycle: init, compact, or error.
type SystemEvent struct {
	Subtype         string `json:"subtype"` // "init" | "compact" | "error"
	EngineSessionID string `json:"sessionID,omitempty"`
	Message         string `json:"message,omitempty"`
}

func (SystemEvent) isEvent() {}

// AssistantEvent carries a complete assistant message with content blocks.
type AssistantEvent struct {
	MessageID       string         `json:"messageID"`
	EngineSessionID string         `json:"sessionID,omitempty"`
	ParentCallID    string         `json:"parentCallID,omitempty"`
	Model           string         `json:"model,omitempty"`
	Content         []ContentBlock `json:"content"`
	Usage           *Usage         `json:"usage,omitempty"`
}

func (AssistantEvent) isEvent() {}

// UserEvent carries tool-result content attributed back to the stream.
type UserEvent struct {
	ParentCallID string         `json:"parentCallID,omitempty"`
	Content      []ContentBlock `json:"content"`
}

func (UserEvent) isEvent() {}

// ResultEvent closes a turn with usage, cost and the overall outcome.
type ResultEvent struct {
	Usage      Usage   `json:"usage"`
	Cost       float64 `json:"cost"`
	DurationMS int64   `json:"durationMS,omitempty"`
	IsError    bool    `json:"isError,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func (ResultEvent) isEvent() {}

// StreamEvent is one partial (streamed) piece of an assistant message.
type StreamEvent struct {
	EngineSessionID string        `json:"sessionID,omitempty"`
	ParentCallID    string        `json:"parentCallID,omitempty"`
	Payload         StreamPayload `json:"payload"`
}

func (StreamEvent) isEvent() {}

// StreamPayload is the variant inside a StreamEvent.
type StreamPayload interface{ isStreamPayload() }

// MessageStart opens a streamed assistant message.
type MessageStart struct {
	MessageID string `json:"messageID"`
	Model     string `json:"model,omitempty"`
}

func (MessageStart) isStreamPayload() {}

// ContentBlockStart opens the content block at Index.
type ContentBlockStart struct {
	Index int          `json:"index"`
	Block ContentBlock `json:"block"`
}

func (ContentBlockStart) isStreamPayload() {}

// Delta types.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// Delta is an increment to an open content block.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockDelta appends to the content block at Index.
type ContentBlockDelta struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

func (ContentBlockDelta) isStreamPayload() {}

// ContentBlockStop finalizes the content block at Index.
type ContentBlockStop struct {
	Index int `json:"index"`
}

func (ContentBlockStop) isStreamPayload() {}

// MessageDelta updates message-level fields mid-stream.
type MessageDelta struct {
	StopReason string `json:"stopReason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

func (MessageDelta) isStreamPayload() {}

// MessageStop closes a streamed assistant message.
type MessageStop struct{}

func (MessageStop) isStreamPayload() {}
