package engine

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire form of one event line.
type envelope struct {
	Type string `json:"type"`

	// system
	Subtype string `json:"subtype,omitempty"`

	SessionID    string `json:"sessionID,omitempty"`
	ParentCallID string `json:"parentCallID,omitempty"`
	Message      string `json:"message,omitempty"`

	// assistant / user
	MessageID string         `json:"messageID,omitempty"`
	Model     string         `json:"model,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`

	// result
	Cost       float64 `json:"cost,omitempty"`
	DurationMS int64   `json:"durationMS,omitempty"`
	IsError    bool    `json:"isError,omitempty"`

	// stream
	Event json.RawMessage `json:"event,omitempty"`
}

type streamEnvelope struct {
	Type string `json:"type"`

	MessageID string `json:"messageID,omitempty"`
	Model     string `json:"model,omitempty"`

	Index int           `json:"index,omitempty"`
	Block *ContentBlock `json:"content_block,omitempty"`
	Delta *Delta        `json:"delta,omitempty"`

	StopReason string `json:"stopReason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// DecodeEvent parses one wire line into its event type.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch env.Type {
	case "system":
		return SystemEvent{
			Subtype:         env.Subtype,
			EngineSessionID: env.SessionID,
			Message:         env.Message,
		}, nil
	case "assistant":
		return AssistantEvent{
			MessageID:       env.MessageID,
			EngineSessionID: env.SessionID,
			ParentCallID:    env.ParentCallID,
			Model:           env.Model,
			Content:         env.Content,
			Usage:           env.Usage,
		}, nil
	case "user":
		return UserEvent{
			ParentCallID: env.ParentCallID,
			Content:      env.Content,
		}, nil
	case "result":
		var usage Usage
		if env.Usage != nil {
			usage = *env.Usage
		}
		return ResultEvent{
			Usage:      usage,
			Cost:       env.Cost,
			DurationMS: env.DurationMS,
			IsError:    env.IsError,
			Message:    env.Message,
		}, nil
	case "stream":
		payload, err := decodeStreamPayload(env.Event)
		if err != nil {
			return nil, err
		}
		return StreamEvent{
			EngineSessionID: env.SessionID,
			ParentCallID:    env.ParentCallID,
			Payload:         payload,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func decodeStreamPayload(data json.RawMessage) (StreamPayload, error) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode stream payload: %w", err)
	}

	switch env.Type {
	case "message_start":
		return MessageStart{MessageID: env.MessageID, Model: env.Model}, nil
	case "content_block_start":
		var block ContentBlock
		if env.Block != nil {
			block = *env.Block
		}
		return ContentBlockStart{Index: env.Index, Block: block}, nil
	case "content_block_delta":
		var delta Delta
		if env.Delta != nil {
			delta = *env.Delta
		}
		return ContentBlockDelta{Index: env.Index, Delta: delta}, nil
	case "content_block_stop":
		return ContentBlockStop{Index: env.Index}, nil
	case "message_delta":
		return MessageDelta{StopReason: env.StopReason, Usage: env.Usage}, nil
	case "message_stop":
		return MessageStop{}, nil
	default:
		return nil, fmt.Errorf("unknown stream payload type %q", env.Type)
	}
}
