package session

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/engine"
	"github.com/steward-ai/steward/pkg/types"
)

// handleStream processes one partial (streamed) event. Content blocks are
// handled strictly in arrival order per index; each lane's blocks are
// independent, so interleaved subagent streams stay isolated.
func (r *run) handleStream(ctx context.Context, ev engine.StreamEvent) error {
	ln, err := r.laneFor(ctx, ev.ParentCallID)
	if err != nil {
		return err
	}

	switch p := ev.Payload.(type) {
	case engine.MessageStart:
		if p.MessageID != "" && r.processed[p.MessageID] {
			// Same upstream message already converted via the other path.
			ln.skip = true
			return nil
		}
		ln.skip = false
		if p.MessageID != "" {
			r.processed[p.MessageID] = true
		}
		return r.startAssistant(ctx, ln, p.MessageID, p.Model, ev.ParentCallID)

	case engine.ContentBlockStart:
		if ln.skip || ln.current == nil {
			return nil
		}
		part := r.openPart(ln, p.Block)
		if part == nil {
			return nil
		}
		ln.blocks[p.Index] = part
		if tp, ok := part.(*types.ToolPart); ok {
			r.tools[tp.CallID] = &toolRef{part: tp, lane: ln}
		}
		return r.c.sessions.SavePart(ctx, ln.current.ID, part, "")

	case engine.ContentBlockDelta:
		if ln.skip || ln.current == nil {
			return nil
		}
		part, ok := ln.blocks[p.Index]
		if !ok {
			return nil
		}
		switch concrete := part.(type) {
		case *types.TextPart:
			concrete.Text += p.Delta.Text
			return r.c.sessions.SavePart(ctx, ln.current.ID, concrete, p.Delta.Text)
		case *types.ReasoningPart:
			concrete.Text += p.Delta.Thinking
			return r.c.sessions.SavePart(ctx, ln.current.ID, concrete, p.Delta.Thinking)
		case *types.ToolPart:
			// Raw input JSON accumulates as text; it is parsed only once
			// the block stops.
			concrete.RawInput += p.Delta.PartialJSON
			return r.c.sessions.SavePart(ctx, ln.current.ID, concrete, "")
		}
		return nil

	case engine.ContentBlockStop:
		if ln.skip || ln.current == nil {
			return nil
		}
		part, ok := ln.blocks[p.Index]
		if !ok {
			return nil
		}
		delete(ln.blocks, p.Index)
		return r.closeBlock(ctx, ln, ev.ParentCallID, part)

	case engine.MessageDelta:
		if ln.skip || ln.current == nil {
			return nil
		}
		if p.Usage != nil {
			ln.current.Tokens = usageTokens(*p.Usage)
		}
		if p.StopReason != "" {
			stop := p.StopReason
			ln.current.Finish = &stop
		}
		return r.c.sessions.SaveMessage(ctx, ln.current)

	case engine.MessageStop:
		if ln.current == nil {
			ln.skip = false
			return nil
		}
		// Close any blocks the stream left open.
		for index, part := range ln.blocks {
			delete(ln.blocks, index)
			if err := r.closeBlock(ctx, ln, ev.ParentCallID, part); err != nil {
				return err
			}
		}
		ln.skip = false
		return r.finalizeCurrent(ctx, ln)
	}
	return nil
}

// openPart creates the empty part for a starting content block.
func (r *run) openPart(ln *lane, block engine.ContentBlock) types.Part {
	now := time.Now().UnixMilli()
	switch block.Type {
	case engine.BlockText:
		return &types.TextPart{
			ID:        ulid.Make().String(),
			SessionID: ln.sess.ID,
			MessageID: ln.current.ID,
			Type:      "text",
			Time:      types.PartTime{Start: &now},
		}
	case engine.BlockThinking:
		return &types.ReasoningPart{
			ID:        ulid.Make().String(),
			SessionID: ln.sess.ID,
			MessageID: ln.current.ID,
			Type:      "reasoning",
			Time:      types.PartTime{Start: &now},
		}
	case engine.BlockRedactedThinking:
		return &types.RedactedReasoningPart{
			ID:        ulid.Make().String(),
			SessionID: ln.sess.ID,
			MessageID: ln.current.ID,
			Type:      "redacted-reasoning",
			Data:      block.Data,
		}
	case engine.BlockToolUse:
		return &types.ToolPart{
			ID:        ulid.Make().String(),
			SessionID: ln.sess.ID,
			MessageID: ln.current.ID,
			Type:      "tool",
			CallID:    block.ID,
			Tool:      block.Name,
			State:     types.ToolPending,
			Input:     map[string]any{},
			Time:      types.PartTime{Start: &now},
		}
	default:
		return nil
	}
}

// closeBlock finalizes a streamed part: text and reasoning are trimmed and
// stamped, tool input is parsed from the accumulated raw JSON.
func (r *run) closeBlock(ctx context.Context, ln *lane, parentCallID string, part types.Part) error {
	now := time.Now().UnixMilli()
	switch concrete := part.(type) {
	case *types.TextPart:
		concrete.Text = strings.TrimRight(concrete.Text, " \t\r\n")
		concrete.Time.End = &now
	case *types.ReasoningPart:
		concrete.Text = strings.TrimRight(concrete.Text, " \t\r\n")
		concrete.Time.End = &now
	case *types.ToolPart:
		concrete.Input = parseInput(concrete.RawInput)
		if isTodoTool(concrete.Tool) {
			r.interceptTodos(ctx, ln.sess.ID, concrete.Input)
		}
		if parentCallID != "" {
			r.noteSubtaskTool(ctx, parentCallID, concrete)
		}
	}
	return r.c.sessions.SavePart(ctx, ln.current.ID, part, "")
}
