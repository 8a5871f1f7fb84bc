package session

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/engine"
	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/internal/snapshot"
	"github.com/steward-ai/steward/internal/todo"
	"github.com/steward-ai/steward/pkg/types"
)

// Converter turns one session's engine event stream into persisted messages
// and parts.
type Converter struct {
	sessions *Service
	todos    *todo.Store
	tracker  snapshot.Tracker
	titler   Titler
}

// NewConverter creates a stream converter.
func NewConverter(sessions *Service, todos *todo.Store, tracker snapshot.Tracker, titler Titler) *Converter {
	if titler == nil {
		titler = HeuristicTitler{}
	}
	return &Converter{sessions: sessions, todos: todos, tracker: tracker, titler: titler}
}

// lane is the conversion state for one message stream: the main session or
// one subagent child. Lanes are isolated, so subagents interleave freely.
type lane struct {
	sess      *types.Session
	userMsgID string
	current   *types.Message
	blocks    map[int]types.Part
	skip      bool
	stepped   bool
}

type toolRef struct {
	part *types.ToolPart
	lane *lane
}

type subtaskSummary struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Title  string `json:"title,omitempty"`
}

// run is the state of one stream-processing pass.
type run struct {
	c    *Converter
	sess *types.Session

	baseline string
	main     *lane
	children map[string]*lane // keyed by parent tool-call id
	// processed tracks upstream message ids so a message arriving both
	// streamed and whole is converted exactly once.
	processed map[string]bool
	tools     map[string]*toolRef // keyed by tool-call id
	summaries map[string][]subtaskSummary

	pendingCompaction string
	prompt            string
	last              string
}

// Run consumes the stream until exhaustion. Any error while iterating is
// caught once: the in-flight assistant message is marked errored and the
// last known message id is returned alongside the error.
func (c *Converter) Run(ctx context.Context, sess *types.Session, userMsgID, prompt string, stream engine.Stream) (string, error) {
	defer stream.Close()

	r := &run{
		c:         c,
		sess:      sess,
		main:      &lane{sess: sess, userMsgID: userMsgID, blocks: make(map[int]types.Part)},
		children:  make(map[string]*lane),
		processed: make(map[string]bool),
		tools:     make(map[string]*toolRef),
		summaries: make(map[string][]subtaskSummary),
		prompt:    prompt,
	}

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fail(ctx, err)
		}
		if err := r.handle(ctx, ev); err != nil {
			return r.fail(ctx, err)
		}
	}
	return r.last, nil
}

// fail stamps every in-flight assistant message, main and child lanes
// alike, with the classified error and a completion time, then reports the
// last known message id.
func (r *run) fail(ctx context.Context, err error) (string, error) {
	now := time.Now().UnixMilli()
	lanes := []*lane{r.main}
	for _, ln := range r.children {
		lanes = append(lanes, ln)
	}
	for _, ln := range lanes {
		msg := ln.current
		if msg == nil || msg.Time.Completed != nil {
			continue
		}
		finish := "error"
		msg.Time.Completed = &now
		msg.Finish = &finish
		msg.Error = engine.Classify(err)
		if saveErr := r.c.sessions.SaveMessage(ctx, msg); saveErr != nil {
			logging.Warn().Err(saveErr).Msg("save errored message")
		}
	}
	return r.last, err
}

func (r *run) handle(ctx context.Context, ev engine.Event) error {
	switch e := ev.(type) {
	case engine.SystemEvent:
		return r.handleSystem(ctx, e)
	case engine.AssistantEvent:
		return r.handleAssistant(ctx, e)
	case engine.UserEvent:
		return r.handleUser(ctx, e)
	case engine.ResultEvent:
		return r.handleResult(ctx, e)
	case engine.StreamEvent:
		return r.handleStream(ctx, e)
	default:
		logging.Debug().Msg("unknown engine event dropped")
		return nil
	}
}

func (r *run) handleSystem(ctx context.Context, ev engine.SystemEvent) error {
	switch ev.Subtype {
	case "init":
		handle, err := r.c.tracker.Track(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("baseline snapshot failed")
		} else {
			r.baseline = handle
		}
		if ev.EngineSessionID != "" && ev.EngineSessionID != r.sess.EngineSessionID {
			updated, err := r.c.sessions.Update(ctx, r.sess.ID, func(s *types.Session) {
				s.EngineSessionID = ev.EngineSessionID
			})
			if err != nil {
				return err
			}
			r.sess = updated
			r.main.sess = updated
		}
		return nil
	case "compact":
		// Attach to the current message when one is open, otherwise hold it
		// for the next assistant message.
		if msg := r.main.current; msg != nil {
			return r.c.sessions.SavePart(ctx, msg.ID, &types.CompactionPart{
				ID:        ulid.Make().String(),
				SessionID: msg.SessionID,
				MessageID: msg.ID,
				Type:      "compaction",
				Summary:   ev.Message,
			}, "")
		}
		r.pendingCompaction = ev.Message
		return nil
	case "error":
		return &engine.APIError{Message: ev.Message}
	default:
		return nil
	}
}

// laneFor resolves the target lane for an event, creating the child session
// for a subagent lazily and idempotently, keyed by the parent tool-call id.
func (r *run) laneFor(ctx context.Context, parentCallID string) (*lane, error) {
	if parentCallID == "" {
		return r.main, nil
	}
	if ln, ok := r.children[parentCallID]; ok {
		return ln, nil
	}

	title := "Subtask"
	prompt := ""
	if ref, ok := r.tools[parentCallID]; ok {
		if desc, ok := ref.part.Input["description"].(string); ok && desc != "" {
			title = desc
		}
		if p, ok := ref.part.Input["prompt"].(string); ok {
			prompt = p
		}
	}

	child, err := r.c.sessions.Create(ctx, r.sess.Directory, CreateOptions{
		ParentID: r.sess.ID,
		Title:    title,
		Mode:     r.sess.Mode,
	})
	if err != nil {
		return nil, err
	}
	if err := r.c.sessions.SetStatus(ctx, child.ID, types.StatusBusy); err != nil {
		logging.Warn().Err(err).Msg("set child status")
	}

	// Seed the child with the task prompt as its first user message.
	userMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: child.ID,
		Role:      "user",
		Mode:      child.Mode,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := r.c.sessions.SaveMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	if prompt != "" {
		if err := r.c.sessions.SavePart(ctx, userMsg.ID, &types.TextPart{
			ID:        ulid.Make().String(),
			SessionID: child.ID,
			MessageID: userMsg.ID,
			Type:      "text",
			Text:      prompt,
		}, ""); err != nil {
			return nil, err
		}
	}

	// Surface the spawned child on the parent's task tool part.
	if ref, ok := r.tools[parentCallID]; ok {
		now := time.Now().UnixMilli()
		ref.part.State = types.ToolRunning
		ref.part.Title = &title
		if ref.part.Metadata == nil {
			ref.part.Metadata = map[string]any{}
		}
		ref.part.Metadata["sessionID"] = child.ID
		if ref.part.Time.Start == nil {
			ref.part.Time.Start = &now
		}
		if err := r.c.sessions.SavePart(ctx, ref.part.MessageID, ref.part, ""); err != nil {
			return nil, err
		}
	}

	ln := &lane{sess: child, userMsgID: userMsg.ID, blocks: make(map[int]types.Part)}
	r.children[parentCallID] = ln
	return ln, nil
}

// finalizeCurrent stamps a lane's open assistant message completed. A turn
// may carry several assistant messages; the result event finalizes only the
// last one, so intermediate messages finish here when the next one starts.
// The finish reason set by a message_delta survives; otherwise "stop".
func (r *run) finalizeCurrent(ctx context.Context, ln *lane) error {
	msg := ln.current
	if msg == nil || msg.Time.Completed != nil {
		return nil
	}
	now := time.Now().UnixMilli()
	msg.Time.Completed = &now
	if msg.Finish == nil {
		finish := "stop"
		msg.Finish = &finish
	}
	return r.c.sessions.SaveMessage(ctx, msg)
}

// startAssistant creates the assistant message shell for a lane.
func (r *run) startAssistant(ctx context.Context, ln *lane, upstreamID, model, parentCallID string) error {
	if err := r.finalizeCurrent(ctx, ln); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	msg := &types.Message{
		ID:              ulid.Make().String(),
		SessionID:       ln.sess.ID,
		Role:            "assistant",
		ParentID:        ln.userMsgID,
		ModelID:         model,
		Time:            types.MessageTime{Created: now},
		EngineMessageID: upstreamID,
		EngineSessionID: r.sess.EngineSessionID,
		ParentCallID:    parentCallID,
	}
	if err := r.c.sessions.SaveMessage(ctx, msg); err != nil {
		return err
	}
	ln.current = msg
	ln.blocks = make(map[int]types.Part)
	r.last = msg.ID

	if !ln.stepped {
		ln.stepped = true
		step := &types.StepStartPart{
			ID:        ulid.Make().String(),
			SessionID: msg.SessionID,
			MessageID: msg.ID,
			Type:      "step-start",
		}
		if ln == r.main {
			step.Snapshot = r.baseline
		}
		if err := r.c.sessions.SavePart(ctx, msg.ID, step, ""); err != nil {
			return err
		}
	}
	if r.pendingCompaction != "" && ln == r.main {
		summary := r.pendingCompaction
		r.pendingCompaction = ""
		if err := r.c.sessions.SavePart(ctx, msg.ID, &types.CompactionPart{
			ID:        ulid.Make().String(),
			SessionID: msg.SessionID,
			MessageID: msg.ID,
			Type:      "compaction",
			Summary:   summary,
		}, ""); err != nil {
			return err
		}
	}
	return nil
}

// handleAssistant converts a whole (non-streamed) assistant message.
func (r *run) handleAssistant(ctx context.Context, ev engine.AssistantEvent) error {
	if ev.MessageID != "" && r.processed[ev.MessageID] {
		return nil
	}
	if ev.MessageID != "" {
		r.processed[ev.MessageID] = true
	}

	ln, err := r.laneFor(ctx, ev.ParentCallID)
	if err != nil {
		return err
	}
	if err := r.startAssistant(ctx, ln, ev.MessageID, ev.Model, ev.ParentCallID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, block := range ev.Content {
		part := r.newPart(ln, block, now)
		if part == nil {
			continue
		}
		if tp, ok := part.(*types.ToolPart); ok {
			if err := r.registerTool(ctx, ln, ev.ParentCallID, tp); err != nil {
				return err
			}
		}
		if err := r.c.sessions.SavePart(ctx, ln.current.ID, part, ""); err != nil {
			return err
		}
	}
	if ev.Usage != nil {
		ln.current.Tokens = usageTokens(*ev.Usage)
		return r.c.sessions.SaveMessage(ctx, ln.current)
	}
	return nil
}

// newPart converts a finalized content block into a part.
func (r *run) newPart(ln *lane, block engine.ContentBlock, now int64) types.Part {
	base := func() (string, string, string) {
		return ulid.Make().String(), ln.sess.ID, ln.current.ID
	}
	switch block.Type {
	case engine.BlockText:
		id, sid, mid := base()
		return &types.TextPart{
			ID: id, SessionID: sid, MessageID: mid, Type: "text",
			Text: strings.TrimRight(block.Text, " \t\r\n"),
			Time: types.PartTime{Start: &now, End: &now},
		}
	case engine.BlockThinking:
		id, sid, mid := base()
		return &types.ReasoningPart{
			ID: id, SessionID: sid, MessageID: mid, Type: "reasoning",
			Text: strings.TrimRight(block.Thinking, " \t\r\n"),
			Time: types.PartTime{Start: &now, End: &now},
		}
	case engine.BlockRedactedThinking:
		id, sid, mid := base()
		return &types.RedactedReasoningPart{
			ID: id, SessionID: sid, MessageID: mid, Type: "redacted-reasoning",
			Data: block.Data,
		}
	case engine.BlockToolUse:
		id, sid, mid := base()
		return &types.ToolPart{
			ID: id, SessionID: sid, MessageID: mid, Type: "tool",
			CallID: block.ID,
			Tool:   block.Name,
			State:  types.ToolPending,
			Input:  parseInput(string(block.Input)),
			Time:   types.PartTime{Start: &now},
		}
	default:
		return nil
	}
}

// registerTool records a tool part for later result matching and applies the
// special handling for todo and subagent bookkeeping.
func (r *run) registerTool(ctx context.Context, ln *lane, parentCallID string, part *types.ToolPart) error {
	r.tools[part.CallID] = &toolRef{part: part, lane: ln}

	if isTodoTool(part.Tool) {
		r.interceptTodos(ctx, ln.sess.ID, part.Input)
	}
	if parentCallID != "" {
		r.noteSubtaskTool(ctx, parentCallID, part)
	}
	return nil
}

// interceptTodos translates a todo-tool input into the todo store.
func (r *run) interceptTodos(ctx context.Context, sessionID string, input map[string]any) {
	raw, ok := input["todos"].([]any)
	if !ok {
		return
	}
	var todos []types.TodoInfo
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		info := types.TodoInfo{Status: types.TodoPending}
		if content, ok := m["content"].(string); ok {
			info.Content = content
		}
		if status, ok := m["status"].(string); ok && status != "" {
			info.Status = types.TodoStatus(status)
		}
		if priority, ok := m["priority"].(string); ok {
			info.Priority = priority
		}
		todos = append(todos, info)
	}
	if err := r.c.todos.Update(ctx, sessionID, todos); err != nil {
		logging.Warn().Err(err).Msg("update todos")
	}
}

// noteSubtaskTool keeps the parent task tool's display metadata current as
// the subagent progresses.
func (r *run) noteSubtaskTool(ctx context.Context, parentCallID string, part *types.ToolPart) {
	list := r.summaries[parentCallID]
	found := false
	for i := range list {
		if list[i].ID == part.CallID {
			list[i].Status = part.State
			list[i].Title = toolTitle(part)
			found = true
			break
		}
	}
	if !found {
		list = append(list, subtaskSummary{
			ID:     part.CallID,
			Tool:   part.Tool,
			Status: part.State,
			Title:  toolTitle(part),
		})
	}
	r.summaries[parentCallID] = list

	ref, ok := r.tools[parentCallID]
	if !ok {
		return
	}
	if ref.part.Metadata == nil {
		ref.part.Metadata = map[string]any{}
	}
	ref.part.Metadata["summary"] = list
	if err := r.c.sessions.SavePart(ctx, ref.part.MessageID, ref.part, ""); err != nil {
		logging.Warn().Err(err).Msg("update task summary")
	}
}

// handleUser routes tool results back onto their pending tool parts.
func (r *run) handleUser(ctx context.Context, ev engine.UserEvent) error {
	for _, block := range ev.Content {
		if block.Type != engine.BlockToolResult {
			continue
		}
		if err := r.completeTool(ctx, block); err != nil {
			return err
		}
	}
	return nil
}

// completeTool transitions the matching tool part to completed or error,
// merging extracted metadata with whatever was set while running.
func (r *run) completeTool(ctx context.Context, block engine.ContentBlock) error {
	ref := r.findTool(block.ToolUseID)
	if ref == nil {
		logging.Debug().Str("callID", block.ToolUseID).Msg("tool result for unknown call")
		return nil
	}

	output := resultText(block.Content)
	now := time.Now().UnixMilli()
	part := ref.part
	part.Time.End = &now
	if block.IsError {
		part.State = types.ToolError
		part.Error = &output
	} else {
		part.State = types.ToolCompleted
		part.Output = &output
	}
	for k, v := range ExtractMetadata(part.Tool, output) {
		if part.Metadata == nil {
			part.Metadata = map[string]any{}
		}
		part.Metadata[k] = v
	}
	if err := r.c.sessions.SavePart(ctx, part.MessageID, part, ""); err != nil {
		return err
	}

	if ref.lane != r.main {
		// A subagent's own tool finished; refresh the parent summary.
		for pcid, ln := range r.children {
			if ln == ref.lane {
				r.noteSubtaskTool(ctx, pcid, part)
				break
			}
		}
	}
	if isTaskTool(part.Tool) {
		return r.finishSubtask(ctx, part.CallID, block.IsError, output)
	}
	return nil
}

// findTool locates a tool part by call id: the main lane's calls first,
// then the known child sessions.
func (r *run) findTool(callID string) *toolRef {
	if ref, ok := r.tools[callID]; ok && ref.lane == r.main {
		return ref
	}
	if ref, ok := r.tools[callID]; ok {
		return ref
	}
	return nil
}

// finishSubtask closes out a child session when its task tool completes:
// the child goes idle, open assistant messages are force-completed, and the
// result content lands as parts in the child session.
func (r *run) finishSubtask(ctx context.Context, callID string, isError bool, output string) error {
	ln, ok := r.children[callID]
	if !ok {
		return nil
	}
	if err := r.c.sessions.SetStatus(ctx, ln.sess.ID, types.StatusIdle); err != nil {
		logging.Warn().Err(err).Msg("set child idle")
	}

	finish := "stop"
	if isError {
		finish = "error"
	}
	now := time.Now().UnixMilli()
	msgs, err := r.c.sessions.Messages(ctx, ln.sess.ID)
	if err != nil {
		return err
	}
	var lastAssistant *types.Message
	for _, msg := range msgs {
		if msg.Role != "assistant" {
			continue
		}
		lastAssistant = msg
		if msg.Time.Completed == nil {
			msg.Time.Completed = &now
			f := finish
			msg.Finish = &f
			if err := r.c.sessions.SaveMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
	if lastAssistant != nil && output != "" {
		if err := r.c.sessions.SavePart(ctx, lastAssistant.ID, &types.TextPart{
			ID:        ulid.Make().String(),
			SessionID: ln.sess.ID,
			MessageID: lastAssistant.ID,
			Type:      "text",
			Text:      output,
			Time:      types.PartTime{Start: &now, End: &now},
		}, ""); err != nil {
			return err
		}
	}
	return nil
}

// handleResult finalizes the turn: totals on the assistant message, closing
// snapshot, step-finish and patch parts, then async summarization.
func (r *run) handleResult(ctx context.Context, ev engine.ResultEvent) error {
	msg := r.main.current
	if msg == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	msg.Time.Completed = &now
	msg.Cost = ev.Cost
	msg.Tokens = usageTokens(ev.Usage)
	finish := "stop"
	if ev.IsError {
		finish = "error"
		msg.Error = types.NewUnknownError(ev.Message)
	}
	msg.Finish = &finish
	if err := r.c.sessions.SaveMessage(ctx, msg); err != nil {
		return err
	}

	closing, err := r.c.tracker.Track(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("closing snapshot failed")
	}
	if err := r.c.sessions.SavePart(ctx, msg.ID, &types.StepFinishPart{
		ID:        ulid.Make().String(),
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Type:      "step-finish",
		Snapshot:  closing,
		Cost:      ev.Cost,
		Tokens:    msg.Tokens,
	}, ""); err != nil {
		return err
	}

	if r.baseline != "" {
		patch, err := r.c.tracker.Patch(ctx, r.baseline)
		if err != nil {
			logging.Warn().Err(err).Msg("patch computation failed")
		} else if len(patch.Files) > 0 {
			if err := r.c.sessions.SavePart(ctx, msg.ID, &types.PatchPart{
				ID:        ulid.Make().String(),
				SessionID: msg.SessionID,
				MessageID: msg.ID,
				Type:      "patch",
				Hash:      patch.Hash,
				Files:     patch.Files,
			}, ""); err != nil {
				return err
			}
		}
	}

	r.last = msg.ID
	go r.c.summarize(context.WithoutCancel(ctx), r.sess.ID, r.main.userMsgID, r.prompt, r.baseline, closing)
	return nil
}

func usageTokens(u engine.Usage) *types.TokenUsage {
	return &types.TokenUsage{
		Input:     u.Input,
		Output:    u.Output,
		Reasoning: u.Reasoning,
		Cache:     types.CacheUsage{Read: u.CacheRead, Write: u.CacheWrite},
	}
}

// parseInput parses accumulated tool-input JSON, defaulting to an empty
// object on failure rather than erroring.
func parseInput(raw string) map[string]any {
	input := map[string]any{}
	if raw == "" {
		return input
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{}
	}
	return input
}

// resultText extracts display text from tool-result content, which arrives
// either as a bare JSON string or as a list of content blocks.
func resultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []engine.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == engine.BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(content)
}

func toolTitle(part *types.ToolPart) string {
	if part.Title != nil && *part.Title != "" {
		return *part.Title
	}
	for _, key := range []string{"description", "path", "file_path", "pattern", "command", "url"} {
		if v, ok := part.Input[key].(string); ok && v != "" {
			return v
		}
	}
	return part.Tool
}

func isTodoTool(name string) bool {
	n := strings.ToLower(name)
	return n == "todowrite" || n == "todo_write"
}

func isTaskTool(name string) bool {
	return strings.EqualFold(name, "task")
}
