package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/engine"
	"github.com/steward-ai/steward/internal/event"
	"github.com/steward-ai/steward/internal/snapshot"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/internal/todo"
	"github.com/steward-ai/steward/pkg/types"
)

// scriptedStream plays back a fixed sequence. An error entry is returned as
// a Recv failure at that point.
type scriptedStream struct {
	script []any // engine.Event or error
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (engine.Event, error) {
	if s.pos >= len(s.script) {
		return nil, io.EOF
	}
	item := s.script[s.pos]
	s.pos++
	if err, ok := item.(error); ok {
		return nil, err
	}
	return item.(engine.Event), nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// fakeTracker hands out sequential snapshot handles and no diffs.
type fakeTracker struct {
	n int
}

func (f *fakeTracker) Track(ctx context.Context) (string, error) {
	f.n++
	return fmt.Sprintf("snap-%d", f.n), nil
}

func (f *fakeTracker) Diff(ctx context.Context, from, to string) ([]types.FileDiff, error) {
	return nil, nil
}

func (f *fakeTracker) Patch(ctx context.Context, from string) (*snapshot.Patch, error) {
	return &snapshot.Patch{}, nil
}

func (f *fakeTracker) Restore(ctx context.Context, handle string) error { return nil }

type convFixture struct {
	sessions  *Service
	todos     *todo.Store
	converter *Converter
	sess      *types.Session
	userMsgID string
}

func newConvFixture(t *testing.T) *convFixture {
	t.Helper()
	event.Reset()
	store := storage.New(t.TempDir())
	sessions := NewService(store)
	todos := todo.NewStore(store)
	converter := NewConverter(sessions, todos, &fakeTracker{}, nil)

	sess, err := sessions.Create(context.Background(), t.TempDir(), CreateOptions{})
	require.NoError(t, err)

	userMsg := &types.Message{
		ID:        "01USERMSG",
		SessionID: sess.ID,
		Role:      "user",
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	require.NoError(t, sessions.SaveMessage(context.Background(), userMsg))

	return &convFixture{
		sessions:  sessions,
		todos:     todos,
		converter: converter,
		sess:      sess,
		userMsgID: userMsg.ID,
	}
}

func (f *convFixture) run(t *testing.T, script ...any) (string, error) {
	t.Helper()
	stream := &scriptedStream{script: script}
	last, err := f.converter.Run(context.Background(), f.sess, f.userMsgID, "test prompt", stream)
	assert.True(t, stream.closed)
	return last, err
}

func (f *convFixture) assistantMessages(t *testing.T) []*types.Message {
	t.Helper()
	msgs, err := f.sessions.Messages(context.Background(), f.sess.ID)
	require.NoError(t, err)
	var out []*types.Message
	for _, m := range msgs {
		if m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out
}

func initEvent() engine.Event {
	return engine.SystemEvent{Subtype: "init", EngineSessionID: "eng-1"}
}

func streamEv(payload engine.StreamPayload) engine.Event {
	return engine.StreamEvent{Payload: payload}
}

func TestStreamedTextAccumulates(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		streamEv(engine.MessageStart{MessageID: "m1", Model: "m"}),
		streamEv(engine.ContentBlockStart{Index: 0, Block: engine.ContentBlock{Type: engine.BlockText}}),
		streamEv(engine.ContentBlockDelta{Index: 0, Delta: engine.Delta{Type: engine.DeltaText, Text: "He"}}),
		streamEv(engine.ContentBlockDelta{Index: 0, Delta: engine.Delta{Type: engine.DeltaText, Text: "llo "}}),
		streamEv(engine.ContentBlockStop{Index: 0}),
		streamEv(engine.MessageStop{}),
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)

	parts, err := f.sessions.Parts(context.Background(), msgs[0].ID)
	require.NoError(t, err)

	var text *types.TextPart
	for _, p := range parts {
		if tp, ok := p.(*types.TextPart); ok {
			text = tp
		}
	}
	require.NotNil(t, text)
	assert.Equal(t, "Hello", text.Text)
	require.NotNil(t, text.Time.Start)
	require.NotNil(t, text.Time.End)
}

func TestStreamedToolInputInvalidJSONFallsBackToEmpty(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		streamEv(engine.MessageStart{MessageID: "m1"}),
		streamEv(engine.ContentBlockStart{Index: 0, Block: engine.ContentBlock{
			Type: engine.BlockToolUse, ID: "call1", Name: "edit",
		}}),
		streamEv(engine.ContentBlockDelta{Index: 0, Delta: engine.Delta{
			Type: engine.DeltaInputJSON, PartialJSON: `{"path": "x.ts"`,
		}}),
		streamEv(engine.ContentBlockStop{Index: 0}),
		streamEv(engine.MessageStop{}),
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)
	parts, err := f.sessions.Parts(context.Background(), msgs[0].ID)
	require.NoError(t, err)

	var tool *types.ToolPart
	for _, p := range parts {
		if tp, ok := p.(*types.ToolPart); ok {
			tool = tp
		}
	}
	require.NotNil(t, tool)
	// Truncated input parses to an empty object, never an error state.
	assert.Equal(t, map[string]any{}, tool.Input)
	assert.Equal(t, types.ToolPending, tool.State)
	assert.Equal(t, `{"path": "x.ts"`, tool.RawInput)
}

func TestDuplicateStreamedAndWholeMessage(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		streamEv(engine.MessageStart{MessageID: "m1"}),
		streamEv(engine.ContentBlockStart{Index: 0, Block: engine.ContentBlock{Type: engine.BlockText}}),
		streamEv(engine.ContentBlockDelta{Index: 0, Delta: engine.Delta{Type: engine.DeltaText, Text: "Hello"}}),
		streamEv(engine.ContentBlockStop{Index: 0}),
		streamEv(engine.MessageStop{}),
		// The same upstream message arrives again as a whole event.
		engine.AssistantEvent{
			MessageID: "m1",
			Content:   []engine.ContentBlock{{Type: engine.BlockText, Text: "Hello"}},
		},
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)

	parts, err := f.sessions.Parts(context.Background(), msgs[0].ID)
	require.NoError(t, err)
	texts := 0
	for _, p := range parts {
		if _, ok := p.(*types.TextPart); ok {
			texts++
		}
	}
	assert.Equal(t, 1, texts)
}

func TestDuplicateWholeThenStreamed(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Content:   []engine.ContentBlock{{Type: engine.BlockText, Text: "Hello"}},
		},
		streamEv(engine.MessageStart{MessageID: "m1"}),
		streamEv(engine.ContentBlockStart{Index: 0, Block: engine.ContentBlock{Type: engine.BlockText}}),
		streamEv(engine.ContentBlockDelta{Index: 0, Delta: engine.Delta{Type: engine.DeltaText, Text: "Hello"}}),
		streamEv(engine.ContentBlockStop{Index: 0}),
		streamEv(engine.MessageStop{}),
	)
	require.NoError(t, err)

	assert.Len(t, f.assistantMessages(t), 1)
}

func TestWholeMessageWithToolCompletion(t *testing.T) {
	f := newConvFixture(t)

	last, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Model:     "test-model",
			Content: []engine.ContentBlock{
				{Type: engine.BlockText, Text: "Running a command. "},
				{Type: engine.BlockToolUse, ID: "call1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
			},
		},
		engine.UserEvent{
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolResult, ToolUseID: "call1", Content: json.RawMessage(`"file.txt\n"`)},
			},
		},
		engine.ResultEvent{
			Usage: engine.Usage{Input: 10, Output: 5},
			Cost:  0.02,
		},
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, last, msg.ID)
	require.NotNil(t, msg.Finish)
	assert.Equal(t, "stop", *msg.Finish)
	require.NotNil(t, msg.Time.Completed)
	assert.Equal(t, 0.02, msg.Cost)
	require.NotNil(t, msg.Tokens)
	assert.Equal(t, 10, msg.Tokens.Input)

	parts, err := f.sessions.Parts(context.Background(), msg.ID)
	require.NoError(t, err)

	var tool *types.ToolPart
	var stepStart, stepFinish bool
	for _, p := range parts {
		switch concrete := p.(type) {
		case *types.ToolPart:
			tool = concrete
		case *types.StepStartPart:
			stepStart = true
			assert.NotEmpty(t, concrete.Snapshot)
		case *types.StepFinishPart:
			stepFinish = true
		}
	}
	assert.True(t, stepStart)
	assert.True(t, stepFinish)
	require.NotNil(t, tool)
	assert.Equal(t, types.ToolCompleted, tool.State)
	require.NotNil(t, tool.Output)
	assert.Contains(t, *tool.Output, "file.txt")
	require.NotNil(t, tool.Time.End)

	time.Sleep(100 * time.Millisecond) // let async summarize finish
}

func TestToolResultErrorState(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolUse, ID: "call1", Name: "bash", Input: json.RawMessage(`{"command":"false"}`)},
			},
		},
		engine.UserEvent{
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolResult, ToolUseID: "call1", Content: json.RawMessage(`"exit status 1"`), IsError: true},
			},
		},
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)
	parts, err := f.sessions.Parts(context.Background(), msgs[0].ID)
	require.NoError(t, err)

	var tool *types.ToolPart
	for _, p := range parts {
		if tp, ok := p.(*types.ToolPart); ok {
			tool = tp
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, types.ToolError, tool.State)
	require.NotNil(t, tool.Error)
	assert.Contains(t, *tool.Error, "exit status 1")
	assert.Nil(t, tool.Output)
}

func TestSubagentChildSessionLifecycle(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		// The main lane issues a task tool call.
		engine.AssistantEvent{
			MessageID: "m1",
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolUse, ID: "task1", Name: "task",
					Input: json.RawMessage(`{"description":"Investigate flaky test","prompt":"find the flake"}`)},
			},
		},
		// Subagent output arrives attributed to the task call.
		engine.AssistantEvent{
			MessageID:    "m2",
			ParentCallID: "task1",
			Content:      []engine.ContentBlock{{Type: engine.BlockText, Text: "Looking at the test. "}},
		},
		// The task tool completes with the subagent's final answer.
		engine.UserEvent{
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolResult, ToolUseID: "task1", Content: json.RawMessage(`"the sleep was too short"`)},
			},
		},
	)
	require.NoError(t, err)

	children, err := f.sessions.Children(context.Background(), f.sess.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "Investigate flaky test", child.Title)
	assert.Equal(t, types.StatusIdle, child.Status)

	// The child got the task prompt as its first user message.
	childMsgs, err := f.sessions.Messages(context.Background(), child.ID)
	require.NoError(t, err)
	require.NotEmpty(t, childMsgs)
	assert.Equal(t, "user", childMsgs[0].Role)

	var childAssistant *types.Message
	for _, m := range childMsgs {
		if m.Role == "assistant" {
			childAssistant = m
		}
	}
	require.NotNil(t, childAssistant)
	assert.Equal(t, "task1", childAssistant.ParentCallID)
	require.NotNil(t, childAssistant.Finish)
	assert.Equal(t, "stop", *childAssistant.Finish)

	// The parent's task tool part links to the child session.
	mainMsgs := f.assistantMessages(t)
	require.Len(t, mainMsgs, 1)
	parts, err := f.sessions.Parts(context.Background(), mainMsgs[0].ID)
	require.NoError(t, err)
	var task *types.ToolPart
	for _, p := range parts {
		if tp, ok := p.(*types.ToolPart); ok && tp.CallID == "task1" {
			task = tp
		}
	}
	require.NotNil(t, task)
	assert.Equal(t, types.ToolCompleted, task.State)
	assert.Equal(t, child.ID, task.Metadata["sessionID"])
}

func TestSubagentLaneCreatedOnce(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolUse, ID: "task1", Name: "task",
					Input: json.RawMessage(`{"description":"sub","prompt":"p"}`)},
			},
		},
		engine.AssistantEvent{
			MessageID:    "m2",
			ParentCallID: "task1",
			Content:      []engine.ContentBlock{{Type: engine.BlockText, Text: "one"}},
		},
		engine.AssistantEvent{
			MessageID:    "m3",
			ParentCallID: "task1",
			Content:      []engine.ContentBlock{{Type: engine.BlockText, Text: "two"}},
		},
	)
	require.NoError(t, err)

	children, err := f.sessions.Children(context.Background(), f.sess.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestTodoToolIntercepted(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolUse, ID: "call1", Name: "todowrite",
					Input: json.RawMessage(`{"todos":[{"content":"write tests","status":"in_progress"},{"content":"update docs"}]}`)},
			},
		},
	)
	require.NoError(t, err)

	todos, err := f.todos.Get(context.Background(), f.sess.ID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, "write tests", todos[0].Content)
	assert.Equal(t, types.TodoInProgress, todos[0].Status)
	assert.Equal(t, types.TodoPending, todos[1].Status)
}

func TestStreamErrorMarksMessage(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		streamEv(engine.MessageStart{MessageID: "m1"}),
		streamEv(engine.ContentBlockStart{Index: 0, Block: engine.ContentBlock{Type: engine.BlockText}}),
		&engine.APIError{StatusCode: 500, Message: "upstream exploded", Retryable: true},
	)
	require.Error(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	require.NotNil(t, msg.Finish)
	assert.Equal(t, "error", *msg.Finish)
	require.NotNil(t, msg.Time.Completed)
	require.NotNil(t, msg.Error)
	assert.Equal(t, types.ErrorAPI, msg.Error.Name)
	assert.True(t, msg.Error.Data.Retryable)
}

func TestSystemErrorEventFailsRun(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		engine.SystemEvent{Subtype: "error", Message: "engine crashed"},
	)
	require.Error(t, err)
	var apiErr *engine.APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestCompactionBeforeAssistantAttachesToNext(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t,
		initEvent(),
		engine.SystemEvent{Subtype: "compact", Message: "history summarized"},
		engine.AssistantEvent{
			MessageID: "m1",
			Content:   []engine.ContentBlock{{Type: engine.BlockText, Text: "continuing"}},
		},
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)
	parts, err := f.sessions.Parts(context.Background(), msgs[0].ID)
	require.NoError(t, err)

	var compaction *types.CompactionPart
	for _, p := range parts {
		if cp, ok := p.(*types.CompactionPart); ok {
			compaction = cp
		}
	}
	require.NotNil(t, compaction)
	assert.Equal(t, "history summarized", compaction.Summary)
}

func TestInitRecordsEngineSession(t *testing.T) {
	f := newConvFixture(t)

	_, err := f.run(t, initEvent())
	require.NoError(t, err)

	sess, err := f.sessions.Get(context.Background(), f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "eng-1", sess.EngineSessionID)
}

func TestEveryAssistantMessageInTurnFinalized(t *testing.T) {
	f := newConvFixture(t)

	// A tool-using turn produces two assistant messages: one carrying the
	// call and one carrying the final answer. Only the second is still open
	// when the result arrives.
	_, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Content: []engine.ContentBlock{
				{Type: engine.BlockText, Text: "Running a command. "},
				{Type: engine.BlockToolUse, ID: "call1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
			},
		},
		engine.UserEvent{
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolResult, ToolUseID: "call1", Content: json.RawMessage(`"file.txt\n"`)},
			},
		},
		engine.AssistantEvent{
			MessageID: "m2",
			Content:   []engine.ContentBlock{{Type: engine.BlockText, Text: "Done."}},
		},
		engine.ResultEvent{Usage: engine.Usage{Input: 10, Output: 5}},
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.NotNil(t, msg.Finish, "message %s left open", msg.ID)
		require.NotNil(t, msg.Time.Completed, "message %s left open", msg.ID)
		assert.Equal(t, "stop", *msg.Finish)
	}
}

func TestStreamedMessageFinalizedAtStop(t *testing.T) {
	f := newConvFixture(t)

	// No result event follows; message_stop alone closes the message, and
	// the stop reason from message_delta survives.
	_, err := f.run(t,
		initEvent(),
		streamEv(engine.MessageStart{MessageID: "m1"}),
		streamEv(engine.ContentBlockStart{Index: 0, Block: engine.ContentBlock{Type: engine.BlockText}}),
		streamEv(engine.ContentBlockDelta{Index: 0, Delta: engine.Delta{Type: engine.DeltaText, Text: "partial"}}),
		streamEv(engine.ContentBlockStop{Index: 0}),
		streamEv(engine.MessageDelta{StopReason: "tool_use"}),
		streamEv(engine.MessageStop{}),
	)
	require.NoError(t, err)

	msgs := f.assistantMessages(t)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Finish)
	assert.Equal(t, "tool_use", *msgs[0].Finish)
	require.NotNil(t, msgs[0].Time.Completed)
}

func TestStreamErrorStampsSubagentMessages(t *testing.T) {
	f := newConvFixture(t)

	// The stream dies while a subagent message is still open. Both the main
	// lane's message and the child's must come out errored, not dangling.
	_, err := f.run(t,
		initEvent(),
		engine.AssistantEvent{
			MessageID: "m1",
			Content: []engine.ContentBlock{
				{Type: engine.BlockToolUse, ID: "task1", Name: "task",
					Input: json.RawMessage(`{"description":"Chase a lead","prompt":"dig in"}`)},
			},
		},
		engine.AssistantEvent{
			MessageID:    "c1",
			ParentCallID: "task1",
			Content:      []engine.ContentBlock{{Type: engine.BlockText, Text: "Digging. "}},
		},
		&engine.APIError{StatusCode: 500, Message: "boom"},
	)
	require.Error(t, err)

	children, err := f.sessions.Children(context.Background(), f.sess.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	childMsgs, err := f.sessions.Messages(context.Background(), children[0].ID)
	require.NoError(t, err)
	var childAssistant *types.Message
	for _, m := range childMsgs {
		if m.Role == "assistant" {
			childAssistant = m
		}
	}
	require.NotNil(t, childAssistant)
	require.NotNil(t, childAssistant.Finish)
	assert.Equal(t, "error", *childAssistant.Finish)
	require.NotNil(t, childAssistant.Time.Completed)
	require.NotNil(t, childAssistant.Error)

	mainMsgs := f.assistantMessages(t)
	require.Len(t, mainMsgs, 1)
	require.NotNil(t, mainMsgs[0].Finish)
	assert.Equal(t, "error", *mainMsgs[0].Finish)
	require.NotNil(t, mainMsgs[0].Error)
}
