package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/event"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/pkg/types"
)

var allowAll = Ruleset{{Permission: "*", Pattern: "*", Action: ActionAllow}}

// fakeLookup serves a fixed parent/child tree.
type fakeLookup struct {
	sessions map[string]*types.Session
	children map[string][]*types.Session
}

func (f *fakeLookup) Get(ctx context.Context, id string) (*types.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

func (f *fakeLookup) Children(ctx context.Context, id string) ([]*types.Session, error) {
	return f.children[id], nil
}

func askAsync(s *Service, req Request, rules Ruleset) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.Ask(context.Background(), req, rules)
	}()
	return ch
}

func waitPending(t *testing.T, s *Service, n int) []Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := s.Pending(); len(reqs) == n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	reqs := s.Pending()
	require.Len(t, reqs, n)
	return reqs
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ask to resolve")
		return nil
	}
}

func TestAskAllowedDoesNotBlock(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)

	err := s.Ask(context.Background(), Request{
		SessionID:  "s1",
		Permission: "read",
		Patterns:   []string{"main.go"},
	}, allowAll)
	require.NoError(t, err)
	assert.Empty(t, s.Pending())
}

func TestAskDeniedShortCircuits(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)
	rules := Ruleset{
		{Permission: "*", Pattern: "*", Action: ActionAllow},
		{Permission: "edit", Pattern: "a.env", Action: ActionDeny},
	}

	err := s.Ask(context.Background(), Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"a.env", "b.ts"},
	}, rules)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "edit", denied.Permission)
	assert.Equal(t, "a.env", denied.Pattern)
	// The failure is immediate: nothing was registered for b.ts.
	assert.Empty(t, s.Pending())
}

func TestAskBlocksUntilReplyOnce(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)

	done := askAsync(s, Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"main.go"},
	}, Ruleset{{Permission: "edit", Pattern: "*", Action: ActionAsk}})

	reqs := waitPending(t, s, 1)
	s.Reply(reqs[0].ID, ReplyOnce, "")

	require.NoError(t, recvErr(t, done))
	assert.Empty(t, s.Pending())
	// A once reply leaves no approved rule behind.
	assert.Empty(t, s.Approved())
}

func TestReplyAlwaysResolvesOtherPendingRequest(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)
	askRules := Ruleset{{Permission: "edit", Pattern: "*", Action: ActionAsk}}

	first := askAsync(s, Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"a.env"},
		Always:     []string{"*.env"},
	}, askRules)
	second := askAsync(s, Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"b.env"},
		Always:     []string{"*.env"},
	}, askRules)

	reqs := waitPending(t, s, 2)
	var firstID string
	for _, r := range reqs {
		if r.Patterns[0] == "a.env" {
			firstID = r.ID
		}
	}
	require.NotEmpty(t, firstID)

	s.Reply(firstID, ReplyAlways, "")

	require.NoError(t, recvErr(t, first))
	require.NoError(t, recvErr(t, second))
	assert.Empty(t, s.Pending())

	// The pattern is remembered, future asks auto-allow.
	err := s.Ask(context.Background(), Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"c.env"},
	}, askRules)
	require.NoError(t, err)
}

func TestReplyRejectCascadesAcrossSession(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)
	askRules := Ruleset{{Permission: "*", Pattern: "*", Action: ActionAsk}}

	replied := make(chan event.Event, 8)
	unsub := event.Subscribe(event.PermissionReplied, func(e event.Event) {
		replied <- e
	})
	defer unsub()

	chans := []<-chan error{
		askAsync(s, Request{SessionID: "s1", Permission: "edit", Patterns: []string{"a"}}, askRules),
		askAsync(s, Request{SessionID: "s1", Permission: "write", Patterns: []string{"b"}}, askRules),
		askAsync(s, Request{SessionID: "s1", Permission: "bash", Patterns: []string{"c"}}, askRules),
	}
	reqs := waitPending(t, s, 3)

	s.Reply(reqs[0].ID, ReplyReject, "")

	for _, ch := range chans {
		var rejected *RejectedError
		require.ErrorAs(t, recvErr(t, ch), &rejected)
		assert.Equal(t, "s1", rejected.SessionID)
	}
	assert.Empty(t, s.Pending())

	// Every request publishes its own replied event with decision reject.
	for i := 0; i < 3; i++ {
		select {
		case e := <-replied:
			data := e.Data.(event.PermissionRepliedData)
			assert.Equal(t, string(ReplyReject), data.Reply)
		case <-time.After(2 * time.Second):
			t.Fatal("missing permission.replied event")
		}
	}
}

func TestReplyRejectWithMessageDoesNotCascade(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)
	askRules := Ruleset{{Permission: "*", Pattern: "*", Action: ActionAsk}}

	first := askAsync(s, Request{SessionID: "s1", Permission: "edit", Patterns: []string{"a"}}, askRules)
	askAsync(s, Request{SessionID: "s1", Permission: "write", Patterns: []string{"b"}}, askRules)
	reqs := waitPending(t, s, 2)

	var editID string
	for _, r := range reqs {
		if r.Permission == "edit" {
			editID = r.ID
		}
	}
	s.Reply(editID, ReplyReject, "use the patch tool instead")

	var corrected *CorrectedError
	require.ErrorAs(t, recvErr(t, first), &corrected)
	assert.Equal(t, "use the patch tool instead", corrected.Message)

	// The other request stays pending.
	assert.Len(t, s.Pending(), 1)
	s.RejectBySession("s1")
}

func TestAlwaysCascadesAcrossFamily(t *testing.T) {
	event.Reset()
	parentID := "parent"
	lookup := &fakeLookup{
		sessions: map[string]*types.Session{
			"parent": {ID: "parent"},
			"child":  {ID: "child", ParentID: &parentID},
		},
		children: map[string][]*types.Session{
			"parent": {{ID: "child", ParentID: &parentID}},
		},
	}
	s := NewService(nil, lookup)
	askRules := Ruleset{{Permission: "bash", Pattern: "*", Action: ActionAsk}}

	parentAsk := askAsync(s, Request{
		SessionID:  "parent",
		Permission: "bash",
		Patterns:   []string{"git status *"},
		Always:     []string{"git *"},
	}, askRules)
	childAsk := askAsync(s, Request{
		SessionID:  "child",
		Permission: "bash",
		Patterns:   []string{"git log *"},
	}, askRules)

	reqs := waitPending(t, s, 2)
	var parentReqID string
	for _, r := range reqs {
		if r.SessionID == "parent" {
			parentReqID = r.ID
		}
	}
	s.Reply(parentReqID, ReplyAlways, "")

	require.NoError(t, recvErr(t, parentAsk))
	require.NoError(t, recvErr(t, childAsk))
}

func TestAlwaysDoesNotResolveUnrelatedSession(t *testing.T) {
	event.Reset()
	lookup := &fakeLookup{
		sessions: map[string]*types.Session{
			"s1": {ID: "s1"},
			"s2": {ID: "s2"},
		},
		children: map[string][]*types.Session{},
	}
	s := NewService(nil, lookup)
	askRules := Ruleset{{Permission: "bash", Pattern: "*", Action: ActionAsk}}

	first := askAsync(s, Request{
		SessionID:  "s1",
		Permission: "bash",
		Patterns:   []string{"git status *"},
		Always:     []string{"git *"},
	}, askRules)
	askAsync(s, Request{
		SessionID:  "s2",
		Permission: "bash",
		Patterns:   []string{"git log *"},
	}, askRules)

	reqs := waitPending(t, s, 2)
	var firstID string
	for _, r := range reqs {
		if r.SessionID == "s1" {
			firstID = r.ID
		}
	}
	s.Reply(firstID, ReplyAlways, "")
	require.NoError(t, recvErr(t, first))

	// s2 is not family; its request stays pending.
	assert.Len(t, s.Pending(), 1)
	s.RejectBySession("s2")
}

func TestRejectBySession(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)
	askRules := Ruleset{{Permission: "*", Pattern: "*", Action: ActionAsk}}

	a := askAsync(s, Request{SessionID: "s1", Permission: "edit", Patterns: []string{"a"}}, askRules)
	b := askAsync(s, Request{SessionID: "s2", Permission: "edit", Patterns: []string{"b"}}, askRules)
	waitPending(t, s, 2)

	s.RejectBySession("s1")

	var rejected *RejectedError
	require.ErrorAs(t, recvErr(t, a), &rejected)
	assert.Len(t, s.Pending(), 1)
	s.RejectBySession("s2")
	require.Error(t, recvErr(t, b))
}

func TestAskContextCancelled(t *testing.T) {
	event.Reset()
	s := NewService(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Ask(ctx, Request{
			SessionID:  "s1",
			Permission: "edit",
			Patterns:   []string{"a"},
		}, Ruleset{{Permission: "*", Pattern: "*", Action: ActionAsk}})
	}()

	waitPending(t, s, 1)
	cancel()

	err := recvErr(t, done)
	require.True(t, errors.Is(err, context.Canceled))
	waitPending(t, s, 0)
}

func TestApprovedRulesPersist(t *testing.T) {
	event.Reset()
	store := storage.New(t.TempDir())
	s := NewService(store, nil)
	askRules := Ruleset{{Permission: "edit", Pattern: "*", Action: ActionAsk}}

	done := askAsync(s, Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"a.env"},
		Always:     []string{"*.env"},
	}, askRules)
	reqs := waitPending(t, s, 1)
	s.Reply(reqs[0].ID, ReplyAlways, "")
	require.NoError(t, recvErr(t, done))

	// A fresh service over the same storage sees the remembered rule.
	s2 := NewService(store, nil)
	err := s2.Ask(context.Background(), Request{
		SessionID:  "s1",
		Permission: "edit",
		Patterns:   []string{"b.env"},
	}, askRules)
	require.NoError(t, err)
}

func TestDisabled(t *testing.T) {
	rules := Ruleset{
		{Permission: "webfetch", Pattern: "*", Action: ActionDeny},
		{Permission: "bash", Pattern: "git *", Action: ActionAllow},
	}
	got := Disabled([]string{"bash", "webfetch", "edit"}, rules)
	assert.Equal(t, []string{"webfetch"}, got)
}
