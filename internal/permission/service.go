package permission

import (
	"context"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/event"
	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/pkg/types"
)

// SessionLookup is the slice of the session store the negotiator needs to
// compute the related-session set for always cascades.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	Children(ctx context.Context, sessionID string) ([]*types.Session, error)
}

// pending pairs a request with its completion handle. The channel is
// buffered so the replying goroutine never blocks on the asker.
type pending struct {
	req Request
	ch  chan error
}

// Service owns pending permission requests and the approved-rules table.
type Service struct {
	mu       sync.Mutex
	requests map[string]*pending
	approved Ruleset

	store    *storage.Storage
	sessions SessionLookup
}

var approvedPath = []string{"permission", "approved"}

// NewService creates a permission negotiator, seeding the approved-rules
// list from storage.
func NewService(store *storage.Storage, sessions SessionLookup) *Service {
	s := &Service{
		requests: make(map[string]*pending),
		store:    store,
		sessions: sessions,
	}
	if store != nil {
		var approved Ruleset
		if err := store.Get(context.Background(), approvedPath, &approved); err == nil {
			s.approved = approved
		}
	}
	return s
}

// Ask evaluates the request's probe patterns in order against the given
// ruleset merged with the approved-rules list. A deny fails immediately with
// a DeniedError and no further patterns are checked. The first ask registers
// a pending request and blocks until Reply resolves it; later patterns are
// not evaluated. If every pattern allows, Ask returns nil without blocking.
func (s *Service) Ask(ctx context.Context, req Request, ruleset Ruleset) error {
	s.mu.Lock()
	approved := s.approved
	s.mu.Unlock()

	for _, pattern := range req.Patterns {
		rule := Evaluate(req.Permission, pattern, ruleset, approved)
		switch rule.Action {
		case ActionAllow:
			continue
		case ActionDeny:
			return &DeniedError{
				Permission: req.Permission,
				Pattern:    pattern,
				Rules:      matching(req.Permission, pattern, ruleset, approved),
			}
		case ActionAsk:
			return s.await(ctx, req)
		}
	}
	return nil
}

// await registers the request and blocks until a reply or cancellation.
func (s *Service) await(ctx context.Context, req Request) error {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	p := &pending{req: req, ch: make(chan error, 1)}
	s.mu.Lock()
	s.requests[req.ID] = p
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PermissionAsked,
		Data: event.PermissionAskedData{
			ID:         req.ID,
			SessionID:  req.SessionID,
			Permission: req.Permission,
			Patterns:   req.Patterns,
			Metadata:   req.Metadata,
		},
	})

	select {
	case err := <-p.ch:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.requests, req.ID)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Reply resolves a pending request. Unknown ids are silent no-ops. An empty
// message with ReplyReject cascades the rejection to every other pending
// request of the same session; ReplyAlways records allow rules and cascades
// auto-approval across the session's family.
func (s *Service) Reply(requestID string, reply Reply, message string) {
	s.mu.Lock()
	p, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.requests, requestID)
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{
			ID:        requestID,
			SessionID: p.req.SessionID,
			Reply:     string(reply),
		},
	})

	switch reply {
	case ReplyReject:
		if message != "" {
			p.ch <- &CorrectedError{
				SessionID:  p.req.SessionID,
				Permission: p.req.Permission,
				CallID:     p.req.CallID,
				Message:    message,
			}
			return
		}
		p.ch <- &RejectedError{
			SessionID:  p.req.SessionID,
			Permission: p.req.Permission,
			CallID:     p.req.CallID,
		}
		s.RejectBySession(p.req.SessionID)

	case ReplyAlways:
		s.remember(p.req)
		p.ch <- nil
		s.cascadeAlways(p.req.SessionID)

	default: // once
		p.ch <- nil
	}
}

// remember appends one allow rule per "always" pattern and persists the
// approved table.
func (s *Service) remember(req Request) {
	s.mu.Lock()
	for _, pattern := range req.Always {
		s.approved = append(s.approved, Rule{
			Permission: req.Permission,
			Pattern:    pattern,
			Action:     ActionAllow,
		})
	}
	approved := s.approved
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Put(context.Background(), approvedPath, approved); err != nil {
			logging.Warn().Err(err).Msg("persist approved permission rules")
		}
	}
}

// cascadeAlways re-evaluates pending requests across the session's family
// and resolves the ones the updated approved table now fully allows.
func (s *Service) cascadeAlways(sessionID string) {
	family := s.relatedSessions(sessionID)

	s.mu.Lock()
	approved := s.approved
	var resolved []*pending
	for id, other := range s.requests {
		if !family[other.req.SessionID] {
			continue
		}
		allowed := true
		for _, pattern := range other.req.Patterns {
			if Evaluate(other.req.Permission, pattern, approved).Action != ActionAllow {
				allowed = false
				break
			}
		}
		if allowed {
			delete(s.requests, id)
			resolved = append(resolved, other)
		}
	}
	s.mu.Unlock()

	for _, other := range resolved {
		event.Publish(event.Event{
			Type: event.PermissionReplied,
			Data: event.PermissionRepliedData{
				ID:        other.req.ID,
				SessionID: other.req.SessionID,
				Reply:     string(ReplyAlways),
			},
		})
		other.ch <- nil
	}
}

// relatedSessions is {self} ∪ {parent} ∪ {parent's children} ∪ {own
// children}. Session store failures degrade to just the asking session.
func (s *Service) relatedSessions(sessionID string) map[string]bool {
	family := map[string]bool{sessionID: true}
	if s.sessions == nil {
		return family
	}
	ctx := context.Background()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		logging.Debug().Err(err).Str("session", sessionID).Msg("family lookup failed")
		return family
	}
	if sess.ParentID != nil {
		family[*sess.ParentID] = true
		if siblings, err := s.sessions.Children(ctx, *sess.ParentID); err == nil {
			for _, sib := range siblings {
				family[sib.ID] = true
			}
		}
	}
	if children, err := s.sessions.Children(ctx, sessionID); err == nil {
		for _, child := range children {
			family[child.ID] = true
		}
	}
	return family
}

// RejectBySession forcibly rejects every pending request for a session.
// Called on interrupt so no completion handle is left unresolved.
func (s *Service) RejectBySession(sessionID string) {
	s.mu.Lock()
	var rejected []*pending
	for id, p := range s.requests {
		if p.req.SessionID == sessionID {
			delete(s.requests, id)
			rejected = append(rejected, p)
		}
	}
	s.mu.Unlock()

	for _, p := range rejected {
		event.Publish(event.Event{
			Type: event.PermissionReplied,
			Data: event.PermissionRepliedData{
				ID:        p.req.ID,
				SessionID: p.req.SessionID,
				Reply:     string(ReplyReject),
			},
		})
		p.ch <- &RejectedError{
			SessionID:  p.req.SessionID,
			Permission: p.req.Permission,
			CallID:     p.req.CallID,
		}
	}
}

// Pending returns all pending requests in id order.
func (s *Service) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.requests))
	for _, p := range s.requests {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Approved returns a copy of the current approved-rules table.
func (s *Service) Approved() Ruleset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Ruleset, len(s.approved))
	copy(out, s.approved)
	return out
}

// Disabled returns the subset of tool names the ruleset wildcard-denies.
// Callers use it to pre-filter a tool catalog before a turn starts.
func Disabled(tools []string, ruleset Ruleset) []string {
	var out []string
	for _, tool := range tools {
		if Evaluate(tool, "*", ruleset).Action == ActionDeny {
			out = append(out, tool)
		}
	}
	return out
}
