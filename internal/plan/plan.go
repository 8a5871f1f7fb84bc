// Package plan implements plan-approval negotiation: a single yes/no
// decision per request, with the same pending-state shape as the permission
// negotiator but no ruleset and no cross-session cascade.
package plan

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/event"
)

// Request is a pending plan-approval request.
type Request struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	CallID    string `json:"callID"`
	Plan      string `json:"plan"`
}

// Decision is the user's answer to a plan request.
type Decision struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message,omitempty"`
}

// DismissedError is returned when a plan dialog is dismissed without a
// decision.
type DismissedError struct {
	SessionID string
	CallID    string
}

func (e *DismissedError) Error() string { return "plan dismissed" }

// IsDismissed reports whether err is a plan dismissal.
func IsDismissed(err error) bool {
	var de *DismissedError
	return errors.As(err, &de)
}

type pending struct {
	req Request
	ch  chan result
}

type result struct {
	decision Decision
	err      error
}

// Service owns pending plan requests.
type Service struct {
	mu       sync.Mutex
	requests map[string]*pending
}

// NewService creates a plan negotiator.
func NewService() *Service {
	return &Service{requests: make(map[string]*pending)}
}

// Ask registers a plan request and blocks until Reply or Reject resolves
// it, or ctx is cancelled.
func (s *Service) Ask(ctx context.Context, sessionID, callID, planText string) (Decision, error) {
	req := Request{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		CallID:    callID,
		Plan:      planText,
	}
	p := &pending{req: req, ch: make(chan result, 1)}

	s.mu.Lock()
	s.requests[req.ID] = p
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PlanAsked,
		Data: event.PlanAskedData{ID: req.ID, SessionID: sessionID, CallID: callID, Plan: planText},
	})

	select {
	case res := <-p.ch:
		return res.decision, res.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.requests, req.ID)
		s.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

// Reply resolves a pending plan request with an approve/reject decision and
// optional feedback. Unknown ids are silent no-ops.
func (s *Service) Reply(requestID string, approved bool, message string) {
	s.mu.Lock()
	p, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.requests, requestID)
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PlanReplied,
		Data: event.PlanRepliedData{ID: requestID, SessionID: p.req.SessionID, Approved: approved},
	})
	p.ch <- result{decision: Decision{Approved: approved, Message: message}}
}

// Reject dismisses a pending plan request without a decision.
func (s *Service) Reject(requestID string) {
	s.mu.Lock()
	p, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.requests, requestID)
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PlanReplied,
		Data: event.PlanRepliedData{ID: requestID, SessionID: p.req.SessionID, Approved: false},
	})
	p.ch <- result{err: &DismissedError{SessionID: p.req.SessionID, CallID: p.req.CallID}}
}

// RejectBySession dismisses every pending plan request for a session.
// Mirrors the permission negotiator's interrupt cleanup.
func (s *Service) RejectBySession(sessionID string) {
	s.mu.Lock()
	var dismissed []*pending
	for id, p := range s.requests {
		if p.req.SessionID == sessionID {
			delete(s.requests, id)
			dismissed = append(dismissed, p)
		}
	}
	s.mu.Unlock()

	for _, p := range dismissed {
		event.Publish(event.Event{
			Type: event.PlanReplied,
			Data: event.PlanRepliedData{ID: p.req.ID, SessionID: p.req.SessionID, Approved: false},
		})
		p.ch <- result{err: &DismissedError{SessionID: p.req.SessionID, CallID: p.req.CallID}}
	}
}

// Pending returns all pending plan requests in id order.
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
