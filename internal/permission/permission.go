// Package permission implements the tool-permission negotiation protocol:
// wildcard rule evaluation, pending ask requests blocked on user replies,
// and the reject / always-approve cascades across related sessions.
package permission

import "fmt"

// Action is the outcome a rule prescribes for a matching tool call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule maps a (permission, pattern) pair to an action.
type Rule struct {
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
	Action     Action `json:"action"`
}

// Ruleset is an ordered rule list. Later entries win when both permission
// and pattern match the same probe; the list is never deduplicated so user
// overrides appended after defaults take precedence.
type Ruleset []Rule

// Reply is a user's answer to a pending request.
type Reply string

const (
	ReplyOnce   Reply = "once"
	ReplyAlways Reply = "always"
	ReplyReject Reply = "reject"
)

// Request is a pending permission request. Created on ask, removed on any
// terminal reply, never mutated otherwise.
type Request struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Always lists the patterns remembered as allow rules when the user
	// answers "always".
	Always []string `json:"always,omitempty"`

	// Linkage to the originating tool call, when there is one.
	MessageID string `json:"messageID,omitempty"`
	CallID    string `json:"callID,omitempty"`
}

// DeniedError is a non-interactive denial from the ruleset. Rules carries
// the subset of rules that matched the denied probe.
type DeniedError struct {
	Permission string
	Pattern    string
	Rules      Ruleset
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission %q denied for %q by rule", e.Permission, e.Pattern)
}

// RejectedError is an interactive denial: the user said no.
type RejectedError struct {
	SessionID  string
	Permission string
	CallID     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("permission %q rejected by user", e.Permission)
}

// CorrectedError is an interactive denial with guidance. The message is
// meant to be replayed to the agent as steering input, not treated as fatal.
type CorrectedError struct {
	SessionID  string
	Permission string
	CallID     string
	Message    string
}

func (e *CorrectedError) Error() string { return e.Message }
