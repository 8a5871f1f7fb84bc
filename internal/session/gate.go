package session

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/steward-ai/steward/internal/engine"
	"github.com/steward-ai/steward/internal/permission"
	"github.com/steward-ai/steward/internal/plan"
	"github.com/steward-ai/steward/pkg/types"
)

// Gate answers the engine's tool-gating callback by routing each call
// through the permission negotiator, or through the plan negotiator for the
// plan-approval tool.
type Gate struct {
	perms *permission.Service
	plans *plan.Service
	rules func() permission.Ruleset
}

// NewGate creates a tool gate. rules supplies the current configured
// ruleset on every call so config reloads take effect immediately.
func NewGate(perms *permission.Service, plans *plan.Service, rules func() permission.Ruleset) *Gate {
	return &Gate{perms: perms, plans: plans, rules: rules}
}

// Callback returns the engine.ToolGate for one session.
func (g *Gate) Callback(sess *types.Session) engine.ToolGate {
	return func(ctx context.Context, call engine.GatedCall) (engine.GateResult, error) {
		if isPlanTool(call.Tool) {
			return g.askPlan(ctx, sess, call)
		}
		if sess.Mode == types.ModeBypass {
			return engine.GateResult{Behavior: engine.GateAllow}, nil
		}
		return g.askPermission(ctx, sess, call)
	}
}

func (g *Gate) askPlan(ctx context.Context, sess *types.Session, call engine.GatedCall) (engine.GateResult, error) {
	planText, _ := call.Input["plan"].(string)
	decision, err := g.plans.Ask(ctx, sess.ID, call.CallID, planText)
	if err != nil {
		if plan.IsDismissed(err) {
			return engine.GateResult{Behavior: engine.GateDeny, Message: "Plan dismissed without a decision."}, nil
		}
		return engine.GateResult{}, err
	}
	if !decision.Approved {
		msg := decision.Message
		if msg == "" {
			msg = "Plan was not approved."
		}
		return engine.GateResult{Behavior: engine.GateDeny, Message: msg}, nil
	}
	return engine.GateResult{Behavior: engine.GateAllow}, nil
}

func (g *Gate) askPermission(ctx context.Context, sess *types.Session, call engine.GatedCall) (engine.GateResult, error) {
	perm, patterns, always := probes(sess, call)

	// acceptEdits pre-approves file modifications for the session.
	if sess.Mode == types.ModeAcceptEdits && (perm == "edit" || perm == "write") {
		return engine.GateResult{Behavior: engine.GateAllow}, nil
	}
	// Plan mode keeps the agent read-only until the plan is approved.
	if sess.Mode == types.ModePlan && isMutating(perm) {
		return engine.GateResult{
			Behavior: engine.GateDeny,
			Message:  "Session is in plan mode; present a plan before making changes.",
		}, nil
	}

	err := g.perms.Ask(ctx, permission.Request{
		SessionID:  sess.ID,
		Permission: perm,
		Patterns:   patterns,
		Always:     always,
		MessageID:  call.MessageID,
		CallID:     call.CallID,
		Metadata:   map[string]any{"tool": call.Tool},
	}, g.rules())
	if err == nil {
		return engine.GateResult{Behavior: engine.GateAllow}, nil
	}

	var corrected *permission.CorrectedError
	if errors.As(err, &corrected) {
		// Guidance flows back to the agent as steering input.
		return engine.GateResult{Behavior: engine.GateDeny, Message: corrected.Message}, nil
	}
	var denied *permission.DeniedError
	if errors.As(err, &denied) {
		return engine.GateResult{Behavior: engine.GateDeny, Message: denied.Error()}, nil
	}
	var rejected *permission.RejectedError
	if errors.As(err, &rejected) {
		return engine.GateResult{Behavior: engine.GateDeny, Message: "Permission rejected by user."}, nil
	}
	return engine.GateResult{}, err
}

// probes derives the permission name, probe patterns (checked in order) and
// the patterns remembered on an "always" reply.
func probes(sess *types.Session, call engine.GatedCall) (perm string, patterns, always []string) {
	tool := strings.ToLower(call.Tool)
	switch tool {
	case "bash":
		command, _ := call.Input["command"].(string)
		cmds, err := permission.ParseBashCommand(command)
		if err != nil || len(cmds) == 0 {
			return "bash", []string{"*"}, nil
		}
		pats := permission.BashPatterns(cmds)
		if len(pats) == 0 {
			return "bash", []string{"*"}, nil
		}
		return "bash", pats, pats
	case "edit", "write":
		path, _ := call.Input["path"].(string)
		if path == "" {
			path, _ = call.Input["file_path"].(string)
		}
		rel := relPath(sess.Directory, path)
		return tool, []string{rel}, []string{rel}
	case "webfetch":
		raw, _ := call.Input["url"].(string)
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return "webfetch", []string{u.Host}, []string{u.Host}
		}
		return "webfetch", []string{"*"}, nil
	default:
		return tool, []string{"*"}, []string{"*"}
	}
}

func relPath(dir, path string) string {
	if path == "" {
		return "*"
	}
	if dir != "" {
		if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}

func isMutating(perm string) bool {
	switch perm {
	case "edit", "write", "bash", "patch":
		return true
	}
	return false
}

func isPlanTool(name string) bool {
	n := strings.ToLower(name)
	return n == "exitplanmode" || n == "exit_plan_mode"
}
