package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/engine"
	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/internal/permission"
	"github.com/steward-ai/steward/internal/plan"
	"github.com/steward-ai/steward/pkg/types"
)

const (
	// MaxRetries is the maximum number of re-launched engine queries per turn.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time spent retrying.
	RetryMaxElapsedTime = 2 * time.Minute
)

// ErrBusy is returned when a prompt arrives while the session already has an
// active run.
var ErrBusy = errors.New("session is busy")

// catalogTools is the engine's tool catalog, used to pre-compute which tools
// the configured ruleset wildcard-denies before a turn starts.
var catalogTools = []string{
	"bash", "edit", "write", "read", "glob", "grep", "list", "webfetch", "task", "todowrite",
}

// newRetryBackoff creates an exponential backoff with jitter for engine
// retries. Jitter avoids thundering-herd re-queries; the context bound makes
// an interrupt cut the wait short.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Runner owns the per-session run lifecycle: one active engine query per
// session, retry with backoff on retryable API errors, and interrupt.
type Runner struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc

	sessions  *Service
	engine    engine.Engine
	converter *Converter
	gate      *Gate
	perms     *permission.Service
	plans     *plan.Service
	rules     func() permission.Ruleset
}

// NewRunner creates a Runner.
func NewRunner(sessions *Service, eng engine.Engine, converter *Converter, gate *Gate, perms *permission.Service, plans *plan.Service, rules func() permission.Ruleset) *Runner {
	return &Runner{
		active:    make(map[string]context.CancelFunc),
		sessions:  sessions,
		engine:    eng,
		converter: converter,
		gate:      gate,
		perms:     perms,
		plans:     plans,
		rules:     rules,
	}
}

// PromptOptions configures one user turn.
type PromptOptions struct {
	Text  string
	Model *types.ModelRef
	// Mode, when set, switches the session's permission mode for this and
	// subsequent turns.
	Mode types.PermissionMode
}

// Prompt records a user message and runs one engine turn to completion,
// retrying retryable API failures with backoff. It blocks until the turn
// finishes; callers that need fire-and-forget run it in a goroutine.
func (r *Runner) Prompt(ctx context.Context, sessionID string, opts PromptOptions) error {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if opts.Mode != "" && opts.Mode != sess.Mode {
		sess, err = r.sessions.Update(ctx, sessionID, func(s *types.Session) {
			s.Mode = opts.Mode
		})
		if err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if _, ok := r.active[sessionID]; ok {
		r.mu.Unlock()
		cancel()
		return ErrBusy
	}
	r.active[sessionID] = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, sessionID)
		r.mu.Unlock()
		// Idle is published even on failure so watchers always see the turn end.
		if err := r.sessions.SetStatus(context.WithoutCancel(ctx), sessionID, types.StatusIdle); err != nil {
			logging.Warn().Err(err).Str("session", sessionID).Msg("set idle status")
		}
	}()

	userMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      "user",
		Mode:      sess.Mode,
		Model:     opts.Model,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := r.sessions.SaveMessage(runCtx, userMsg); err != nil {
		return err
	}
	if err := r.sessions.SavePart(runCtx, userMsg.ID, &types.TextPart{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      opts.Text,
	}, ""); err != nil {
		return err
	}
	if err := r.sessions.SetStatus(runCtx, sessionID, types.StatusBusy); err != nil {
		return err
	}

	return r.runTurn(runCtx, sess, userMsg, opts)
}

// runTurn launches the engine query and converts its stream, re-launching on
// retryable failures until backoff gives up.
func (r *Runner) runTurn(ctx context.Context, sess *types.Session, userMsg *types.Message, opts PromptOptions) error {
	ruleset := r.rules()
	bo := newRetryBackoff(ctx)
	attempt := 0

	for {
		stream, err := r.engine.Query(ctx, engine.QueryOptions{
			SessionID:     sess.ID,
			Directory:     sess.Directory,
			Prompt:        opts.Text,
			Resume:        sess.EngineSessionID,
			Model:         opts.Model,
			Mode:          sess.Mode,
			DisabledTools: permission.Disabled(catalogTools, ruleset),
			Gate:          r.gate.Callback(sess),
		})
		if err == nil {
			_, err = r.converter.Run(ctx, sess, userMsg.ID, opts.Text, stream)
			stream.Close()
		}
		if err == nil {
			return nil
		}
		if !engine.IsRetryable(err) || ctx.Err() != nil {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("retries exhausted: %w", err)
		}
		attempt++
		r.noteRetry(ctx, sess.ID, userMsg.ID, attempt, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		// Resume from whatever engine session the failed attempt established.
		if fresh, gerr := r.sessions.Get(ctx, sess.ID); gerr == nil {
			sess = fresh
		}
	}
}

// noteRetry flags the session as retrying and records the attempt on the
// user message that started the turn.
func (r *Runner) noteRetry(ctx context.Context, sessionID, userMsgID string, attempt int, cause error) {
	if err := r.sessions.SetStatus(ctx, sessionID, types.StatusRetry); err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("set retry status")
	}
	if err := r.sessions.SavePart(ctx, userMsgID, &types.RetryPart{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		MessageID: userMsgID,
		Type:      "retry",
		Attempt:   attempt,
		Error:     cause.Error(),
		Time:      time.Now().UnixMilli(),
	}, ""); err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("save retry part")
	}
}

// Interrupt stops a session's active run. It is idempotent: interrupting an
// idle session only re-asserts idle state. Pending permission and plan
// requests for the session are rejected so no caller stays blocked.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) error {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	cancel, running := r.active[sessionID]
	r.mu.Unlock()
	if running {
		cancel()
	}

	if sess.EngineSessionID != "" {
		if err := r.engine.Interrupt(ctx, sess.EngineSessionID); err != nil {
			logging.Warn().Err(err).Str("session", sessionID).Msg("engine interrupt")
		}
	}

	r.perms.RejectBySession(sessionID)
	r.plans.RejectBySession(sessionID)

	if err := r.cancelOpenMessages(ctx, sessionID); err != nil {
		return err
	}
	return r.sessions.SetStatus(ctx, sessionID, types.StatusIdle)
}

// cancelOpenMessages stamps any in-flight assistant message as cancelled so
// the record never shows a message that neither finished nor failed.
func (r *Runner) cancelOpenMessages(ctx context.Context, sessionID string) error {
	messages, err := r.sessions.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, msg := range messages {
		if msg.Role != "assistant" || msg.Finish != nil {
			continue
		}
		finish := "cancelled"
		msg.Finish = &finish
		msg.Time.Completed = &now
		if err := r.sessions.SaveMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Active reports whether the session currently has a running turn.
func (r *Runner) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}
