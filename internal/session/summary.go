package session

import (
	"context"
	"strings"
	"unicode"

	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/pkg/types"
)

// Titler generates a session title from the first user prompt. The engine
// owns model access, so model-backed titling plugs in from outside.
type Titler interface {
	Title(ctx context.Context, prompt string) (string, error)
}

const maxTitleLen = 50

// HeuristicTitler derives a title from the prompt text itself.
type HeuristicTitler struct{}

func (HeuristicTitler) Title(ctx context.Context, prompt string) (string, error) {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultTitle, nil
	}
	if len(line) > maxTitleLen {
		cut := line[:maxTitleLen]
		if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > maxTitleLen/2 {
			cut = cut[:i]
		}
		line = cut
	}
	return line, nil
}

// summarize runs after a turn completes: it titles the session when still
// untitled and aggregates file diffs onto the session and the user message.
func (c *Converter) summarize(ctx context.Context, sessionID, userMsgID, prompt, baseline, closing string) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		logging.Warn().Err(err).Msg("summarize: load session")
		return
	}

	title := sess.Title
	// Child sessions keep the task description they were created with.
	if sess.ParentID == nil && (title == "" || title == defaultTitle) {
		if generated, err := c.titler.Title(ctx, prompt); err == nil && generated != "" {
			title = generated
		}
	}

	var diffs []types.FileDiff
	if baseline != "" && closing != "" {
		diffs, err = c.tracker.Diff(ctx, baseline, closing)
		if err != nil {
			logging.Warn().Err(err).Msg("summarize: diff")
		}
	}

	additions, deletions := 0, 0
	for _, d := range diffs {
		additions += d.Additions
		deletions += d.Deletions
	}

	if _, err := c.sessions.Update(ctx, sessionID, func(s *types.Session) {
		s.Title = title
		s.Summary = types.SessionSummary{
			Additions: additions,
			Deletions: deletions,
			Files:     len(diffs),
			Diffs:     diffs,
		}
	}); err != nil {
		logging.Warn().Err(err).Msg("summarize: update session")
		return
	}

	if userMsgID == "" {
		return
	}
	msgs, err := c.sessions.Messages(ctx, sessionID)
	if err != nil {
		return
	}
	for _, msg := range msgs {
		if msg.ID != userMsgID {
			continue
		}
		msg.Summary = &types.UserSummary{Title: title, Diffs: diffs}
		if err := c.sessions.SaveMessage(ctx, msg); err != nil {
			logging.Warn().Err(err).Msg("summarize: save user message")
		}
		return
	}
}
