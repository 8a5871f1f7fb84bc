// Package session turns agent-query engine event streams into durable
// conversation state and owns the session lifecycle around them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/event"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/pkg/types"
)

const defaultTitle = "New Session"

// Service persists sessions, messages and parts, and publishes an event for
// every change.
type Service struct {
	storage *storage.Storage
}

// NewService creates a session service.
func NewService(store *storage.Storage) *Service {
	return &Service{storage: store}
}

// CreateOptions configures Create.
type CreateOptions struct {
	ParentID string
	Title    string
	Mode     types.PermissionMode
}

// Create creates and persists a new session.
func (s *Service) Create(ctx context.Context, directory string, opts CreateOptions) (*types.Session, error) {
	now := time.Now().UnixMilli()
	title := opts.Title
	if title == "" {
		title = defaultTitle
	}
	mode := opts.Mode
	if mode == "" {
		mode = types.ModeDefault
	}

	sess := &types.Session{
		ID:        ulid.Make().String(),
		Directory: directory,
		Title:     title,
		Mode:      mode,
		Status:    types.StatusIdle,
		Time:      types.SessionTime{Created: now, Updated: now},
	}
	if opts.ParentID != "" {
		parentID := opts.ParentID
		sess.ParentID = &parentID
	}

	if err := s.storage.Put(ctx, []string{"session", sess.ID}, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: sess},
	})
	return sess, nil
}

// Get retrieves a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	if err := s.storage.Get(ctx, []string{"session", sessionID}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Update applies fn to a session under the storage lock and publishes
// session.updated.
func (s *Service) Update(ctx context.Context, sessionID string, fn func(*types.Session)) (*types.Session, error) {
	var sess types.Session
	err := s.storage.Update(ctx, []string{"session", sessionID}, &sess, func() error {
		if sess.ID == "" {
			return storage.ErrNotFound
		}
		fn(&sess)
		sess.Time.Updated = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		return nil, err
	}
	event.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: &sess},
	})
	return &sess, nil
}

// SetStatus flips a session's status, publishing session.idle when the
// session returns to idle.
func (s *Service) SetStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	_, err := s.Update(ctx, sessionID, func(sess *types.Session) {
		sess.Status = status
	})
	if err != nil {
		return err
	}
	if status == types.StatusIdle {
		event.Publish(event.Event{
			Type: event.SessionIdle,
			Data: event.SessionIdleData{SessionID: sessionID},
		})
	}
	return nil
}

// List returns all sessions, id order.
func (s *Service) List(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.storage.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil // skip unreadable records
		}
		sessions = append(sessions, &sess)
		return nil
	})
	return sessions, err
}

// Children returns the sessions whose parent is sessionID.
func (s *Service) Children(ctx context.Context, sessionID string) ([]*types.Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var children []*types.Session
	for _, sess := range all {
		if sess.ParentID != nil && *sess.ParentID == sessionID {
			children = append(children, sess)
		}
	}
	return children, nil
}

// Delete removes a session with its messages and parts.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	msgs, _ := s.Messages(ctx, sessionID)
	for _, msg := range msgs {
		parts, _ := s.storage.List(ctx, []string{"part", msg.ID})
		for _, partID := range parts {
			_ = s.storage.Delete(ctx, []string{"part", msg.ID, partID})
		}
		_ = s.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}
	return s.storage.Delete(ctx, []string{"session", sessionID})
}

// SaveMessage persists a message and publishes message.updated.
func (s *Service) SaveMessage(ctx context.Context, msg *types.Message) error {
	if err := s.storage.Put(ctx, []string{"message", msg.SessionID, msg.ID}, msg); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})
	return nil
}

// Messages returns a session's messages. ULID ids make key order creation
// order.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// SavePart persists a part and publishes message.part.updated. delta, when
// non-empty, is the streamed text increment for subscribers that render
// incrementally.
func (s *Service) SavePart(ctx context.Context, messageID string, part types.Part, delta string) error {
	if err := s.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.PartUpdated,
		Data: event.PartUpdatedData{Part: part, Delta: delta},
	})
	return nil
}

// Parts returns a message's parts in emission order.
func (s *Service) Parts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return nil
		}
		parts = append(parts, part)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartID() < parts[j].PartID() })
	return parts, nil
}
