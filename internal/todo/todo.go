// Package todo stores per-session todo lists.
package todo

import (
	"context"

	"github.com/steward-ai/steward/internal/event"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/pkg/types"
)

// Store persists session todo lists and notifies the bus on change.
type Store struct {
	storage *storage.Storage
}

// NewStore creates a todo store.
func NewStore(store *storage.Storage) *Store {
	return &Store{storage: store}
}

// Get returns the todos for a session, empty when none were written.
func (s *Store) Get(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	var todos []types.TodoInfo
	err := s.storage.Get(ctx, []string{"todo", sessionID}, &todos)
	if err == storage.ErrNotFound {
		return []types.TodoInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return todos, nil
}

// Update replaces a session's todos and publishes todo.updated.
func (s *Store) Update(ctx context.Context, sessionID string, todos []types.TodoInfo) error {
	if err := s.storage.Put(ctx, []string{"todo", sessionID}, todos); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.TodoUpdated,
		Data: event.TodoUpdatedData{SessionID: sessionID, Todos: todos},
	})
	return nil
}
