package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/steward-ai/steward/pkg/types"
)

// AuthError indicates the engine could not authenticate upstream.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// APIError is an upstream API failure. Retryable errors may be re-attempted
// with backoff; others are terminal for the message.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether err is an APIError marked retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// Classify maps a stream error onto the message error taxonomy. Every
// classification is terminal for the current assistant message but not for
// the session.
func Classify(err error) *types.MessageError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return types.NewAuthError(authErr.Message)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return types.NewAPIError(apiErr.Message, apiErr.StatusCode, apiErr.Retryable)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewAbortedError(err.Error())
	}
	return types.NewUnknownError(err.Error())
}
