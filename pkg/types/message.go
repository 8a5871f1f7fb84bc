package types

// Message represents either a User or Assistant message in a conversation.
// Message ids are ULIDs, so lexical order is creation order.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	Time      MessageTime `json:"time"`

	// User-specific fields
	Mode    PermissionMode `json:"mode,omitempty"`
	Model   *ModelRef      `json:"model,omitempty"`
	Summary *UserSummary   `json:"summary,omitempty"`

	// Assistant-specific fields
	ParentID   string        `json:"parentID,omitempty"` // the user message that prompted this
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`

	// EngineMessageID is the upstream engine's id for this message, used to
	// de-duplicate partial and whole-message representations.
	EngineMessageID string `json:"engineMessageID,omitempty"`
	// EngineSessionID records which engine-side session produced the message.
	EngineSessionID string `json:"engineSessionID,omitempty"`
	// ParentCallID links a subagent message to the task tool call that
	// spawned its session.
	ParentCallID string `json:"parentCallID,omitempty"`
}

// MessageTime contains timestamps for a message, unix milliseconds.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// UserSummary carries the generated title and aggregated diffs for the turn
// a user message started.
type UserSummary struct {
	Title string     `json:"title,omitempty"`
	Diffs []FileDiff `json:"diffs,omitempty"`
}

// TokenUsage contains token usage statistics for an assistant message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage contains prompt-cache read/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Message error names. All are terminal for the message, not the session.
const (
	ErrorAuth    = "AuthError"
	ErrorAPI     = "APIError"
	ErrorAborted = "AbortedError"
	ErrorUnknown = "UnknownError"
)

// MessageError is a typed error attached to a failed assistant message.
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"` // APIError only
	Retryable  bool   `json:"retryable,omitempty"`  // APIError only
}

// NewUnknownError creates a new UnknownError.
func NewUnknownError(message string) *MessageError {
	return &MessageError{
		Name: ErrorUnknown,
		Data: MessageErrorData{Message: message},
	}
}

// NewAuthError creates a new AuthError.
func NewAuthError(message string) *MessageError {
	return &MessageError{
		Name: ErrorAuth,
		Data: MessageErrorData{Message: message},
	}
}

// NewAPIError creates a new APIError with its status code and retryability.
func NewAPIError(message string, status int, retryable bool) *MessageError {
	return &MessageError{
		Name: ErrorAPI,
		Data: MessageErrorData{Message: message, StatusCode: status, Retryable: retryable},
	}
}

// NewAbortedError creates a new AbortedError.
func NewAbortedError(message string) *MessageError {
	return &MessageError{
		Name: ErrorAborted,
		Data: MessageErrorData{Message: message},
	}
}
