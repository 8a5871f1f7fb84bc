package engine

import (
	"context"

	"github.com/steward-ai/steward/pkg/types"
)

// Stream yields the tagged events of one engine query. Recv returns io.EOF
// when the sequence is exhausted.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// GateBehavior is the gate's verdict on a tool call.
type GateBehavior string

const (
	GateAllow GateBehavior = "allow"
	GateDeny  GateBehavior = "deny"
)

// GatedCall describes a tool call the engine is about to execute.
type GatedCall struct {
	SessionID string
	MessageID string
	CallID    string
	Tool      string
	Input     map[string]any
}

// GateResult is the answer to a gated call. UpdatedInput, when non-nil,
// replaces the call's input; Message carries steering feedback on deny.
type GateResult struct {
	Behavior     GateBehavior
	UpdatedInput map[string]any
	Message      string
}

// ToolGate is invoked by the engine before every tool call.
type ToolGate func(ctx context.Context, call GatedCall) (GateResult, error)

// QueryOptions configures one engine query.
type QueryOptions struct {
	SessionID string
	Directory string
	Prompt    string

	// Resume is the engine-side session handle from a previous turn.
	Resume string

	Model *types.ModelRef
	Mode  types.PermissionMode

	// DisabledTools are filtered out of the engine's tool catalog.
	DisabledTools []string

	Gate ToolGate
}

// Engine is the external agent-query engine. It talks to the model,
// executes tools (calling Gate first), and yields the event stream the
// converter consumes.
type Engine interface {
	Query(ctx context.Context, opts QueryOptions) (Stream, error)
	Interrupt(ctx context.Context, engineSessionID string) error
	RewindFiles(ctx context.Context, engineSessionID, checkpoint string) error
	SetModel(ctx context.Context, modelID string) error
	SupportedModels(ctx context.Context) ([]types.ModelRef, error)
}
