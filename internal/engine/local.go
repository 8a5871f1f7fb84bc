package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/pkg/types"
)

// LocalEngine drives an engine CLI as a subprocess per query. The subprocess
// writes one JSON event per line on stdout; tool-gate requests arrive inline
// as control_request lines and are answered on stdin.
type LocalEngine struct {
	command string
	args    []string

	mu    sync.Mutex
	model string
	procs map[string]*exec.Cmd // keyed by engine session id
}

// NewLocalEngine creates a LocalEngine invoking command with base args.
func NewLocalEngine(command string, args ...string) *LocalEngine {
	return &LocalEngine{
		command: command,
		args:    args,
		procs:   make(map[string]*exec.Cmd),
	}
}

// Query launches one engine run and returns its event stream.
func (e *LocalEngine) Query(ctx context.Context, opts QueryOptions) (Stream, error) {
	args := append([]string{}, e.args...)
	args = append(args, "--jsonl")
	if opts.Directory != "" {
		args = append(args, "--directory", opts.Directory)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.Mode != "" {
		args = append(args, "--permission-mode", string(opts.Mode))
	}
	if model := e.modelFor(opts); model != "" {
		args = append(args, "--model", model)
	}
	if len(opts.DisabledTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(opts.DisabledTools, ","))
	}
	args = append(args, "--prompt", opts.Prompt)

	cmd := exec.CommandContext(ctx, e.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	return &localStream{
		engine:    e,
		cmd:       cmd,
		scanner:   newLineScanner(stdout),
		stdin:     stdin,
		gate:      opts.Gate,
		sessionID: opts.SessionID,
		ctx:       ctx,
	}, nil
}

func (e *LocalEngine) modelFor(opts QueryOptions) string {
	if opts.Model != nil {
		return opts.Model.ModelID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Interrupt signals the subprocess serving engineSessionID. The subprocess
// finishes its stream with a result event on SIGINT, so the converter still
// finalizes the turn.
func (e *LocalEngine) Interrupt(ctx context.Context, engineSessionID string) error {
	e.mu.Lock()
	cmd, ok := e.procs[engineSessionID]
	e.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

// RewindFiles asks the engine to restore files to a checkpoint.
func (e *LocalEngine) RewindFiles(ctx context.Context, engineSessionID, checkpoint string) error {
	cmd := exec.CommandContext(ctx, e.command, "rewind", "--resume", engineSessionID, "--checkpoint", checkpoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rewind: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SetModel sets the default model for subsequent queries.
func (e *LocalEngine) SetModel(ctx context.Context, modelID string) error {
	e.mu.Lock()
	e.model = modelID
	e.mu.Unlock()
	return nil
}

// SupportedModels lists the models the engine CLI reports.
func (e *LocalEngine) SupportedModels(ctx context.Context) ([]types.ModelRef, error) {
	cmd := exec.CommandContext(ctx, e.command, "models", "--jsonl")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var models []types.ModelRef
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ref types.ModelRef
		if err := json.Unmarshal([]byte(line), &ref); err != nil {
			continue
		}
		models = append(models, ref)
	}
	return models, nil
}

func (e *LocalEngine) register(engineSessionID string, cmd *exec.Cmd) {
	if engineSessionID == "" {
		return
	}
	e.mu.Lock()
	e.procs[engineSessionID] = cmd
	e.mu.Unlock()
}

func (e *LocalEngine) unregister(engineSessionID string) {
	if engineSessionID == "" {
		return
	}
	e.mu.Lock()
	delete(e.procs, engineSessionID)
	e.mu.Unlock()
}

// controlRequest is an inline tool-gate request from the subprocess.
type controlRequest struct {
	Type string `json:"type"` // "control_request"
	ID   string `json:"id"`

	MessageID string          `json:"messageID"`
	CallID    string          `json:"callID"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
}

// controlResponse answers a controlRequest on the subprocess's stdin.
type controlResponse struct {
	Type         string         `json:"type"` // "control_response"
	ID           string         `json:"id"`
	Behavior     GateBehavior   `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

type localStream struct {
	engine    *LocalEngine
	cmd       *exec.Cmd
	scanner   *bufio.Scanner
	stdin     io.WriteCloser
	gate      ToolGate
	ctx       context.Context
	sessionID string

	engineSessionID string
	closed          bool
}

// Recv returns the next event, answering control requests inline.
func (s *localStream) Recv() (Event, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, s.finish()
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if isControlLine(line) {
			if err := s.answerControl(line); err != nil {
				logging.Warn().Err(err).Msg("engine control response failed")
			}
			continue
		}

		ev, err := DecodeEvent(line)
		if err != nil {
			logging.Debug().Err(err).Msg("skipping undecodable engine line")
			continue
		}
		if sys, ok := ev.(SystemEvent); ok && sys.Subtype == "init" {
			s.engineSessionID = sys.EngineSessionID
			s.engine.register(sys.EngineSessionID, s.cmd)
		}
		return ev, nil
	}
}

// finish reaps the subprocess and maps its exit status onto the stream error
// contract: clean exit ends the stream with io.EOF.
func (s *localStream) finish() error {
	s.engine.unregister(s.engineSessionID)
	err := s.cmd.Wait()
	if err == nil {
		return io.EOF
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return &APIError{Message: fmt.Sprintf("engine exited: %v", err), Retryable: false}
}

func (s *localStream) answerControl(line []byte) error {
	var req controlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return err
	}

	var input map[string]any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			input = map[string]any{}
		}
	}

	result := GateResult{Behavior: GateAllow}
	if s.gate != nil {
		var err error
		result, err = s.gate(s.ctx, GatedCall{
			SessionID: s.sessionID,
			MessageID: req.MessageID,
			CallID:    req.CallID,
			Tool:      req.Tool,
			Input:     input,
		})
		if err != nil {
			result = GateResult{Behavior: GateDeny, Message: err.Error()}
		}
	}

	resp, err := json.Marshal(controlResponse{
		Type:         "control_response",
		ID:           req.ID,
		Behavior:     result.Behavior,
		UpdatedInput: result.UpdatedInput,
		Message:      result.Message,
	})
	if err != nil {
		return err
	}
	resp = append(resp, '\n')
	_, err = s.stdin.Write(resp)
	return err
}

func (s *localStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.engine.unregister(s.engineSessionID)
	s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

func isControlLine(line []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	return probe.Type == "control_request"
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return sc
}
