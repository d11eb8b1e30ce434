// Package agui provides an adapter for agents speaking the rich SSE
// event protocol: one POST per turn, answered by a stream of named
// events covering run lifecycle, text deltas, tool-call argument
// streaming, state updates and custom events.
package agui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/adapter"
)

// terminateTimeout bounds the best-effort run termination call issued on
// disconnect. The session is ending either way, so it stays short.
const terminateTimeout = 800 * time.Millisecond

// Adapter drives the rich SSE protocol. The full turn history is resent
// on every request, so the adapter retains it; tool results continue the
// conversation by reconstructing the assistant turn that called the tool
// and issuing a fresh request.
type Adapter struct {
	cfg adapter.Config
	log *logger.Logger

	emitter    *adapter.Emitter
	httpClient *http.Client

	mu       sync.Mutex
	state    adapter.ConnectionState
	threadID string
	runID    string
	history  []runMessage
	cancel   context.CancelFunc // aborts the in-flight request

	// per-turn stream state, touched only by the read loop
	streamID       string
	streamBuf      string
	lastAssistant  string
	pendingTools   map[string]*pendingToolCall
	completedTools map[string]*completedToolCall
}

// pendingToolCall accumulates raw argument fragments between a tool-call
// start and its end. The buffer is never parsed before the end event.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// completedToolCall snapshots a finished tool call so sendToolResult can
// reconstruct the assistant turn that produced it.
type completedToolCall struct {
	id       string
	name     string
	argsJSON string
	args     map[string]any
}

// New creates an adapter for the given agent endpoint.
func New(cfg adapter.Config, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithAgentID(cfg.AgentID)
	return &Adapter{
		cfg:            cfg,
		log:            log,
		emitter:        adapter.NewEmitter(0, log),
		httpClient:     &http.Client{}, // no timeout: responses stream
		state:          adapter.StateDisconnected,
		pendingTools:   make(map[string]*pendingToolCall),
		completedTools: make(map[string]*completedToolCall),
	}
}

// Connect allocates the thread scoping this session. The protocol has no
// handshake; the first request is the first contact with the server.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == adapter.StateConnected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.setState(adapter.StateConnecting)
	if a.cfg.BaseURL == "" {
		a.setState(adapter.StateError)
		a.emitError("base URL not configured", "")
		return fmt.Errorf("base URL not configured")
	}

	a.mu.Lock()
	a.threadID = adapter.NewID("thread")
	a.history = nil
	a.mu.Unlock()
	a.setState(adapter.StateConnected)
	return nil
}

// Disconnect aborts the in-flight request, issues a best-effort run
// termination call and closes the event channel.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	threadID, runID := a.threadID, a.runID
	a.threadID = ""
	a.runID = ""
	a.pendingTools = make(map[string]*pendingToolCall)
	a.completedTools = make(map[string]*completedToolCall)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if threadID != "" && runID != "" {
		a.terminate(threadID, runID)
	}

	a.setState(adapter.StateDisconnected)
	a.emitter.Close()
	return nil
}

// terminate tells the server to stop the current run. Failures are
// logged, not surfaced: the session is already ending.
func (a *Adapter) terminate(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"threadId": threadID, "runId": runID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(a.cfg.BaseURL, "/")+"/cancel", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header = adapter.BuildHeaders(a.cfg)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Debug("run termination call failed", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

// SendMessage appends the user turn to the retained history and runs one
// streamed exchange. It returns when the stream reaches its end.
func (a *Adapter) SendMessage(ctx context.Context, text string, opts adapter.SendOptions) error {
	a.mu.Lock()
	if a.state != adapter.StateConnected {
		a.mu.Unlock()
		return adapter.ErrNotConnected
	}
	content := text
	a.history = append(a.history, runMessage{
		ID:      adapter.NewID("msg"),
		Role:    string(adapter.RoleUser),
		Content: &content,
	})
	a.mu.Unlock()

	return a.run(ctx, opts)
}

// SendToolResult reconstructs the assistant turn that produced the tool
// call, appends a tool-role message carrying the result, and issues a new
// streamed exchange so the agent can react to the tool's output.
func (a *Adapter) SendToolResult(ctx context.Context, toolCallID string, result any) error {
	a.mu.Lock()
	if a.state != adapter.StateConnected {
		a.mu.Unlock()
		return adapter.ErrNotConnected
	}

	call, ok := a.completedTools[toolCallID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no completed tool call %q to answer", toolCallID)
	}

	assistant := runMessage{
		ID:   adapter.NewID("msg"),
		Role: string(adapter.RoleAssistant),
		ToolCalls: []runToolCall{{
			ID:   call.id,
			Type: "function",
			Function: runFunction{
				Name:      call.name,
				Arguments: call.argsJSON,
			},
		}},
	}
	if a.lastAssistant != "" {
		text := a.lastAssistant
		assistant.Content = &text
	}

	resultText := stringifyResult(result)
	toolMsg := runMessage{
		ID:         adapter.NewID("msg"),
		Role:       string(adapter.RoleTool),
		Content:    &resultText,
		ToolCallID: toolCallID,
	}

	a.history = append(a.history, assistant, toolMsg)
	delete(a.completedTools, toolCallID)
	a.mu.Unlock()

	return a.run(ctx, adapter.SendOptions{})
}

// SupportsFeature reports the protocol's capability surface.
func (a *Adapter) SupportsFeature(f adapter.Feature) bool {
	switch f {
	case adapter.FeatureStreaming, adapter.FeatureTools, adapter.FeatureState, adapter.FeatureCancellation:
		return true
	}
	return false
}

// State returns the current connection state.
func (a *Adapter) State() adapter.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Events returns the adapter's event stream.
func (a *Adapter) Events() <-chan adapter.Event {
	return a.emitter.Events()
}

// run issues one streamed exchange against the retained history and
// consumes its event stream to completion. A new run aborts any run
// still in flight.
func (a *Adapter) run(ctx context.Context, opts adapter.SendOptions) error {
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = cancel
	a.runID = adapter.NewID("run")
	runID := a.runID
	reqBody := runRequest{
		ThreadID:       a.threadID,
		RunID:          a.runID,
		Messages:       append([]runMessage(nil), a.history...),
		State:          json.RawMessage(`{}`),
		Tools:          make([]runTool, 0, len(opts.Tools)),
		Context:        []json.RawMessage{},
		ForwardedProps: map[string]any{},
		Model:          opts.Model,
	}
	a.mu.Unlock()

	for _, t := range opts.Tools {
		reqBody.Tools = append(reqBody.Tools, runTool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if len(opts.Metadata) > 0 {
		// The "identities" key is the third-party credential slot and
		// rides as its own request field; the rest is forwarded as-is.
		props := make(map[string]any, len(opts.Metadata))
		for k, v := range opts.Metadata {
			if k == "identities" {
				if ids, ok := v.(map[string]any); ok {
					reqBody.Identities = ids
					continue
				}
			}
			props[k] = v
		}
		reqBody.ForwardedProps = props
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		cancel()
		return err
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, a.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return err
	}
	req.Header = adapter.BuildHeaders(a.cfg)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		cancel()
		a.emitError(fmt.Sprintf("run request failed: %v", err), "")
		return fmt.Errorf("run request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		cancel()
		msg := fmt.Sprintf("run request failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		a.emitError(msg, fmt.Sprintf("%d", resp.StatusCode))
		return fmt.Errorf("%s", msg)
	}

	a.processEventStream(runCtx, resp.Body)
	cancel()

	// Drop our cancel handle unless a newer run already replaced it.
	a.mu.Lock()
	if a.runID == runID {
		a.cancel = nil
	}
	a.mu.Unlock()

	// Nil after a normal end of stream; the parent context reports
	// whether the caller gave up on the turn.
	return ctx.Err()
}

// processEventStream reads and processes SSE events until the stream
// closes.
func (a *Adapter) processEventStream(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large events
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {...}"
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line signals end of event
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()
			if data == "" {
				continue
			}

			var ev wireEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				a.log.Warn("skipping malformed event", zap.Error(err))
				continue
			}
			a.handleEvent(&ev)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.log.Error("event stream error", zap.Error(err))
		a.emitError(fmt.Sprintf("event stream error: %v", err), "")
	}
}

func (a *Adapter) handleEvent(ev *wireEvent) {
	switch ev.Type {
	case eventRunStarted:
		a.mu.Lock()
		a.streamID = adapter.NewID("msg")
		a.streamBuf = ""
		a.mu.Unlock()

	case eventTextMessageStart:
		a.mu.Lock()
		if ev.MessageID != "" {
			a.streamID = ev.MessageID
		} else if a.streamID == "" {
			a.streamID = adapter.NewID("msg")
		}
		a.streamBuf = ""
		a.mu.Unlock()

	case eventTextMessageContent:
		a.mu.Lock()
		a.streamBuf += ev.deltaString()
		id, text := a.streamID, a.streamBuf
		a.mu.Unlock()
		a.emitMessage(id, text, false)

	case eventTextMessageEnd:
		a.mu.Lock()
		id, text := a.streamID, a.streamBuf
		a.lastAssistant = text
		a.mu.Unlock()
		a.emitMessage(id, text, true)

	case eventToolCallStart:
		a.mu.Lock()
		a.pendingTools[ev.ToolCallID] = &pendingToolCall{id: ev.ToolCallID, name: ev.toolName()}
		a.mu.Unlock()
		a.emitter.Emit(adapter.Event{
			Type: adapter.EventToolCall,
			ToolCall: &adapter.ToolCallEvent{
				ID:        ev.ToolCallID,
				Name:      ev.toolName(),
				Arguments: map[string]any{},
				Status:    "pending",
			},
		})

	case eventToolCallArgs:
		a.mu.Lock()
		if pc, ok := a.pendingTools[ev.ToolCallID]; ok {
			pc.args.WriteString(ev.deltaString())
		}
		a.mu.Unlock()

	case eventToolCallEnd:
		a.finishToolCall(ev.ToolCallID)

	case eventToolCallResult:
		a.handleToolResult(ev)

	case eventStateSnapshot:
		a.emitter.Emit(adapter.Event{
			Type:  adapter.EventState,
			State: &adapter.StateEvent{Data: ev.Snapshot, Delta: false},
		})

	case eventStateDelta:
		a.emitter.Emit(adapter.Event{
			Type:  adapter.EventState,
			State: &adapter.StateEvent{Data: ev.Delta, Delta: true},
		})

	case eventCustom:
		var value any
		if len(ev.Value) > 0 {
			_ = json.Unmarshal(ev.Value, &value)
		}
		a.emitter.Emit(adapter.Event{
			Type:     adapter.EventActivity,
			Activity: &adapter.ActivityEvent{Name: ev.Name, Value: value},
		})

	case eventRunFinished:
		if ev.Usage != nil {
			a.emitter.Emit(adapter.Event{
				Type: adapter.EventUsage,
				Usage: &adapter.UsageEvent{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.CompletionTokens,
				},
			})
		}

	case eventRunError:
		msg := ev.Message
		if msg == "" {
			msg = "run failed"
		}
		a.emitError(msg, ev.Code)

	default:
		a.log.Debug("ignoring unknown event", zap.String("event_type", ev.Type))
	}
}

// finishToolCall parses the accumulated argument buffer and emits the
// call with its full arguments. Invalid JSON degrades to empty arguments
// rather than failing the stream.
func (a *Adapter) finishToolCall(toolCallID string) {
	a.mu.Lock()
	pc, ok := a.pendingTools[toolCallID]
	a.mu.Unlock()
	if !ok {
		return
	}

	raw := pc.args.String()
	args := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			a.log.Warn("tool call arguments are not valid JSON",
				zap.String("tool_call_id", toolCallID))
			args = map[string]any{}
			raw = "{}"
		}
	} else {
		raw = "{}"
	}

	a.mu.Lock()
	a.completedTools[pc.id] = &completedToolCall{id: pc.id, name: pc.name, argsJSON: raw, args: args}
	a.mu.Unlock()

	a.emitter.Emit(adapter.Event{
		Type: adapter.EventToolCall,
		ToolCall: &adapter.ToolCallEvent{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: args,
			Status:    "ready",
		},
	})
}

// handleToolResult emits the result and evicts the pending call. Several
// non-orthogonal error markers exist on the wire; any one of them set
// marks the result as failed.
func (a *Adapter) handleToolResult(ev *wireEvent) {
	var content any
	if len(ev.Content) > 0 {
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			content = string(ev.Content)
		}
	}

	failed := ev.Error || ev.IsError || ev.ErrorText != "" || (ev.Success != nil && !*ev.Success)
	if m, ok := content.(map[string]any); ok && !failed {
		if _, hasErr := m["error"]; hasErr {
			failed = true
		}
	}

	a.mu.Lock()
	delete(a.pendingTools, ev.ToolCallID)
	a.mu.Unlock()

	a.emitter.Emit(adapter.Event{
		Type: adapter.EventToolResult,
		ToolResult: &adapter.ToolResultEvent{
			ToolCallID: ev.ToolCallID,
			Content:    content,
			Success:    !failed,
		},
	})
}

func (a *Adapter) emitMessage(id, text string, final bool) {
	a.emitter.Emit(adapter.Event{
		Type: adapter.EventMessage,
		Message: &adapter.MessageEvent{
			ID:      id,
			Role:    adapter.RoleAssistant,
			Content: text,
			Final:   final,
		},
	})
}

func (a *Adapter) setState(s adapter.ConnectionState) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	a.emitter.Emit(adapter.Event{
		Type:       adapter.EventConnection,
		Connection: &adapter.ConnectionEvent{State: s},
	})
}

func (a *Adapter) emitError(msg, code string) {
	a.emitter.Emit(adapter.Event{
		Type:  adapter.EventError,
		Error: &adapter.ErrorEvent{Message: msg, Code: code},
	})
}

// stringifyResult renders a tool result for a tool-role message: strings
// pass through, everything else is marshalled to JSON.
func stringifyResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
