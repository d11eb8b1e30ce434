// Package acp provides an adapter for agents speaking JSON-RPC 2.0 over
// a persistent WebSocket connection.
package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/acp/jsonrpc"
	"github.com/agentbridge/agentbridge/pkg/adapter"
)

const protocolVersion = 1

// Adapter talks to a JSON-RPC agent over a WebSocket. Requests carry
// incrementing integer IDs and are correlated with responses through a
// pending map; session/update notifications stream assistant output.
type Adapter struct {
	cfg adapter.Config
	log *logger.Logger

	emitter *adapter.Emitter

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	state     adapter.ConnectionState
	sessionID string
	pending   map[int64]chan *jsonrpc.Response
	perm      *pendingPermission

	// streaming accumulator for the in-flight assistant turn
	streamID  string
	streamBuf string
	lastChunk string

	nextID atomic.Int64
	done   chan struct{}
}

// pendingPermission is the single outstanding permission request. A new
// request from the agent cancels and replaces it.
type pendingPermission struct {
	requestID interface{} // JSON-RPC envelope ID, echoed in the response
	id        string
	options   []adapter.PermissionOption
}

// New creates an adapter for the given agent endpoint.
func New(cfg adapter.Config, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithAgentID(cfg.AgentID)
	return &Adapter{
		cfg:     cfg,
		log:     log,
		emitter: adapter.NewEmitter(0, log),
		state:   adapter.StateDisconnected,
		pending: make(map[int64]chan *jsonrpc.Response),
	}
}

// Connect dials the agent, starts the read loop and performs the
// initialize and session/new handshake. A handshake failure after the
// socket is up leaves the connection open; the session is created
// lazily on the first prompt instead.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connMu.Lock()
	if a.conn != nil {
		a.connMu.Unlock()
		return nil
	}

	a.setState(adapter.StateConnecting)

	header := adapter.BuildHeaders(a.cfg)
	header.Del("Content-Type")

	url := a.socketURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		a.connMu.Unlock()
		a.setState(adapter.StateError)
		a.emitError(fmt.Sprintf("websocket dial failed: %v", err), "")
		return fmt.Errorf("dial %s: %w", url, err)
	}

	a.conn = conn
	a.done = make(chan struct{})
	// Release before the handshake: the handshake writes frames, and
	// writeJSON reads a.conn under the same lock.
	a.connMu.Unlock()

	a.setState(adapter.StateConnected)
	go a.readLoop(conn)

	if err := a.handshake(ctx); err != nil {
		a.log.WithError(err).Warn("handshake failed, deferring session setup")
		a.emitError(fmt.Sprintf("handshake failed: %v", err), "")
	}
	return nil
}

// socketURL returns the configured socket endpoint, derived from the
// base URL when not set explicitly.
func (a *Adapter) socketURL() string {
	if a.cfg.SocketURL != "" {
		return a.cfg.SocketURL
	}
	u := a.cfg.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// handshake runs initialize followed by session/new.
func (a *Adapter) handshake(ctx context.Context) error {
	var initRes jsonrpc.InitializeResult
	err := a.call(ctx, jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      jsonrpc.ClientInfo{Name: "agentbridge", Version: "1.0"},
		ClientCapabilities: jsonrpc.ClientCapabilities{
			Streaming:   true,
			Permissions: true,
			Extra:       a.cfg.Capabilities,
		},
	}, &initRes)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	a.log.Info("agent initialized",
		zap.String("agent_name", initRes.AgentInfo.Name),
		zap.String("agent_version", initRes.AgentInfo.Version))

	return a.newSession(ctx)
}

func (a *Adapter) newSession(ctx context.Context) error {
	var res jsonrpc.SessionNewResult
	if err := a.call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{AgentID: a.cfg.AgentID}, &res); err != nil {
		return fmt.Errorf("session/new: %w", err)
	}
	a.mu.Lock()
	a.sessionID = res.SessionID
	a.mu.Unlock()
	return nil
}

// Disconnect notifies the agent that the session is cancelled, closes
// the socket and rejects every in-flight request.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()

	if conn != nil {
		a.mu.Lock()
		sessionID := a.sessionID
		a.mu.Unlock()
		if sessionID != "" {
			// Best effort, and before a.conn is cleared so the frame
			// actually reaches the wire.
			_ = a.notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{SessionID: sessionID})
		}
	}

	a.connMu.Lock()
	a.conn = nil
	a.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	a.failPending(adapter.ErrConnectionClosed)
	a.setState(adapter.StateDisconnected)
	a.emitter.Close()
	return nil
}

// SendMessage sends the text as a session/prompt. The prompt result is
// awaited in the background: streamed content arrives through
// session/update notifications and the turn is finalized when the stop
// reason comes back.
func (a *Adapter) SendMessage(ctx context.Context, text string, opts adapter.SendOptions) error {
	a.connMu.Lock()
	connected := a.conn != nil
	a.connMu.Unlock()
	if !connected {
		return adapter.ErrNotConnected
	}

	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		if err := a.newSession(ctx); err != nil {
			a.emitError(fmt.Sprintf("session setup failed: %v", err), "")
			return err
		}
		a.mu.Lock()
		sessionID = a.sessionID
		a.mu.Unlock()
	}

	params := jsonrpc.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: text}},
	}
	if opts.Model != "" || len(opts.Metadata) > 0 {
		params.Meta = make(map[string]any, len(opts.Metadata)+1)
		for k, v := range opts.Metadata {
			params.Meta[k] = v
		}
		if opts.Model != "" {
			params.Meta["model"] = opts.Model
		}
	}

	// New turn: allocate the message ID the accumulated text will keep.
	a.mu.Lock()
	a.streamID = adapter.NewID("msg")
	a.streamBuf = ""
	a.lastChunk = ""
	a.mu.Unlock()

	ch, id, err := a.send(jsonrpc.MethodSessionPrompt, params)
	if err != nil {
		a.emitError(fmt.Sprintf("prompt failed: %v", err), "")
		return err
	}

	// A prompt turn can run far longer than the request timeout, so its
	// result is bounded only by the caller's context and the connection
	// lifetime.
	select {
	case resp, ok := <-ch:
		if !ok {
			return adapter.ErrConnectionClosed
		}
		if resp.Error != nil {
			a.emitError(resp.Error.Message, fmt.Sprintf("%d", resp.Error.Code))
			return fmt.Errorf("prompt: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		var res jsonrpc.SessionPromptResult
		if len(resp.Result) > 0 {
			_ = json.Unmarshal(resp.Result, &res)
		}
		a.finalizeTurn(res.StopReason)
		return nil
	case <-ctx.Done():
		a.evict(id)
		_ = a.notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{
			SessionID: sessionID,
			Reason:    "cancelled",
		})
		a.finalizeTurn("cancelled")
		return ctx.Err()
	case <-a.done:
		a.evict(id)
		return adapter.ErrConnectionClosed
	}
}

// finalizeTurn emits the accumulated assistant message as final. The
// accumulator is kept: chunks that trail the prompt response still belong
// to the same turn and keep its message ID until the next prompt resets
// it.
func (a *Adapter) finalizeTurn(stopReason string) {
	a.mu.Lock()
	id, text := a.streamID, a.streamBuf
	a.mu.Unlock()

	if text != "" {
		a.emitter.Emit(adapter.Event{
			Type: adapter.EventMessage,
			Message: &adapter.MessageEvent{
				ID:      id,
				Role:    adapter.RoleAssistant,
				Content: text,
				Final:   true,
			},
		})
	}
	if stopReason != "" {
		a.emitter.Emit(adapter.Event{
			Type:     adapter.EventActivity,
			Activity: &adapter.ActivityEvent{Name: "stop_reason", Value: stopReason},
		})
	}
}

// SendToolResult is unsupported: the agent executes tools on its side
// and reports outcomes through tool_call_update notifications.
func (a *Adapter) SendToolResult(ctx context.Context, toolCallID string, result any) error {
	return adapter.ErrUnsupported
}

// Grant answers the outstanding permission request with the selected
// option. An empty optionID selects the request's first option.
func (a *Adapter) Grant(requestID, optionID string) error {
	perm, err := a.takePermission(requestID)
	if err != nil {
		return err
	}
	if optionID == "" {
		if len(perm.options) > 0 {
			optionID = perm.options[0].ID
		} else {
			optionID = "allow"
		}
	}
	return a.respondPermission(perm.requestID, jsonrpc.PermissionOutcome{
		Outcome:  "selected",
		OptionID: optionID,
	})
}

// Deny answers the outstanding permission request with a cancelled
// outcome.
func (a *Adapter) Deny(requestID string) error {
	perm, err := a.takePermission(requestID)
	if err != nil {
		return err
	}
	return a.respondPermission(perm.requestID, jsonrpc.PermissionOutcome{Outcome: "cancelled"})
}

func (a *Adapter) takePermission(requestID string) (*pendingPermission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perm == nil || a.perm.id != requestID {
		return nil, fmt.Errorf("no pending permission request %q", requestID)
	}
	perm := a.perm
	a.perm = nil
	return perm, nil
}

func (a *Adapter) respondPermission(envelopeID interface{}, outcome jsonrpc.PermissionOutcome) error {
	result, err := json.Marshal(jsonrpc.RequestPermissionResult{Outcome: outcome})
	if err != nil {
		return err
	}
	return a.writeJSON(jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      envelopeID,
		Result:  result,
	})
}

// SupportsFeature reports the protocol's capability surface.
func (a *Adapter) SupportsFeature(f adapter.Feature) bool {
	switch f {
	case adapter.FeatureStreaming, adapter.FeatureTools, adapter.FeaturePermissions, adapter.FeatureCancellation:
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

// call performs a request/response round trip bounded by the configured
// request timeout. A timed-out request is evicted from the pending map
// so a late response is dropped as a no-op.
func (a *Adapter) call(ctx context.Context, method string, params, result interface{}) error {
	ch, id, err := a.send(method, params)
	if err != nil {
		return err
	}

	timer := time.NewTimer(a.cfg.Timeout())
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return adapter.ErrConnectionClosed
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		a.evict(id)
		return adapter.ErrRequestTimeout
	case <-ctx.Done():
		a.evict(id)
		return ctx.Err()
	}
}

// send writes a request frame and registers its pending channel.
func (a *Adapter) send(method string, params interface{}) (chan *jsonrpc.Response, int64, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, 0, err
	}

	id := a.nextID.Add(1)
	ch := make(chan *jsonrpc.Response, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: id, Method: method, Params: raw}
	if err := a.writeJSON(req); err != nil {
		a.evict(id)
		return nil, 0, err
	}
	return ch, id, nil
}

// notify writes a notification frame (no response expected).
func (a *Adapter) notify(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return a.writeJSON(jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: method, Params: raw})
}

func (a *Adapter) writeJSON(v interface{}) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return adapter.ErrNotConnected
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (a *Adapter) evict(id int64) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// failPending rejects every in-flight request by closing its channel.
func (a *Adapter) failPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]chan *jsonrpc.Response)
	a.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if len(pending) > 0 {
		a.log.WithError(err).Warn("rejected in-flight requests", zap.Int("count", len(pending)))
	}
}

// readLoop classifies incoming frames as responses, server requests or
// notifications and dispatches them.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer close(a.done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.connMu.Lock()
			stillCurrent := a.conn == conn
			a.connMu.Unlock()
			if stillCurrent {
				a.log.WithError(err).Warn("websocket read failed")
				a.failPending(adapter.ErrConnectionClosed)
				a.setState(adapter.StateError)
				a.emitError("connection lost", "")
			}
			return
		}

		var env jsonrpc.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		switch {
		case env.Method == "" && env.ID != nil:
			a.handleResponse(&env)
		case env.Method != "" && env.ID != nil:
			a.handleServerRequest(&env)
		case env.Method != "":
			a.handleNotification(&env)
		}
	}
}

func (a *Adapter) handleResponse(env *jsonrpc.Envelope) {
	id, ok := envelopeID(env.ID)
	if !ok {
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		// Late response after timeout eviction.
		return
	}
	ch <- &jsonrpc.Response{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error}
}

func (a *Adapter) handleServerRequest(env *jsonrpc.Envelope) {
	if env.Method != jsonrpc.MethodRequestPermission {
		_ = a.writeJSON(jsonrpc.Response{
			JSONRPC: jsonrpc.Version,
			ID:      env.ID,
			Error:   &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "method not found"},
		})
		return
	}

	var params jsonrpc.RequestPermissionParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		_ = a.writeJSON(jsonrpc.Response{
			JSONRPC: jsonrpc.Version,
			ID:      env.ID,
			Error:   &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "invalid permission params"},
		})
		return
	}

	options := make([]adapter.PermissionOption, 0, len(params.Options))
	for _, o := range params.Options {
		options = append(options, adapter.PermissionOption{ID: o.OptionID, Name: o.Name, Kind: o.Kind})
	}

	perm := &pendingPermission{
		requestID: env.ID,
		id:        adapter.NewID("perm"),
		options:   options,
	}

	a.mu.Lock()
	prev := a.perm
	a.perm = perm
	a.mu.Unlock()

	if prev != nil {
		// Only one permission request can be outstanding; the superseded
		// one is answered as cancelled.
		_ = a.respondPermission(prev.requestID, jsonrpc.PermissionOutcome{Outcome: "cancelled"})
	}

	a.emitter.Emit(adapter.Event{
		Type: adapter.EventPermission,
		Permission: &adapter.PermissionEvent{
			RequestID:  perm.id,
			ToolCallID: params.ToolCall.ToolCallID,
			Title:      params.ToolCall.Title,
			Options:    options,
		},
	})
}

func (a *Adapter) handleNotification(env *jsonrpc.Envelope) {
	if env.Method != jsonrpc.NotificationSessionUpdate {
		return
	}
	var params jsonrpc.SessionUpdateParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		a.log.WithError(err).Warn("dropping malformed session update")
		return
	}
	a.handleUpdate(params.Update)
}

func (a *Adapter) handleUpdate(u jsonrpc.SessionUpdateBody) {
	switch u.SessionUpdate {
	case jsonrpc.UpdateAgentMessageChunk:
		// An embedded error is surfaced as an error, never as content.
		if u.Error != nil {
			a.emitError(u.Error.Message, fmt.Sprintf("%d", u.Error.Code))
			return
		}
		if u.Content == nil {
			return
		}
		a.appendChunk(u.Content.Text)

	case jsonrpc.UpdateAgentThoughtChunk:
		if u.Content == nil {
			return
		}
		a.emitter.Emit(adapter.Event{
			Type:     adapter.EventActivity,
			Activity: &adapter.ActivityEvent{Name: "thought", Value: u.Content.Text},
		})

	case jsonrpc.UpdateToolCall:
		args := map[string]any{}
		if len(u.RawInput) > 0 {
			if err := json.Unmarshal(u.RawInput, &args); err != nil {
				args = map[string]any{}
			}
		}
		status := u.Status
		if status == "" {
			status = "pending"
		}
		a.emitter.Emit(adapter.Event{
			Type: adapter.EventToolCall,
			ToolCall: &adapter.ToolCallEvent{
				ID:        u.ToolCallID,
				Name:      u.Title,
				Arguments: args,
				Status:    status,
			},
		})

	case jsonrpc.UpdateToolCallUpdate:
		a.handleToolCallUpdate(u)
	}
}

func (a *Adapter) handleToolCallUpdate(u jsonrpc.SessionUpdateBody) {
	switch u.Status {
	case "completed", "failed":
		content := ""
		if len(u.RawOutput) > 0 {
			var s string
			if err := json.Unmarshal(u.RawOutput, &s); err == nil {
				content = s
			} else {
				content = string(u.RawOutput)
			}
		}
		if u.Error != nil && content == "" {
			content = u.Error.Message
		}
		a.emitter.Emit(adapter.Event{
			Type: adapter.EventToolResult,
			ToolResult: &adapter.ToolResultEvent{
				ToolCallID: u.ToolCallID,
				Content:    content,
				Success:    u.Status == "completed" && u.Error == nil,
			},
		})
	default:
		a.emitter.Emit(adapter.Event{
			Type: adapter.EventToolCall,
			ToolCall: &adapter.ToolCallEvent{
				ID:     u.ToolCallID,
				Name:   u.Title,
				Status: u.Status,
			},
		})
	}
}

// appendChunk folds a message chunk into the accumulator and emits the
// full accumulated text under the turn's stable message ID. Agents that
// resend a chunk on reconnect are deduplicated by skipping an exact
// repeat of the previous chunk.
func (a *Adapter) appendChunk(text string) {
	a.mu.Lock()
	if text == a.lastChunk && text != "" {
		a.mu.Unlock()
		return
	}
	a.lastChunk = text
	if a.streamID == "" {
		// Unsolicited output (no prompt in flight) still gets a turn.
		a.streamID = adapter.NewID("msg")
		a.streamBuf = ""
	}
	a.streamBuf += text
	id, buf := a.streamID, a.streamBuf
	a.mu.Unlock()

	a.emitter.Emit(adapter.Event{
		Type: adapter.EventMessage,
		Message: &adapter.MessageEvent{
			ID:      id,
			Role:    adapter.RoleAssistant,
			Content: buf,
			Final:   false,
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

// envelopeID normalizes a decoded JSON-RPC ID back to the int64 the
// pending map is keyed by.
func envelopeID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
