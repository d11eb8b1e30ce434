// Package datastream provides an adapter for the reduced SSE protocol:
// one POST per turn, answered by a stream of typed JSON events carrying
// text only, terminated by a [DONE] sentinel.
package datastream

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

// doneSentinel terminates the stream.
const doneSentinel = "[DONE]"

// terminateTimeout bounds the best-effort stop call issued on disconnect.
const terminateTimeout = 800 * time.Millisecond

// Stream event types.
const (
	eventTextStart = "text-start"
	eventTextDelta = "text-delta"
	eventFinish    = "finish"
	eventEndStep   = "end-step"
	eventError     = "error"
)

// streamEvent is one decoded `data:` payload.
type streamEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Message string `json:"errorText,omitempty"`
}

// chatRequest is the outbound body for one turn.
type chatRequest struct {
	ID           string        `json:"id"`
	Messages     []chatMessage `json:"messages"`
	Trigger      string        `json:"trigger"` // always "submit-message"
	Tools        []any         `json:"tools,omitempty"`
	Model        string        `json:"model,omitempty"`
	BuiltinTools []string      `json:"builtinTools,omitempty"`
}

type chatMessage struct {
	ID    string     `json:"id"`
	Role  string     `json:"role"`
	Parts []chatPart `json:"parts"`
}

type chatPart struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// Adapter drives the reduced SSE protocol. It supports streaming text
// and cancellation only; tool continuation is a defined capability gap.
type Adapter struct {
	cfg adapter.Config
	log *logger.Logger

	emitter    *adapter.Emitter
	httpClient *http.Client

	mu        sync.Mutex
	state     adapter.ConnectionState
	history   []chatMessage
	requestID string
	cancel    context.CancelFunc

	// per-turn stream state, touched only by the read loop
	streamID  string
	streamBuf string
	finalized bool
}

// New creates an adapter for the given agent endpoint.
func New(cfg adapter.Config, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithAgentID(cfg.AgentID)
	return &Adapter{
		cfg:        cfg,
		log:        log,
		emitter:    adapter.NewEmitter(0, log),
		httpClient: &http.Client{}, // no timeout: responses stream
		state:      adapter.StateDisconnected,
	}
}

// Connect marks the adapter ready. The protocol has no handshake.
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
	a.history = nil
	a.mu.Unlock()
	a.setState(adapter.StateConnected)
	return nil
}

// Disconnect aborts the in-flight request, issues a best-effort stop
// call for it and closes the event channel.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	requestID := a.requestID
	a.requestID = ""
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if requestID != "" {
		a.stop(requestID)
	}

	a.setState(adapter.StateDisconnected)
	a.emitter.Close()
	return nil
}

// stop tells the server to abandon the request. Failures are logged,
// not surfaced.
func (a *Adapter) stop(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"id": requestID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(a.cfg.BaseURL, "/")+"/stop", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header = adapter.BuildHeaders(a.cfg)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Debug("stop call failed", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

// SendMessage appends the user turn and runs one streamed exchange,
// returning when the stream reaches [DONE] or closes. A new turn aborts
// any turn still in flight.
func (a *Adapter) SendMessage(ctx context.Context, text string, opts adapter.SendOptions) error {
	a.mu.Lock()
	if a.state != adapter.StateConnected {
		a.mu.Unlock()
		return adapter.ErrNotConnected
	}
	a.history = append(a.history, chatMessage{
		ID:    adapter.NewID("msg"),
		Role:  string(adapter.RoleUser),
		Parts: []chatPart{{Type: "text", Text: text}},
	})
	a.mu.Unlock()

	return a.run(ctx, opts)
}

// SendToolResult is a defined capability gap of this protocol: there is
// no continuation mechanism, so it fails immediately without touching
// the network.
func (a *Adapter) SendToolResult(ctx context.Context, toolCallID string, result any) error {
	return fmt.Errorf("%w: data-stream protocol has no tool-result continuation", adapter.ErrUnsupported)
}

// SupportsFeature reports the protocol's capability surface.
func (a *Adapter) SupportsFeature(f adapter.Feature) bool {
	switch f {
	case adapter.FeatureStreaming, adapter.FeatureCancellation:
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

func (a *Adapter) run(ctx context.Context, opts adapter.SendOptions) error {
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = cancel
	a.requestID = adapter.NewID("req")
	requestID := a.requestID
	reqBody := chatRequest{
		ID:       a.requestID,
		Messages: append([]chatMessage(nil), a.history...),
		Trigger:  "submit-message",
		Model:    opts.Model,
	}
	a.streamID = ""
	a.streamBuf = ""
	a.finalized = false
	a.mu.Unlock()

	for _, t := range opts.Tools {
		reqBody.Tools = append(reqBody.Tools, t)
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
		a.emitError(fmt.Sprintf("chat request failed: %v", err), "")
		return fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		cancel()
		msg := fmt.Sprintf("chat request failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		a.emitError(msg, fmt.Sprintf("%d", resp.StatusCode))
		return fmt.Errorf("%s", msg)
	}

	a.processEventStream(runCtx, resp.Body)
	cancel()

	// Drop our cancel handle unless a newer request already replaced it.
	a.mu.Lock()
	if a.requestID == requestID {
		a.cancel = nil
	}
	a.mu.Unlock()

	// Nil after a normal end of stream; the parent context reports
	// whether the caller gave up on the turn.
	return ctx.Err()
}

// processEventStream reads `data:` lines until the [DONE] sentinel or
// stream close.
func (a *Adapter) processEventStream(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			a.log.Warn("skipping malformed event", zap.Error(err))
			continue
		}
		a.handleEvent(&ev)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.log.Error("event stream error", zap.Error(err))
		a.emitError(fmt.Sprintf("event stream error: %v", err), "")
	}
}

func (a *Adapter) handleEvent(ev *streamEvent) {
	switch ev.Type {
	case eventTextStart:
		a.mu.Lock()
		if ev.ID != "" {
			a.streamID = ev.ID
		} else {
			a.streamID = adapter.NewID("msg")
		}
		a.streamBuf = ""
		a.finalized = false
		a.mu.Unlock()

	case eventTextDelta:
		a.mu.Lock()
		if a.streamID == "" {
			a.streamID = adapter.NewID("msg")
		}
		a.streamBuf += ev.Delta
		id, text := a.streamID, a.streamBuf
		a.mu.Unlock()
		a.emitMessage(id, text, false)

	case eventFinish, eventEndStep:
		// finish and end-step can both arrive; only the first finalizes.
		a.mu.Lock()
		if a.finalized || a.streamBuf == "" {
			a.mu.Unlock()
			return
		}
		a.finalized = true
		id, text := a.streamID, a.streamBuf
		a.mu.Unlock()
		a.emitMessage(id, text, true)

	case eventError:
		msg := ev.Message
		if msg == "" {
			msg = "stream error"
		}
		a.emitError(msg, "")

	default:
		a.log.Debug("ignoring unknown event", zap.String("event_type", ev.Type))
	}
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
