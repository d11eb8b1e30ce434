package acp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/agentbridge/pkg/acp/jsonrpc"
	"github.com/agentbridge/agentbridge/pkg/adapter"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeAgent runs a WebSocket JSON-RPC agent for one connection and
// forwards every decoded frame to handle.
func fakeAgent(t *testing.T, handle func(conn *websocket.Conn, env jsonrpc.Envelope)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env jsonrpc.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			handle(conn, env)
		}
	}))
}

func respond(conn *websocket.Conn, id interface{}, result interface{}) {
	raw, _ := json.Marshal(result)
	_ = conn.WriteJSON(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw})
}

func notifyUpdate(conn *websocket.Conn, sessionID string, body jsonrpc.SessionUpdateBody) {
	raw, _ := json.Marshal(jsonrpc.SessionUpdateParams{SessionID: sessionID, Update: body})
	_ = conn.WriteJSON(jsonrpc.Notification{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.NotificationSessionUpdate,
		Params:  raw,
	})
}

// handshakeAgent answers initialize and session/new, delegating the rest.
func handshakeAgent(t *testing.T, rest func(conn *websocket.Conn, env jsonrpc.Envelope)) *httptest.Server {
	t.Helper()
	return fakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		switch env.Method {
		case jsonrpc.MethodInitialize:
			respond(conn, env.ID, jsonrpc.InitializeResult{
				ProtocolVersion: protocolVersion,
				AgentInfo:       jsonrpc.AgentInfo{Name: "fake", Version: "0.1"},
			})
		case jsonrpc.MethodSessionNew:
			respond(conn, env.ID, jsonrpc.SessionNewResult{SessionID: "sess-1"})
		default:
			rest(conn, env)
		}
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a := New(adapter.Config{SocketURL: wsURL(srv), RequestTimeout: 2 * time.Second}, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a
}

// collect drains events until pred returns true or the timeout expires.
func collect(t *testing.T, events <-chan adapter.Event, pred func([]adapter.Event) bool) []adapter.Event {
	t.Helper()
	var got []adapter.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
			if pred(got) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(got))
		}
	}
}

func TestSendMessageStreamsAccumulatedText(t *testing.T) {
	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		if env.Method != jsonrpc.MethodSessionPrompt {
			return
		}
		for _, chunk := range []string{"Hel", "lo ", "world"} {
			notifyUpdate(conn, "sess-1", jsonrpc.SessionUpdateBody{
				SessionUpdate: jsonrpc.UpdateAgentMessageChunk,
				Content:       &jsonrpc.ContentBlock{Type: "text", Text: chunk},
			})
		}
		respond(conn, env.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
	})
	defer srv.Close()

	a := connect(t, srv)

	if err := a.SendMessage(context.Background(), "hi", adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	events := collect(t, a.Events(), func(evs []adapter.Event) bool {
		last := evs[len(evs)-1]
		return last.Type == adapter.EventMessage && last.Message.Final
	})

	var messages []*adapter.MessageEvent
	for _, ev := range events {
		if ev.Type == adapter.EventMessage {
			messages = append(messages, ev.Message)
		}
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 message events (3 partial + final), got %d", len(messages))
	}

	// Each emission carries the full accumulated text under one stable ID.
	want := []string{"Hel", "Hello ", "Hello world", "Hello world"}
	for i, m := range messages {
		if m.Content != want[i] {
			t.Errorf("message %d content = %q, want %q", i, m.Content, want[i])
		}
		if m.ID != messages[0].ID {
			t.Errorf("message %d ID = %q, want stable %q", i, m.ID, messages[0].ID)
		}
		if m.Role != adapter.RoleAssistant {
			t.Errorf("message %d role = %q", i, m.Role)
		}
	}
	if !messages[3].Final {
		t.Error("last message not marked final")
	}
}

func TestDuplicateChunkSkipped(t *testing.T) {
	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		if env.Method != jsonrpc.MethodSessionPrompt {
			return
		}
		for _, chunk := range []string{"abc", "abc", "def"} {
			notifyUpdate(conn, "sess-1", jsonrpc.SessionUpdateBody{
				SessionUpdate: jsonrpc.UpdateAgentMessageChunk,
				Content:       &jsonrpc.ContentBlock{Type: "text", Text: chunk},
			})
		}
		respond(conn, env.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
	})
	defer srv.Close()

	a := connect(t, srv)
	if err := a.SendMessage(context.Background(), "hi", adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	events := collect(t, a.Events(), func(evs []adapter.Event) bool {
		last := evs[len(evs)-1]
		return last.Type == adapter.EventMessage && last.Message.Final
	})
	final := events[len(events)-1].Message
	if final.Content != "abcdef" {
		t.Errorf("final content = %q, want %q (duplicate chunk dropped)", final.Content, "abcdef")
	}
}

func TestToolCallLifecycle(t *testing.T) {
	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		if env.Method != jsonrpc.MethodSessionPrompt {
			return
		}
		notifyUpdate(conn, "sess-1", jsonrpc.SessionUpdateBody{
			SessionUpdate: jsonrpc.UpdateToolCall,
			ToolCallID:    "tc-1",
			Title:         "read_file",
			Status:        "pending",
			RawInput:      json.RawMessage(`{"path":"main.go"}`),
		})
		notifyUpdate(conn, "sess-1", jsonrpc.SessionUpdateBody{
			SessionUpdate: jsonrpc.UpdateToolCallUpdate,
			ToolCallID:    "tc-1",
			Status:        "completed",
			RawOutput:     json.RawMessage(`"package main"`),
		})
		respond(conn, env.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
	})
	defer srv.Close()

	a := connect(t, srv)
	if err := a.SendMessage(context.Background(), "read it", adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// A text-free turn ends with the stop_reason activity, not a final
	// message.
	events := collect(t, a.Events(), func(evs []adapter.Event) bool {
		last := evs[len(evs)-1]
		return last.Type == adapter.EventActivity && last.Activity.Name == "stop_reason"
	})

	var call *adapter.ToolCallEvent
	var result *adapter.ToolResultEvent
	for _, ev := range events {
		switch ev.Type {
		case adapter.EventToolCall:
			call = ev.ToolCall
		case adapter.EventToolResult:
			result = ev.ToolResult
		}
	}
	if call == nil {
		t.Fatal("no tool call event")
	}
	if call.ID != "tc-1" || call.Name != "read_file" {
		t.Errorf("tool call = %+v", call)
	}
	if call.Arguments["path"] != "main.go" {
		t.Errorf("tool call arguments = %v", call.Arguments)
	}
	if result == nil {
		t.Fatal("no tool result event")
	}
	if result.ToolCallID != "tc-1" || !result.Success {
		t.Errorf("tool result = %+v", result)
	}
	if result.Content != "package main" {
		t.Errorf("tool result content = %v", result.Content)
	}
}

func TestDisconnectSendsSessionCancel(t *testing.T) {
	cancelled := make(chan string, 1)
	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		if env.Method == jsonrpc.MethodSessionCancel {
			var params jsonrpc.SessionCancelParams
			_ = json.Unmarshal(env.Params, &params)
			cancelled <- params.SessionID
		}
	})
	defer srv.Close()

	a := connect(t, srv)
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case sid := <-cancelled:
		if sid != "sess-1" {
			t.Errorf("session/cancel for %q, want sess-1", sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received session/cancel on Disconnect")
	}
}

func TestChunksAfterPromptResponseKeepStreamID(t *testing.T) {
	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		if env.Method != jsonrpc.MethodSessionPrompt {
			return
		}
		// Respond before streaming anything; the chunks trail the result.
		respond(conn, env.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
		for _, chunk := range []string{"late", " data"} {
			notifyUpdate(conn, "sess-1", jsonrpc.SessionUpdateBody{
				SessionUpdate: jsonrpc.UpdateAgentMessageChunk,
				Content:       &jsonrpc.ContentBlock{Type: "text", Text: chunk},
			})
		}
	})
	defer srv.Close()

	a := connect(t, srv)
	if err := a.SendMessage(context.Background(), "hi", adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	events := collect(t, a.Events(), func(evs []adapter.Event) bool {
		msgs := 0
		for _, ev := range evs {
			if ev.Type == adapter.EventMessage {
				msgs++
			}
		}
		return msgs == 2
	})

	var msgs []*adapter.MessageEvent
	for _, ev := range events {
		if ev.Type == adapter.EventMessage {
			msgs = append(msgs, ev.Message)
		}
	}
	if msgs[0].ID == "" || msgs[0].ID != msgs[1].ID {
		t.Errorf("trailing chunks changed ids: %q then %q", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Content != "late" || msgs[1].Content != "late data" {
		t.Errorf("contents = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestPermissionGrantDefaultsToFirstOption(t *testing.T) {
	outcome := make(chan jsonrpc.PermissionOutcome, 1)

	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		switch {
		case env.Method == jsonrpc.MethodSessionPrompt:
			params, _ := json.Marshal(jsonrpc.RequestPermissionParams{
				SessionID: "sess-1",
				ToolCall:  jsonrpc.ToolCallRef{ToolCallID: "tc-9", Title: "run command"},
				Options: []jsonrpc.PermissionOption{
					{OptionID: "allow-once", Name: "Allow once", Kind: "allow_once"},
					{OptionID: "reject", Name: "Reject", Kind: "reject_once"},
				},
			})
			_ = conn.WriteJSON(jsonrpc.Request{
				JSONRPC: jsonrpc.Version,
				ID:      int64(999),
				Method:  jsonrpc.MethodRequestPermission,
				Params:  params,
			})
		case env.Method == "" && env.ID != nil:
			// Response to our permission request.
			var res jsonrpc.RequestPermissionResult
			_ = json.Unmarshal(env.Result, &res)
			outcome <- res.Outcome
		}
	})
	defer srv.Close()

	a := connect(t, srv)

	go func() { _ = a.SendMessage(context.Background(), "do it", adapter.SendOptions{}) }()

	events := collect(t, a.Events(), func(evs []adapter.Event) bool {
		return evs[len(evs)-1].Type == adapter.EventPermission
	})
	perm := events[len(events)-1].Permission
	if perm.ToolCallID != "tc-9" {
		t.Errorf("permission toolCallID = %q", perm.ToolCallID)
	}
	if len(perm.Options) != 2 {
		t.Fatalf("options = %d, want 2", len(perm.Options))
	}

	if err := a.Grant(perm.RequestID, ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	select {
	case got := <-outcome:
		if got.Outcome != "selected" {
			t.Errorf("outcome = %q, want selected", got.Outcome)
		}
		if got.OptionID != "allow-once" {
			t.Errorf("optionId = %q, want first option", got.OptionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received permission response")
	}

	// The request was consumed; a second answer has nothing to target.
	if err := a.Deny(perm.RequestID); err == nil {
		t.Error("expected error answering a consumed permission request")
	}
}

func TestDenySendsCancelledOutcome(t *testing.T) {
	outcome := make(chan jsonrpc.PermissionOutcome, 1)

	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		switch {
		case env.Method == jsonrpc.MethodSessionPrompt:
			params, _ := json.Marshal(jsonrpc.RequestPermissionParams{
				SessionID: "sess-1",
				ToolCall:  jsonrpc.ToolCallRef{ToolCallID: "tc-2"},
				Options:   []jsonrpc.PermissionOption{{OptionID: "allow", Name: "Allow", Kind: "allow_once"}},
			})
			_ = conn.WriteJSON(jsonrpc.Request{
				JSONRPC: jsonrpc.Version,
				ID:      int64(1000),
				Method:  jsonrpc.MethodRequestPermission,
				Params:  params,
			})
		case env.Method == "" && env.ID != nil:
			var res jsonrpc.RequestPermissionResult
			_ = json.Unmarshal(env.Result, &res)
			outcome <- res.Outcome
		}
	})
	defer srv.Close()

	a := connect(t, srv)
	go func() { _ = a.SendMessage(context.Background(), "do it", adapter.SendOptions{}) }()

	events := collect(t, a.Events(), func(evs []adapter.Event) bool {
		return evs[len(evs)-1].Type == adapter.EventPermission
	})
	perm := events[len(events)-1].Permission

	if err := a.Deny(perm.RequestID); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	select {
	case got := <-outcome:
		if got.Outcome != "cancelled" {
			t.Errorf("outcome = %q, want cancelled", got.Outcome)
		}
		if got.OptionID != "" {
			t.Errorf("optionId = %q, want empty on cancelled", got.OptionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received permission response")
	}
}

func TestRequestTimeoutEvictsAndIgnoresLateResponse(t *testing.T) {
	type held struct {
		conn *websocket.Conn
		id   interface{}
	}
	heldCh := make(chan held, 1)

	srv := fakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		if env.Method == jsonrpc.MethodInitialize {
			// Hold the response past the client timeout.
			heldCh <- held{conn: conn, id: env.ID}
		}
	})
	defer srv.Close()

	a := New(adapter.Config{SocketURL: wsURL(srv), RequestTimeout: 100 * time.Millisecond}, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect(context.Background())

	// Connect survives handshake failure; the initialize call inside it
	// must have timed out and evicted its pending entry.
	a.mu.Lock()
	pendingAfter := len(a.pending)
	a.mu.Unlock()
	if pendingAfter != 0 {
		t.Fatalf("pending map has %d entries after timeout, want 0", pendingAfter)
	}

	// Deliver the late response; it must be dropped without effect.
	select {
	case h := <-heldCh:
		respond(h.conn, h.id, jsonrpc.InitializeResult{ProtocolVersion: protocolVersion})
	case <-time.After(2 * time.Second):
		t.Fatal("agent never saw initialize")
	}
	time.Sleep(50 * time.Millisecond)

	if got := a.State(); got != adapter.StateConnected {
		t.Errorf("state after late response = %v, want connected", got)
	}
}

func TestDisconnectRejectsPendingRequests(t *testing.T) {
	srv := handshakeAgent(t, func(conn *websocket.Conn, env jsonrpc.Envelope) {
		// Never answer session/prompt.
	})
	defer srv.Close()

	a := connect(t, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.SendMessage(context.Background(), "hang", adapter.SendOptions{})
	}()

	// Wait for the prompt to land in the pending map.
	deadline := time.Now().Add(time.Second)
	for {
		a.mu.Lock()
		n := len(a.pending)
		a.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prompt never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, adapter.ErrConnectionClosed) {
			t.Errorf("SendMessage error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage never returned after Disconnect")
	}

	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	if n != 0 {
		t.Errorf("pending map has %d entries after Disconnect, want 0", n)
	}
}

func TestSendToolResultUnsupported(t *testing.T) {
	a := New(adapter.Config{SocketURL: "ws://unused"}, nil)
	if err := a.SendToolResult(context.Background(), "tc-1", "out"); !errors.Is(err, adapter.ErrUnsupported) {
		t.Errorf("SendToolResult error = %v, want ErrUnsupported", err)
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	a := New(adapter.Config{SocketURL: "ws://unused"}, nil)
	if err := a.SendMessage(context.Background(), "hi", adapter.SendOptions{}); !errors.Is(err, adapter.ErrNotConnected) {
		t.Errorf("SendMessage error = %v, want ErrNotConnected", err)
	}
}

func TestSupportsFeature(t *testing.T) {
	a := New(adapter.Config{}, nil)
	for _, f := range []adapter.Feature{
		adapter.FeatureStreaming,
		adapter.FeatureTools,
		adapter.FeaturePermissions,
		adapter.FeatureCancellation,
	} {
		if !a.SupportsFeature(f) {
			t.Errorf("SupportsFeature(%s) = false", f)
		}
	}
	if a.SupportsFeature(adapter.FeatureState) {
		t.Error("SupportsFeature(state) = true, want false")
	}
}
