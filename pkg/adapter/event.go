package adapter

import "encoding/json"

// EventType discriminates the payload of an Event.
type EventType string

const (
	// EventMessage carries the running or final text of an assistant turn.
	EventMessage EventType = "message"
	// EventToolCall announces a tool invocation by the agent.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventPermission asks the consumer to authorize a tool call.
	EventPermission EventType = "permission_request"
	// EventState carries a shared-state snapshot or patch.
	EventState EventType = "state"
	// EventActivity is a generic named side-channel event.
	EventActivity EventType = "activity"
	// EventUsage reports token usage totals for a finished run.
	EventUsage EventType = "usage"
	// EventError surfaces transport or remote-reported errors. Never
	// rendered as assistant content.
	EventError EventType = "error"
	// EventConnection reports connection state transitions.
	EventConnection EventType = "connection"
)

// Event is the single emission type all adapters produce. Exactly one
// payload field matching Type is non-nil.
type Event struct {
	Type       EventType        `json:"type"`
	Message    *MessageEvent    `json:"message,omitempty"`
	ToolCall   *ToolCallEvent   `json:"toolCall,omitempty"`
	ToolResult *ToolResultEvent `json:"toolResult,omitempty"`
	Permission *PermissionEvent `json:"permission,omitempty"`
	State      *StateEvent      `json:"state,omitempty"`
	Activity   *ActivityEvent   `json:"activity,omitempty"`
	Usage      *UsageEvent      `json:"usage,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
	Connection *ConnectionEvent `json:"connection,omitempty"`
}

// MessageEvent carries assistant text. While a turn streams, Content is
// the full accumulated text so far (not the delta) under a stable ID, so
// consumers replace in place instead of appending duplicates. Final marks
// the turn's last emission.
type MessageEvent struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// ToolCallEvent announces a tool invocation. Arguments is empty until the
// protocol delivers the complete argument document.
type ToolCallEvent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// Status is a protocol-specific lifecycle hint (e.g. pending,
	// in_progress) where the protocol reports one.
	Status string `json:"status,omitempty"`
}

// ToolResultEvent carries the outcome of a tool invocation.
type ToolResultEvent struct {
	ToolCallID string `json:"toolCallId"`
	Content    any    `json:"content"`
	Success    bool   `json:"success"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// PermissionEvent asks the consumer to authorize a pending tool call.
type PermissionEvent struct {
	RequestID  string             `json:"requestId"`
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title,omitempty"`
	Options    []PermissionOption `json:"options"`
}

// StateEvent carries shared agent state. Delta marks the payload as a
// patch to apply rather than a full replacement.
type StateEvent struct {
	Data  json.RawMessage `json:"data"`
	Delta bool            `json:"delta"`
}

// ActivityEvent is a generic name/value side-channel emission (custom
// protocol events, agent thoughts, turn completion markers).
type ActivityEvent struct {
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

// UsageEvent reports token totals for a completed run.
type UsageEvent struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// ErrorEvent surfaces an error to the consumer.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ConnectionEvent reports a connection state transition.
type ConnectionEvent struct {
	State ConnectionState `json:"state"`
}
