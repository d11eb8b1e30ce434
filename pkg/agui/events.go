package agui

import "encoding/json"

// Wire event types carried in the stream's `type` field.
const (
	eventRunStarted         = "RUN_STARTED"
	eventRunFinished        = "RUN_FINISHED"
	eventRunError           = "RUN_ERROR"
	eventTextMessageStart   = "TEXT_MESSAGE_START"
	eventTextMessageContent = "TEXT_MESSAGE_CONTENT"
	eventTextMessageEnd     = "TEXT_MESSAGE_END"
	eventToolCallStart      = "TOOL_CALL_START"
	eventToolCallArgs       = "TOOL_CALL_ARGS"
	eventToolCallEnd        = "TOOL_CALL_END"
	eventToolCallResult     = "TOOL_CALL_RESULT"
	eventStateSnapshot      = "STATE_SNAPSHOT"
	eventStateDelta         = "STATE_DELTA"
	eventCustom             = "CUSTOM"
)

// wireEvent is the superset of every event payload on the stream. Delta
// is raw because its shape depends on the event: a JSON string for text
// and tool-argument fragments, a patch document for STATE_DELTA.
type wireEvent struct {
	Type string `json:"type"`

	// Text message fields
	MessageID string          `json:"messageId,omitempty"`
	Delta     json.RawMessage `json:"delta,omitempty"`

	// Tool call fields
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolCallName string          `json:"toolCallName,omitempty"`
	Name         string          `json:"name,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`

	// Result error markers. Servers are not consistent about which one
	// they set, so failure detection ORs all of them.
	Error     bool   `json:"error,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	ErrorText string `json:"errorMessage,omitempty"`

	// State fields
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	// Custom event value
	Value json.RawMessage `json:"value,omitempty"`

	// Run lifecycle fields
	Usage   *wireUsage `json:"usage,omitempty"`
	Message string     `json:"message,omitempty"`
	Code    string     `json:"code,omitempty"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// deltaString decodes Delta as a JSON string, falling back to the raw
// bytes for servers that send it unquoted.
func (e *wireEvent) deltaString() string {
	if len(e.Delta) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Delta, &s); err == nil {
		return s
	}
	return string(e.Delta)
}

// toolName returns the tool name from whichever field the server used.
func (e *wireEvent) toolName() string {
	if e.ToolCallName != "" {
		return e.ToolCallName
	}
	return e.Name
}

// runRequest is the outbound body for one streamed exchange. The full
// prior turn history is resent on every request.
type runRequest struct {
	ThreadID       string            `json:"threadId"`
	RunID          string            `json:"runId"`
	Messages       []runMessage      `json:"messages"`
	State          json.RawMessage   `json:"state"`
	Tools          []runTool         `json:"tools"`
	Context        []json.RawMessage `json:"context"`
	ForwardedProps map[string]any    `json:"forwardedProps"`
	Model          string            `json:"model,omitempty"`
	Identities     map[string]any    `json:"identities,omitempty"`
}

// runMessage mirrors one history entry on the wire. Content is a pointer
// so an assistant turn carrying tool calls serializes it as null.
type runMessage struct {
	ID         string        `json:"id,omitempty"`
	Role       string        `json:"role"`
	Content    *string       `json:"content"`
	ToolCalls  []runToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// MarshalJSON nulls content on assistant turns that carry tool calls,
// matching the wire contract, while the retained history keeps the text.
func (m runMessage) MarshalJSON() ([]byte, error) {
	type alias runMessage
	out := alias(m)
	if len(out.ToolCalls) > 0 {
		out.Content = nil
	}
	return json.Marshal(out)
}

type runToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"` // always "function"
	Function runFunction `json:"function"`
}

type runFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // complete JSON document as a string
}

type runTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
