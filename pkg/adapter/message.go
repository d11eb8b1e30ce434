package adapter

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ChatMessage is one turn of a conversation. The consumer produces user
// turns; adapters produce assistant and tool turns when reconstructing
// history for protocols that require it to be resent.
type ChatMessage struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant turns that invoked tools.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID correlates a tool-role message with the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolCall is a remote agent's request to run a named function.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
