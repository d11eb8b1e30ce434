package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Agent catalog
	ActionAgentList = "agent.list"

	// Session lifecycle
	ActionSessionOpen  = "session.open"
	ActionSessionClose = "session.close"

	// Chat actions
	ActionChatSend       = "chat.send"
	ActionChatToolResult = "chat.tool_result"

	// Permission actions
	ActionPermissionGrant = "permission.grant"
	ActionPermissionDeny  = "permission.deny"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionEvent = "session.event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnsupported   = "UNSUPPORTED"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
