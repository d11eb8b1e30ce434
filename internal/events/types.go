// Package events provides the event bus and the bus-level event types
// published by the gateway.
package events

// Event types for session lifecycle
const (
	SessionOpened = "session.opened"
	SessionClosed = "session.closed"
)

// Adapter events are republished on the session subject under their own
// type (message, tool_call, tool_result, permission_request, state,
// activity, usage, error, connection).
