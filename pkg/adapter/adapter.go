// Package adapter defines the protocol-agnostic contract shared by all
// agent protocol adapters. An adapter owns one connection to a remote
// agent, translates that agent's wire protocol into the shared event
// vocabulary, and emits every event through a single bounded channel.
package adapter

import (
	"context"
	"errors"
)

// ConnectionState describes the lifecycle state of an adapter.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	return string(s)
}

// Feature is a static capability an adapter may support.
type Feature string

const (
	FeatureStreaming    Feature = "streaming"
	FeatureTools        Feature = "tools"
	FeaturePermissions  Feature = "permissions"
	FeatureState        Feature = "state"
	FeatureCancellation Feature = "cancellation"
)

// Sentinel errors shared across adapter implementations.
var (
	// ErrNotConnected is returned when an operation requires an active
	// connection but the adapter is not connected.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrConnectionClosed rejects requests that were still pending when
	// the connection was torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout rejects a request whose response never arrived
	// within the configured timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnsupported marks a defined capability gap of a protocol, not a
	// transient failure. Callers should check features first.
	ErrUnsupported = errors.New("operation not supported by protocol")
)

// SendOptions carries optional per-turn parameters for SendMessage.
type SendOptions struct {
	// Model overrides the agent's default model for this turn, where the
	// protocol supports it.
	Model string

	// Tools declares client-side tools the agent may call this turn.
	Tools []ToolDefinition

	// Metadata is forwarded as request-level metadata (e.g. third-party
	// credential hints) on protocols that accept it.
	Metadata map[string]any
}

// ToolDefinition describes a client-side tool offered to the agent.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Adapter is the contract every protocol implementation satisfies. One
// adapter instance serves one chat session; a new session gets a new
// adapter.
type Adapter interface {
	// Connect establishes the protocol-specific connection and handshake.
	// Idempotent when already connected. On failure the adapter moves to
	// StateError and emits an error event in addition to returning the
	// error, so callers may retry.
	Connect(ctx context.Context) error

	// Disconnect performs best-effort remote termination, aborts local
	// I/O, rejects anything still pending and closes the event channel.
	// No events are emitted after Disconnect returns.
	Disconnect(ctx context.Context) error

	// SendMessage sends one user turn. For streaming protocols it returns
	// once the remote stream reaches its terminal event, not once the
	// request is issued.
	SendMessage(ctx context.Context, text string, opts SendOptions) error

	// SendToolResult delivers a tool's return value back to the agent
	// using the protocol's continuation mechanism. Protocols without one
	// return ErrUnsupported immediately.
	SendToolResult(ctx context.Context, toolCallID string, result any) error

	// SupportsFeature reports a static protocol capability.
	SupportsFeature(f Feature) bool

	// State returns the current connection state.
	State() ConnectionState

	// Events returns the adapter's outward event channel. It is closed by
	// Disconnect.
	Events() <-chan Event
}
