package adapter

import "time"

// DefaultRequestTimeout bounds request/response style operations when the
// config does not override it.
const DefaultRequestTimeout = 30 * time.Second

// Config holds the connection settings for one adapter instance. It is
// immutable once the adapter is constructed; adapters copy what they need
// and never write back.
type Config struct {
	// BaseURL is the HTTP endpoint for request/stream protocols.
	BaseURL string

	// SocketURL is the WebSocket endpoint for the session protocol. When
	// empty, adapters that need it derive it from BaseURL.
	SocketURL string

	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken string

	// AgentID identifies the remote agent this adapter talks to.
	AgentID string

	// RequestTimeout bounds individual request/response exchanges.
	// Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Headers are extra headers attached to every outbound HTTP request
	// and the WebSocket handshake.
	Headers map[string]string

	// Capabilities are client capability flags advertised during the
	// session protocol's initialize handshake.
	Capabilities []string
}

// Timeout returns the effective request timeout.
func (c Config) Timeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}
