// Package session manages chat sessions: one protocol adapter per
// session, with adapter events fanned out to WebSocket subscribers and
// the event bus.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/pkg/acp"
	"github.com/agentbridge/agentbridge/pkg/adapter"
	"github.com/agentbridge/agentbridge/pkg/agui"
	"github.com/agentbridge/agentbridge/pkg/datastream"
)

// AdapterFactory builds an adapter for an agent definition. Swappable in
// tests.
type AdapterFactory func(ac config.AgentConfig, log *logger.Logger) (adapter.Adapter, error)

// Session is one live chat session bound to one adapter.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Protocol  string    `json:"protocol"`
	CreatedAt time.Time `json:"created_at"`

	adapter adapter.Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the session table and the adapter lifecycle.
type Manager struct {
	agents  map[string]config.AgentConfig
	factory AdapterFactory
	bus     bus.EventBus
	bridge  EventSink
	log     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// EventSink receives every adapter event with its session context.
type EventSink func(sessionID string, ev adapter.Event)

// NewManager creates a session manager for the configured agents.
func NewManager(agents []config.AgentConfig, eventBus bus.EventBus, sink EventSink, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	byID := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &Manager{
		agents:   byID,
		factory:  DefaultFactory,
		bus:      eventBus,
		bridge:   sink,
		log:      log.WithFields(zap.String("component", "session_manager")),
		sessions: make(map[string]*Session),
	}
}

// SetFactory overrides the adapter factory.
func (m *Manager) SetFactory(f AdapterFactory) {
	m.factory = f
}

// DefaultFactory builds the adapter matching the agent's protocol.
func DefaultFactory(ac config.AgentConfig, log *logger.Logger) (adapter.Adapter, error) {
	cfg := adapter.Config{
		BaseURL:        ac.BaseURL,
		SocketURL:      ac.SocketURL,
		AuthToken:      ac.AuthToken,
		AgentID:        ac.ID,
		RequestTimeout: ac.RequestTimeoutDuration(),
	}
	switch ac.Protocol {
	case config.ProtocolAGUI:
		return agui.New(cfg, log), nil
	case config.ProtocolACP:
		return acp.New(cfg, log), nil
	case config.ProtocolDataStream:
		return datastream.New(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q for agent %q", ac.Protocol, ac.ID)
	}
}

// Agents lists the configured agent definitions.
func (m *Manager) Agents() []config.AgentConfig {
	out := make([]config.AgentConfig, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Open creates a session for the agent, connects its adapter and starts
// the event bridge.
func (m *Manager) Open(ctx context.Context, agentID string) (*Session, error) {
	ac, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	a, err := m.factory(ac, m.log)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        adapter.NewID("sess"),
		AgentID:   agentID,
		Protocol:  ac.Protocol,
		CreatedAt: time.Now().UTC(),
		adapter:   a,
		done:      make(chan struct{}),
	}

	bridgeCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	go m.pump(bridgeCtx, sess)

	if err := a.Connect(ctx); err != nil {
		cancel()
		<-sess.done
		return nil, fmt.Errorf("connect agent %q: %w", agentID, err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.publishLifecycle(ctx, sess, events.SessionOpened)

	m.log.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agentID),
		zap.String("protocol", ac.Protocol))
	return sess, nil
}

// Close disconnects the session's adapter and removes it.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	err := sess.adapter.Disconnect(ctx)
	// Disconnect closes the event channel, which ends the pump.
	<-sess.done
	sess.cancel()

	m.publishLifecycle(ctx, sess, events.SessionClosed)

	m.log.Info("session closed", zap.String("session_id", sessionID))
	return err
}

// CloseAll tears down every open session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.adapter.Disconnect(ctx)
		<-s.done
		s.cancel()
	}
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Send forwards one user turn to the session's adapter.
func (m *Manager) Send(ctx context.Context, sessionID, text string, opts adapter.SendOptions) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	return sess.adapter.SendMessage(ctx, text, opts)
}

// SendToolResult forwards a tool result to the session's adapter.
func (m *Manager) SendToolResult(ctx context.Context, sessionID, toolCallID string, result any) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	return sess.adapter.SendToolResult(ctx, toolCallID, result)
}

// Permission resolves the session's outstanding permission request. Only
// adapters that expose the permission handshake support it.
func (m *Manager) Permission(sessionID, requestID, optionID string, grant bool) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	pa, ok := sess.adapter.(PermissionAdapter)
	if !ok {
		return fmt.Errorf("%w: agent protocol has no permission handshake", adapter.ErrUnsupported)
	}
	if grant {
		return pa.Grant(requestID, optionID)
	}
	return pa.Deny(requestID)
}

// PermissionAdapter is implemented by adapters with a permission
// handshake.
type PermissionAdapter interface {
	Grant(requestID, optionID string) error
	Deny(requestID string) error
}

// pump drains the adapter's event channel into the sink and the event
// bus until the channel closes.
func (m *Manager) pump(ctx context.Context, sess *Session) {
	defer close(sess.done)
	subject := SubjectFor(sess.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.adapter.Events():
			if !ok {
				return
			}
			if m.bridge != nil {
				m.bridge(sess.ID, ev)
			}
			if m.bus != nil {
				m.publish(ctx, subject, sess, ev)
			}
		}
	}
}

// SubjectFor returns the bus subject carrying a session's events.
func SubjectFor(sessionID string) string {
	return "chat.session." + sessionID
}

func (m *Manager) publish(ctx context.Context, subject string, sess *Session, ev adapter.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("failed to marshal adapter event", zap.Error(err))
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}

	busEvent := bus.NewEvent(string(ev.Type), "gateway", data)
	if err := m.bus.Publish(ctx, subject, busEvent); err != nil {
		m.log.Warn("failed to publish session event",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, sess *Session, eventType string) {
	if m.bus == nil {
		return
	}
	busEvent := bus.NewEvent(eventType, "gateway", map[string]interface{}{
		"session_id": sess.ID,
		"agent_id":   sess.AgentID,
		"protocol":   sess.Protocol,
	})
	if err := m.bus.Publish(ctx, SubjectFor(sess.ID), busEvent); err != nil {
		m.log.Warn("failed to publish lifecycle event",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}
