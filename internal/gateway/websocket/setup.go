package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/gateway/session"
	"github.com/agentbridge/agentbridge/pkg/adapter"
	ws "github.com/agentbridge/agentbridge/pkg/websocket"
)

// Gateway bundles the WebSocket-facing components.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway with all components initialized
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// EventSink returns a sink that forwards adapter events to clients
// subscribed to the session.
func (g *Gateway) EventSink() session.EventSink {
	return func(sessionID string, ev adapter.Event) {
		msg, err := ws.NewNotification(ws.ActionSessionEvent, map[string]interface{}{
			"session_id": sessionID,
			"event":      ev,
		})
		if err != nil {
			g.logger.WithError(err).Error("failed to build session event notification")
			return
		}
		g.Hub.BroadcastToSession(sessionID, msg)
	}
}
