package websocket

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/gateway/session"
	"github.com/agentbridge/agentbridge/pkg/adapter"
	ws "github.com/agentbridge/agentbridge/pkg/websocket"
)

// OpenRequest is the payload for session.open
type OpenRequest struct {
	AgentID string `json:"agent_id"`
}

// CloseRequest is the payload for session.close
type CloseRequest struct {
	SessionID string `json:"session_id"`
}

// SendRequest is the payload for chat.send
type SendRequest struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Model     string         `json:"model,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolResultRequest is the payload for chat.tool_result
type ToolResultRequest struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id"`
	Result     any    `json:"result"`
}

// PermissionRequest is the payload for permission.grant and
// permission.deny
type PermissionRequest struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id,omitempty"`
}

// RegisterChatHandlers wires the session manager into the dispatcher.
func RegisterChatHandlers(d *ws.Dispatcher, mgr *session.Manager, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "chat_handlers"))

	d.RegisterFunc(ws.ActionAgentList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"agents": mgr.Agents(),
		})
	})

	d.RegisterFunc(ws.ActionSessionOpen, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req OpenRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.AgentID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
		}

		sess, err := mgr.Open(ctx, req.AgentID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, sess)
	})

	d.RegisterFunc(ws.ActionSessionClose, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req CloseRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := mgr.Close(ctx, req.SessionID); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
	})

	d.RegisterFunc(ws.ActionChatSend, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req SendRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.SessionID == "" || req.Text == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and text are required", nil)
		}
		if _, ok := mgr.Get(req.SessionID); !ok {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "unknown session", nil)
		}

		// A turn streams for as long as the agent talks, so it runs
		// detached from the client's read loop. Content and errors reach
		// the client through session.event notifications.
		go func() {
			err := mgr.Send(context.Background(), req.SessionID, req.Text, adapter.SendOptions{
				Model:    req.Model,
				Metadata: req.Metadata,
			})
			if err != nil {
				log.Warn("send failed",
					zap.String("session_id", req.SessionID),
					zap.Error(err))
			}
		}()

		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"accepted": true})
	})

	d.RegisterFunc(ws.ActionChatToolResult, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req ToolResultRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.SessionID == "" || req.ToolCallID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and tool_call_id are required", nil)
		}
		if _, ok := mgr.Get(req.SessionID); !ok {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "unknown session", nil)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- mgr.SendToolResult(context.Background(), req.SessionID, req.ToolCallID, req.Result)
		}()

		// Capability-gap rejections come back immediately; a streaming
		// continuation keeps running detached from the client's read loop.
		select {
		case err := <-errCh:
			if errors.Is(err, adapter.ErrUnsupported) {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnsupported, err.Error(), nil)
			}
			if err != nil {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
			}
		case <-time.After(100 * time.Millisecond):
			go func() {
				if err := <-errCh; err != nil {
					log.Warn("tool result continuation failed",
						zap.String("session_id", req.SessionID),
						zap.Error(err))
				}
			}()
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"accepted": true})
	})

	permission := func(grant bool) ws.HandlerFunc {
		return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
			var req PermissionRequest
			if err := msg.ParsePayload(&req); err != nil {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
			}
			if req.SessionID == "" || req.RequestID == "" {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and request_id are required", nil)
			}
			if err := mgr.Permission(req.SessionID, req.RequestID, req.OptionID, grant); err != nil {
				if errors.Is(err, adapter.ErrUnsupported) {
					return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnsupported, err.Error(), nil)
				}
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
			}
			return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
		}
	}
	d.RegisterFunc(ws.ActionPermissionGrant, permission(true))
	d.RegisterFunc(ws.ActionPermissionDeny, permission(false))
}
