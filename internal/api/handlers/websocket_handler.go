package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/chat"
	"github.com/printcal/backend/pkg/logger"
)

type WebSocketHandler struct {
	service *chat.Service
}

func NewWebSocketHandler(service *chat.Service) *WebSocketHandler {
	return &WebSocketHandler{service: service}
}

// HandleConnection runs a chat conversation over one websocket. The client
// sends {"type": "message", "content": ..., "session_id": ...} frames;
// replies stream back as chunk frames followed by a complete frame carrying
// the session id.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type      string `json:"type"`
			Content   string `json:"content"`
			SessionID string `json:"session_id"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "message" || msg.Content == "" {
			continue
		}

		if err := h.streamTurn(c, msg.SessionID, msg.Content); err != nil {
			logger.Error("Failed to stream websocket response", zap.Error(err))
			h.sendError(c, "Failed to generate response")
		}
	}
}

func (h *WebSocketHandler) streamTurn(c *websocket.Conn, sessionID, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()

	session, _, err := h.service.EnsureSession(ctx, sessionID)
	if err != nil {
		return err
	}

	start := time.Now()

	reply, err := h.service.StreamRespond(ctx, session, message, func(delta string) error {
		return c.WriteJSON(map[string]interface{}{
			"type":    "chunk",
			"content": delta,
		})
	})
	if err != nil {
		return err
	}

	return c.WriteJSON(map[string]interface{}{
		"type":       "complete",
		"session_id": session.ID,
		"length":     len(reply),
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
