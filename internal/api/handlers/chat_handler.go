package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/chat"
	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/pkg/logger"
)

const streamTimeout = 2 * time.Minute

type ChatHandler struct {
	service *chat.Service
}

func NewChatHandler(service *chat.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

// HandleChat answers one chat turn as a server-sent event stream. Each
// content delta arrives as a data frame; the stream ends with [DONE]. The
// session id rides on the X-Session-ID response header so clients can thread
// follow-up turns.
func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse chat request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}

	session, created, err := h.service.EnsureSession(c.Context(), req.SessionID)
	if err != nil {
		logger.Error("Failed to resolve chat session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start session",
		})
	}
	if created {
		logger.Info("Chat session created", zap.String("session_id", session.ID))
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Session-ID", session.ID)

	message := req.Message
	start := time.Now()

	// The handler returns before the stream writer runs, so the turn gets
	// its own context instead of the request's.
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		defer cancel()

		_, err := h.service.StreamRespond(ctx, session, message, func(delta string) error {
			if err := writeEvent(w, fiber.Map{"content": delta}); err != nil {
				return err
			}
			return w.Flush()
		})
		if err != nil {
			logger.Error("Chat stream failed",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			writeEvent(w, fiber.Map{"error": "Failed to generate response"})
			w.Flush()
			return
		}

		w.WriteString("data: [DONE]\n\n")
		w.Flush()
		metrics.ChatDuration.Observe(time.Since(start).Seconds())
	}))

	return nil
}

// GetSessionMessages returns a session's history, oldest first.
func (h *ChatHandler) GetSessionMessages(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session id is required",
		})
	}

	limit := c.QueryInt("limit", 50)

	messages, err := h.service.History(c.Context(), sessionID, limit)
	if err != nil {
		logger.Error("Failed to load session history",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session history",
		})
	}

	out := make([]fiber.Map, 0, len(messages))
	for _, m := range messages {
		out = append(out, fiber.Map{
			"id":         m.ID,
			"role":       m.Role,
			"content":    m.Content,
			"created_at": m.CreatedAt.Unix(),
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"messages":   out,
	})
}

func writeEvent(w *bufio.Writer, payload fiber.Map) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.WriteString("\n\n")
	return err
}
