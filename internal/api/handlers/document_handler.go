package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/cache/redis"
	"github.com/printcal/backend/internal/ingestion"
	"github.com/printcal/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
	cache     *redis.Client
}

func NewDocumentHandler(processor *ingestion.Processor, cache *redis.Client) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		cache:     cache,
	}
}

// UploadDocument ingests one document. Either plain content or html_content
// must be present; HTML is cleaned on the way in.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		Title       string `json:"title"`
		Content     string `json:"content"`
		HTMLContent string `json:"html_content"`
		URL         string `json:"url"`
		SourceType  string `json:"source_type"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse document request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	content := req.Content
	if content == "" {
		content = req.HTMLContent
	}
	if content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Content is required",
		})
	}

	doc, err := h.processor.ProcessDocument(c.Context(), req.Title, content, req.URL, req.SourceType)
	if err != nil {
		logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	h.invalidateCache()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":          doc.ID,
		"title":       doc.Title,
		"source_type": doc.SourceType,
		"embedded":    doc.HasEmbedding(),
	})
}

// BackfillEmbeddings embeds documents stored without vectors.
func (h *DocumentHandler) BackfillEmbeddings(c *fiber.Ctx) error {
	var req struct {
		BatchSize int `json:"batch_size"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	updated, err := h.processor.BackfillEmbeddings(c.Context(), req.BatchSize)
	if err != nil {
		logger.Error("Embedding backfill failed", zap.Int("updated", updated), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Embedding backfill failed",
			"updated": updated,
		})
	}

	if updated > 0 {
		h.invalidateCache()
	}

	return c.JSON(fiber.Map{
		"updated": updated,
	})
}

func (h *DocumentHandler) invalidateCache() {
	if h.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.cache.Invalidate(ctx); err != nil {
		logger.Warn("Failed to invalidate retrieval cache", zap.Error(err))
	}
}
