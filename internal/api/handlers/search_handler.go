package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/cache/redis"
	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/internal/search"
	"github.com/printcal/backend/pkg/logger"
	"github.com/printcal/backend/pkg/utils"
)

type SearchHandler struct {
	lexical *search.LexicalSearcher
	vector  *search.VectorSearcher
	hybrid  *search.HybridSearcher
	cache   *redis.Client
}

func NewSearchHandler(lexical *search.LexicalSearcher, vector *search.VectorSearcher, hybrid *search.HybridSearcher, cache *redis.Client) *SearchHandler {
	return &SearchHandler{
		lexical: lexical,
		vector:  vector,
		hybrid:  hybrid,
		cache:   cache,
	}
}

// HandleSearch searches documents directly, outside the chat flow. mode
// selects lexical, vector, or hybrid (default) ranking.
func (h *SearchHandler) HandleSearch(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query parameter q is required",
		})
	}

	mode := c.Query("mode", "hybrid")
	limit := c.QueryInt("limit", 10)
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	cacheKey := searchCacheKey(mode, limit, query)
	if h.cache != nil {
		var cached []search.HybridResult
		if ok, err := h.cache.GetResults(c.Context(), cacheKey, &cached); err != nil {
			logger.Warn("search cache read failed", zap.Error(err))
		} else if ok {
			return c.JSON(fiber.Map{"mode": mode, "results": cached})
		}
	}

	start := time.Now()

	var results []search.HybridResult
	switch mode {
	case "lexical":
		matches, err := h.lexical.SearchDocuments(c.Context(), query, limit)
		if err != nil {
			return h.searchError(c, mode, err)
		}
		for _, m := range matches {
			results = append(results, search.HybridResult{
				ID: m.ID, Title: m.Title, Content: m.Content, Score: m.Rank, Source: "text",
			})
		}
	case "vector":
		similar, err := h.vector.SearchDocuments(c.Context(), query, limit, search.DefaultVectorThreshold)
		if err != nil {
			return h.searchError(c, mode, err)
		}
		for _, s := range similar {
			results = append(results, search.HybridResult{
				ID: s.ID, Title: s.Title, Content: s.Content, Score: s.Similarity, Source: "vector",
			})
		}
	case "hybrid":
		results = h.hybrid.SearchDocuments(c.Context(), query, limit)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "mode must be lexical, vector, or hybrid",
		})
	}

	metrics.SearchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if h.cache != nil {
		if err := h.cache.SetResults(c.Context(), cacheKey, results); err != nil {
			logger.Warn("search cache write failed", zap.Error(err))
		}
	}

	return c.JSON(fiber.Map{
		"mode":    mode,
		"results": results,
	})
}

// searchCacheKey keys cached result sets by mode, limit, and query so a
// small-limit entry is never served to a larger request.
func searchCacheKey(mode string, limit int, query string) string {
	return utils.HashString(fmt.Sprintf("%s:%d:%s", mode, limit, query))
}

func (h *SearchHandler) searchError(c *fiber.Ctx, mode string, err error) error {
	logger.Error("Document search failed", zap.String("mode", mode), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Search failed",
	})
}
