// Package retrieval implements the dual-level retrieval that assembles chat
// context: a low level matching documents and entities directly against the
// query text and its embedding, and a high level that extracts concepts and
// walks the knowledge graph outward from them.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/internal/search"
	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/pkg/logger"
)

// Result is one retrieved item, a tagged union over documents and entities.
// Results are built fresh per query and never persisted.
type Result struct {
	Type        string                 `json:"type"`
	ID          int64                  `json:"id"`
	Title       string                 `json:"title,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Description string                 `json:"description,omitempty"`
	Similarity  float64                `json:"similarity,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

const (
	TypeDocument = "document"
	TypeEntity   = "entity"
)

// Store is the slice of storage retrieval reads. Retrieval never writes.
type Store interface {
	SearchDocuments(ctx context.Context, query string, limit int) ([]models.Document, error)
	SearchDocumentsByConcepts(ctx context.Context, concepts []string, limit int) ([]models.Document, error)
	SearchEntities(ctx context.Context, query string, limit int) ([]models.Entity, error)
	EntitiesByNameMatch(ctx context.Context, concept string, limit int) ([]models.Entity, error)
	EntitiesByIDs(ctx context.Context, ids []int64) ([]models.Entity, error)
	RelatedEntityIDs(ctx context.Context, sourceIDs []int64) ([]int64, error)
}

type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ConceptExtractor pulls key phrases out of a conversational query.
type ConceptExtractor interface {
	ExtractKeyPhrases(ctx context.Context, text string) ([]string, error)
}

type Config struct {
	// TraversalDepth caps how many hops the graph walk takes from a concept
	// match. Concepts are often generic ("temperature", "stringing"); without
	// the cap they would pull in most of the graph.
	TraversalDepth int
	// ConceptMatchLimit bounds entity matches per concept.
	ConceptMatchLimit int
}

func (c *Config) fillDefaults() {
	if c.TraversalDepth <= 0 {
		c.TraversalDepth = 2
	}
	if c.ConceptMatchLimit <= 0 {
		c.ConceptMatchLimit = 10
	}
}

// Engine is stateless per call: it holds only its injected collaborators, so
// one instance serves all requests concurrently.
type Engine struct {
	store    Store
	embedder Embedder
	concepts ConceptExtractor
	config   Config
}

func NewEngine(store Store, embedder Embedder, concepts ConceptExtractor, config Config) *Engine {
	config.fillDefaults()
	return &Engine{
		store:    store,
		embedder: embedder,
		concepts: concepts,
		config:   config,
	}
}

// LowLevelRetrieve matches documents and entities directly against the query
// text, then scores each hit against the query embedding when both sides have
// one. Hits without embeddings keep similarity 0 and sort last, but still
// surface: a direct text match is a result even when unembedded. Storage and
// embedding failures degrade to fewer or unscored results, never an error.
func (e *Engine) LowLevelRetrieve(ctx context.Context, queryText string, topK int) []Result {
	start := time.Now()

	queryText = strings.TrimSpace(queryText)
	if queryText == "" || topK <= 0 {
		return nil
	}

	// The embedding round trip happens after the storage reads complete, so
	// no pool connection is held across it.
	docs, err := e.store.SearchDocuments(ctx, queryText, topK)
	if err != nil {
		logger.Warn("low-level document search failed", zap.Error(err))
	}
	entities, err := e.store.SearchEntities(ctx, queryText, topK)
	if err != nil {
		logger.Warn("low-level entity search failed", zap.Error(err))
	}

	queryVec, err := e.embedder.EmbedText(ctx, queryText)
	if err != nil {
		metrics.EmbeddingFailures.Inc()
		logger.Warn("query embedding failed, text matches remain unscored", zap.Error(err))
		queryVec = nil
	}

	results := make([]Result, 0, len(docs)+len(entities))
	for _, doc := range docs {
		results = append(results, Result{
			Type:       TypeDocument,
			ID:         doc.ID,
			Title:      doc.Title,
			Content:    doc.Content,
			Similarity: e.scoreAgainst(queryVec, doc.EmbeddingJSON, TypeDocument, doc.ID),
			Metadata:   doc.Metadata,
		})
	}
	for _, entity := range entities {
		metadata := cloneMetadata(entity.Metadata)
		metadata["type"] = entity.Type
		results = append(results, Result{
			Type:        TypeEntity,
			ID:          entity.ID,
			Name:        entity.Name,
			Description: entity.Description,
			Similarity:  e.scoreAgainst(queryVec, entity.EmbeddingJSON, TypeEntity, entity.ID),
			Metadata:    metadata,
		})
	}

	sortBySimilarity(results)
	if len(results) > topK {
		results = results[:topK]
	}

	metrics.RetrievalDuration.WithLabelValues("low_level").Observe(time.Since(start).Seconds())
	metrics.RetrievalResults.WithLabelValues("low_level").Observe(float64(len(results)))

	return results
}

// scoreAgainst computes cosine similarity between the query vector and a
// stored embedding, degrading to 0 when either side is missing or corrupt. A
// dimension mismatch is logged loudly rather than swallowed quietly: it means
// the deployment changed embedding models without re-embedding the corpus.
func (e *Engine) scoreAgainst(queryVec []float32, embeddingJSON, rowType string, rowID int64) float64 {
	if len(queryVec) == 0 {
		return 0
	}

	vec, err := models.DecodeEmbedding(embeddingJSON)
	if err != nil {
		logger.Warn("corrupt stored embedding",
			zap.String("row_type", rowType),
			zap.Int64("row_id", rowID),
			zap.Error(err),
		)
		return 0
	}
	if len(vec) == 0 {
		return 0
	}

	similarity, err := search.CosineSimilarity(queryVec, vec)
	if err != nil {
		logger.Error("embedding dimension mismatch, corpus needs re-embedding",
			zap.String("row_type", rowType),
			zap.Int64("row_id", rowID),
			zap.Error(err),
		)
		return 0
	}
	return similarity
}

// HighLevelRetrieve extracts concepts from the query and searches from them:
// entities reached by a depth-bounded walk of the relationship graph, plus
// documents matching any concept. When concept extraction fails or finds
// nothing it falls back to low-level retrieval, so a high-level call always
// degrades gracefully instead of erroring out the request.
func (e *Engine) HighLevelRetrieve(ctx context.Context, queryText string, topK int) []Result {
	start := time.Now()

	queryText = strings.TrimSpace(queryText)
	if queryText == "" || topK <= 0 {
		return nil
	}

	concepts, err := e.concepts.ExtractKeyPhrases(ctx, queryText)
	if err != nil {
		logger.Warn("concept extraction failed, falling back to low-level retrieval", zap.Error(err))
		return e.LowLevelRetrieve(ctx, queryText, topK)
	}
	if len(concepts) == 0 {
		return e.LowLevelRetrieve(ctx, queryText, topK)
	}

	entityResults := e.traverseFromConcepts(ctx, concepts, topK*2)

	docs, err := e.store.SearchDocumentsByConcepts(ctx, concepts, topK)
	if err != nil {
		logger.Warn("concept document search failed", zap.Error(err))
	}

	results := entityResults
	for _, doc := range docs {
		results = append(results, Result{
			Type:     TypeDocument,
			ID:       doc.ID,
			Title:    doc.Title,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
	}

	if len(results) > topK {
		results = results[:topK]
	}

	metrics.RetrievalDuration.WithLabelValues("high_level").Observe(time.Since(start).Seconds())
	metrics.RetrievalResults.WithLabelValues("high_level").Observe(float64(len(results)))

	return results
}

// traverseFromConcepts walks the relationship graph breadth-first from the
// entities whose names match a concept. Each reached entity is tagged with
// the depth at which the walk first found it (0 = direct concept match); the
// walk follows outgoing edges only and stops at the configured depth.
func (e *Engine) traverseFromConcepts(ctx context.Context, concepts []string, limit int) []Result {
	visited := make(map[int64]bool)
	var results []Result

	var frontier []int64
	for _, concept := range concepts {
		matched, err := e.store.EntitiesByNameMatch(ctx, concept, e.config.ConceptMatchLimit)
		if err != nil {
			logger.Warn("entity concept match failed",
				zap.String("concept", concept),
				zap.Error(err),
			)
			continue
		}
		for _, entity := range matched {
			if visited[entity.ID] {
				continue
			}
			visited[entity.ID] = true
			frontier = append(frontier, entity.ID)
			results = append(results, entityResult(entity, 0))
		}
	}

	for depth := 1; depth <= e.config.TraversalDepth && len(frontier) > 0 && len(results) < limit; depth++ {
		relatedIDs, err := e.store.RelatedEntityIDs(ctx, frontier)
		if err != nil {
			logger.Warn("graph expansion failed", zap.Int("depth", depth), zap.Error(err))
			break
		}

		next := relatedIDs[:0]
		for _, id := range relatedIDs {
			if !visited[id] {
				visited[id] = true
				next = append(next, id)
			}
		}
		if len(next) == 0 {
			break
		}

		reached, err := e.store.EntitiesByIDs(ctx, next)
		if err != nil {
			logger.Warn("failed to load traversed entities", zap.Int("depth", depth), zap.Error(err))
			break
		}
		for _, entity := range reached {
			results = append(results, entityResult(entity, depth))
		}

		frontier = next
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func entityResult(entity models.Entity, depth int) Result {
	metadata := cloneMetadata(entity.Metadata)
	metadata["type"] = entity.Type
	metadata["depth"] = depth
	return Result{
		Type:        TypeEntity,
		ID:          entity.ID,
		Name:        entity.Name,
		Description: entity.Description,
		Metadata:    metadata,
	}
}

// HybridRetrieve fans out to low-level and high-level retrieval concurrently,
// each asked for half the budget, then merges by (type, id) keeping the
// higher-scoring duplicate. Order follows low-level-then-high-level insertion;
// the merge deduplicates without re-sorting, so scored low-level hits stay
// ahead of unscored traversal hits.
func (e *Engine) HybridRetrieve(ctx context.Context, queryText string, topK int) []Result {
	start := time.Now()

	queryText = strings.TrimSpace(queryText)
	if queryText == "" || topK <= 0 {
		return nil
	}

	half := (topK + 1) / 2

	var (
		wg        sync.WaitGroup
		lowLevel  []Result
		highLevel []Result
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lowLevel = e.LowLevelRetrieve(ctx, queryText, half)
	}()
	go func() {
		defer wg.Done()
		highLevel = e.HighLevelRetrieve(ctx, queryText, half)
	}()
	wg.Wait()

	type key struct {
		resultType string
		id         int64
	}

	index := make(map[key]int, len(lowLevel)+len(highLevel))
	merged := make([]Result, 0, len(lowLevel)+len(highLevel))
	for _, result := range append(lowLevel, highLevel...) {
		k := key{result.Type, result.ID}
		if at, seen := index[k]; seen {
			if result.Similarity > merged[at].Similarity {
				merged[at] = result
			}
			continue
		}
		index[k] = len(merged)
		merged = append(merged, result)
	}

	if len(merged) > topK {
		merged = merged[:topK]
	}

	logger.Info("hybrid retrieval completed",
		zap.Int("low_level", len(lowLevel)),
		zap.Int("high_level", len(highLevel)),
		zap.Int("merged", len(merged)),
		zap.Duration("elapsed", time.Since(start)),
	)
	metrics.RetrievalDuration.WithLabelValues("hybrid").Observe(time.Since(start).Seconds())
	metrics.RetrievalResults.WithLabelValues("hybrid").Observe(float64(len(merged)))

	return merged
}

func sortBySimilarity(results []Result) {
	// Stable: equal-similarity results keep storage order.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
