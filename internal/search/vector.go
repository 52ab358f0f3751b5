package search

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/pkg/logger"
)

// DocumentSimilarity is a vector-search hit for a document.
type DocumentSimilarity struct {
	ID         int64
	Title      string
	Content    string
	Similarity float64
}

// EntitySimilarity is a vector-search hit for a knowledge-graph entity.
type EntitySimilarity struct {
	ID          int64
	Name        string
	Type        string
	Description string
	Similarity  float64
}

// VectorSearcher scores stored embeddings against a query embedding. There is
// no approximate-nearest-neighbor index: every embedded row is scanned, which
// is fine at the corpus sizes this system holds.
type VectorSearcher struct {
	docs     DocumentStore
	entities EntityStore
	embedder Embedder
}

func NewVectorSearcher(docs DocumentStore, entities EntityStore, embedder Embedder) *VectorSearcher {
	return &VectorSearcher{docs: docs, entities: entities, embedder: embedder}
}

// SearchDocuments embeds the query, scores every embedded document, drops
// rows below threshold, and returns the topK by similarity. A row whose
// stored embedding does not parse is skipped and logged; one corrupt row must
// not take down the search.
func (s *VectorSearcher) SearchDocuments(ctx context.Context, query string, topK int, threshold float64) ([]DocumentSimilarity, error) {
	queryVec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	docs, err := s.docs.DocumentsWithEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded documents: %w", err)
	}

	results := make([]DocumentSimilarity, 0, len(docs))
	for _, doc := range docs {
		vec, err := models.DecodeEmbedding(doc.EmbeddingJSON)
		if err != nil {
			logger.Warn("skipping document with corrupt embedding",
				zap.Int64("document_id", doc.ID),
				zap.Error(err),
			)
			continue
		}

		similarity, err := CosineSimilarity(queryVec, vec)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc.ID, err)
		}
		if similarity < threshold {
			continue
		}

		results = append(results, DocumentSimilarity{
			ID:         doc.ID,
			Title:      doc.Title,
			Content:    doc.Content,
			Similarity: similarity,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// SearchEntities is the entity analogue of SearchDocuments.
func (s *VectorSearcher) SearchEntities(ctx context.Context, query string, topK int, threshold float64) ([]EntitySimilarity, error) {
	queryVec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	entities, err := s.entities.EntitiesWithEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded entities: %w", err)
	}

	results := make([]EntitySimilarity, 0, len(entities))
	for _, entity := range entities {
		vec, err := models.DecodeEmbedding(entity.EmbeddingJSON)
		if err != nil {
			logger.Warn("skipping entity with corrupt embedding",
				zap.Int64("entity_id", entity.ID),
				zap.Error(err),
			)
			continue
		}

		similarity, err := CosineSimilarity(queryVec, vec)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", entity.ID, err)
		}
		if similarity < threshold {
			continue
		}

		results = append(results, EntitySimilarity{
			ID:          entity.ID,
			Name:        entity.Name,
			Type:        entity.Type,
			Description: entity.Description,
			Similarity:  similarity,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
