// Package search implements the three retrieval primitives behind the
// chatbot: lexical (keyword) matching, vector similarity scoring against
// stored embeddings, and the weighted hybrid combination of the two.
package search

import (
	"context"

	"github.com/printcal/backend/internal/storage/models"
)

// Embedder turns text into a query vector. Failures propagate: a query-time
// search cannot proceed without its vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// DocumentStore is the slice of storage the document searches need.
type DocumentStore interface {
	SearchDocuments(ctx context.Context, query string, limit int) ([]models.Document, error)
	DocumentsWithEmbeddings(ctx context.Context) ([]models.Document, error)
}

// EntityStore is the slice of storage the entity searches need.
type EntityStore interface {
	SearchEntities(ctx context.Context, query string, limit int) ([]models.Entity, error)
	EntitiesWithEmbeddings(ctx context.Context) ([]models.Entity, error)
}
