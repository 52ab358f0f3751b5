package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printcal/backend/internal/storage/models"
)

func embeddedDoc(id int64, title string, vec []float32) models.Document {
	return models.Document{
		ID:            id,
		Title:         title,
		EmbeddingJSON: models.EncodeEmbedding(vec),
	}
}

func TestVectorSearchDocumentsThresholdAndOrder(t *testing.T) {
	// Query vector [1, 0]; similarities are cosines of the angle to it.
	store := &fakeDocStore{
		embedded: []models.Document{
			embeddedDoc(1, "diagonal", []float32{1, 1}),   // ~0.707, below threshold
			embeddedDoc(2, "aligned", []float32{3, 0}),    // 1.0
			embeddedDoc(3, "close", []float32{4, 1}),      // ~0.970
			embeddedDoc(4, "orthogonal", []float32{0, 2}), // 0
		},
	}
	searcher := NewVectorSearcher(store, &fakeEntityStore{}, &fakeEmbedder{vec: []float32{1, 0}})

	results, err := searcher.SearchDocuments(context.Background(), "query", 10, 0.9)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
	assert.Equal(t, int64(3), results[1].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.InDelta(t, 0.97014, results[1].Similarity, 1e-4)
}

func TestVectorSearchDocumentsTopK(t *testing.T) {
	store := &fakeDocStore{
		embedded: []models.Document{
			embeddedDoc(1, "a", []float32{1, 0}),
			embeddedDoc(2, "b", []float32{1, 0}),
			embeddedDoc(3, "c", []float32{1, 0}),
		},
	}
	searcher := NewVectorSearcher(store, &fakeEntityStore{}, &fakeEmbedder{vec: []float32{1, 0}})

	results, err := searcher.SearchDocuments(context.Background(), "query", 2, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestVectorSearchSkipsCorruptEmbedding(t *testing.T) {
	store := &fakeDocStore{
		embedded: []models.Document{
			{ID: 1, Title: "broken", EmbeddingJSON: "not json"},
			embeddedDoc(2, "good", []float32{1, 0}),
		},
	}
	searcher := NewVectorSearcher(store, &fakeEntityStore{}, &fakeEmbedder{vec: []float32{1, 0}})

	results, err := searcher.SearchDocuments(context.Background(), "query", 10, 0.5)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)
}

func TestVectorSearchDimensionMismatchFailsLoudly(t *testing.T) {
	store := &fakeDocStore{
		embedded: []models.Document{
			embeddedDoc(1, "wrong model", []float32{1, 0, 0}),
		},
	}
	searcher := NewVectorSearcher(store, &fakeEntityStore{}, &fakeEmbedder{vec: []float32{1, 0}})

	_, err := searcher.SearchDocuments(context.Background(), "query", 10, 0)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestVectorSearchEmbedderFailurePropagates(t *testing.T) {
	searcher := NewVectorSearcher(&fakeDocStore{}, &fakeEntityStore{}, &fakeEmbedder{err: errStoreDown})

	_, err := searcher.SearchDocuments(context.Background(), "query", 10, 0)
	require.Error(t, err)
}

func TestVectorSearchEntities(t *testing.T) {
	store := &fakeEntityStore{
		embedded: []models.Entity{
			{ID: 1, Name: "Flow Ratio", Type: models.EntitySetting, EmbeddingJSON: models.EncodeEmbedding([]float32{1, 0})},
			{ID: 2, Name: "Stringing", Type: models.EntityProblem, EmbeddingJSON: models.EncodeEmbedding([]float32{0, 1})},
		},
	}
	searcher := NewVectorSearcher(&fakeDocStore{}, store, &fakeEmbedder{vec: []float32{1, 0}})

	results, err := searcher.SearchEntities(context.Background(), "flow", 10, 0.5)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "Flow Ratio", results[0].Name)
	assert.Equal(t, models.EntitySetting, results[0].Type)
}
