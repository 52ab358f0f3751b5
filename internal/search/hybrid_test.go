package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printcal/backend/internal/storage/models"
)

func newHybridFixture(embedder *fakeEmbedder) (*HybridSearcher, *fakeDocStore) {
	store := &fakeDocStore{
		matches: []models.Document{
			{ID: 1, Title: "Flow Ratio Guide", Content: "flow"},
			{ID: 2, Title: "Other Flow", Content: "flow flow"},
		},
		embedded: []models.Document{
			embeddedDoc(1, "Flow Ratio Guide", []float32{1, 0}),
			embeddedDoc(3, "Vector Only", []float32{4, 1}),
		},
	}
	searcher := NewHybridSearcher(
		NewLexicalSearcher(store),
		NewVectorSearcher(store, &fakeEntityStore{}, embedder),
		HybridConfig{},
	)
	return searcher, store
}

func TestHybridSearchMergesAndWeighs(t *testing.T) {
	searcher, _ := newHybridFixture(&fakeEmbedder{vec: []float32{1, 0}})

	results := searcher.SearchDocuments(context.Background(), "flow", 10)
	require.Len(t, results, 3)

	byID := make(map[int64]HybridResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	// Doc 1: lexical rank 0.75 (title hit doubled) and similarity 1.0.
	assert.Equal(t, "hybrid", byID[1].Source)
	assert.InDelta(t, 0.75*0.6+1.0*0.4, byID[1].Score, 1e-9)

	assert.Equal(t, "text", byID[2].Source)
	assert.InDelta(t, 0.8*0.6, byID[2].Score, 1e-9)

	assert.Equal(t, "vector", byID[3].Source)
	assert.InDelta(t, 0.97014*0.4, byID[3].Score, 1e-4)

	// Sorted by combined score.
	assert.Equal(t, int64(1), results[0].ID)
}

func TestHybridSearchSurvivesVectorLegFailure(t *testing.T) {
	searcher, _ := newHybridFixture(&fakeEmbedder{err: errStoreDown})

	results := searcher.SearchDocuments(context.Background(), "flow", 10)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "text", r.Source)
	}
}

func TestHybridSearchCapsLimit(t *testing.T) {
	searcher, _ := newHybridFixture(&fakeEmbedder{vec: []float32{1, 0}})

	results := searcher.SearchDocuments(context.Background(), "flow", 1)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].ID)
}
