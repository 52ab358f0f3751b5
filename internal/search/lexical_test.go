package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printcal/backend/internal/storage/models"
)

func TestLexicalRank(t *testing.T) {
	titleHit := lexicalRank("retraction", "Retraction Tuning", "General advice.")
	contentHit := lexicalRank("retraction", "Print Quality", "Adjust retraction distance.")

	assert.Greater(t, titleHit, contentHit, "title hits should outweigh content hits")
	assert.GreaterOrEqual(t, contentHit, 0.0)
	assert.Less(t, titleHit, 1.0)

	assert.Zero(t, lexicalRank("", "Title", "Content"))
	assert.Zero(t, lexicalRank("nomatch", "Title", "Content"))
}

func TestLexicalSearchRanksAndCaps(t *testing.T) {
	store := &fakeDocStore{
		matches: []models.Document{
			{ID: 1, Title: "Unrelated", Content: "mentions flow once: flow"},
			{ID: 2, Title: "Flow Ratio Guide", Content: "flow flow flow"},
			{ID: 3, Title: "Other", Content: "flow"},
		},
	}
	searcher := NewLexicalSearcher(store)

	results, err := searcher.SearchDocuments(context.Background(), "flow", 2)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID, "strongest match first")
}

func TestLexicalSearchStoreError(t *testing.T) {
	searcher := NewLexicalSearcher(&fakeDocStore{err: errStoreDown})

	_, err := searcher.SearchDocuments(context.Background(), "flow", 5)
	require.Error(t, err)
}
