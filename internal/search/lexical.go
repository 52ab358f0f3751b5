package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DocumentMatch is a lexically matched document with its in-process rank.
type DocumentMatch struct {
	ID      int64
	Title   string
	Content string
	Rank    float64
}

// LexicalSearcher performs keyword matching against documents. The store does
// substring matching ordered by recency; the searcher then assigns each hit a
// deterministic term-frequency rank in [0, 1) used as the lexical score in
// hybrid weighting.
type LexicalSearcher struct {
	store DocumentStore
}

func NewLexicalSearcher(store DocumentStore) *LexicalSearcher {
	return &LexicalSearcher{store: store}
}

// SearchDocuments returns at most topK matches, ranked by term frequency with
// ties broken by the store's recency ordering.
func (s *LexicalSearcher) SearchDocuments(ctx context.Context, query string, topK int) ([]DocumentMatch, error) {
	docs, err := s.store.SearchDocuments(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical document search failed: %w", err)
	}

	matches := make([]DocumentMatch, 0, len(docs))
	for _, doc := range docs {
		matches = append(matches, DocumentMatch{
			ID:      doc.ID,
			Title:   doc.Title,
			Content: doc.Content,
			Rank:    lexicalRank(query, doc.Title, doc.Content),
		})
	}

	sortByRank(matches)

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func sortByRank(matches []DocumentMatch) {
	// Stable: keeps the recency order for equal ranks.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Rank > matches[j].Rank
	})
}

// lexicalRank scores how strongly a document matches the query terms. Title
// hits count double. The score is squashed into [0, 1) so it composes with
// cosine similarity under the hybrid weights.
func lexicalRank(query, title, content string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}

	lowerTitle := strings.ToLower(title)
	lowerContent := strings.ToLower(content)

	var hits float64
	for _, term := range terms {
		hits += 2 * float64(strings.Count(lowerTitle, term))
		hits += float64(strings.Count(lowerContent, term))
	}

	return 1 - 1/(1+hits)
}
