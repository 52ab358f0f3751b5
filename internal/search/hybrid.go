package search

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/printcal/backend/pkg/logger"
)

// Hybrid weighting constants. These are design constants from the reference
// ranking, exposed through HybridConfig only so deployments can retune them
// deliberately.
const (
	DefaultLexicalWeight   = 0.6
	DefaultVectorWeight    = 0.4
	DefaultVectorThreshold = 0.6
)

// HybridResult is one document in the combined ranking. Source records which
// leg produced it: "text", "vector", or "hybrid" when both did.
type HybridResult struct {
	ID      int64   `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

type HybridConfig struct {
	LexicalWeight   float64
	VectorWeight    float64
	VectorThreshold float64
}

func (c *HybridConfig) fillDefaults() {
	if c.LexicalWeight == 0 {
		c.LexicalWeight = DefaultLexicalWeight
	}
	if c.VectorWeight == 0 {
		c.VectorWeight = DefaultVectorWeight
	}
	if c.VectorThreshold == 0 {
		c.VectorThreshold = DefaultVectorThreshold
	}
}

// HybridSearcher merges lexical and vector document search into one weighted
// ranking.
type HybridSearcher struct {
	lexical *LexicalSearcher
	vector  *VectorSearcher
	config  HybridConfig
}

func NewHybridSearcher(lexical *LexicalSearcher, vector *VectorSearcher, config HybridConfig) *HybridSearcher {
	config.fillDefaults()
	return &HybridSearcher{lexical: lexical, vector: vector, config: config}
}

// SearchDocuments runs both legs concurrently and merges by document id. A
// document found by both legs scores lexicalRank*0.6 + similarity*0.4; a
// single-leg document keeps that leg's weighted score. A failed leg degrades
// to empty rather than failing the search.
func (s *HybridSearcher) SearchDocuments(ctx context.Context, query string, limit int) []HybridResult {
	var (
		wg         sync.WaitGroup
		lexMatches []DocumentMatch
		vecMatches []DocumentSimilarity
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		lexMatches, err = s.lexical.SearchDocuments(ctx, query, limit)
		if err != nil {
			logger.Warn("lexical leg of hybrid search failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		vecMatches, err = s.vector.SearchDocuments(ctx, query, limit, s.config.VectorThreshold)
		if err != nil {
			logger.Warn("vector leg of hybrid search failed", zap.Error(err))
		}
	}()
	wg.Wait()

	combined := make(map[int64]*HybridResult, len(lexMatches)+len(vecMatches))
	for _, m := range lexMatches {
		combined[m.ID] = &HybridResult{
			ID:      m.ID,
			Title:   m.Title,
			Content: m.Content,
			Score:   m.Rank * s.config.LexicalWeight,
			Source:  "text",
		}
	}
	for _, m := range vecMatches {
		if existing, ok := combined[m.ID]; ok {
			existing.Score += m.Similarity * s.config.VectorWeight
			existing.Source = "hybrid"
			continue
		}
		combined[m.ID] = &HybridResult{
			ID:      m.ID,
			Title:   m.Title,
			Content: m.Content,
			Score:   m.Similarity * s.config.VectorWeight,
			Source:  "vector",
		}
	}

	results := make([]HybridResult, 0, len(combined))
	for _, r := range combined {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
