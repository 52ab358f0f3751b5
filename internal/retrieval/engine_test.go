package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printcal/backend/internal/storage/models"
)

type fakeStore struct {
	docs        []models.Document
	conceptDocs []models.Document
	entities    []models.Entity
	edges       map[int64][]int64
	searchErr   error
}

func (f *fakeStore) SearchDocuments(ctx context.Context, query string, limit int) ([]models.Document, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []models.Document
	for _, d := range f.docs {
		if containsFold(d.Title, query) || containsFold(d.Content, query) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) SearchDocumentsByConcepts(ctx context.Context, concepts []string, limit int) ([]models.Document, error) {
	return f.conceptDocs, nil
}

func (f *fakeStore) SearchEntities(ctx context.Context, query string, limit int) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range f.entities {
		if containsFold(e.Name, query) || containsFold(e.Description, query) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) EntitiesByNameMatch(ctx context.Context, concept string, limit int) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range f.entities {
		if containsFold(e.Name, concept) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) EntitiesByIDs(ctx context.Context, ids []int64) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range f.entities {
		for _, id := range ids {
			if e.ID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) RelatedEntityIDs(ctx context.Context, sourceIDs []int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var out []int64
	for _, src := range sourceIDs {
		for _, target := range f.edges[src] {
			if !seen[target] {
				seen[target] = true
				out = append(out, target)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

type stubEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (s *stubEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if vec, ok := s.vecs[text]; ok {
		return vec, nil
	}
	return []float32{1, 0}, nil
}

type stubConcepts struct {
	phrases []string
	err     error
}

func (s *stubConcepts) ExtractKeyPhrases(ctx context.Context, text string) ([]string, error) {
	return s.phrases, s.err
}

func calibrationFixture() *fakeStore {
	return &fakeStore{
		docs: []models.Document{
			{
				ID:            1,
				Title:         "Flow Ratio Calibration Guide",
				Content:       "Tune flow ratio with a single wall cube.",
				EmbeddingJSON: models.EncodeEmbedding([]float32{1, 0}),
			},
			{
				ID:      2,
				Title:   "Bed Leveling",
				Content: "Tram the bed before the first layer.",
			},
		},
		conceptDocs: []models.Document{
			{ID: 1, Title: "Flow Ratio Calibration Guide", Content: "Tune flow ratio with a single wall cube."},
		},
		entities: []models.Entity{
			{ID: 10, Name: "Flow Ratio", Type: models.EntitySetting, EmbeddingJSON: models.EncodeEmbedding([]float32{1, 0})},
			{ID: 11, Name: "Over Extrusion", Type: models.EntityProblem},
			{ID: 12, Name: "Pressure Advance", Type: models.EntitySetting},
			{ID: 13, Name: "Input Shaping", Type: models.EntityTechnique},
		},
		// Flow Ratio -> Over Extrusion -> Pressure Advance -> Input Shaping
		edges: map[int64][]int64{
			10: {11},
			11: {12},
			12: {13},
		},
	}
}

func TestLowLevelRetrieveScoresAndSorts(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{}, Config{})

	results := engine.LowLevelRetrieve(context.Background(), "flow ratio", 10)
	require.NotEmpty(t, results)

	// Both the embedded doc and the embedded entity score 1.0 against the
	// query vector and sort ahead of anything unembedded.
	assert.Equal(t, TypeDocument, results[0].Type)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)

	var entityFound bool
	for _, r := range results {
		if r.Type == TypeEntity && r.Name == "Flow Ratio" {
			entityFound = true
			assert.InDelta(t, 1.0, r.Similarity, 1e-9)
		}
	}
	assert.True(t, entityFound)
}

func TestLowLevelRetrieveEmbedderFailureDegrades(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{err: errors.New("embeddings down")}, &stubConcepts{}, Config{})

	results := engine.LowLevelRetrieve(context.Background(), "flow ratio", 10)
	require.NotEmpty(t, results, "text matches must survive an embedding outage")
	for _, r := range results {
		assert.Zero(t, r.Similarity)
	}
}

func TestLowLevelRetrieveStableOrderForEqualScores(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{err: errors.New("embeddings down")}, &stubConcepts{}, Config{})

	// All scores collapse to zero, so document hits must precede entity hits
	// in storage order.
	results := engine.LowLevelRetrieve(context.Background(), "flow ratio", 10)
	require.Len(t, results, 2)
	assert.Equal(t, TypeDocument, results[0].Type)
	assert.Equal(t, TypeEntity, results[1].Type)
}

func TestLowLevelRetrieveEmptyQuery(t *testing.T) {
	engine := NewEngine(calibrationFixture(), &stubEmbedder{}, &stubConcepts{}, Config{})

	assert.Nil(t, engine.LowLevelRetrieve(context.Background(), "   ", 10))
	assert.Nil(t, engine.LowLevelRetrieve(context.Background(), "flow", 0))
}

func TestHighLevelRetrieveTraversalDepthBound(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{phrases: []string{"flow ratio"}}, Config{})

	results := engine.HighLevelRetrieve(context.Background(), "how do I fix over extrusion", 20)

	depths := make(map[string]int)
	for _, r := range results {
		if r.Type == TypeEntity {
			depths[r.Name] = r.Metadata["depth"].(int)
		}
	}

	assert.Equal(t, 0, depths["Flow Ratio"])
	assert.Equal(t, 1, depths["Over Extrusion"])
	assert.Equal(t, 2, depths["Pressure Advance"])
	assert.NotContains(t, depths, "Input Shaping", "three hops exceeds the traversal depth")
}

func TestHighLevelRetrieveIncludesConceptDocuments(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{phrases: []string{"flow ratio"}}, Config{})

	results := engine.HighLevelRetrieve(context.Background(), "flow problems", 20)

	var docFound bool
	for _, r := range results {
		if r.Type == TypeDocument && r.Title == "Flow Ratio Calibration Guide" {
			docFound = true
		}
	}
	assert.True(t, docFound)
}

func TestHighLevelRetrieveFallsBackOnExtractionFailure(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{err: errors.New("llm down")}, Config{})

	results := engine.HighLevelRetrieve(context.Background(), "flow ratio", 10)
	require.NotEmpty(t, results, "fallback to low-level retrieval expected")
}

func TestHighLevelRetrieveFallsBackOnNoConcepts(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{}, Config{})

	results := engine.HighLevelRetrieve(context.Background(), "flow ratio", 10)
	require.NotEmpty(t, results)
}

func TestHybridRetrieveDeduplicatesKeepingHigherScore(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{phrases: []string{"flow ratio"}}, Config{})

	results := engine.HybridRetrieve(context.Background(), "flow ratio", 10)
	require.NotEmpty(t, results)

	type key struct {
		t  string
		id int64
	}
	seen := make(map[key]Result)
	for _, r := range results {
		k := key{r.Type, r.ID}
		_, dup := seen[k]
		require.False(t, dup, "duplicate result %v", k)
		seen[k] = r
	}

	// The Flow Ratio entity appears in both legs; the scored low-level copy
	// must win over the unscored traversal copy.
	scored, ok := seen[key{TypeEntity, 10}]
	require.True(t, ok)
	assert.InDelta(t, 1.0, scored.Similarity, 1e-9)
}

func TestHybridRetrieveSurvivesEmbeddingOutage(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{err: errors.New("embeddings down")}, &stubConcepts{phrases: []string{"flow ratio"}}, Config{})

	results := engine.HybridRetrieve(context.Background(), "flow ratio", 10)
	require.NotEmpty(t, results, "text and graph matches must survive an embedding outage")
	for _, r := range results {
		assert.Zero(t, r.Similarity)
	}
}

func TestHybridRetrieveNaturalLanguageQuery(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{phrases: []string{"flow ratio"}}, Config{})

	results := engine.HybridRetrieve(context.Background(), "how do I fix my flow ratio", 10)

	var docFound, entityFound bool
	for _, r := range results {
		if r.Type == TypeDocument && r.ID == 1 {
			docFound = true
		}
		if r.Type == TypeEntity && r.Name == "Flow Ratio" {
			entityFound = true
		}
	}
	assert.True(t, docFound, "calibration guide should surface via concept search")
	assert.True(t, entityFound, "matched entity should surface via graph search")
}

func TestHybridRetrieveCapsTopK(t *testing.T) {
	store := calibrationFixture()
	engine := NewEngine(store, &stubEmbedder{}, &stubConcepts{phrases: []string{"flow"}}, Config{})

	results := engine.HybridRetrieve(context.Background(), "flow", 2)
	assert.LessOrEqual(t, len(results), 2)
}

func TestHybridRetrieveEmptyQuery(t *testing.T) {
	engine := NewEngine(calibrationFixture(), &stubEmbedder{}, &stubConcepts{}, Config{})
	assert.Nil(t, engine.HybridRetrieve(context.Background(), "", 10))
}
