package search

import (
	"context"
	"errors"

	"github.com/printcal/backend/internal/storage/models"
)

// Shared fakes for the searcher tests.

type fakeDocStore struct {
	matches  []models.Document
	embedded []models.Document
	err      error
}

func (f *fakeDocStore) SearchDocuments(ctx context.Context, query string, limit int) ([]models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.matches) > limit {
		return f.matches[:limit], nil
	}
	return f.matches, nil
}

func (f *fakeDocStore) DocumentsWithEmbeddings(ctx context.Context) ([]models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.embedded, nil
}

type fakeEntityStore struct {
	matches  []models.Entity
	embedded []models.Entity
	err      error
}

func (f *fakeEntityStore) SearchEntities(ctx context.Context, query string, limit int) ([]models.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func (f *fakeEntityStore) EntitiesWithEmbeddings(ctx context.Context) ([]models.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.embedded, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

var errStoreDown = errors.New("store down")
