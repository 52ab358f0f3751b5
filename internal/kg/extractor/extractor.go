// Package extractor grows the knowledge graph from unstructured text. All of
// it is best-effort enrichment: an extraction failure never fails the feature
// that triggered it.
package extractor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/printcal/backend/internal/llm"
	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/pkg/logger"
)

// LLM is the slice of the language-model client extraction needs.
type LLM interface {
	ExtractEntities(ctx context.Context, text string) ([]llm.EntityExtraction, error)
	ExtractRelationships(ctx context.Context, entityNames []string, contextText string) ([]llm.RelationshipExtraction, error)
}

type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Store is the slice of storage extraction writes through.
type Store interface {
	UpsertEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	UpsertRelationship(ctx context.Context, rel *models.Relationship) error
}

type Extractor struct {
	llm      LLM
	embedder Embedder
	store    Store
}

func New(llmClient LLM, embedder Embedder, store Store) *Extractor {
	return &Extractor{llm: llmClient, embedder: embedder, store: store}
}

// ExtractEntities pulls typed entities out of text. Any call or parse failure
// degrades to an empty list.
func (e *Extractor) ExtractEntities(ctx context.Context, text string) []models.Entity {
	extracted, err := e.llm.ExtractEntities(ctx, text)
	if err != nil {
		logger.Warn("entity extraction failed", zap.Error(err))
		return nil
	}

	entities := make([]models.Entity, 0, len(extracted))
	for _, ext := range extracted {
		entities = append(entities, models.Entity{
			Name:        ext.Name,
			Type:        ext.Type,
			Description: ext.Description,
		})
	}
	return entities
}

// ExtractRelationships finds typed edges among the given entities, resolving
// endpoint names case-insensitively against the supplied list. An edge whose
// endpoint the model invented, or a self-loop, is silently dropped. Fewer
// than two entities cannot relate, so that returns empty immediately.
func (e *Extractor) ExtractRelationships(ctx context.Context, entities []models.Entity, contextText string) []models.Relationship {
	if len(entities) < 2 {
		return nil
	}

	byName := make(map[string]*models.Entity, len(entities))
	names := make([]string, 0, len(entities))
	for i := range entities {
		byName[strings.ToLower(entities[i].Name)] = &entities[i]
		names = append(names, entities[i].Name)
	}

	extracted, err := e.llm.ExtractRelationships(ctx, names, contextText)
	if err != nil {
		logger.Warn("relationship extraction failed", zap.Error(err))
		return nil
	}

	rels := make([]models.Relationship, 0, len(extracted))
	for _, ext := range extracted {
		source, ok := byName[strings.ToLower(ext.Source)]
		if !ok || source.ID == 0 {
			continue
		}
		target, ok := byName[strings.ToLower(ext.Target)]
		if !ok || target.ID == 0 {
			continue
		}
		if source.ID == target.ID {
			continue
		}

		weight := ext.Weight
		if weight <= 0 || weight > 1 {
			weight = 0.5
		}

		rels = append(rels, models.Relationship{
			SourceID: source.ID,
			TargetID: target.ID,
			Type:     ext.Type,
			Weight:   weight,
		})
	}
	return rels
}

// StoreEntity upserts an entity, computing its embedding first when one is
// missing and the entity has a description to embed. An embedding failure is
// logged and the entity stored unembedded; persistence must not hinge on the
// embedding service being up.
func (e *Extractor) StoreEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if !entity.HasEmbedding() && entity.Description != "" {
		vec, err := e.embedder.EmbedText(ctx, entity.Name+" "+entity.Description)
		if err != nil {
			logger.Warn("failed to embed entity, storing without embedding",
				zap.String("name", entity.Name),
				zap.Error(err),
			)
		} else {
			entity.EmbeddingJSON = models.EncodeEmbedding(vec)
		}
	}

	stored, err := e.store.UpsertEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to store entity %q: %w", entity.Name, err)
	}
	return stored, nil
}

func (e *Extractor) StoreRelationship(ctx context.Context, rel *models.Relationship) error {
	if rel.Weight <= 0 || rel.Weight > 1 {
		rel.Weight = 0.5
	}
	return e.store.UpsertRelationship(ctx, rel)
}

// ProcessText runs the full enrichment pass over a piece of text: extract
// entities, persist them, extract relationships among the persisted set, and
// persist those. Returns the stored entities. Every stage degrades
// independently.
func (e *Extractor) ProcessText(ctx context.Context, text string) []models.Entity {
	entities := e.ExtractEntities(ctx, text)
	if len(entities) == 0 {
		return nil
	}

	stored := make([]models.Entity, 0, len(entities))
	for i := range entities {
		s, err := e.StoreEntity(ctx, &entities[i])
		if err != nil {
			logger.Warn("failed to store extracted entity",
				zap.String("name", entities[i].Name),
				zap.Error(err),
			)
			continue
		}
		stored = append(stored, *s)
	}

	for _, rel := range e.ExtractRelationships(ctx, stored, text) {
		rel := rel
		if err := e.StoreRelationship(ctx, &rel); err != nil {
			logger.Warn("failed to store extracted relationship",
				zap.Int64("source_id", rel.SourceID),
				zap.Int64("target_id", rel.TargetID),
				zap.Error(err),
			)
		}
	}

	logger.Info("text processed into knowledge graph",
		zap.Int("entities", len(stored)),
	)
	return stored
}
