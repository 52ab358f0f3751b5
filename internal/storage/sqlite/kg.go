package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/pkg/logger"
)

// UpsertEntity inserts an entity or, when the name already exists, overwrites
// its description, embedding, and metadata. The stored row (with id) is
// returned either way.
func (c *Client) UpsertEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if entity.EmbeddingJSON == "" {
		entity.EmbeddingJSON = "[]"
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kg_entities (name, entity_type, description, embedding_json, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			embedding_json = excluded.embedding_json,
			metadata = excluded.metadata`,
		entity.Name, entity.Type, entity.Description,
		entity.EmbeddingJSON, encodeMetadata(entity.Metadata),
		time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entity %q: %w", entity.Name, err)
	}

	stored, err := c.GetEntityByName(ctx, entity.Name)
	if err != nil {
		return nil, err
	}

	logger.Debug("entity upserted",
		zap.Int64("entity_id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("type", stored.Type),
	)
	return stored, nil
}

func (c *Client) GetEntityByName(ctx context.Context, name string) (*models.Entity, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, description, embedding_json, metadata, created_at
		FROM kg_entities WHERE name = ?`, name)

	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %q: %w", name, err)
	}
	return entity, nil
}

// SearchEntities does substring matching on name and description, most recent
// first.
func (c *Client) SearchEntities(ctx context.Context, query string, limit int) ([]models.Entity, error) {
	pattern := "%" + query + "%"
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, entity_type, description, embedding_json, metadata, created_at
		FROM kg_entities
		WHERE name LIKE ? OR description LIKE ?
		ORDER BY created_at DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// EntitiesByNameMatch finds entities whose name contains the concept.
func (c *Client) EntitiesByNameMatch(ctx context.Context, concept string, limit int) ([]models.Entity, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, entity_type, description, embedding_json, metadata, created_at
		FROM kg_entities
		WHERE name LIKE ?
		ORDER BY name ASC
		LIMIT ?`, "%"+concept+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to match entities for concept %q: %w", concept, err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

func (c *Client) EntitiesWithEmbeddings(ctx context.Context) ([]models.Entity, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, entity_type, description, embedding_json, metadata, created_at
		FROM kg_entities
		WHERE embedding_json != '' AND embedding_json != '[]'`)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded entities: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

func (c *Client) EntitiesByIDs(ctx context.Context, ids []int64) ([]models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, entity_type, description, embedding_json, metadata, created_at
		FROM kg_entities WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities by ids: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// RelatedEntityIDs returns the distinct targets of outgoing edges from any of
// the given source entities. One frontier expansion of the graph traversal.
func (c *Client) RelatedEntityIDs(ctx context.Context, sourceIDs []int64) ([]int64, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sourceIDs)), ",")
	args := make([]interface{}, len(sourceIDs))
	for i, id := range sourceIDs {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT target_entity_id
		FROM kg_relationships
		WHERE source_entity_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load related entity ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationship rows: %w", err)
	}
	return ids, nil
}

// UpsertRelationship inserts an edge or, when the (source, target, type)
// triple already exists, updates only its weight.
func (c *Client) UpsertRelationship(ctx context.Context, rel *models.Relationship) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kg_relationships (source_entity_id, target_entity_id, relationship_type, weight, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_entity_id, target_entity_id, relationship_type) DO UPDATE SET
			weight = excluded.weight`,
		rel.SourceID, rel.TargetID, rel.Type, rel.Weight,
		encodeMetadata(rel.Metadata), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship %d-[%s]->%d: %w",
			rel.SourceID, rel.Type, rel.TargetID, err)
	}
	return nil
}

// RelationshipsFrom returns the outgoing edges of an entity.
func (c *Client) RelationshipsFrom(ctx context.Context, sourceID int64) ([]models.Relationship, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_entity_id, target_entity_id, relationship_type, weight, metadata, created_at
		FROM kg_relationships
		WHERE source_entity_id = ?
		ORDER BY weight DESC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships from %d: %w", sourceID, err)
	}
	defer rows.Close()

	var rels []models.Relationship
	for rows.Next() {
		var (
			rel       models.Relationship
			metadata  string
			createdAt int64
		)
		err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.Type,
			&rel.Weight, &metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		rel.Metadata = decodeMetadata(metadata)
		rel.CreatedAt = time.Unix(createdAt, 0)
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationship rows: %w", err)
	}
	return rels, nil
}

// CountEntities and CountRelationships feed the KG size gauges.
func (c *Client) CountEntities(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kg_entities`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

func (c *Client) CountRelationships(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kg_relationships`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count relationships: %w", err)
	}
	return n, nil
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		entity      models.Entity
		description sql.NullString
		metadata    string
		createdAt   int64
	)

	err := row.Scan(&entity.ID, &entity.Name, &entity.Type, &description,
		&entity.EmbeddingJSON, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}

	entity.Description = description.String
	entity.Metadata = decodeMetadata(metadata)
	entity.CreatedAt = time.Unix(createdAt, 0)
	return &entity, nil
}

func collectEntities(rows *sql.Rows) ([]models.Entity, error) {
	var entities []models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity rows: %w", err)
	}
	return entities, nil
}
