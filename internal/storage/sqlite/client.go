// Package sqlite is the relational store behind retrieval, the knowledge
// graph, and chat history. Embeddings live in embedding_json text columns;
// similarity scoring happens in the application, not in SQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/pkg/logger"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		url TEXT,
		source_type TEXT,
		embedding_json TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_type);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);

	CREATE TABLE IF NOT EXISTS kg_entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		description TEXT,
		embedding_json TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON kg_entities(entity_type);

	CREATE TABLE IF NOT EXISTS kg_relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_entity_id INTEGER NOT NULL,
		target_entity_id INTEGER NOT NULL,
		relationship_type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 0.5,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (source_entity_id) REFERENCES kg_entities(id),
		FOREIGN KEY (target_entity_id) REFERENCES kg_entities(id),
		UNIQUE(source_entity_id, target_entity_id, relationship_type)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON kg_relationships(source_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON kg_relationships(target_entity_id);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func encodeMetadata(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMetadata(s string) map[string]interface{} {
	if s == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// InsertDocument stores a document and fills in its generated id and
// timestamps.
func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.EmbeddingJSON == "" {
		doc.EmbeddingJSON = "[]"
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (title, content, url, source_type, embedding_json, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.Title, doc.Content, doc.URL, doc.SourceType,
		doc.EmbeddingJSON, encodeMetadata(doc.Metadata),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	doc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read document id: %w", err)
	}

	logger.Debug("document inserted", zap.Int64("document_id", doc.ID), zap.String("title", doc.Title))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, title, content, url, source_type, embedding_json, metadata, created_at, updated_at
		FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %d: %w", id, err)
	}
	return doc, nil
}

// SearchDocuments does case-insensitive substring matching on title and
// content, most recent first. SQLite's LIKE is case-insensitive for ASCII,
// which covers this corpus.
func (c *Client) SearchDocuments(ctx context.Context, query string, limit int) ([]models.Document, error) {
	pattern := "%" + query + "%"
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, content, url, source_type, embedding_json, metadata, created_at, updated_at
		FROM documents
		WHERE title LIKE ? OR content LIKE ?
		ORDER BY created_at DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// SearchDocumentsByConcepts matches documents whose title or content contains
// any of the given concepts.
func (c *Client) SearchDocumentsByConcepts(ctx context.Context, concepts []string, limit int) ([]models.Document, error) {
	if len(concepts) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT id, title, content, url, source_type, embedding_json, metadata, created_at, updated_at
		FROM documents WHERE `
	args := make([]interface{}, 0, len(concepts)*2+1)
	for i, concept := range concepts {
		if i > 0 {
			query += " OR "
		}
		query += "(title LIKE ? OR content LIKE ?)"
		pattern := "%" + concept + "%"
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents by concepts: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// DocumentsWithEmbeddings returns every document carrying a stored vector.
// This backs the full-scan vector search.
func (c *Client) DocumentsWithEmbeddings(ctx context.Context) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, content, url, source_type, embedding_json, metadata, created_at, updated_at
		FROM documents
		WHERE embedding_json != '' AND embedding_json != '[]'`)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// DocumentsMissingEmbeddings returns up to limit documents awaiting a
// backfill pass.
func (c *Client) DocumentsMissingEmbeddings(ctx context.Context, limit int) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, content, url, source_type, embedding_json, metadata, created_at, updated_at
		FROM documents
		WHERE embedding_json = '' OR embedding_json = '[]'
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load unembedded documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

func (c *Client) UpdateDocumentEmbedding(ctx context.Context, id int64, embeddingJSON string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE documents SET embedding_json = ?, updated_at = ? WHERE id = ?`,
		embeddingJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update embedding for document %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc                  models.Document
		url, sourceType      sql.NullString
		metadata             string
		createdAt, updatedAt int64
	)

	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &url, &sourceType,
		&doc.EmbeddingJSON, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	doc.URL = url.String
	doc.SourceType = sourceType.String
	doc.Metadata = decodeMetadata(metadata)
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	return &doc, nil
}

func collectDocuments(rows *sql.Rows) ([]models.Document, error) {
	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document rows: %w", err)
	}
	return docs, nil
}
