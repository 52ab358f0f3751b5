package models

import (
	"encoding/json"
	"time"
)

// Entity type tags. The set is open; extraction may produce values outside it,
// which are stored as-is.
const (
	EntityMaterial  = "material"
	EntitySetting   = "setting"
	EntityProblem   = "problem"
	EntitySolution  = "solution"
	EntityTool      = "tool"
	EntityComponent = "component"
	EntityProcess   = "process"
	EntityTechnique = "technique"
)

// Relationship type tags, equally open.
const (
	RelRequires   = "requires"
	RelSolves     = "solves"
	RelCauses     = "causes"
	RelPrevents   = "prevents"
	RelImproves   = "improves"
	RelRelatesTo  = "relates_to"
	RelConfigures = "configures"
	RelOptimizes  = "optimizes"
)

// Document is a unit of ingested knowledge. EmbeddingJSON holds the stored
// float vector as a JSON array; "[]" or "" mean not yet embedded.
type Document struct {
	ID            int64
	Title         string
	Content       string
	URL           string
	SourceType    string
	EmbeddingJSON string
	Metadata      map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Entity is a knowledge-graph node. Name is the unique upsert key.
type Entity struct {
	ID            int64
	Name          string
	Type          string
	Description   string
	EmbeddingJSON string
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// Relationship is a directed, typed edge between two entities. The triple
// (SourceID, TargetID, Type) is unique; re-inserting updates the weight.
type Relationship struct {
	ID        int64
	SourceID  int64
	TargetID  int64
	Type      string
	Weight    float64
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

type ChatSession struct {
	ID        string
	Metadata  map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMessage struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// HasEmbedding reports whether the document carries a non-empty stored vector.
func (d *Document) HasEmbedding() bool {
	return hasEmbeddingJSON(d.EmbeddingJSON)
}

func (e *Entity) HasEmbedding() bool {
	return hasEmbeddingJSON(e.EmbeddingJSON)
}

func hasEmbeddingJSON(s string) bool {
	return s != "" && s != "[]" && s != "null"
}

// DecodeEmbedding parses a stored embedding_json value. An absent embedding
// ("" or "[]") decodes to nil with no error; anything unparseable is an error
// the caller is expected to skip-and-log rather than propagate.
func DecodeEmbedding(s string) ([]float32, error) {
	if !hasEmbeddingJSON(s) {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(s), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EncodeEmbedding serializes a vector for storage. A nil or empty vector
// encodes to the literal empty-array form.
func EncodeEmbedding(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(data)
}
