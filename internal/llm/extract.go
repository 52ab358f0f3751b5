package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/printcal/backend/pkg/logger"
)

// EntityExtraction is one entity proposed by the model, not yet persisted.
type EntityExtraction struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// RelationshipExtraction references its endpoints by entity name; resolution
// against known entities happens in the extractor, not here.
type RelationshipExtraction struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

const entityExtractionPrompt = `Extract entities related to 3D printing from the text.
Categories: tool, material, setting, problem, solution, component, process, technique.
Return a JSON object with an "entities" array. Each entity must have:
- name: the entity name
- type: one of the categories above
- description: brief description of the entity
Example: {"entities": [{"name": "PLA", "type": "material", "description": "Common 3D printing filament"}]}`

const keyPhrasePrompt = `Extract the key concepts and phrases from the user's 3D printing question.
Focus on settings, materials, print defects, and calibration procedures.
Return a JSON object: {"phrases": ["concept1", "concept2"]}. At most 5 phrases.`

// ExtractEntities asks the model for typed entities found in text. A failed
// call is an error; a response that is not valid JSON counts as zero entities.
func (c *Client) ExtractEntities(ctx context.Context, text string) ([]EntityExtraction, error) {
	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: entityExtractionPrompt,
		Messages:     []Message{{Role: "user", Content: text}},
		Temperature:  0.1,
		MaxTokens:    500,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction call failed: %w", err)
	}

	entities := parseEntityPayload(content)

	logger.Debug("entities extracted", zap.Int("count", len(entities)))

	return entities, nil
}

// ExtractRelationships asks the model for typed edges among the named
// entities, grounded in the given context text.
func (c *Client) ExtractRelationships(ctx context.Context, entityNames []string, contextText string) ([]RelationshipExtraction, error) {
	systemPrompt := fmt.Sprintf(`Given these entities: %s
Extract relationships between them from the context.
Relationship types: requires, solves, causes, prevents, improves, relates_to, configures, optimizes.
Return a JSON object with a "relationships" array. Each relationship must have:
- source: source entity name
- target: target entity name
- type: relationship type
- weight: strength of relationship (0.1 to 1.0)`, strings.Join(entityNames, ", "))

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []Message{{Role: "user", Content: contextText}},
		Temperature:  0.1,
		MaxTokens:    500,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("relationship extraction call failed: %w", err)
	}

	return parseRelationshipPayload(content), nil
}

// ExtractKeyPhrases pulls search concepts out of a conversational query.
func (c *Client) ExtractKeyPhrases(ctx context.Context, text string) ([]string, error) {
	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: keyPhrasePrompt,
		Messages:     []Message{{Role: "user", Content: text}},
		Temperature:  0.1,
		MaxTokens:    200,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("key phrase extraction call failed: %w", err)
	}

	return parsePhrasePayload(content), nil
}

// parseEntityPayload decodes {"entities": [...]} leniently. Malformed JSON or
// a missing array yields nil, deliberately: extraction is best-effort and a
// hallucinated shape must not fail the surrounding operation.
func parseEntityPayload(content string) []EntityExtraction {
	var payload struct {
		Entities []EntityExtraction `json:"entities"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &payload); err != nil {
		logger.Warn("unparseable entity extraction response", zap.Error(err))
		return nil
	}

	entities := payload.Entities[:0]
	for _, e := range payload.Entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		entities = append(entities, e)
	}
	return entities
}

func parseRelationshipPayload(content string) []RelationshipExtraction {
	var payload struct {
		Relationships []RelationshipExtraction `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &payload); err != nil {
		logger.Warn("unparseable relationship extraction response", zap.Error(err))
		return nil
	}

	rels := payload.Relationships[:0]
	for _, r := range payload.Relationships {
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
			continue
		}
		rels = append(rels, r)
	}
	return rels
}

func parsePhrasePayload(content string) []string {
	var payload struct {
		Phrases []string `json:"phrases"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &payload); err != nil {
		logger.Warn("unparseable key phrase response", zap.Error(err))
		return nil
	}

	phrases := payload.Phrases[:0]
	for _, p := range payload.Phrases {
		p = strings.TrimSpace(p)
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}

// stripCodeFence removes a markdown ```json fence the model sometimes wraps
// around its output despite JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
