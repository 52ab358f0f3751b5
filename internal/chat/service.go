// Package chat orchestrates a calibration conversation turn: session
// bookkeeping, retrieval-backed context assembly, LLM streaming, and
// background knowledge graph enrichment from the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/llm"
	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/internal/retrieval"
	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/internal/storage/sqlite"
	"github.com/printcal/backend/pkg/logger"
	"github.com/printcal/backend/pkg/utils"
)

const systemPrompt = `You are a 3D printer calibration assistant. You help users diagnose
print quality problems and tune printer settings: flow ratio, pressure advance,
retraction, temperature towers, first layer calibration, and input shaping.
Ground your answers in the reference context when it is provided. If the
context does not cover the question, say so and answer from general knowledge.
Be specific about setting names and numeric ranges.`

const historyLimit = 10

// Store is the session and message persistence the service depends on,
// satisfied by *sqlite.Client.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	CreateSession(ctx context.Context, session *models.ChatSession) error
	InsertMessage(ctx context.Context, msg *models.ChatMessage) error
	SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	CountEntities(ctx context.Context) (int64, error)
	CountRelationships(ctx context.Context) (int64, error)
}

// Completer generates replies, satisfied by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
	StreamCompletion(ctx context.Context, req llm.CompletionRequest, onDelta func(delta string) error) (string, error)
}

// Retriever assembles reference material for a query, satisfied by
// *retrieval.Engine.
type Retriever interface {
	HybridRetrieve(ctx context.Context, query string, topK int) []retrieval.Result
}

// ContextCache caches formatted context blocks by query hash, satisfied by
// the redis client.
type ContextCache interface {
	GetContext(ctx context.Context, queryHash string) (string, bool, error)
	SetContext(ctx context.Context, queryHash, contextBlock string) error
}

// Enricher mines an exchange for knowledge graph material, satisfied by
// *extractor.Extractor.
type Enricher interface {
	ProcessText(ctx context.Context, text string) []models.Entity
}

type Config struct {
	TopK         int
	PreviewChars int
}

func (c *Config) fillDefaults() {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = 500
	}
}

type Service struct {
	db        Store
	llmClient Completer
	engine    Retriever
	cache     ContextCache
	extractor Enricher
	config    Config
}

// NewService wires a chat service. cache and ext may be nil; both are
// optional accelerations, not dependencies.
func NewService(db Store, llmClient Completer, engine Retriever, cache ContextCache, ext Enricher, config Config) *Service {
	config.fillDefaults()
	return &Service{
		db:        db,
		llmClient: llmClient,
		engine:    engine,
		cache:     cache,
		extractor: ext,
		config:    config,
	}
}

// EnsureSession returns the existing session or creates a fresh one when the
// id is empty or unknown. The second return reports whether it was created.
func (s *Service) EnsureSession(ctx context.Context, sessionID string) (*models.ChatSession, bool, error) {
	if sessionID != "" {
		session, err := s.db.GetSession(ctx, sessionID)
		if err == nil {
			return session, false, nil
		}
		if !errors.Is(err, sqlite.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to load session: %w", err)
		}
		logger.Warn("unknown session id, starting a new session", zap.String("session_id", sessionID))
	}

	session := &models.ChatSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.CreateSession(ctx, session); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return session, true, nil
}

// BuildContext runs hybrid retrieval for the message and formats the results
// into the reference block fed to the LLM. Document content is previewed, not
// included whole. Returns "" when retrieval finds nothing.
func (s *Service) BuildContext(ctx context.Context, message string) string {
	queryHash := utils.HashString(message)

	if s.cache != nil {
		if block, ok, err := s.cache.GetContext(ctx, queryHash); err != nil {
			logger.Warn("context cache read failed", zap.Error(err))
		} else if ok {
			return block
		}
	}

	results := s.engine.HybridRetrieve(ctx, message, s.config.TopK)
	block := s.formatContext(results)

	if s.cache != nil && block != "" {
		if err := s.cache.SetContext(ctx, queryHash, block); err != nil {
			logger.Warn("context cache write failed", zap.Error(err))
		}
	}

	return block
}

func (s *Service) formatContext(results []retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Reference context:\n")
	for _, r := range results {
		switch r.Type {
		case retrieval.TypeDocument:
			preview := r.Content
			if len(preview) > s.config.PreviewChars {
				preview = preview[:s.config.PreviewChars] + "..."
			}
			fmt.Fprintf(&b, "\n[Document] %s\n%s\n", r.Title, preview)
		case retrieval.TypeEntity:
			entityType, _ := r.Metadata["type"].(string)
			fmt.Fprintf(&b, "\n[%s] %s: %s\n", entityType, r.Name, r.Description)
		}
	}
	return b.String()
}

// Respond handles one non-streaming turn and returns the full reply.
func (s *Service) Respond(ctx context.Context, session *models.ChatSession, message string) (string, error) {
	req, err := s.prepareTurn(ctx, session, message)
	if err != nil {
		return "", err
	}

	reply, err := s.llmClient.Complete(ctx, *req)
	if err != nil {
		metrics.ChatRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("completion failed: %w", err)
	}

	s.finishTurn(session, message, reply)
	return reply, nil
}

// StreamRespond handles one turn, pushing each content delta to onDelta as it
// arrives. The user message is persisted before the completion starts, the
// assistant reply only after the stream ends, so a stream cut off mid-reply
// leaves the user's side of the turn in the transcript.
func (s *Service) StreamRespond(ctx context.Context, session *models.ChatSession, message string, onDelta func(delta string) error) (string, error) {
	req, err := s.prepareTurn(ctx, session, message)
	if err != nil {
		return "", err
	}

	reply, err := s.llmClient.StreamCompletion(ctx, *req, onDelta)
	if err != nil {
		metrics.ChatRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("streaming completion failed: %w", err)
	}

	s.finishTurn(session, message, reply)
	return reply, nil
}

// History returns the session's messages, oldest first.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	return s.db.SessionMessages(ctx, sessionID, limit)
}

// prepareTurn loads the recent conversation window, persists the user
// message, and assembles the completion request. The user message is stored
// before retrieval and completion run, so a failed completion never loses
// what the user said; a storage failure is logged and the turn proceeds.
func (s *Service) prepareTurn(ctx context.Context, session *models.ChatSession, message string) (*llm.CompletionRequest, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is empty")
	}

	history, err := s.db.RecentMessages(ctx, session.ID, historyLimit)
	if err != nil {
		logger.Warn("failed to load session history", zap.String("session_id", session.ID), zap.Error(err))
	}

	userMsg := &models.ChatMessage{SessionID: session.ID, Role: "user", Content: message, CreatedAt: time.Now()}
	if err := s.db.InsertMessage(ctx, userMsg); err != nil {
		logger.Error("failed to store user message",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}

	contextBlock := s.BuildContext(ctx, message)

	system := systemPrompt
	if contextBlock != "" {
		system = systemPrompt + "\n\n" + contextBlock
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: message})

	return &llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     messages,
	}, nil
}

// finishTurn persists the assistant reply and kicks off graph enrichment in
// the background. Runs off the request context so a closed connection does
// not abort the write.
func (s *Service) finishTurn(session *models.ChatSession, message, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	assistantMsg := &models.ChatMessage{SessionID: session.ID, Role: "assistant", Content: reply, CreatedAt: time.Now()}
	if err := s.db.InsertMessage(ctx, assistantMsg); err != nil {
		logger.Error("failed to store assistant message",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}

	metrics.ChatRequests.WithLabelValues("success").Inc()

	if s.extractor != nil {
		go s.enrichGraph(message + "\n" + reply)
	}
}

func (s *Service) enrichGraph(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s.extractor.ProcessText(ctx, text)

	if entities, err := s.db.CountEntities(ctx); err == nil {
		metrics.KGEntitiesTotal.Set(float64(entities))
	}
	if relationships, err := s.db.CountRelationships(ctx); err == nil {
		metrics.KGRelationshipsTotal.Set(float64(relationships))
	}
}
