package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/printcal/backend/pkg/circuitbreaker"
	"github.com/printcal/backend/pkg/logger"
	"github.com/printcal/backend/pkg/retry"
)

// Client wraps the OpenAI API for completions and embeddings. All calls go
// through a circuit breaker and a retry policy; embedding input is truncated
// to maxInputChars before submission so oversized documents cannot blow the
// model's token budget.
type Client struct {
	client        *openai.Client
	model         string
	embedModel    string
	temperature   float32
	maxTokens     int
	maxInputChars int
	cb            *circuitbreaker.Breaker
	retryConfig   retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewClient(apiKey, model, embedModel string, temperature float32, maxTokens, maxInputChars int) *Client {
	if maxInputChars <= 0 {
		maxInputChars = 8000
	}

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embedModel),
	)

	return &Client{
		client:        openai.NewClient(apiKey),
		model:         model,
		embedModel:    embedModel,
		temperature:   temperature,
		maxTokens:     maxTokens,
		maxInputChars: maxInputChars,
		cb:            cb,
		retryConfig:   retryConfig,
	}
}

// Complete returns a single non-streaming completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	chatReq := c.buildRequest(req)

	var content string
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return content, nil
}

// CompleteStream opens a streaming completion. The caller owns the returned
// stream and must Close it. No retry here: a broken stream mid-flight cannot
// be transparently resumed.
func (c *Client) CompleteStream(ctx context.Context, req CompletionRequest) (*openai.ChatCompletionStream, error) {
	chatReq := c.buildRequest(req)
	chatReq.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion stream: %w", err)
	}
	return stream, nil
}

// StreamCompletion opens a streaming completion and pushes each content delta
// to onDelta as it arrives, returning the assembled reply once the stream
// ends cleanly.
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (string, error) {
	stream, err := c.CompleteStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream read failed: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", fmt.Errorf("client write failed: %w", err)
		}
	}
	return reply.String(), nil
}

func (c *Client) buildRequest(req CompletionRequest) openai.ChatCompletionRequest {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return chatReq
}

// EmbedText converts text into a fixed-dimensionality vector. Errors
// propagate to the caller; ingestion paths treat a failure as "unembedded"
// while query paths surface it.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	input := truncate(text, c.maxInputChars)

	var embedding []float32
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{input},
				Model: openai.EmbeddingModel(c.embedModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response was empty")
			}

			embedding = append([]float32(nil), resp.Data[0].Embedding...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

// EmbedBatch embeds several texts in API-sized batches, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	const batchSize = 100

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, 0, end-start)
		for _, t := range texts[start:end] {
			batch = append(batch, truncate(t, c.maxInputChars))
		}

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embedModel),
				})
				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(batch))
				}

				for _, d := range resp.Data {
					embeddings = append(embeddings, append([]float32(nil), d.Embedding...))
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
