// Package redis caches assembled retrieval context blocks so repeated
// questions skip the embedding and graph round trips. The cache is optional:
// the server runs identically with it disabled, only slower on repeats.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetContext caches the retrieval context block assembled for a query hash.
func (c *Client) SetContext(ctx context.Context, queryHash, contextBlock string) error {
	err := c.client.Set(ctx, fmt.Sprintf("context:%s", queryHash), contextBlock, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set context cache: %w", err)
	}

	logger.Debug("Retrieval context cached", zap.String("query_hash", queryHash))
	return nil
}

func (c *Client) GetContext(ctx context.Context, queryHash string) (string, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("context:%s", queryHash)).Result()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("context").Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get context cache: %w", err)
	}

	metrics.CacheHits.WithLabelValues("context").Inc()
	logger.Debug("Retrieval context cache hit", zap.String("query_hash", queryHash))
	return data, true, nil
}

// SetResults caches serialized search results keyed by query hash.
func (c *Client) SetResults(ctx context.Context, queryHash string, results interface{}) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("results:%s", queryHash), data, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set results cache: %w", err)
	}

	logger.Debug("Search results cached", zap.String("query_hash", queryHash))
	return nil
}

func (c *Client) GetResults(ctx context.Context, queryHash string, results interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("results:%s", queryHash)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("results").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get results cache: %w", err)
	}

	if err := json.Unmarshal(data, results); err != nil {
		return false, fmt.Errorf("failed to unmarshal results: %w", err)
	}

	metrics.CacheHits.WithLabelValues("results").Inc()
	logger.Debug("Search results cache hit", zap.String("query_hash", queryHash))
	return true, nil
}

// Invalidate drops cached contexts and results. Called after document
// ingestion so new material reaches the next query immediately.
func (c *Client) Invalidate(ctx context.Context) error {
	for _, pattern := range []string{"context:*", "results:*"} {
		iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				logger.Warn("Failed to delete cache key", zap.Error(err))
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to iterate cache keys: %w", err)
		}
	}

	logger.Info("Retrieval cache invalidated")
	return nil
}
