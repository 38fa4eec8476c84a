package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/retry"
)

// RetryingGenerator retries transient generation failures.
type RetryingGenerator struct {
	next   Generator
	policy retry.Policy
	logger *zap.Logger
}

// NewRetryingGenerator wraps next with the given retry policy.
func NewRetryingGenerator(next Generator, policy retry.Policy, logger *zap.Logger) *RetryingGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingGenerator{next: next, policy: policy, logger: logger}
}

// Generate implements Generator.
func (g *RetryingGenerator) Generate(ctx context.Context, req Request) (string, error) {
	return retry.Do(ctx, g.policy, g.logger, "generate:"+req.Profile.Name, func(ctx context.Context) (string, error) {
		return g.next.Generate(ctx, req)
	})
}

// RetryingEmbedder retries transient embedding failures.
type RetryingEmbedder struct {
	next   Embedder
	policy retry.Policy
	logger *zap.Logger
}

// NewRetryingEmbedder wraps next with the given retry policy.
func NewRetryingEmbedder(next Embedder, policy retry.Policy, logger *zap.Logger) *RetryingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingEmbedder{next: next, policy: policy, logger: logger}
}

// Embed implements Embedder.
func (e *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry.Do(ctx, e.policy, e.logger, "embed", func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

// CachedEmbedder memoizes embeddings by text digest. Reflect queries and label
// lookups repeat often enough that caching saves a round trip per call.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder caches up to maxItems embeddings in front of next.
func NewCachedEmbedder(next Embedder, maxItems int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := digest(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var (
	_ Generator = (*RetryingGenerator)(nil)
	_ Embedder  = (*RetryingEmbedder)(nil)
	_ Embedder  = (*CachedEmbedder)(nil)
)
