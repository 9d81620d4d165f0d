package embedder

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrBatchTooLarge     = errors.New("batch size exceeds limit")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
	ErrCountMismatch     = errors.New("provider returned wrong number of embeddings")
)

// Embedding is one vector together with the provider and model that
// produced it. Vectors from different models are never compared.
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text string
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
}

// BatchEmbeddingResponse represents a batch response
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts in one call.
	// The response holds exactly one embedding per input text, in order.
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model every vector is tagged with
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// cacheKey identifies a text embedded by a given model. Storing the digest
// instead of the text keeps large chunks out of the cache.
type cacheKey struct {
	model  string
	digest [sha256.Size]byte
}

func keyFor(model, text string) cacheKey {
	return cacheKey{model: model, digest: sha256.Sum256([]byte(text))}
}

// Cache is an in-memory LRU of embeddings, scoped per model.
type Cache struct {
	entries *lru.Cache[cacheKey, []float32]
}

// NewCache returns a cache holding at most maxLen vectors (10000 when
// maxLen is not positive).
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000
	}
	entries, err := lru.New[cacheKey, []float32](maxLen)
	if err != nil {
		entries, _ = lru.New[cacheKey, []float32](10000)
	}
	return &Cache{entries: entries}
}

// Lookup returns a copy of the vector model produced for text, if cached.
func (c *Cache) Lookup(model, text string) ([]float32, bool) {
	v, ok := c.entries.Get(keyFor(model, text))
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Store records the vector model produced for text.
func (c *Cache) Store(model, text string, vector []float32) {
	c.entries.Add(keyFor(model, text), vector)
}

// Len reports how many vectors are cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached vector.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// ValidateRequest validates an embedding request
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if len(req.Texts) > MaxBatchSize {
		return fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	for i, text := range req.Texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}

	return nil
}
