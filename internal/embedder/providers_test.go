package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// newEmbeddingsServer answers /embeddings with vectors [len(text), index]
// listed in reverse order, so callers must sort by index.
func newEmbeddingsServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"index":     i,
				"embedding": []float32{float32(len(req.Input[i])), float32(i)},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"model": "served-" + req.Model, "data": data})
	}))
}

func testProviderConfig(url string) ProviderConfig {
	return ProviderConfig{
		APIKey:  "test-key",
		BaseURL: url + "/v1",
		Model:   "test-model",
		Retry:   RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	}
}

func TestAPIProvider_BatchOrderingAndTags(t *testing.T) {
	var calls int32
	server := newEmbeddingsServer(t, &calls)
	defer server.Close()

	p, err := NewOpenAIProvider(testProviderConfig(server.URL), NewCache(10))
	require.NoError(t, err)
	defer p.Close()

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "bbb", "cc"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)
	assert.Equal(t, []float32{1, 0}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{3, 1}, resp.Embeddings[1].Vector)
	assert.Equal(t, []float32{2, 2}, resp.Embeddings[2].Vector)
	for _, e := range resp.Embeddings {
		assert.Equal(t, "test-model", e.Model, "vectors carry the configured model")
		assert.Equal(t, ProviderOpenAI, e.Provider)
	}
}

func TestAPIProvider_CacheSkipsCalls(t *testing.T) {
	var calls int32
	server := newEmbeddingsServer(t, &calls)
	defer server.Close()

	p, err := NewJinaProvider(testProviderConfig(server.URL), NewCache(10))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "cached"})
	require.NoError(t, err)
	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "cached"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"cached", "fresh"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []float32{6, 0}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{5, 0}, resp.Embeddings[1].Vector, "only the miss was sent")
}

func TestAPIProvider_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1}}},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(testProviderConfig(server.URL), nil)
	require.NoError(t, err)

	emb, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, emb.Vector)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAPIProvider_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(testProviderConfig(server.URL), nil)
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailed)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAPIProvider_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1}}},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(testProviderConfig(server.URL), nil)
	require.NoError(t, err)

	_, err = p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrCountMismatch)
}

func TestRetryWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after transient error", func(t *testing.T) {
		calls := 0
		got, err := retryWithBackoff(context.Background(), cfg, func() (string, error) {
			calls++
			if calls < 2 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 2, calls)
	})

	t.Run("exponential backoff timing", func(t *testing.T) {
		calls := 0
		start := time.Now()
		_, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
			calls++
			return 0, errors.New("always")
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.GreaterOrEqual(t, time.Since(start).Milliseconds(), int64(30))
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := retryWithBackoff(ctx, cfg, func() (int, error) {
			calls++
			cancel()
			return 0, errors.New("fail")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}

func TestIsConfigError(t *testing.T) {
	assert.True(t, IsConfigError(&APIError{StatusCode: http.StatusUnauthorized}))
	assert.True(t, IsConfigError(fmt.Errorf("wrapped: %w", &APIError{StatusCode: http.StatusNotFound})))
	assert.True(t, IsConfigError(ErrUnsupportedModel))
	assert.False(t, IsConfigError(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsConfigError(errors.New("connection reset")))
	assert.False(t, IsConfigError(nil))
}
