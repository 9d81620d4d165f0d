package embedder

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited throttles an Embedder with a token bucket. A 429 reply pauses
// every caller until the server's Retry-After has passed.
type RateLimited struct {
	Embedder

	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

// NewRateLimited wraps e with a limiter allowing requestsPerSecond with the
// given burst. A non-positive rate returns e unchanged.
func NewRateLimited(e Embedder, requestsPerSecond float64, burst int) Embedder {
	if requestsPerSecond <= 0 {
		return e
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		Embedder: e,
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (r *RateLimited) wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return r.limiter.Wait(ctx)
}

func (r *RateLimited) observe(err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		return
	}
	backoff := apiErr.RetryAfter
	if backoff <= 0 {
		backoff = time.Second
	}
	r.mu.Lock()
	if until := time.Now().Add(backoff); until.After(r.retryAt) {
		r.retryAt = until
	}
	r.mu.Unlock()
}

func (r *RateLimited) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	emb, err := r.Embedder.GenerateEmbedding(ctx, req)
	r.observe(err)
	return emb, err
}

func (r *RateLimited) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := r.Embedder.GenerateBatch(ctx, req)
	r.observe(err)
	return resp, err
}
