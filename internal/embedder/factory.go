package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimension  int
	CacheSize  int
	RateLimit  float64 // requests per second, 0 disables
	RateBurst  int
	Timeout    time.Duration
	MaxRetries int
}

// New creates an embedder with explicit configuration. Network providers
// are wrapped with the rate limiter when RateLimit > 0.
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	pc := ProviderConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
		Retry:     retry,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		p, err := NewJinaProvider(pc, cache)
		if err != nil {
			return nil, err
		}
		return NewRateLimited(p, cfg.RateLimit, cfg.RateBurst), nil
	case ProviderOpenAI:
		p, err := NewOpenAIProvider(pc, cache)
		if err != nil {
			return nil, err
		}
		return NewRateLimited(p, cfg.RateLimit, cfg.RateBurst), nil
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension, cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
