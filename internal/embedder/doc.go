// Package embedder generates vector embeddings for chunks and queries.
//
// # Providers
//
//   - openai: any OpenAI compatible /embeddings endpoint (base URL and model
//     are configurable, so self-hosted servers work too)
//   - jina: Jina AI, which speaks the same wire format
//   - local: deterministic feature-hashed vectors, no network, used offline
//     and in tests
//
// Every Embedding carries the provider and model it came from. Storage and
// search compare vectors only within one model.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{
//	    Provider:  "openai",
//	    APIKey:    key,
//	    CacheSize: 10000,
//	    RateLimit: 5,
//	})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "how are uploads extracted?",
//	})
//
// # Batches
//
// BatchGenerator splits a large input into batches, runs them with bounded
// concurrency and falls back to per-item requests (with exponential
// backoff) when a batch fails:
//
//	gen := embedder.NewBatchGenerator(emb, embedder.BatchConfig{BatchSize: 16, Workers: 4})
//	results, err := gen.Embed(ctx, texts)
//	if err != nil {
//	    return err // ctx ended
//	}
//	for i, r := range results {
//	    if r.Err != nil {
//	        // texts[i] failed on its own; the others are unaffected
//	    }
//	}
//
// # Caching and Rate Limits
//
// Providers consult an LRU cache keyed by model and text hash before calling
// out. Network providers can be wrapped with NewRateLimited, a token bucket
// that also honors Retry-After on 429 replies.
package embedder
