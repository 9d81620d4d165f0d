package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AILab-FOI/bytesophos/internal/logging"
)

// Result is the outcome for one input text of BatchGenerator.Embed.
type Result struct {
	Embedding *Embedding
	Err       error
}

// BatchConfig tunes a BatchGenerator.
type BatchConfig struct {
	BatchSize int
	Workers   int
	Retry     RetryConfig
}

// BatchGenerator embeds many texts with bounded concurrency. A failing
// batch is retried item by item so one bad text cannot sink its siblings.
type BatchGenerator struct {
	embedder  Embedder
	batchSize int
	workers   int
	retry     RetryConfig
	logger    *slog.Logger
}

// NewBatchGenerator creates a BatchGenerator around e.
func NewBatchGenerator(e Embedder, cfg BatchConfig) *BatchGenerator {
	g := &BatchGenerator{
		embedder:  e,
		batchSize: cfg.BatchSize,
		workers:   cfg.Workers,
		retry:     cfg.Retry,
		logger:    logging.NewModuleLogger("embedder", "batch"),
	}
	if g.batchSize <= 0 {
		g.batchSize = DefaultBatchSize
	}
	if g.batchSize > MaxBatchSize {
		g.batchSize = MaxBatchSize
	}
	if g.workers <= 0 {
		g.workers = 1
	}
	if g.retry.MaxRetries <= 0 {
		g.retry = DefaultRetryConfig()
	}
	return g
}

// Embedder returns the wrapped embedder.
func (g *BatchGenerator) Embedder() Embedder { return g.embedder }

// Model returns the model tag of the wrapped embedder.
func (g *BatchGenerator) Model() string { return g.embedder.Model() }

// Embed returns one Result per text, in input order. The returned error is
// non-nil only when ctx ends.
func (g *BatchGenerator) Embed(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)

	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		if err := egctx.Err(); err != nil {
			break
		}
		eg.Go(func() error {
			return g.embedRange(egctx, texts, results, start, end)
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (g *BatchGenerator) embedRange(ctx context.Context, texts []string, results []Result, start, end int) error {
	var (
		batch []string
		index []int
	)
	for i := start; i < end; i++ {
		if texts[i] == "" {
			results[i] = Result{Err: ErrEmptyText}
			continue
		}
		batch = append(batch, texts[i])
		index = append(index, i)
	}
	if len(batch) == 0 {
		return nil
	}

	resp, err := g.embedder.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: batch})
	if err == nil && len(resp.Embeddings) == len(batch) {
		for j, emb := range resp.Embeddings {
			results[index[j]] = Result{Embedding: emb}
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = fmt.Errorf("%w: sent %d, got %d", ErrCountMismatch, len(batch), len(resp.Embeddings))
	}
	g.logger.Warn("batch embedding failed, retrying items individually",
		"batch_start", start, "batch_size", len(batch), "error", err)

	for j, text := range batch {
		emb, itemErr := retryWithBackoff(ctx, g.retry, func() (*Embedding, error) {
			return g.embedder.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		results[index[j]] = Result{Embedding: emb, Err: itemErr}
	}
	return nil
}
