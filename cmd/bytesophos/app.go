package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/chunker"
	"github.com/AILab-FOI/bytesophos/internal/config"
	"github.com/AILab-FOI/bytesophos/internal/embedder"
	"github.com/AILab-FOI/bytesophos/internal/extractor"
	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/internal/recorder"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/internal/vectorindex"
)

// shutdownTimeout bounds cleanup for one-shot commands.
const shutdownTimeout = 10 * time.Second

// app holds every service built from one configuration.
type app struct {
	cfg       *config.Config
	store     *storage.SQLiteStorage
	embedder  embedder.Embedder
	vectors   vectorindex.Index
	progress  *progress.Publisher
	snapshots *snapshot.Materializer
	indexer   *indexer.Indexer
	searcher  *searcher.Searcher
	recorder  *recorder.Recorder
	answers   *answer.Service
}

func newApp(c *config.Config) (*app, error) {
	if c.Storage.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(c.Storage.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(c.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	emb, err := embedder.New(embedder.Config{
		Provider:   c.Embedding.Provider,
		Model:      c.Embedding.Model,
		BaseURL:    c.Embedding.BaseURL,
		APIKey:     c.Embedding.APIKey,
		Dimension:  c.Embedding.Dimension,
		CacheSize:  c.Embedding.CacheSize,
		RateLimit:  c.Embedding.RateLimit,
		RateBurst:  c.Embedding.RateBurst,
		Timeout:    c.Embedding.Timeout,
		MaxRetries: c.Embedding.MaxRetries,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	vectors, err := vectorindex.New(vectorindex.Config{
		Backend:    c.VectorIndex.Backend,
		QdrantHost: c.VectorIndex.QdrantHost,
		QdrantPort: c.VectorIndex.QdrantPort,
		Collection: c.VectorIndex.Collection,
		APIKey:     c.VectorIndex.APIKey,
		UseTLS:     c.VectorIndex.UseTLS,
	}, store)
	if err != nil {
		_ = emb.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}

	retry := embedder.DefaultRetryConfig()
	if c.Embedding.MaxRetries > 0 {
		retry.MaxRetries = c.Embedding.MaxRetries
	}

	pub := progress.New()
	snaps := snapshot.New(c.Storage.SnapshotDir,
		snapshot.WithExtractLimits(c.Storage.MaxExtractBytes, c.Storage.MaxExtractFiles))
	idx := indexer.New(indexer.Deps{
		Storage:   store,
		Snapshots: snaps,
		Extractor: extractor.New(extractor.Config{
			MaxFileBytes: c.Extract.MaxFileBytes,
			SkipDirs:     c.Extract.SkipDirs,
		}),
		Chunker: chunker.New(
			chunker.WithMaxChars(c.Chunk.MaxChars),
			chunker.WithOverlap(c.Chunk.Overlap),
		),
		Embedder: embedder.NewBatchGenerator(emb, embedder.BatchConfig{
			BatchSize: c.Embedding.BatchSize,
			Workers:   c.Embedding.Workers,
			Retry:     retry,
		}),
		Vectors:  vectors,
		Progress: pub,
	}, indexer.Config{
		Workers:   c.Indexer.Workers,
		BatchSize: c.Indexer.BatchSize,
	})

	srch := searcher.NewSearcher(store, emb, vectors, searcher.Config{
		TopK:           c.Retrieval.TopK,
		CandidateLimit: c.Retrieval.CandidateLimit,
		VectorWeight:   c.Retrieval.VectorWeight,
		LexicalWeight:  c.Retrieval.LexicalWeight,
		CacheSize:      c.Retrieval.CacheSize,
		CacheTTL:       c.Retrieval.CacheTTL,
	})
	rec := recorder.New(store)

	completer := answer.NewChatClient(answer.ClientConfig{
		BaseURL:     c.Completion.BaseURL,
		APIKey:      c.Completion.APIKey,
		Model:       c.Completion.Model,
		Temperature: c.Completion.Temperature,
		Timeout:     c.Completion.Timeout,
	})
	answers := answer.NewService(srch, rec, completer, answer.Config{
		TopK:                c.Retrieval.TopK,
		MaxFiles:            c.Prompt.MaxFiles,
		MaxCharsPerFile:     c.Prompt.MaxCharsPerFile,
		HistoryTurns:        c.Prompt.HistoryTurns,
		ModelContextTokens:  c.Prompt.ModelContextTokens,
		HistoryBudgetFactor: c.Prompt.HistoryBudgetFactor,
		MinScore:            c.Prompt.MinScore,
	})

	return &app{
		cfg:       c,
		store:     store,
		embedder:  emb,
		vectors:   vectors,
		progress:  pub,
		snapshots: snaps,
		indexer:   idx,
		searcher:  srch,
		recorder:  rec,
		answers:   answers,
	}, nil
}

// recoverRuns fails runs a previous process left unfinished. Only the
// long-running commands call it, so a one-shot command never fails the run
// of a server sharing the database.
func (a *app) recoverRuns(ctx context.Context) error {
	_, err := a.indexer.FailInterruptedRuns(ctx)
	return err
}

// Close stops runs in flight and releases every resource.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.indexer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.progress.Close()
	if err := a.vectors.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.embedder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withApp builds the services, runs fn and closes them again.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}
