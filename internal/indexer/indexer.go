package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/AILab-FOI/bytesophos/internal/chunker"
	"github.com/AILab-FOI/bytesophos/internal/embedder"
	"github.com/AILab-FOI/bytesophos/internal/extractor"
	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/internal/vectorindex"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

const (
	defaultBatchSize = 20

	// embedWindow is how many chunks are embedded and stored per step of
	// the embedding phase.
	embedWindow = 256

	// InterruptedMessage is recorded on runs found unfinished at startup.
	InterruptedMessage = "interrupted"

	// failureCacheSize bounds how many failed runs keep their original
	// error for Wait.
	failureCacheSize = 256
)

// Config contains configuration for the indexer
type Config struct {
	Workers   int // Concurrent extraction workers (default: runtime.NumCPU())
	BatchSize int // Documents written per transaction (default: 20)
}

// Deps are the collaborators of an Indexer. Storage, Embedder and Progress
// are required; the rest default to a plain configuration.
type Deps struct {
	Storage   storage.Storage
	Snapshots *snapshot.Materializer
	Extractor *extractor.Extractor
	Chunker   *chunker.Chunker
	Embedder  *embedder.BatchGenerator
	Vectors   vectorindex.Index
	Progress  *progress.Publisher
}

// Request describes what to ingest. An empty RepoID creates a new
// repository with a generated id.
type Request struct {
	RepoID      string
	Kind        storage.SourceKind
	URI         string // git URL, stored archive path or local directory
	DisplayName string
	OwnerID     string
	Shared      bool
	Force       bool // re-embed documents whose checksum did not change
}

// Indexer runs the ingestion pipeline:
// materialize -> extract -> chunk -> embed -> index -> commit.
// At most one run per repository is active at a time.
type Indexer struct {
	storage   storage.Storage
	snapshots *snapshot.Materializer
	extractor *extractor.Extractor
	chunker   *chunker.Chunker
	embedder  *embedder.BatchGenerator
	vectors   vectorindex.Index
	progress  *progress.Publisher

	workers   int
	batchSize int

	locks    *repoLocks
	failures *lru.Cache[int64, error]
	logger   *slog.Logger
}

// Statistics counts what one run did.
type Statistics struct {
	DocumentsTotal   int
	DocumentsSkipped int
	DocumentsFailed  int
	DocumentsCarried int
	ChunksCreated    int
	EmbeddingsFailed int
}

// Summary is the message published when a run completes.
func (s Statistics) Summary() string {
	indexed := s.DocumentsTotal - s.DocumentsSkipped - s.DocumentsFailed
	return fmt.Sprintf("Indexed %d documents (%d skipped, %d failed, %d embedding failures)",
		indexed, s.DocumentsSkipped, s.DocumentsFailed, s.EmbeddingsFailed)
}

// New creates a new Indexer instance
func New(deps Deps, cfg Config) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if deps.Extractor == nil {
		deps.Extractor = extractor.New(extractor.Config{})
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New()
	}
	if deps.Vectors == nil {
		deps.Vectors = vectorindex.NewSQLite(deps.Storage)
	}
	failures, _ := lru.New[int64, error](failureCacheSize)
	return &Indexer{
		storage:   deps.Storage,
		snapshots: deps.Snapshots,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		vectors:   deps.Vectors,
		progress:  deps.Progress,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		locks:     newRepoLocks(),
		failures:  failures,
		logger:    logging.NewModuleLogger("indexer", "orchestrator"),
	}
}

// Start begins an ingestion run in the background and returns the queued
// run. It fails with types.ErrIngestionInProgress when the repository is
// already being ingested or deleted.
func (idx *Indexer) Start(ctx context.Context, req Request) (*storage.Run, error) {
	if req.RepoID == "" {
		req.RepoID = uuid.NewString()
	}
	if req.Kind == storage.SourceGit {
		if err := snapshot.ValidateGitURL(req.URI); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lock, ok := idx.locks.tryAcquire(req.RepoID, cancel)
	if !ok {
		cancel()
		return nil, types.ErrIngestionInProgress
	}

	repo, run, err := idx.prepare(ctx, req)
	if err != nil {
		cancel()
		idx.locks.release(req.RepoID, lock, err)
		return nil, err
	}

	idx.progress.Begin(repo.ID, run.ID)
	idx.logger.Info("ingestion queued", "repo_id", repo.ID, "run_id", run.ID, "source", repo.SourceKind)

	queued := *run
	go func() {
		defer cancel()
		err := idx.execute(runCtx, repo, run)
		idx.locks.release(repo.ID, lock, err)
	}()
	return &queued, nil
}

// Ingest runs an ingestion to completion and returns the final run.
func (idx *Indexer) Ingest(ctx context.Context, req Request) (*storage.Run, error) {
	run, err := idx.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return idx.Wait(ctx, run.RepositoryID, run.ID)
}

// Wait blocks until runID of repoID finishes and returns its final state.
// The error is the failure of the run, if it failed. Runs that failed in
// this process return the original error, so errors.Is works on it; older
// failures only have the stored message.
func (idx *Indexer) Wait(ctx context.Context, repoID string, runID int64) (*storage.Run, error) {
	if l := idx.locks.holder(repoID); l != nil {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
	}
	run, err := idx.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State == types.RunError {
		if cause, ok := idx.failures.Get(run.ID); ok {
			return run, cause
		}
		return run, errors.New(run.Error)
	}
	return run, nil
}

// Reindex re-runs ingestion from the repository's stored source.
func (idx *Indexer) Reindex(ctx context.Context, repoID string, force bool) (*storage.Run, error) {
	repo, err := idx.storage.GetRepository(ctx, repoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.ErrRepositoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return idx.Start(ctx, Request{
		RepoID:      repo.ID,
		Kind:        repo.SourceKind,
		URI:         repo.SourceURI,
		DisplayName: repo.DisplayName,
		OwnerID:     repo.OwnerID,
		Shared:      repo.IsShared,
		Force:       force,
	})
}

// prepare creates or updates the repository row, discards what an aborted
// run left behind and records a new queued run.
func (idx *Indexer) prepare(ctx context.Context, req Request) (*storage.Repository, *storage.Run, error) {
	repo, err := idx.storage.GetRepository(ctx, req.RepoID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if req.Kind == "" {
			return nil, nil, types.ErrRepositoryNotFound
		}
		repo = &storage.Repository{
			ID:          req.RepoID,
			OwnerID:     req.OwnerID,
			SourceKind:  req.Kind,
			SourceURI:   req.URI,
			DisplayName: snapshot.DisplayName(req.Kind, req.URI, req.DisplayName),
			IsShared:    req.Shared,
		}
		if err := idx.storage.CreateRepository(ctx, repo); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	default:
		if req.Kind != "" {
			repo.SourceKind = req.Kind
			repo.SourceURI = req.URI
		}
		if req.DisplayName != "" {
			repo.DisplayName = req.DisplayName
		}
		if err := idx.storage.UpdateRepository(ctx, repo); err != nil {
			return nil, nil, err
		}
	}

	purged, err := idx.storage.PrepareRun(ctx, repo.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to prepare run: %w", err)
	}
	idx.dropVectors(ctx, purged)

	run := &storage.Run{RepositoryID: repo.ID, Force: req.Force}
	if err := idx.storage.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}
	return repo, run, nil
}

// execute drives one run to done or error.
func (idx *Indexer) execute(ctx context.Context, repo *storage.Repository, run *storage.Run) error {
	start := time.Now()
	stats, err := idx.ingest(ctx, repo, run)
	if err != nil {
		idx.fail(run, stats, err)
		return err
	}
	idx.logger.Info("ingestion complete",
		"repo_id", repo.ID,
		"run_id", run.ID,
		"documents", stats.DocumentsTotal,
		"skipped", stats.DocumentsSkipped,
		"failed", stats.DocumentsFailed,
		"carried", stats.DocumentsCarried,
		"chunks", stats.ChunksCreated,
		"embedding_failures", stats.EmbeddingsFailed,
		"duration", time.Since(start))
	return nil
}

func (idx *Indexer) ingest(ctx context.Context, repo *storage.Repository, run *storage.Run) (*Statistics, error) {
	stats := &Statistics{}

	root, err := idx.uploadPhase(ctx, repo, run, stats)
	if err != nil {
		return stats, err
	}
	idx.logger.Debug("snapshot extracted", "repo_id", repo.ID, "root", root)

	if err := idx.embeddingPhase(ctx, repo, run, stats); err != nil {
		return stats, err
	}
	if err := idx.indexingPhase(ctx, repo, run, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// fail records a fatal error on the run. The run context may already be
// cancelled, so the write uses a fresh one.
func (idx *Indexer) fail(run *storage.Run, stats *Statistics, cause error) {
	now := time.Now().UTC()
	run.State = types.RunError
	run.Error = cause.Error()
	run.FinishedAt = &now
	idx.failures.Add(run.ID, cause)
	stats.apply(run)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := idx.storage.UpdateRun(ctx, run); err != nil {
		idx.logger.Error("failed to record run failure", "run_id", run.ID, "error", err)
	}
	idx.progress.Update(progress.Update{
		RepoID: run.RepositoryID,
		RunID:  run.ID,
		State:  types.RunError,
		Error:  run.Error,
	})
	idx.logger.Error("ingestion failed", "repo_id", run.RepositoryID, "run_id", run.ID, "error", cause)
}

func (s *Statistics) apply(run *storage.Run) {
	run.DocumentsTotal = s.DocumentsTotal
	run.DocumentsSkipped = s.DocumentsSkipped
	run.DocumentsFailed = s.DocumentsFailed
	run.ChunksTotal = s.ChunksCreated
	run.EmbeddingsFailed = s.EmbeddingsFailed
}

// enter moves the run into state and publishes the phase total.
func (idx *Indexer) enter(ctx context.Context, run *storage.Run, state types.RunState, total int) error {
	run.State = state
	if err := idx.storage.UpdateRun(ctx, run); err != nil {
		return err
	}
	idx.progress.Update(progress.Update{
		RepoID: run.RepositoryID,
		RunID:  run.ID,
		State:  state,
		Total:  total,
	})
	return nil
}

func (idx *Indexer) report(run *storage.Run, state types.RunState, processed int, msg string) {
	idx.progress.Update(progress.Update{
		RepoID:    run.RepositoryID,
		RunID:     run.ID,
		State:     state,
		Processed: processed,
		Message:   msg,
	})
}

// pendingDoc is a snapshot file read and chunked outside any transaction.
type pendingDoc struct {
	doc    *extractor.Document
	chunks []types.Chunk
	err    error
}

// uploadPhase materializes the snapshot and writes a new version for every
// changed file. Unchanged files are carried over; current documents not
// carried over are retired.
func (idx *Indexer) uploadPhase(ctx context.Context, repo *storage.Repository, run *storage.Run, stats *Statistics) (string, error) {
	if err := idx.enter(ctx, run, types.RunUploading, 0); err != nil {
		return "", err
	}

	root, err := idx.materialize(ctx, repo, run)
	if err != nil {
		return "", err
	}

	candidates, err := idx.extractor.Scan(root)
	if err != nil {
		return "", err
	}
	stats.DocumentsTotal = len(candidates)
	idx.progress.Update(progress.Update{
		RepoID: repo.ID,
		RunID:  run.ID,
		State:  types.RunUploading,
		Total:  len(candidates),
	})

	current, err := idx.storage.ListCurrentDocuments(ctx, repo.ID)
	if err != nil {
		return "", err
	}
	byPath := make(map[string]*storage.Document, len(current))
	for _, d := range current {
		byPath[d.Path] = d
	}

	var (
		mu       sync.Mutex
		carried  = make(map[string]bool)
		done     atomic.Int64
		skipped  atomic.Int64
		failed   atomic.Int64
		chunks   atomic.Int64
		model    = idx.embedder.Model()
		g, gctx  = errgroup.WithContext(ctx)
	)
	g.SetLimit(idx.workers)

	for i := 0; i < len(candidates); i += idx.batchSize {
		batch := candidates[i:min(i+idx.batchSize, len(candidates))]
		g.Go(func() error {
			var pending []pendingDoc
			for _, c := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				doc, err := idx.extractor.Read(c)
				switch {
				case err != nil:
					failed.Add(1)
					pending = append(pending, pendingDoc{doc: &extractor.Document{Path: c.Path, SizeBytes: c.Size}, err: err})
				case doc.Skipped:
					skipped.Add(1)
					idx.logger.Debug("skipping document", "path", doc.Path, "reason", doc.SkipReason)
				case unchanged(byPath[doc.Path], doc, model, run.Force):
					mu.Lock()
					carried[doc.Path] = true
					mu.Unlock()
				default:
					pending = append(pending, pendingDoc{doc: doc, chunks: idx.chunker.Split(doc.Content, doc.Language)})
				}
			}

			n, err := idx.writeBatch(gctx, repo.ID, run.ID, model, pending)
			if err != nil {
				return err
			}
			chunks.Add(int64(n))
			idx.report(run, types.RunUploading, int(done.Add(int64(len(batch)))), "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	stats.DocumentsSkipped = int(skipped.Load())
	stats.DocumentsFailed = int(failed.Load())
	stats.DocumentsCarried = len(carried)
	stats.ChunksCreated = int(chunks.Load())

	if err := idx.retireMissing(ctx, run.ID, current, carried); err != nil {
		return "", err
	}
	return root, nil
}

func (idx *Indexer) materialize(ctx context.Context, repo *storage.Repository, run *storage.Run) (string, error) {
	if idx.snapshots == nil {
		if repo.SourceKind != storage.SourceLocal {
			return "", fmt.Errorf("no snapshot directory configured for %s sources", repo.SourceKind)
		}
		return repo.SourceURI, nil
	}
	root, err := idx.snapshots.Materialize(ctx, repo.ID, repo.SourceKind, repo.SourceURI, func(msg string) {
		idx.report(run, types.RunUploading, 0, msg)
	})
	if err != nil {
		return "", err
	}
	if repo.StoragePath != root {
		repo.StoragePath = root
		if err := idx.storage.UpdateRepository(ctx, repo); err != nil {
			return "", err
		}
	}
	return root, nil
}

// unchanged reports whether cur can be carried into the new snapshot as is.
func unchanged(cur *storage.Document, doc *extractor.Document, model string, force bool) bool {
	return cur != nil && !force &&
		cur.Status == storage.DocumentIngested &&
		cur.Checksum == doc.Checksum &&
		cur.EmbeddingModel == model
}

// writeBatch stores new document versions and their chunks in one
// transaction. Returns the number of chunks written.
func (idx *Indexer) writeBatch(ctx context.Context, repoID string, runID int64, model string, pending []pendingDoc) (int, error) {
	if len(pending) == 0 {
		return 0, nil
	}

	tx, err := idx.storage.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, p := range pending {
		doc := &storage.Document{
			RepositoryID:   repoID,
			Path:           p.doc.Path,
			Checksum:       p.doc.Checksum,
			SizeBytes:      p.doc.SizeBytes,
			Language:       p.doc.Language,
			ContentKind:    p.doc.ContentKind,
			EmbeddingModel: model,
			CreatedRun:     runID,
		}
		if p.err != nil {
			doc.Status = storage.DocumentError
			doc.Error = p.err.Error()
		}
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return 0, err
		}
		if p.err != nil {
			continue
		}
		if _, err := tx.UpsertChunks(ctx, doc.ID, p.chunks); err != nil {
			return 0, err
		}
		written += len(p.chunks)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return written, nil
}

// retireMissing retires every current document that was not carried over:
// replaced, removed from the snapshot or now skipped.
func (idx *Indexer) retireMissing(ctx context.Context, runID int64, current []*storage.Document, carried map[string]bool) error {
	return idx.storage.RunInTx(ctx, func(tx storage.Tx) error {
		for _, d := range current {
			if carried[d.Path] {
				continue
			}
			if err := tx.RetireDocument(ctx, d.ID, runID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// embeddingPhase embeds every chunk created by the run. Chunk failures are
// stored on the chunk and counted; provider misconfiguration fails the run.
func (idx *Indexer) embeddingPhase(ctx context.Context, repo *storage.Repository, run *storage.Run, stats *Statistics) error {
	missing, err := idx.storage.ListChunksMissingEmbedding(ctx, repo.ID, run.ID)
	if err != nil {
		return err
	}
	if err := idx.enter(ctx, run, types.RunEmbedding, len(missing)); err != nil {
		return err
	}

	model := idx.embedder.Model()
	processed := 0
	for start := 0; start < len(missing); start += embedWindow {
		window := missing[start:min(start+embedWindow, len(missing))]
		texts := make([]string, len(window))
		for i, c := range window {
			texts[i] = c.Content
		}

		results, err := idx.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if err := fatalEmbedding(results); err != nil {
			return fmt.Errorf("embedding provider rejected requests: %w", err)
		}

		failures := 0
		err = idx.storage.RunInTx(ctx, func(tx storage.Tx) error {
			failures = 0
			for i, r := range results {
				if r.Err != nil {
					failures++
					if err := tx.SetChunkEmbeddingError(ctx, window[i].ID, r.Err.Error()); err != nil {
						return err
					}
					continue
				}
				if err := tx.SetChunkEmbedding(ctx, window[i].ID, r.Embedding.Vector, model); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if failures > 0 {
			idx.logger.Warn("chunks failed to embed", "repo_id", repo.ID, "count", failures)
		}
		stats.EmbeddingsFailed += failures
		processed += len(window)
		idx.report(run, types.RunEmbedding, processed, "")
	}
	return nil
}

// fatalEmbedding returns the provider error when every result of a window
// failed because the provider refuses our configuration.
func fatalEmbedding(results []embedder.Result) error {
	if len(results) == 0 {
		return nil
	}
	for _, r := range results {
		if r.Err == nil || !embedder.IsConfigError(r.Err) {
			return nil
		}
	}
	return results[0].Err
}

// indexingPhase makes every document of the run searchable and commits the
// run as the repository's snapshot.
func (idx *Indexer) indexingPhase(ctx context.Context, repo *storage.Repository, run *storage.Run, stats *Statistics) error {
	docs, err := idx.storage.ListRunDocuments(ctx, repo.ID, run.ID)
	if err != nil {
		return err
	}
	if err := idx.enter(ctx, run, types.RunIndexing, len(docs)); err != nil {
		return err
	}

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if doc.Status != storage.DocumentError {
			if err := idx.indexDocument(ctx, repo.ID, doc); err != nil {
				return err
			}
		}
		idx.report(run, types.RunIndexing, i+1, "")
	}

	now := time.Now().UTC()
	run.State = types.RunDone
	run.FinishedAt = &now
	stats.apply(run)

	var purged []int64
	err = idx.storage.RunInTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		purged, err = tx.CommitRun(ctx, repo.ID, run.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	idx.dropVectors(ctx, purged)

	idx.progress.Update(progress.Update{
		RepoID:  repo.ID,
		RunID:   run.ID,
		State:   types.RunDone,
		Message: stats.Summary(),
	})
	return nil
}

// indexDocument pushes the document's embeddings to the vector backend,
// then fills the lexical index and marks it ingested in one transaction.
func (idx *Indexer) indexDocument(ctx context.Context, repoID string, doc *storage.Document) error {
	chunks, err := idx.storage.ListChunksByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	points := make([]vectorindex.Point, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		points = append(points, vectorindex.Point{
			ChunkID:    c.ID,
			DocumentID: doc.ID,
			RepoID:     repoID,
			Model:      c.EmbeddingModel,
			CreatedRun: doc.CreatedRun,
			Vector:     c.Embedding,
		})
	}
	if len(points) > 0 {
		if err := idx.vectors.Upsert(ctx, points); err != nil {
			return fmt.Errorf("failed to index vectors of %s: %w", doc.Path, err)
		}
	}

	return idx.storage.RunInTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.IndexDocumentLexical(ctx, doc.ID); err != nil {
			return err
		}
		return tx.SetDocumentStatus(ctx, doc.ID, storage.DocumentIngested, "")
	})
}

// dropVectors removes purged chunks from the vector backend. A failure only
// leaves orphan points, which searches filter out.
func (idx *Indexer) dropVectors(ctx context.Context, chunkIDs []int64) {
	if len(chunkIDs) == 0 {
		return
	}
	if err := idx.vectors.Delete(ctx, chunkIDs); err != nil {
		idx.logger.Warn("failed to delete purged vectors", "count", len(chunkIDs), "error", err)
	}
}

// Delete removes a repository with its snapshot, vectors and progress.
// A run in flight is cancelled first. Unknown repositories are not an
// error.
func (idx *Indexer) Delete(ctx context.Context, repoID string) error {
	var lock *runLock
	for {
		var ok bool
		lock, ok = idx.locks.tryAcquire(repoID, func() {})
		if ok {
			break
		}
		if holder := idx.locks.holder(repoID); holder != nil {
			holder.cancel()
			if err := holder.wait(ctx); err != nil {
				return err
			}
		}
	}
	defer idx.locks.release(repoID, lock, nil)

	err := idx.storage.DeleteRepository(ctx, repoID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := idx.vectors.DeleteRepository(ctx, repoID); err != nil {
		idx.logger.Warn("failed to delete repository vectors", "repo_id", repoID, "error", err)
	}
	if idx.snapshots != nil {
		if err := idx.snapshots.Remove(repoID); err != nil {
			idx.logger.Warn("failed to remove snapshot", "repo_id", repoID, "error", err)
		}
	}
	idx.progress.Clear(repoID)
	idx.logger.Info("repository deleted", "repo_id", repoID)
	return nil
}

// FailInterruptedRuns marks runs left unfinished by an earlier process as
// failed. Call it once at startup, before any Start.
func (idx *Indexer) FailInterruptedRuns(ctx context.Context) (int, error) {
	n, err := idx.storage.FailInterruptedRuns(ctx, InterruptedMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		idx.logger.Warn("marked interrupted runs as failed", "count", n)
	}
	return n, nil
}

// Close cancels every run in flight and waits for them to stop.
func (idx *Indexer) Close(ctx context.Context) error {
	for _, l := range idx.locks.all() {
		l.cancel()
	}
	for _, l := range idx.locks.all() {
		if err := l.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
