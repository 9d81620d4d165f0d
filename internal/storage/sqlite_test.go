package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func createTestRepo(t *testing.T, s *SQLiteStorage, id string) *Repository {
	t.Helper()
	repo := &Repository{
		ID:          id,
		SourceKind:  SourceLocal,
		SourceURI:   "/src/" + id,
		DisplayName: id,
	}
	require.NoError(t, s.CreateRepository(context.Background(), repo))
	return repo
}

func makeChunks(texts ...string) []types.Chunk {
	chunks := make([]types.Chunk, 0, len(texts))
	offset := 0
	for i, text := range texts {
		c := types.Chunk{
			Index:       i,
			Content:     text,
			StartOffset: offset,
			EndOffset:   offset + len(text),
			StartLine:   i + 1,
			EndLine:     i + 1,
			TokenCount:  types.EstimateTokens(text),
		}
		c.Hash = types.ComputeChunkHash(c.StartOffset, c.Content)
		chunks = append(chunks, c)
		offset += len(text) + 1
	}
	return chunks
}

// ingestDoc writes a document with chunks and embeddings into run and
// marks it ingested, without committing the run.
func ingestDoc(t *testing.T, s *SQLiteStorage, repoID string, runID int64, path string, texts []string, vectors [][]float32) (*Document, []int64) {
	t.Helper()
	ctx := context.Background()

	doc := &Document{
		RepositoryID:   repoID,
		Path:           path,
		Checksum:       "sum-" + path,
		Language:       "go",
		EmbeddingModel: "mock-model",
		CreatedRun:     runID,
	}
	require.NoError(t, s.InsertDocument(ctx, doc))

	ids, err := s.UpsertChunks(ctx, doc.ID, makeChunks(texts...))
	require.NoError(t, err)
	for i, id := range ids {
		if i < len(vectors) && vectors[i] != nil {
			require.NoError(t, s.SetChunkEmbedding(ctx, id, vectors[i], "mock-model"))
		}
	}
	_, err = s.IndexDocumentLexical(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetDocumentStatus(ctx, doc.ID, DocumentIngested, ""))
	return doc, ids
}

func startRun(t *testing.T, s *SQLiteStorage, repoID string) *Run {
	t.Helper()
	ctx := context.Background()
	_, err := s.PrepareRun(ctx, repoID)
	require.NoError(t, err)
	run := &Run{RepositoryID: repoID}
	require.NoError(t, s.CreateRun(ctx, run))
	return run
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)
}

func TestCreateRepository(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	repo := &Repository{ID: "r1", SourceKind: SourceGit, SourceURI: "https://github.com/a/b.git"}
	require.NoError(t, s.CreateRepository(ctx, repo))
	assert.Equal(t, "r1", repo.DisplayName, "display name falls back to id")

	err := s.CreateRepository(ctx, &Repository{ID: "r1", SourceKind: SourceGit, DisplayName: "x"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, SourceGit, got.SourceKind)
	assert.Nil(t, got.ActiveRunID)
	assert.Nil(t, got.LastIndexedAt)
	assert.NotNil(t, got.Metadata)
}

func TestGetRepository_NotFound(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.GetRepository(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRepository(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepo(t, s, "r1")

	repo.DisplayName = "renamed"
	repo.Metadata = map[string]string{"branch": "main"}
	require.NoError(t, s.UpdateRepository(ctx, repo))

	got, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.DisplayName)
	assert.Equal(t, "main", got.Metadata["branch"])

	err = s.UpdateRepository(ctx, &Repository{ID: "nope", DisplayName: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRepositories_AccessRule(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRepository(ctx, &Repository{ID: "open", SourceKind: SourceLocal, DisplayName: "open"}))
	require.NoError(t, s.CreateRepository(ctx, &Repository{ID: "alice", OwnerID: "alice", SourceKind: SourceLocal, DisplayName: "a"}))
	require.NoError(t, s.CreateRepository(ctx, &Repository{ID: "bob", OwnerID: "bob", SourceKind: SourceLocal, DisplayName: "b"}))
	require.NoError(t, s.CreateRepository(ctx, &Repository{ID: "shared", OwnerID: "bob", IsShared: true, SourceKind: SourceLocal, DisplayName: "s"}))

	repos, err := s.ListRepositories(ctx, "alice")
	require.NoError(t, err)
	ids := make([]string, 0, len(repos))
	for _, r := range repos {
		ids = append(ids, r.ID)
		assert.True(t, r.CanAccess("alice"))
	}
	assert.ElementsMatch(t, []string{"open", "alice", "shared"}, ids)

	all, err := s.ListRepositories(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRunLifecycle(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	_, err := s.GetLatestRun(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	run := &Run{RepositoryID: "r1", Force: true}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.Equal(t, types.RunQueued, run.State)

	run.State = types.RunEmbedding
	run.DocumentsTotal = 3
	run.DocumentsSkipped = 1
	require.NoError(t, s.UpdateRun(ctx, run))

	latest, err := s.GetLatestRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
	assert.Equal(t, types.RunEmbedding, latest.State)
	assert.Equal(t, 3, latest.DocumentsTotal)
	assert.True(t, latest.Force)
	assert.Nil(t, latest.FinishedAt)

	n, err := s.FailInterruptedRuns(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunError, got.State)
	assert.Equal(t, "interrupted", got.Error)
	assert.NotNil(t, got.FinishedAt)
}

func TestCommitRun_SnapshotVisibility(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run1 := startRun(t, s, "r1")
	_, ids1 := ingestDoc(t, s, "r1", run1.ID, "a.go", []string{"alpha parser", "alpha lexer"}, [][]float32{{1, 0}, {0, 1}})

	// Nothing is visible before the first commit.
	res, err := s.SearchText(ctx, "r1", "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	purged, err := s.CommitRun(ctx, "r1", run1.ID)
	require.NoError(t, err)
	assert.Empty(t, purged)

	res, err = s.SearchText(ctx, "r1", "alpha", 10)
	require.NoError(t, err)
	assert.Len(t, res, 2)

	// A second run replaces a.go; the old version stays visible until commit.
	run2 := startRun(t, s, "r1")
	current, err := s.ListCurrentDocuments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	require.NoError(t, s.RetireDocument(ctx, current[0].ID, run2.ID))
	doc2, ids2 := ingestDoc(t, s, "r1", run2.ID, "a.go", []string{"beta parser"}, [][]float32{{1, 0}})
	assert.Equal(t, 2, doc2.Version)

	res, err = s.SearchText(ctx, "r1", "alpha", 10)
	require.NoError(t, err)
	assert.Len(t, res, 2, "old snapshot still served during the run")
	res, err = s.SearchText(ctx, "r1", "beta", 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	purged, err = s.CommitRun(ctx, "r1", run2.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids1, purged)

	res, err = s.SearchText(ctx, "r1", "alpha beta", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ids2[0], res[0].ChunkID)

	repo, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, repo.ActiveRunID)
	assert.Equal(t, run2.ID, *repo.ActiveRunID)
	assert.NotNil(t, repo.LastIndexedAt)

	run, err := s.GetRun(ctx, run2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunDone, run.State)
}

func TestPrepareRun_DiscardsAbortedRun(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run1 := startRun(t, s, "r1")
	ingestDoc(t, s, "r1", run1.ID, "keep.go", []string{"kept content"}, nil)
	_, err := s.CommitRun(ctx, "r1", run1.ID)
	require.NoError(t, err)

	// run2 retires keep.go and adds new.go, then dies before commit.
	run2 := startRun(t, s, "r1")
	current, err := s.ListCurrentDocuments(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, s.RetireDocument(ctx, current[0].ID, run2.ID))
	_, abortedIDs := ingestDoc(t, s, "r1", run2.ID, "new.go", []string{"aborted content"}, nil)

	purged, err := s.PrepareRun(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, abortedIDs, purged)

	current, err = s.ListCurrentDocuments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "keep.go", current[0].Path)
	assert.Nil(t, current[0].RetiredRun, "retirement by the aborted run is undone")

	var ftsRows int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks_fts").Scan(&ftsRows))
	assert.Equal(t, 1, ftsRows)
}

func TestUpsertChunks_Idempotent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")
	run := startRun(t, s, "r1")

	doc := &Document{RepositoryID: "r1", Path: "x.go", CreatedRun: run.ID}
	require.NoError(t, s.InsertDocument(ctx, doc))

	chunks := makeChunks("one", "two", "one")
	ids1, err := s.UpsertChunks(ctx, doc.ID, chunks)
	require.NoError(t, err)
	require.Len(t, ids1, 3)
	require.NoError(t, s.SetChunkEmbedding(ctx, ids1[0], []float32{1, 2, 3}, "m"))

	ids2, err := s.UpsertChunks(ctx, doc.ID, chunks)
	require.NoError(t, err)
	assert.Equal(t, ids1, ids2)

	stored, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, []float32{1, 2, 3}, stored[0].Embedding, "unchanged chunk keeps its embedding")
	assert.NotEqual(t, stored[0].ChunkHash, stored[2].ChunkHash, "repeated text gets distinct hashes")

	// Shrinking the chunk list trims the tail.
	_, err = s.UpsertChunks(ctx, doc.ID, chunks[:1])
	require.NoError(t, err)
	stored, err = s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestUpsertChunks_ChangedContentResetsEmbedding(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")
	run := startRun(t, s, "r1")

	doc := &Document{RepositoryID: "r1", Path: "x.go", CreatedRun: run.ID}
	require.NoError(t, s.InsertDocument(ctx, doc))
	ids, err := s.UpsertChunks(ctx, doc.ID, makeChunks("before"))
	require.NoError(t, err)
	require.NoError(t, s.SetChunkEmbedding(ctx, ids[0], []float32{1}, "m"))

	_, err = s.UpsertChunks(ctx, doc.ID, makeChunks("after"))
	require.NoError(t, err)

	stored, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "after", stored[0].Content)
	assert.Nil(t, stored[0].Embedding)
}

func TestListChunksMissingEmbedding(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")
	run := startRun(t, s, "r1")

	doc := &Document{RepositoryID: "r1", Path: "x.go", CreatedRun: run.ID}
	require.NoError(t, s.InsertDocument(ctx, doc))
	ids, err := s.UpsertChunks(ctx, doc.ID, makeChunks("a", "b", "c"))
	require.NoError(t, err)

	require.NoError(t, s.SetChunkEmbedding(ctx, ids[0], []float32{1}, "m"))
	require.NoError(t, s.SetChunkEmbeddingError(ctx, ids[1], "provider down"))

	missing, err := s.ListChunksMissingEmbedding(ctx, "r1", run.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, ids[2], missing[0].ID)
}

func TestGetStats(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run := startRun(t, s, "r1")
	ingestDoc(t, s, "r1", run.ID, "a.go", []string{"a1", "a2"}, [][]float32{{1}, {1}})
	_, ids := ingestDoc(t, s, "r1", run.ID, "b.go", []string{"b1", "b2"}, [][]float32{{1}})
	require.NoError(t, s.SetChunkEmbeddingError(ctx, ids[1], "boom"))

	broken := &Document{RepositoryID: "r1", Path: "c.go", CreatedRun: run.ID, Status: DocumentError, Error: "permission denied"}
	require.NoError(t, s.InsertDocument(ctx, broken))

	stats, err := s.GetStats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Documents, "uncommitted run is not counted")

	_, err = s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)

	stats, err = s.GetStats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 4, stats.Chunks)
	assert.Equal(t, 3, stats.Embeddings)
	assert.Equal(t, 1, stats.EmbeddingErrors)
	assert.Equal(t, 1, stats.FailedDocuments)
}

func TestDeleteRepository_Cascades(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")
	createTestRepo(t, s, "r2")

	run := startRun(t, s, "r1")
	ingestDoc(t, s, "r1", run.ID, "a.go", []string{"shared words"}, nil)
	_, err := s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)

	run2 := startRun(t, s, "r2")
	ingestDoc(t, s, "r2", run2.ID, "b.go", []string{"shared words"}, nil)
	_, err = s.CommitRun(ctx, "r2", run2.ID)
	require.NoError(t, err)

	require.NoError(t, s.CreateQuery(ctx, &Query{ID: "q1", RepositoryID: "r1", Question: "?"}))

	require.NoError(t, s.DeleteRepository(ctx, "r1"))
	assert.ErrorIs(t, s.DeleteRepository(ctx, "r1"), ErrNotFound)

	for _, table := range []string{"documents", "ingestion_runs", "queries"} {
		var n int
		require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE repository_id = 'r1'").Scan(&n))
		assert.Zero(t, n, table)
	}

	var ftsRows int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks_fts").Scan(&ftsRows))
	assert.Equal(t, 1, ftsRows, "only r2's chunk remains in the lexical index")

	res, err := s.SearchText(ctx, "r2", "shared", 10)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestQueryAudit_SurvivesReindex(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run := startRun(t, s, "r1")
	_, ids := ingestDoc(t, s, "r1", run.ID, "a.go", []string{"audit me"}, nil)
	_, err := s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateQuery(ctx, &Query{ID: "q1", RepositoryID: "r1", ConversationID: "c1", Question: "what?"}); err != nil {
			return err
		}
		return tx.InsertRetrievedChunks(ctx, "q1", []*RetrievedChunk{
			{ChunkID: &ids[0], DocumentPath: "a.go", Snippet: "audit me", Score: 0.9, Rank: 1, UsedInPrompt: true},
		})
	})
	require.NoError(t, err)

	// Re-index replaces a.go and purges the old chunk.
	run2 := startRun(t, s, "r1")
	current, err := s.ListCurrentDocuments(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, s.RetireDocument(ctx, current[0].ID, run2.ID))
	ingestDoc(t, s, "r1", run2.ID, "a.go", []string{"new text"}, nil)
	_, err = s.CommitRun(ctx, "r1", run2.ID)
	require.NoError(t, err)

	rows, err := s.ListRetrievedChunks(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ChunkID)
	assert.Equal(t, "audit me", rows[0].Snippet)
	assert.Equal(t, "a.go", rows[0].DocumentPath)
}

func TestRetrievedChunks_RankUnique(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")
	require.NoError(t, s.CreateQuery(ctx, &Query{ID: "q1", RepositoryID: "r1", Question: "?"}))

	err := s.InsertRetrievedChunks(ctx, "q1", []*RetrievedChunk{
		{DocumentPath: "a", Snippet: "x", Rank: 1},
		{DocumentPath: "b", Snippet: "y", Rank: 1},
	})
	assert.Error(t, err)

	rows, err := s.ListRetrievedChunks(ctx, "q1")
	require.NoError(t, err)
	assert.Empty(t, rows, "failed insert rolls back")
}

func TestListQueriesByConversation(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	for _, id := range []string{"q1", "q2", "q3"} {
		require.NoError(t, s.CreateQuery(ctx, &Query{ID: id, RepositoryID: "r1", ConversationID: "c1", Question: id}))
	}
	require.NoError(t, s.CreateQuery(ctx, &Query{ID: "other", RepositoryID: "r1", ConversationID: "c2", Question: "x"}))

	all, err := s.ListQueriesByConversation(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "q1", all[0].ID)
	assert.Equal(t, "q3", all[2].ID)

	recent, err := s.ListQueriesByConversation(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q2", recent[0].ID)
	assert.Equal(t, "q3", recent[1].ID)
}

func TestNestedBeginTx(t *testing.T) {
	s := setupTestDB(t)
	tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.BeginTx(context.Background())
	assert.Error(t, err)
}

func TestMigrations_RollbackAndReapply(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, s.db))

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='repositories'").Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, ApplyMigrations(ctx, s.db))
	require.NoError(t, ApplyMigrations(ctx, s.db), "applying twice is a no-op")
	createTestRepo(t, s, "after")
}
