package storage

import (
	"context"
	"errors"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Transaction implementations delegate to the storage helpers with the
// transaction's querier, so reads inside a transaction see its writes.

func (t *sqliteTx) CreateRepository(ctx context.Context, repo *Repository) error {
	return t.storage.createRepositoryWithQuerier(ctx, t.querier(), repo)
}

func (t *sqliteTx) GetRepository(ctx context.Context, repoID string) (*Repository, error) {
	return t.storage.getRepositoryWithQuerier(ctx, t.querier(), repoID)
}

func (t *sqliteTx) UpdateRepository(ctx context.Context, repo *Repository) error {
	return t.storage.updateRepositoryWithQuerier(ctx, t.querier(), repo)
}

func (t *sqliteTx) ListRepositories(ctx context.Context, userID string) ([]*Repository, error) {
	return t.storage.listRepositoriesWithQuerier(ctx, t.querier(), userID)
}

func (t *sqliteTx) DeleteRepository(ctx context.Context, repoID string) error {
	return t.storage.deleteRepositoryWithQuerier(ctx, t.querier(), repoID)
}

func (t *sqliteTx) CreateRun(ctx context.Context, run *Run) error {
	return t.storage.createRunWithQuerier(ctx, t.querier(), run)
}

func (t *sqliteTx) GetRun(ctx context.Context, runID int64) (*Run, error) {
	return t.storage.getRunWithQuerier(ctx, t.querier(), runID)
}

func (t *sqliteTx) GetLatestRun(ctx context.Context, repoID string) (*Run, error) {
	return t.storage.getLatestRunWithQuerier(ctx, t.querier(), repoID)
}

func (t *sqliteTx) UpdateRun(ctx context.Context, run *Run) error {
	return t.storage.updateRunWithQuerier(ctx, t.querier(), run)
}

func (t *sqliteTx) FailInterruptedRuns(ctx context.Context, message string) (int, error) {
	return t.storage.failInterruptedRunsWithQuerier(ctx, t.querier(), message)
}

func (t *sqliteTx) PrepareRun(ctx context.Context, repoID string) ([]int64, error) {
	return t.storage.prepareRunWithQuerier(ctx, t.querier(), repoID)
}

func (t *sqliteTx) CommitRun(ctx context.Context, repoID string, runID int64) ([]int64, error) {
	return t.storage.commitRunWithQuerier(ctx, t.querier(), repoID, runID)
}

func (t *sqliteTx) InsertDocument(ctx context.Context, doc *Document) error {
	return t.storage.insertDocumentWithQuerier(ctx, t.querier(), doc)
}

func (t *sqliteTx) GetDocument(ctx context.Context, docID int64) (*Document, error) {
	return t.storage.getDocumentWithQuerier(ctx, t.querier(), docID)
}

func (t *sqliteTx) ListCurrentDocuments(ctx context.Context, repoID string) ([]*Document, error) {
	return t.storage.listCurrentDocumentsWithQuerier(ctx, t.querier(), repoID)
}

func (t *sqliteTx) ListRunDocuments(ctx context.Context, repoID string, runID int64) ([]*Document, error) {
	return t.storage.listRunDocumentsWithQuerier(ctx, t.querier(), repoID, runID)
}

func (t *sqliteTx) RetireDocument(ctx context.Context, docID, runID int64) error {
	return t.storage.retireDocumentWithQuerier(ctx, t.querier(), docID, runID)
}

func (t *sqliteTx) SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus, errMsg string) error {
	return t.storage.setDocumentStatusWithQuerier(ctx, t.querier(), docID, status, errMsg)
}

func (t *sqliteTx) UpsertChunks(ctx context.Context, docID int64, chunks []types.Chunk) ([]int64, error) {
	return t.storage.upsertChunksWithQuerier(ctx, t.querier(), docID, chunks)
}

func (t *sqliteTx) ListChunksByDocument(ctx context.Context, docID int64) ([]*Chunk, error) {
	return t.storage.listChunksByDocumentWithQuerier(ctx, t.querier(), docID)
}

func (t *sqliteTx) ListChunksMissingEmbedding(ctx context.Context, repoID string, runID int64) ([]*Chunk, error) {
	return t.storage.listChunksMissingEmbeddingWithQuerier(ctx, t.querier(), repoID, runID)
}

func (t *sqliteTx) SetChunkEmbedding(ctx context.Context, chunkID int64, vector []float32, model string) error {
	return t.storage.setChunkEmbeddingWithQuerier(ctx, t.querier(), chunkID, vector, model)
}

func (t *sqliteTx) SetChunkEmbeddingError(ctx context.Context, chunkID int64, message string) error {
	return t.storage.setChunkEmbeddingErrorWithQuerier(ctx, t.querier(), chunkID, message)
}

func (t *sqliteTx) IndexDocumentLexical(ctx context.Context, docID int64) (int, error) {
	return t.storage.indexDocumentLexicalWithQuerier(ctx, t.querier(), docID)
}

func (t *sqliteTx) SearchVector(ctx context.Context, repoID, model string, vector []float32, limit int) ([]VectorResult, error) {
	return t.storage.searchVectorWithQuerier(ctx, t.querier(), repoID, model, vector, limit)
}

func (t *sqliteTx) SearchText(ctx context.Context, repoID, query string, limit int) ([]TextResult, error) {
	return t.storage.searchTextWithQuerier(ctx, t.querier(), repoID, query, limit)
}

func (t *sqliteTx) GetChunksByIDs(ctx context.Context, repoID string, chunkIDs []int64) ([]*ChunkRecord, error) {
	return t.storage.getChunksByIDsWithQuerier(ctx, t.querier(), repoID, chunkIDs)
}

func (t *sqliteTx) CreateQuery(ctx context.Context, q *Query) error {
	return t.storage.createQueryWithQuerier(ctx, t.querier(), q)
}

func (t *sqliteTx) InsertRetrievedChunks(ctx context.Context, queryID string, chunks []*RetrievedChunk) error {
	return t.storage.insertRetrievedChunksWithQuerier(ctx, t.querier(), queryID, chunks)
}

func (t *sqliteTx) ListQueriesByConversation(ctx context.Context, conversationID string, limit int) ([]*Query, error) {
	return t.storage.listQueriesByConversationWithQuerier(ctx, t.querier(), conversationID, limit)
}

func (t *sqliteTx) ListRetrievedChunks(ctx context.Context, queryID string) ([]*RetrievedChunk, error) {
	return t.storage.listRetrievedChunksWithQuerier(ctx, t.querier(), queryID)
}

func (t *sqliteTx) GetStats(ctx context.Context, repoID string) (*types.RepositoryStats, error) {
	return t.storage.getStatsWithQuerier(ctx, t.querier(), repoID)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}

// RunInTx inside a transaction runs fn in the same transaction.
func (t *sqliteTx) RunInTx(ctx context.Context, fn func(Tx) error) error {
	return fn(t)
}
