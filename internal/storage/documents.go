package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Document operations

// insertDocumentWithQuerier stores doc as the next version of its path.
func (s *SQLiteStorage) insertDocumentWithQuerier(ctx context.Context, q querier, doc *Document) error {
	if doc.Status == "" {
		doc.Status = DocumentPending
	}
	var version int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM documents
		WHERE repository_id = ? AND path = ?
	`, doc.RepositoryID, doc.Path).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to compute document version: %w", err)
	}

	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		INSERT INTO documents (repository_id, path, version, checksum, size_bytes, language,
		                       content_kind, ingestion_status, error, embedding_model,
		                       created_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.RepositoryID, doc.Path, version, nullString(doc.Checksum), doc.SizeBytes, doc.Language,
		doc.ContentKind, string(doc.Status), nullString(doc.Error), doc.EmbeddingModel,
		doc.CreatedRun, now)
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	doc.ID = id
	doc.Version = version
	doc.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) InsertDocument(ctx context.Context, doc *Document) error {
	return s.insertDocumentWithQuerier(ctx, s.querier(), doc)
}

const documentColumns = `id, repository_id, path, version, checksum, size_bytes, language,
	content_kind, ingestion_status, error, embedding_model, created_run, retired_run, created_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var (
		doc        Document
		checksum   sql.NullString
		status     string
		errMsg     sql.NullString
		retiredRun sql.NullInt64
	)
	err := row.Scan(&doc.ID, &doc.RepositoryID, &doc.Path, &doc.Version, &checksum,
		&doc.SizeBytes, &doc.Language, &doc.ContentKind, &status, &errMsg,
		&doc.EmbeddingModel, &doc.CreatedRun, &retiredRun, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}
	doc.Checksum = checksum.String
	doc.Status = DocumentStatus(status)
	doc.Error = errMsg.String
	if retiredRun.Valid {
		r := retiredRun.Int64
		doc.RetiredRun = &r
	}
	return &doc, nil
}

func queryDocuments(ctx context.Context, q querier, query string, args ...interface{}) ([]*Document, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStorage) getDocumentWithQuerier(ctx context.Context, q querier, docID int64) (*Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, docID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStorage) GetDocument(ctx context.Context, docID int64) (*Document, error) {
	return s.getDocumentWithQuerier(ctx, s.querier(), docID)
}

// listCurrentDocumentsWithQuerier returns the documents of the committed
// snapshot regardless of ingestion status, ordered by path.
func (s *SQLiteStorage) listCurrentDocumentsWithQuerier(ctx context.Context, q querier, repoID string) ([]*Document, error) {
	return queryDocuments(ctx, q, `
		SELECT `+documentColumns+` FROM documents
		WHERE repository_id = ?
		  AND created_run <= COALESCE((SELECT active_run_id FROM repositories WHERE id = ?), 0)
		  AND (retired_run IS NULL
		       OR retired_run > COALESCE((SELECT active_run_id FROM repositories WHERE id = ?), 0))
		ORDER BY path
	`, repoID, repoID, repoID)
}

func (s *SQLiteStorage) ListCurrentDocuments(ctx context.Context, repoID string) ([]*Document, error) {
	return s.listCurrentDocumentsWithQuerier(ctx, s.querier(), repoID)
}

func (s *SQLiteStorage) listRunDocumentsWithQuerier(ctx context.Context, q querier, repoID string, runID int64) ([]*Document, error) {
	return queryDocuments(ctx, q, `
		SELECT `+documentColumns+` FROM documents
		WHERE repository_id = ? AND created_run = ?
		ORDER BY path
	`, repoID, runID)
}

func (s *SQLiteStorage) ListRunDocuments(ctx context.Context, repoID string, runID int64) ([]*Document, error) {
	return s.listRunDocumentsWithQuerier(ctx, s.querier(), repoID, runID)
}

func (s *SQLiteStorage) retireDocumentWithQuerier(ctx context.Context, q querier, docID, runID int64) error {
	res, err := q.ExecContext(ctx, `UPDATE documents SET retired_run = ? WHERE id = ? AND retired_run IS NULL`, runID, docID)
	if err != nil {
		return fmt.Errorf("failed to retire document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) RetireDocument(ctx context.Context, docID, runID int64) error {
	return s.retireDocumentWithQuerier(ctx, s.querier(), docID, runID)
}

func (s *SQLiteStorage) setDocumentStatusWithQuerier(ctx context.Context, q querier, docID int64, status DocumentStatus, errMsg string) error {
	_, err := q.ExecContext(ctx, `UPDATE documents SET ingestion_status = ?, error = ? WHERE id = ?`,
		string(status), nullString(errMsg), docID)
	if err != nil {
		return fmt.Errorf("failed to set document status: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus, errMsg string) error {
	return s.setDocumentStatusWithQuerier(ctx, s.querier(), docID, status, errMsg)
}

// Chunk operations

// upsertChunksWithQuerier writes chunks keyed by (document, index). A chunk
// whose hash is unchanged keeps its embedding and lexical state; a changed
// chunk is reset. Rows past the new last index are removed.
func (s *SQLiteStorage) upsertChunksWithQuerier(ctx context.Context, q querier, docID int64, chunks []types.Chunk) ([]int64, error) {
	query := `
		INSERT INTO chunks (document_id, chunk_index, content, chunk_hash, start_offset, end_offset,
		                    start_line, end_line, token_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, chunk_index) DO UPDATE SET
			embedding = CASE WHEN chunks.chunk_hash = excluded.chunk_hash THEN chunks.embedding ELSE NULL END,
			embedding_dim = CASE WHEN chunks.chunk_hash = excluded.chunk_hash THEN chunks.embedding_dim ELSE 0 END,
			embedding_model = CASE WHEN chunks.chunk_hash = excluded.chunk_hash THEN chunks.embedding_model ELSE '' END,
			embedding_error = CASE WHEN chunks.chunk_hash = excluded.chunk_hash THEN chunks.embedding_error ELSE NULL END,
			content = excluded.content,
			chunk_hash = excluded.chunk_hash,
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			token_count = excluded.token_count,
			updated_at = CASE WHEN chunks.chunk_hash = excluded.chunk_hash THEN chunks.updated_at ELSE excluded.updated_at END
		RETURNING id
	`
	now := time.Now().UTC()
	ids := make([]int64, 0, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		var id int64
		err := q.QueryRowContext(ctx, query,
			docID, c.Index, c.Content, c.HashHex(), c.StartOffset, c.EndOffset,
			c.StartLine, c.EndLine, c.TokenCount, now, now).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert chunk %d: %w", c.Index, err)
		}
		ids = append(ids, id)
	}

	if err := deleteLexicalRows(ctx, q, `SELECT id FROM chunks WHERE document_id = ? AND chunk_index >= ?`, docID, len(chunks)); err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ? AND chunk_index >= ?`, docID, len(chunks)); err != nil {
		return nil, fmt.Errorf("failed to trim chunks: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStorage) UpsertChunks(ctx context.Context, docID int64, chunks []types.Chunk) ([]int64, error) {
	var ids []int64
	err := s.RunInTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.UpsertChunks(ctx, docID, chunks)
		return err
	})
	return ids, err
}

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.content, c.chunk_hash, c.start_offset,
	c.end_offset, c.start_line, c.end_line, c.token_count, c.embedding, c.embedding_model,
	c.embedding_error, c.lexical_indexed`

func scanChunk(row interface{ Scan(...any) error }, extra ...any) (*Chunk, error) {
	var (
		chunk     Chunk
		embedding []byte
		embErr    sql.NullString
	)
	dest := []any{&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content, &chunk.ChunkHash,
		&chunk.StartOffset, &chunk.EndOffset, &chunk.StartLine, &chunk.EndLine, &chunk.TokenCount,
		&embedding, &chunk.EmbeddingModel, &embErr, &chunk.LexicalIndexed}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		chunk.Embedding = deserializeVector(embedding)
	}
	chunk.EmbeddingError = embErr.String
	return &chunk, nil
}

func queryChunks(ctx context.Context, q querier, query string, args ...interface{}) ([]*Chunk, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStorage) listChunksByDocumentWithQuerier(ctx context.Context, q querier, docID int64) ([]*Chunk, error) {
	return queryChunks(ctx, q, `SELECT `+chunkColumns+` FROM chunks c WHERE c.document_id = ? ORDER BY c.chunk_index`, docID)
}

func (s *SQLiteStorage) ListChunksByDocument(ctx context.Context, docID int64) ([]*Chunk, error) {
	return s.listChunksByDocumentWithQuerier(ctx, s.querier(), docID)
}

// listChunksMissingEmbeddingWithQuerier returns chunks of documents created
// by runID that have neither an embedding nor a recorded failure.
func (s *SQLiteStorage) listChunksMissingEmbeddingWithQuerier(ctx context.Context, q querier, repoID string, runID int64) ([]*Chunk, error) {
	return queryChunks(ctx, q, `
		SELECT `+chunkColumns+` FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.repository_id = ? AND d.created_run = ?
		  AND c.embedding IS NULL AND c.embedding_error IS NULL
		ORDER BY d.path, c.chunk_index
	`, repoID, runID)
}

func (s *SQLiteStorage) ListChunksMissingEmbedding(ctx context.Context, repoID string, runID int64) ([]*Chunk, error) {
	return s.listChunksMissingEmbeddingWithQuerier(ctx, s.querier(), repoID, runID)
}

func (s *SQLiteStorage) setChunkEmbeddingWithQuerier(ctx context.Context, q querier, chunkID int64, vector []float32, model string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE chunks
		SET embedding = ?, embedding_dim = ?, embedding_model = ?, embedding_error = NULL, updated_at = ?
		WHERE id = ?
	`, serializeVector(vector), len(vector), model, time.Now().UTC(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SetChunkEmbedding(ctx context.Context, chunkID int64, vector []float32, model string) error {
	return s.setChunkEmbeddingWithQuerier(ctx, s.querier(), chunkID, vector, model)
}

func (s *SQLiteStorage) setChunkEmbeddingErrorWithQuerier(ctx context.Context, q querier, chunkID int64, message string) error {
	if message == "" {
		message = "embedding failed"
	}
	_, err := q.ExecContext(ctx, `
		UPDATE chunks SET embedding = NULL, embedding_dim = 0, embedding_error = ?, updated_at = ?
		WHERE id = ?
	`, message, time.Now().UTC(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to store embedding error: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SetChunkEmbeddingError(ctx context.Context, chunkID int64, message string) error {
	return s.setChunkEmbeddingErrorWithQuerier(ctx, s.querier(), chunkID, message)
}

// indexDocumentLexicalWithQuerier copies not yet indexed chunks of docID
// into chunks_fts and flags them.
func (s *SQLiteStorage) indexDocumentLexicalWithQuerier(ctx context.Context, q querier, docID int64) (int, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO chunks_fts (rowid, content)
		SELECT id, content FROM chunks WHERE document_id = ? AND lexical_indexed = 0
	`, docID)
	if err != nil {
		return 0, fmt.Errorf("failed to populate lexical index: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := q.ExecContext(ctx, `UPDATE chunks SET lexical_indexed = 1 WHERE document_id = ? AND lexical_indexed = 0`, docID); err != nil {
		return 0, fmt.Errorf("failed to flag lexical chunks: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) IndexDocumentLexical(ctx context.Context, docID int64) (int, error) {
	var n int
	err := s.RunInTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.IndexDocumentLexical(ctx, docID)
		return err
	})
	return n, err
}
