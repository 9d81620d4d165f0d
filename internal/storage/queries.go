package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Query audit operations

func (s *SQLiteStorage) createQueryWithQuerier(ctx context.Context, q querier, query *Query) error {
	meta, err := encodeMetadata(query.Metadata)
	if err != nil {
		return err
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO queries (id, repository_id, conversation_id, user_id, question, answer, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, query.ID, query.RepositoryID, nullString(query.ConversationID), nullString(query.UserID),
		query.Question, query.Answer, meta, query.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("query %s: %w", query.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create query: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) CreateQuery(ctx context.Context, query *Query) error {
	return s.createQueryWithQuerier(ctx, s.querier(), query)
}

func (s *SQLiteStorage) insertRetrievedChunksWithQuerier(ctx context.Context, q querier, queryID string, chunks []*RetrievedChunk) error {
	for _, rc := range chunks {
		rc.QueryID = queryID
		var chunkID sql.NullInt64
		if rc.ChunkID != nil {
			chunkID = sql.NullInt64{Int64: *rc.ChunkID, Valid: true}
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO retrieved_chunks (query_id, chunk_id, document_path, chunk_index, start_line,
			                              end_line, snippet, score, vector_score, lexical_score,
			                              rank, used_in_prompt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, queryID, chunkID, rc.DocumentPath, rc.ChunkIndex, rc.StartLine, rc.EndLine, rc.Snippet,
			rc.Score, rc.VectorScore, rc.LexicalScore, rc.Rank, rc.UsedInPrompt)
		if err != nil {
			return fmt.Errorf("failed to insert retrieved chunk rank %d: %w", rc.Rank, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			rc.ID = id
		}
	}
	return nil
}

func (s *SQLiteStorage) InsertRetrievedChunks(ctx context.Context, queryID string, chunks []*RetrievedChunk) error {
	return s.RunInTx(ctx, func(tx Tx) error {
		return tx.InsertRetrievedChunks(ctx, queryID, chunks)
	})
}

const queryColumns = `id, repository_id, conversation_id, user_id, question, answer, metadata, created_at`

// listQueriesByConversationWithQuerier returns the newest limit queries of
// a conversation in chronological order. limit <= 0 returns all.
func (s *SQLiteStorage) listQueriesByConversationWithQuerier(ctx context.Context, q querier, conversationID string, limit int) ([]*Query, error) {
	query := `
		SELECT ` + queryColumns + ` FROM (
			SELECT ` + queryColumns + `, rowid AS seq FROM queries
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `
		) ORDER BY created_at ASC, seq ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var queries []*Query
	for rows.Next() {
		var (
			qr       Query
			convID   sql.NullString
			userID   sql.NullString
			metadata string
		)
		if err := rows.Scan(&qr.ID, &qr.RepositoryID, &convID, &userID, &qr.Question,
			&qr.Answer, &metadata, &qr.CreatedAt); err != nil {
			return nil, err
		}
		qr.ConversationID = convID.String
		qr.UserID = userID.String
		if qr.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		queries = append(queries, &qr)
	}
	return queries, rows.Err()
}

func (s *SQLiteStorage) ListQueriesByConversation(ctx context.Context, conversationID string, limit int) ([]*Query, error) {
	return s.listQueriesByConversationWithQuerier(ctx, s.querier(), conversationID, limit)
}

func (s *SQLiteStorage) listRetrievedChunksWithQuerier(ctx context.Context, q querier, queryID string) ([]*RetrievedChunk, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, query_id, chunk_id, document_path, chunk_index, start_line, end_line, snippet,
		       score, vector_score, lexical_score, rank, used_in_prompt
		FROM retrieved_chunks
		WHERE query_id = ?
		ORDER BY rank
	`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieved chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RetrievedChunk
	for rows.Next() {
		var (
			rc      RetrievedChunk
			chunkID sql.NullInt64
		)
		if err := rows.Scan(&rc.ID, &rc.QueryID, &chunkID, &rc.DocumentPath, &rc.ChunkIndex,
			&rc.StartLine, &rc.EndLine, &rc.Snippet, &rc.Score, &rc.VectorScore,
			&rc.LexicalScore, &rc.Rank, &rc.UsedInPrompt); err != nil {
			return nil, err
		}
		if chunkID.Valid {
			id := chunkID.Int64
			rc.ChunkID = &id
		}
		out = append(out, &rc)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListRetrievedChunks(ctx context.Context, queryID string) ([]*RetrievedChunk, error) {
	return s.listRetrievedChunksWithQuerier(ctx, s.querier(), queryID)
}
