package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Single writer; every statement, including reads inside a transaction,
	// must go through the transaction's querier.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// RunInTx runs fn in a transaction, retrying while the database is busy.
func (s *SQLiteStorage) RunInTx(ctx context.Context, fn func(Tx) error) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&sqliteTx{tx: tx, storage: s})
	})
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// visibleDocument restricts d (documents) to the committed snapshot of r
// (repositories).
const visibleDocument = `d.created_run <= r.active_run_id
		AND (d.retired_run IS NULL OR d.retired_run > r.active_run_id)
		AND d.ingestion_status = 'ingested'`

// Repository operations

func (s *SQLiteStorage) createRepositoryWithQuerier(ctx context.Context, q querier, repo *Repository) error {
	if repo.DisplayName == "" {
		repo.DisplayName = repo.ID
	}
	meta, err := encodeMetadata(repo.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO repositories (id, owner_id, source_kind, source_uri, storage_path,
		                          display_name, is_shared, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, query,
		repo.ID, nullString(repo.OwnerID), string(repo.SourceKind), repo.SourceURI,
		repo.StoragePath, repo.DisplayName, repo.IsShared, meta, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("repository %s: %w", repo.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create repository: %w", err)
	}
	repo.CreatedAt = now
	repo.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateRepository(ctx context.Context, repo *Repository) error {
	return s.createRepositoryWithQuerier(ctx, s.querier(), repo)
}

const repositoryColumns = `id, owner_id, source_kind, source_uri, storage_path, display_name,
	is_shared, metadata, active_run_id, last_indexed_at, created_at, updated_at`

func scanRepository(row interface{ Scan(...any) error }) (*Repository, error) {
	var (
		repo          Repository
		ownerID       sql.NullString
		kind          string
		meta          string
		activeRunID   sql.NullInt64
		lastIndexedAt sql.NullTime
	)
	err := row.Scan(&repo.ID, &ownerID, &kind, &repo.SourceURI, &repo.StoragePath,
		&repo.DisplayName, &repo.IsShared, &meta, &activeRunID, &lastIndexedAt,
		&repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	repo.OwnerID = ownerID.String
	repo.SourceKind = SourceKind(kind)
	if activeRunID.Valid {
		id := activeRunID.Int64
		repo.ActiveRunID = &id
	}
	if lastIndexedAt.Valid {
		t := lastIndexedAt.Time
		repo.LastIndexedAt = &t
	}
	repo.Metadata, err = decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *SQLiteStorage) getRepositoryWithQuerier(ctx context.Context, q querier, repoID string) (*Repository, error) {
	row := q.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, repoID)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

func (s *SQLiteStorage) GetRepository(ctx context.Context, repoID string) (*Repository, error) {
	return s.getRepositoryWithQuerier(ctx, s.querier(), repoID)
}

// updateRepositoryWithQuerier writes the mutable descriptive fields. The
// active run and index timestamp are only moved by CommitRun.
func (s *SQLiteStorage) updateRepositoryWithQuerier(ctx context.Context, q querier, repo *Repository) error {
	meta, err := encodeMetadata(repo.Metadata)
	if err != nil {
		return err
	}
	if repo.DisplayName == "" {
		repo.DisplayName = repo.ID
	}
	query := `
		UPDATE repositories
		SET owner_id = ?, source_kind = ?, source_uri = ?, storage_path = ?,
		    display_name = ?, is_shared = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, query,
		nullString(repo.OwnerID), string(repo.SourceKind), repo.SourceURI, repo.StoragePath,
		repo.DisplayName, repo.IsShared, meta, now, repo.ID)
	if err != nil {
		return fmt.Errorf("failed to update repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	repo.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpdateRepository(ctx context.Context, repo *Repository) error {
	return s.updateRepositoryWithQuerier(ctx, s.querier(), repo)
}

// listRepositoriesWithQuerier returns repositories visible to userID.
// An empty userID lists everything.
func (s *SQLiteStorage) listRepositoriesWithQuerier(ctx context.Context, q querier, userID string) ([]*Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	var args []interface{}
	if userID != "" {
		query += ` WHERE owner_id IS NULL OR owner_id = ? OR is_shared = 1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *SQLiteStorage) ListRepositories(ctx context.Context, userID string) ([]*Repository, error) {
	return s.listRepositoriesWithQuerier(ctx, s.querier(), userID)
}

// deleteRepositoryWithQuerier removes the repository; foreign keys cascade
// to runs, documents, chunks, lexical rows and queries.
func (s *SQLiteStorage) deleteRepositoryWithQuerier(ctx context.Context, q querier, repoID string) error {
	if err := deleteLexicalRows(ctx, q, `
		SELECT c.id FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.repository_id = ?`, repoID); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, "DELETE FROM repositories WHERE id = ?", repoID)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteRepository(ctx context.Context, repoID string) error {
	return s.RunInTx(ctx, func(tx Tx) error {
		return tx.DeleteRepository(ctx, repoID)
	})
}

// Run operations

func (s *SQLiteStorage) createRunWithQuerier(ctx context.Context, q querier, run *Run) error {
	if run.State == "" {
		run.State = types.RunQueued
	}
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		INSERT INTO ingestion_runs (repository_id, state, force_reindex, started_at)
		VALUES (?, ?, ?, ?)
	`, run.RepositoryID, string(run.State), run.Force, now)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	run.StartedAt = now
	return nil
}

func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	return s.createRunWithQuerier(ctx, s.querier(), run)
}

const runColumns = `id, repository_id, state, force_reindex, error, documents_total,
	documents_skipped, documents_failed, chunks_total, embeddings_failed, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		run        Run
		state      string
		errMsg     sql.NullString
		finishedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.RepositoryID, &state, &run.Force, &errMsg,
		&run.DocumentsTotal, &run.DocumentsSkipped, &run.DocumentsFailed,
		&run.ChunksTotal, &run.EmbeddingsFailed, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.State = types.RunState(state)
	run.Error = errMsg.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func (s *SQLiteStorage) getRunWithQuerier(ctx context.Context, q querier, runID int64) (*Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStorage) GetRun(ctx context.Context, runID int64) (*Run, error) {
	return s.getRunWithQuerier(ctx, s.querier(), runID)
}

func (s *SQLiteStorage) getLatestRunWithQuerier(ctx context.Context, q querier, repoID string) (*Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM ingestion_runs
		WHERE repository_id = ?
		ORDER BY id DESC LIMIT 1
	`, repoID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStorage) GetLatestRun(ctx context.Context, repoID string) (*Run, error) {
	return s.getLatestRunWithQuerier(ctx, s.querier(), repoID)
}

func (s *SQLiteStorage) updateRunWithQuerier(ctx context.Context, q querier, run *Run) error {
	_, err := q.ExecContext(ctx, `
		UPDATE ingestion_runs
		SET state = ?, error = ?, documents_total = ?, documents_skipped = ?,
		    documents_failed = ?, chunks_total = ?, embeddings_failed = ?, finished_at = ?
		WHERE id = ?
	`, string(run.State), nullString(run.Error), run.DocumentsTotal, run.DocumentsSkipped,
		run.DocumentsFailed, run.ChunksTotal, run.EmbeddingsFailed, nullTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateRun(ctx context.Context, run *Run) error {
	return s.updateRunWithQuerier(ctx, s.querier(), run)
}

// failInterruptedRunsWithQuerier marks every non-terminal run as failed.
// Called at startup, when no run of this process can be in flight.
func (s *SQLiteStorage) failInterruptedRunsWithQuerier(ctx context.Context, q querier, message string) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE ingestion_runs
		SET state = ?, error = ?, finished_at = ?
		WHERE state NOT IN (?, ?)
	`, string(types.RunError), message, time.Now().UTC(), string(types.RunDone), string(types.RunError))
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) FailInterruptedRuns(ctx context.Context, message string) (int, error) {
	return s.failInterruptedRunsWithQuerier(ctx, s.querier(), message)
}

// prepareRunWithQuerier discards what aborted runs left behind: document
// versions newer than the committed snapshot are deleted and retirements
// recorded after it are undone. Returns the ids of deleted chunks.
func (s *SQLiteStorage) prepareRunWithQuerier(ctx context.Context, q querier, repoID string) ([]int64, error) {
	const uncommitted = `
		FROM documents
		WHERE repository_id = ?
		  AND created_run > COALESCE((SELECT active_run_id FROM repositories WHERE id = ?), 0)`

	purged, err := collectIDs(ctx, q, `SELECT c.id FROM chunks c WHERE c.document_id IN (SELECT id `+uncommitted+`)`, repoID, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect uncommitted chunks: %w", err)
	}
	if err := deleteLexicalRows(ctx, q, `SELECT c.id FROM chunks c WHERE c.document_id IN (SELECT id `+uncommitted+`)`, repoID, repoID); err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, `DELETE `+uncommitted, repoID, repoID); err != nil {
		return nil, fmt.Errorf("failed to purge uncommitted documents: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE documents SET retired_run = NULL
		WHERE repository_id = ?
		  AND retired_run > COALESCE((SELECT active_run_id FROM repositories WHERE id = ?), 0)
	`, repoID, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset retirements: %w", err)
	}
	return purged, nil
}

func (s *SQLiteStorage) PrepareRun(ctx context.Context, repoID string) ([]int64, error) {
	var purged []int64
	err := s.RunInTx(ctx, func(tx Tx) error {
		var err error
		purged, err = tx.PrepareRun(ctx, repoID)
		return err
	})
	return purged, err
}

// commitRunWithQuerier publishes runID as the repository's snapshot and
// drops the document versions it retired. It must run inside a
// transaction so readers never observe a partial switch.
func (s *SQLiteStorage) commitRunWithQuerier(ctx context.Context, q querier, repoID string, runID int64) ([]int64, error) {
	purged, err := collectIDs(ctx, q, `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.repository_id = ? AND d.retired_run IS NOT NULL AND d.retired_run <= ?
	`, repoID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect retired chunks: %w", err)
	}

	if err := deleteLexicalRows(ctx, q, `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.repository_id = ? AND d.retired_run IS NOT NULL AND d.retired_run <= ?
	`, repoID, runID); err != nil {
		return nil, err
	}

	if _, err := q.ExecContext(ctx, `
		DELETE FROM documents
		WHERE repository_id = ? AND retired_run IS NOT NULL AND retired_run <= ?
	`, repoID, runID); err != nil {
		return nil, fmt.Errorf("failed to delete retired documents: %w", err)
	}

	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE repositories SET active_run_id = ?, last_indexed_at = ?, updated_at = ?
		WHERE id = ?
	`, runID, now, now, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to activate run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE ingestion_runs SET state = ?, error = NULL, finished_at = ? WHERE id = ?
	`, string(types.RunDone), now, runID); err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}
	return purged, nil
}

// CommitRun outside a transaction opens one.
func (s *SQLiteStorage) CommitRun(ctx context.Context, repoID string, runID int64) ([]int64, error) {
	var purged []int64
	err := s.RunInTx(ctx, func(tx Tx) error {
		var err error
		purged, err = tx.CommitRun(ctx, repoID, runID)
		return err
	})
	return purged, err
}

// Status operations

func (s *SQLiteStorage) getStatsWithQuerier(ctx context.Context, q querier, repoID string) (*types.RepositoryStats, error) {
	var stats types.RepositoryStats

	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents d
		JOIN repositories r ON r.id = d.repository_id
		WHERE r.id = ? AND `+visibleDocument, repoID).Scan(&stats.Documents)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents d
		JOIN repositories r ON r.id = d.repository_id
		WHERE r.id = ?
		  AND d.created_run <= r.active_run_id
		  AND (d.retired_run IS NULL OR d.retired_run > r.active_run_id)
		  AND d.ingestion_status = 'error'
	`, repoID).Scan(&stats.FailedDocuments)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed documents: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN c.embedding IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN c.embedding_error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN repositories r ON r.id = d.repository_id
		WHERE r.id = ? AND `+visibleDocument, repoID).Scan(&stats.Chunks, &stats.Embeddings, &stats.EmbeddingErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	return &stats, nil
}

func (s *SQLiteStorage) GetStats(ctx context.Context, repoID string) (*types.RepositoryStats, error) {
	return s.getStatsWithQuerier(ctx, s.querier(), repoID)
}

// helpers

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	m := map[string]string{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// collectIDs runs a single-column id query.
func collectIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteLexicalRows removes FTS rows for the chunk ids selected by
// subquery before their chunks are deleted by cascade.
func deleteLexicalRows(ctx context.Context, q querier, subquery string, args ...interface{}) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM chunks_fts WHERE rowid IN (`+subquery+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete lexical rows: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
