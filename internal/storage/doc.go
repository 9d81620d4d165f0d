// Package storage provides SQLite-based persistence for repositories, their
// ingested snapshots and the query audit trail.
//
// # Database Schema
//
// Tables:
//   - repositories: source locator, owner, display name, active run
//   - ingestion_runs: one row per ingestion attempt with counters
//   - documents: one row per content version of a path
//   - chunks: chunk text, offsets, embedding blob and model tag
//   - chunks_fts: FTS5 lexical index keyed by chunk id
//   - queries, retrieved_chunks: question/answer audit with ranked chunks
//
// # Snapshots
//
// Every document row records the run that created it and, once replaced or
// removed, the run that retired it. Readers only see documents that belong
// to the repository's active run:
//
//	created_run <= active_run_id AND (retired_run IS NULL OR retired_run > active_run_id)
//
// A run writes new versions and retirements freely; CommitRun moves
// active_run_id and drops retired rows in one transaction, so searches never
// observe a half-indexed repository. PrepareRun discards leftovers of runs
// that died before committing.
//
// # Transactions
//
// The pool holds a single connection. Code running inside a transaction
// must use the Tx it was handed; calling back into the outer Storage would
// wait for the connection the transaction holds.
//
//	err := db.RunInTx(ctx, func(tx storage.Tx) error {
//	    if err := tx.InsertDocument(ctx, doc); err != nil {
//	        return err
//	    }
//	    _, err := tx.UpsertChunks(ctx, doc.ID, chunks)
//	    return err
//	})
//
// RunInTx retries the whole transaction when SQLite reports BUSY.
//
// # Search
//
// SearchText matches quoted query terms joined with OR and normalizes BM25
// so the best hit scores 1. SearchVector computes cosine similarity in Go
// over chunks embedded with the same model and dimension, clamped to [0, 1].
//
// # Build Tags
//
// The default build uses modernc.org/sqlite. Building with -tags sqlite_cgo
// switches to github.com/mattn/go-sqlite3 (add sqlite_fts5 for FTS5).
package storage
