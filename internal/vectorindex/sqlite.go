package vectorindex

import (
	"context"

	"github.com/AILab-FOI/bytesophos/internal/storage"
)

// SQLite serves vector search from the embeddings stored on chunk rows.
// Upserts and deletes are no-ops because the chunk rows are the index, and
// the store already limits reads to the committed snapshot.
type SQLite struct {
	store storage.Storage
}

// NewSQLite creates the in-database backend.
func NewSQLite(store storage.Storage) *SQLite {
	return &SQLite{store: store}
}

func (s *SQLite) Name() string { return BackendSQLite }

func (s *SQLite) Upsert(ctx context.Context, points []Point) error { return nil }

func (s *SQLite) Search(ctx context.Context, q Query) ([]Hit, error) {
	results, err := s.store.SearchVector(ctx, q.RepoID, q.Model, q.Vector, q.Limit)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ChunkID: r.ChunkID, Score: clampUnit(r.SimilarityScore)}
	}
	return hits, nil
}

func (s *SQLite) Delete(ctx context.Context, chunkIDs []int64) error { return nil }

func (s *SQLite) DeleteRepository(ctx context.Context, repoID string) error { return nil }

func (s *SQLite) Close() error { return nil }
