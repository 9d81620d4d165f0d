package vectorindex

import (
	"context"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// seedRepo commits one document whose chunks carry the given vectors.
func seedRepo(t *testing.T, vectors [][]float32) (*storage.SQLiteStorage, []int64) {
	t.Helper()
	ctx := context.Background()

	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateRepository(ctx, &storage.Repository{
		ID: "r1", SourceKind: storage.SourceLocal, SourceURI: "/tmp/r1", DisplayName: "r1",
	}))
	_, err = s.PrepareRun(ctx, "r1")
	require.NoError(t, err)
	run := &storage.Run{RepositoryID: "r1"}
	require.NoError(t, s.CreateRun(ctx, run))

	doc := &storage.Document{
		RepositoryID:   "r1",
		Path:           "main.go",
		Checksum:       "abc",
		Language:       "go",
		EmbeddingModel: "m1",
		CreatedRun:     run.ID,
	}
	require.NoError(t, s.InsertDocument(ctx, doc))

	chunks := make([]types.Chunk, len(vectors))
	offset := 0
	for i := range vectors {
		content := "chunk body"
		chunks[i] = types.Chunk{
			Index:       i,
			Content:     content,
			StartOffset: offset,
			EndOffset:   offset + len(content),
			StartLine:   i + 1,
			EndLine:     i + 1,
			Hash:        types.ComputeChunkHash(offset, content),
		}
		offset += len(content)
	}
	ids, err := s.UpsertChunks(ctx, doc.ID, chunks)
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, s.SetChunkEmbedding(ctx, id, vectors[i], "m1"))
	}
	require.NoError(t, s.SetDocumentStatus(ctx, doc.ID, storage.DocumentIngested, ""))
	_, err = s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)
	return s, ids
}

func TestNew_SelectsBackend(t *testing.T) {
	s, _ := seedRepo(t, nil)

	idx, err := New(Config{}, s)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, idx.Name())

	idx, err = New(Config{Backend: "SQLite"}, s)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, idx.Name())

	_, err = New(Config{Backend: "faiss"}, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faiss")
}

func TestSQLite_Search(t *testing.T) {
	s, ids := seedRepo(t, [][]float32{{1, 0}, {0, 1}, {-1, 0}})
	idx := NewSQLite(s)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Point{{ChunkID: ids[0], Vector: []float32{1, 0}}}))

	hits, err := idx.Search(ctx, Query{RepoID: "r1", Model: "m1", Vector: []float32{1, 0.1}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, ids[0], hits[0].ChunkID)
	assert.Equal(t, ids[1], hits[1].ChunkID)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}

	hits, err = idx.Search(ctx, Query{RepoID: "r1", Model: "other-model", Vector: []float32{1, 0}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.Delete(ctx, ids))
	require.NoError(t, idx.DeleteRepository(ctx, "r1"))
	require.NoError(t, idx.Close())
}

func TestClampUnit(t *testing.T) {
	assert.Equal(t, 0.0, clampUnit(-0.3))
	assert.Equal(t, 0.5, clampUnit(0.5))
	assert.Equal(t, 1.0, clampUnit(1.0000001))
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "bytesophos_chunks_768", collectionName("bytesophos_chunks", 768))
}

func TestToPointStruct(t *testing.T) {
	p := toPointStruct(Point{ChunkID: 42, DocumentID: 7, RepoID: "r1", Model: "m1", CreatedRun: 3, Vector: []float32{0.1, 0.2}})

	assert.Equal(t, uint64(42), p.GetId().GetNum())
	assert.Equal(t, "r1", p.GetPayload()[payloadRepoID].GetStringValue())
	assert.Equal(t, "m1", p.GetPayload()[payloadModel].GetStringValue())
	assert.Equal(t, int64(7), p.GetPayload()[payloadDocumentID].GetIntegerValue())
	assert.Equal(t, int64(3), p.GetPayload()[payloadCreatedRun].GetIntegerValue())
	assert.NotNil(t, p.GetVectors())
}

func TestSearchFilter(t *testing.T) {
	f := searchFilter(Query{RepoID: "r1", Model: "m1"})
	require.Len(t, f.GetMust(), 2)
	assert.Equal(t, payloadRepoID, f.GetMust()[0].GetField().GetKey())
	assert.Equal(t, "r1", f.GetMust()[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, payloadModel, f.GetMust()[1].GetField().GetKey())
	assert.Equal(t, "m1", f.GetMust()[1].GetField().GetMatch().GetKeyword())
}

func TestSearchFilter_ExcludesUncommittedRuns(t *testing.T) {
	f := searchFilter(Query{RepoID: "r1", Model: "m1", ActiveRun: 5})
	require.Len(t, f.GetMust(), 3)
	field := f.GetMust()[2].GetField()
	assert.Equal(t, payloadCreatedRun, field.GetKey())
	require.NotNil(t, field.GetRange())
	assert.Equal(t, 5.0, field.GetRange().GetLte())
	assert.Nil(t, field.GetRange().Gt)
}

func TestHitsFrom(t *testing.T) {
	points := []*qdrant.ScoredPoint{
		{Id: qdrant.NewIDNum(3), Score: 0.9},
		{Id: nil, Score: 0.8},
		{Id: qdrant.NewIDNum(5), Score: -0.2},
	}
	hits := hitsFrom(points)
	require.Len(t, hits, 2)
	assert.Equal(t, Hit{ChunkID: 3, Score: float64(float32(0.9))}, hits[0])
	assert.Equal(t, Hit{ChunkID: 5, Score: 0}, hits[1])
}
