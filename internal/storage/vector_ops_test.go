package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}), "dimension mismatch")
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}), "zero vector")
}

func TestSerializeVector_LittleEndian(t *testing.T) {
	blob := serializeVector([]float32{1.5, -2})
	require.Len(t, blob, 8)
	assert.Equal(t, math.Float32bits(1.5), uint32(blob[0])|uint32(blob[1])<<8|uint32(blob[2])<<16|uint32(blob[3])<<24)
	assert.Equal(t, []float32{1.5, -2}, deserializeVector(blob))
}

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"how does parsing work", `"how" OR "does" OR "parsing" OR "work"`},
		{`foo AND (bar*) NOT "baz"`, `"foo" OR "and" OR "bar" OR "not" OR "baz"`},
		{"Parse parse PARSE", `"parse"`},
		{"user_id: 42", `"user_id" OR "42"`},
		{"  !!! ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, buildFTSQuery(tt.in))
		})
	}
}

func TestNormalizeBM25(t *testing.T) {
	results := []TextResult{{ChunkID: 1, BM25Score: -8}, {ChunkID: 2, BM25Score: -2}}
	normalizeBM25(results)
	assert.InDelta(t, 1.0, results[0].BM25Score, 1e-9)
	assert.InDelta(t, 0.25, results[1].BM25Score, 1e-9)

	zero := []TextResult{{ChunkID: 1, BM25Score: 0}}
	normalizeBM25(zero)
	assert.Equal(t, 1.0, zero[0].BM25Score)
}

func TestSortCandidates_StableTies(t *testing.T) {
	c := []candidate{{chunkID: 3, score: 0.5}, {chunkID: 1, score: 0.9}, {chunkID: 2, score: 0.5}}
	sortCandidates(c)
	assert.Equal(t, []int64{1, 2, 3}, []int64{c[0].chunkID, c[1].chunkID, c[2].chunkID})
}

func TestSearchVector_RanksAndFiltersByModel(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run := startRun(t, s, "r1")
	_, ids := ingestDoc(t, s, "r1", run.ID, "a.go",
		[]string{"north", "east", "south"},
		[][]float32{{0, 1}, {1, 0}, {0, -1}})
	other := &Document{RepositoryID: "r1", Path: "b.go", CreatedRun: run.ID, Status: DocumentIngested}
	require.NoError(t, s.InsertDocument(ctx, other))
	otherIDs, err := s.UpsertChunks(ctx, other.ID, makeChunks("foreign"))
	require.NoError(t, err)
	require.NoError(t, s.SetChunkEmbedding(ctx, otherIDs[0], []float32{0, 1}, "other-model"))
	_, err = s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)

	results, err := s.SearchVector(ctx, "r1", "mock-model", []float32{0, 2}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ids[0], results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].SimilarityScore, 1e-6)
	assert.Equal(t, 0.0, results[2].SimilarityScore, "negative cosine clamps to zero")

	limited, err := s.SearchVector(ctx, "r1", "mock-model", []float32{0, 2}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSearchVector_EdgeCases(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		repoID string
		vector []float32
		limit  int
	}{
		{"empty query vector", "r1", []float32{}, 10},
		{"zero limit", "r1", make([]float32, 8), 0},
		{"negative limit", "r1", make([]float32, 8), -1},
		{"unknown repository", "nope", make([]float32, 8), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.SearchVector(ctx, tt.repoID, "m", tt.vector, tt.limit)
			assert.NoError(t, err)
			assert.NotNil(t, results)
			assert.Empty(t, results)
		})
	}
}

func TestSearchText_OperatorsAreLiteral(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run := startRun(t, s, "r1")
	ingestDoc(t, s, "r1", run.ID, "a.go", []string{"NOT a keyword here", "nothing to see"}, nil)
	_, err := s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)

	results, err := s.SearchText(ctx, "r1", `NOT "keyword`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].BM25Score)

	results, err = s.SearchText(ctx, "r1", "***", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGetChunksByIDs_OnlyVisible(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	createTestRepo(t, s, "r1")

	run := startRun(t, s, "r1")
	_, committed := ingestDoc(t, s, "r1", run.ID, "a.go", []string{"visible"}, nil)
	_, err := s.CommitRun(ctx, "r1", run.ID)
	require.NoError(t, err)

	run2 := startRun(t, s, "r1")
	_, pending := ingestDoc(t, s, "r1", run2.ID, "b.go", []string{"pending"}, nil)

	records, err := s.GetChunksByIDs(ctx, "r1", append(committed, pending...))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.go", records[0].Path)
	assert.Equal(t, "go", records[0].Language)
	assert.Equal(t, "visible", records[0].Content)

	records, err = s.GetChunksByIDs(ctx, "other", committed)
	require.NoError(t, err)
	assert.Empty(t, records)
}
