package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// maxFTSTerms bounds the OR expression built from a free-text query.
const maxFTSTerms = 32

// searchVectorWithQuerier ranks visible chunks embedded with model by cosine
// similarity to queryVector. Vectors of another dimension are skipped.
func (s *SQLiteStorage) searchVectorWithQuerier(ctx context.Context, q querier, repoID, model string, queryVector []float32, limit int) ([]VectorResult, error) {
	if limit <= 0 || len(queryVector) == 0 {
		return []VectorResult{}, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT c.id, c.embedding
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN repositories r ON r.id = d.repository_id
		WHERE r.id = ? AND `+visibleDocument+`
		  AND c.embedding IS NOT NULL
		  AND c.embedding_model = ?
		  AND c.embedding_dim = ?
	`, repoID, model, len(queryVector))
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]candidate, 0, 256)
	for rows.Next() {
		var (
			chunkID int64
			blob    []byte
		)
		if err := rows.Scan(&chunkID, &blob); err != nil {
			return nil, err
		}
		vector := deserializeVector(blob)
		if len(vector) != len(queryVector) {
			continue
		}
		candidates = append(candidates, candidate{
			chunkID: chunkID,
			score:   clampUnit(cosineSimilarity(queryVector, vector)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCandidates(candidates)
	return buildVectorResults(candidates, limit), nil
}

func (s *SQLiteStorage) SearchVector(ctx context.Context, repoID, model string, vector []float32, limit int) ([]VectorResult, error) {
	return s.searchVectorWithQuerier(ctx, s.querier(), repoID, model, vector, limit)
}

// searchTextWithQuerier runs a BM25 ranked FTS5 match over visible chunks.
// Scores are |bm25| divided by the best hit's |bm25|, so the top hit is 1.
func (s *SQLiteStorage) searchTextWithQuerier(ctx context.Context, q querier, repoID, query string, limit int) ([]TextResult, error) {
	match := buildFTSQuery(query)
	if match == "" || limit <= 0 {
		return []TextResult{}, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT chunks_fts.rowid, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		JOIN documents d ON d.id = c.document_id
		JOIN repositories r ON r.id = d.repository_id
		WHERE chunks_fts MATCH ?
		  AND r.id = ?
		  AND `+visibleDocument+`
		ORDER BY score
		LIMIT ?
	`, match, repoID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute text search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]TextResult, 0, limit)
	for rows.Next() {
		var r TextResult
		if err := rows.Scan(&r.ChunkID, &r.BM25Score); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	normalizeBM25(results)
	return results, nil
}

func (s *SQLiteStorage) SearchText(ctx context.Context, repoID, query string, limit int) ([]TextResult, error) {
	return s.searchTextWithQuerier(ctx, s.querier(), repoID, query, limit)
}

// getChunksByIDsWithQuerier loads visible chunks with their document path.
// Ids that are unknown or outside the committed snapshot are omitted.
func (s *SQLiteStorage) getChunksByIDsWithQuerier(ctx context.Context, q querier, repoID string, chunkIDs []int64) ([]*ChunkRecord, error) {
	if len(chunkIDs) == 0 {
		return []*ChunkRecord{}, nil
	}

	args := make([]interface{}, 0, len(chunkIDs)+1)
	args = append(args, repoID)
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+chunkColumns+`, d.path, d.language
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN repositories r ON r.id = d.repository_id
		WHERE r.id = ? AND `+visibleDocument+`
		  AND c.id IN (`+placeholders(len(chunkIDs))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*ChunkRecord, 0, len(chunkIDs))
	for rows.Next() {
		var rec ChunkRecord
		c, err := scanChunk(rows, &rec.Path, &rec.Language)
		if err != nil {
			return nil, err
		}
		rec.Chunk = *c
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) GetChunksByIDs(ctx context.Context, repoID string, chunkIDs []int64) ([]*ChunkRecord, error) {
	return s.getChunksByIDsWithQuerier(ctx, s.querier(), repoID, chunkIDs)
}

func normalizeBM25(results []TextResult) {
	var best float64
	for _, r := range results {
		if a := math.Abs(r.BM25Score); a > best {
			best = a
		}
	}
	for i := range results {
		if best == 0 {
			results[i].BM25Score = 1
			continue
		}
		results[i].BM25Score = math.Abs(results[i].BM25Score) / best
	}
}

// buildVectorResults creates VectorResult slice from sorted candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	if limit > len(candidates) {
		limit = len(candidates)
	}
	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{
			ChunkID:         candidates[i].chunkID,
			SimilarityScore: candidates[i].score,
		}
	}
	return results
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

// candidate represents a chunk with its similarity score
type candidate struct {
	chunkID int64
	score   float64
}

// sortCandidates orders by score descending, then by chunk id so equal
// scores come back in a stable order.
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})
}

// buildFTSQuery turns free text into an FTS5 expression of quoted terms
// joined by OR. Every term is a bare word, so user input cannot inject
// FTS5 operators or column filters.
func buildFTSQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]struct{}, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(w)
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, `"`+w+`"`)
		if len(terms) == maxFTSTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
